package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/drksbr/relaymux/internal/config"
	"github.com/drksbr/relaymux/internal/protocol"
)

const (
	respEstablished  = "HTTP/1.1 200 Connection Established\r\n\r\n"
	respBadGateway   = "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\n\r\n"
	respAuthRequired = "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"relaymux\"\r\nContent-Length: 0\r\n\r\n"
)

// hop-by-hop headers stripped when forwarding an absolute-form request.
var hopHeaders = map[string]bool{
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
}

// httpCodec terminates HTTP proxy clients. CONNECT turns the connection
// into an opaque tunnel; an absolute-form request is rewritten to
// origin-form and forwarded, after which the connection is relayed
// verbatim so keep-alive exchanges pass through unparsed.
type httpCodec struct {
	username string
	password string
}

func newHTTPCodec(cfg config.Listener) *httpCodec {
	return &httpCodec{username: cfg.Username, password: cfg.Password}
}

func (c *httpCodec) Name() string { return string(config.ProtocolHTTP) }

func (c *httpCodec) Handshake(ctx context.Context, conn net.Conn) (*Handshake, error) {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, failf(failHandshake, "read request: %w", err)
	}

	if c.username != "" {
		if !c.authorized(req.Header.Get("Proxy-Authorization")) {
			_, _ = conn.Write([]byte(respAuthRequired))
			return nil, failf(failAuth, "missing or invalid proxy credentials from %s", conn.RemoteAddr())
		}
	}

	stream := &httpStream{reader: br, conn: conn}

	if req.Method == http.MethodConnect {
		target, err := parseHostPort(req.Host, 443)
		if err != nil {
			_, _ = conn.Write([]byte(respBadGateway))
			return nil, failf(failHandshake, "bad CONNECT target %q: %w", req.Host, err)
		}
		return &Handshake{
			Target: target,
			Stream: stream,
			ReplyDial: func(_ net.Conn, dialErr error) error {
				if dialErr != nil {
					_, err := conn.Write([]byte(respBadGateway))
					return err
				}
				_, err := conn.Write([]byte(respEstablished))
				return err
			},
		}, nil
	}

	// Absolute-form plain request: the target comes from the URL, with
	// the Host header as fallback for clients already in origin-form.
	hostport := req.URL.Host
	if hostport == "" {
		hostport = req.Host
	}
	if hostport == "" {
		_, _ = conn.Write([]byte(respBadGateway))
		return nil, failf(failHandshake, "request carries no target host")
	}
	target, err := parseHostPort(hostport, 80)
	if err != nil {
		_, _ = conn.Write([]byte(respBadGateway))
		return nil, failf(failHandshake, "bad target %q: %w", hostport, err)
	}

	return &Handshake{
		Target:   target,
		Stream:   stream,
		Preamble: rewriteRequestHead(req, target),
		ReplyDial: func(_ net.Conn, dialErr error) error {
			if dialErr != nil {
				_, err := conn.Write([]byte(respBadGateway))
				return err
			}
			return nil
		},
	}, nil
}

func (c *httpCodec) authorized(header string) bool {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return false
	}
	username, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.username))
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(c.password))
	return userOK&passOK == 1
}

// rewriteRequestHead rebuilds the request head in origin-form with proxy
// hop headers removed. The body was not consumed from the parse buffer,
// so it follows the head verbatim through the pump.
func rewriteRequestHead(req *http.Request, target protocol.Addr) []byte {
	var head bytes.Buffer
	requestURI := req.URL.RequestURI()
	if requestURI == "" {
		requestURI = "/"
	}
	fmt.Fprintf(&head, "%s %s %s\r\n", req.Method, requestURI, req.Proto)
	fmt.Fprintf(&head, "Host: %s\r\n", hostHeaderValue(req, target))

	names := make([]string, 0, len(req.Header))
	for name := range req.Header {
		if !hopHeaders[name] && name != "Host" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range req.Header[name] {
			fmt.Fprintf(&head, "%s: %s\r\n", name, value)
		}
	}
	// ReadRequest moves Transfer-Encoding out of the header map.
	if len(req.TransferEncoding) > 0 {
		fmt.Fprintf(&head, "Transfer-Encoding: %s\r\n", strings.Join(req.TransferEncoding, ", "))
	}
	head.WriteString("\r\n")
	return head.Bytes()
}

func hostHeaderValue(req *http.Request, target protocol.Addr) string {
	if req.Host != "" && !req.URL.IsAbs() {
		return req.Host
	}
	if req.URL.Host != "" {
		return req.URL.Host
	}
	return target.String()
}

func parseHostPort(hostport string, defaultPort int) (protocol.Addr, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port in the authority; fall back to the scheme default.
		return protocol.Addr{Host: strings.Trim(hostport, "[]"), Port: defaultPort}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return protocol.Addr{}, fmt.Errorf("invalid port %q", portStr)
	}
	return protocol.Addr{Host: host, Port: port}, nil
}

// httpStream reads through the parse buffer (which may hold body bytes
// already received) and writes straight to the socket.
type httpStream struct {
	reader *bufio.Reader
	conn   net.Conn
}

func (s *httpStream) Read(p []byte) (int, error)  { return s.reader.Read(p) }
func (s *httpStream) Write(p []byte) (int, error) { return s.conn.Write(p) }
