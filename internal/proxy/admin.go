package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drksbr/relaymux/internal/config"
)

// adminServer exposes the operational surface on its own loopback-friendly
// port: status and session JSON, Prometheus metrics and listener control.
// It never shares a socket with a proxy listener.
type adminServer struct {
	srv  *Server
	http *http.Server
}

func newAdminServer(s *Server) *adminServer {
	a := &adminServer{srv: s}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status.json", a.handleStatus)
	mux.HandleFunc("GET /sessions.json", a.handleSessions)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /listeners/{protocol}/start", a.handleListenerStart)
	mux.HandleFunc("POST /listeners/{protocol}/stop", a.handleListenerStop)
	mux.HandleFunc("POST /shutdown", a.handleShutdown)

	a.http = &http.Server{
		Addr:              s.cfg.Admin.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a
}

func (a *adminServer) start() error {
	ln, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		return fmt.Errorf("bind admin on %s: %w", a.http.Addr, err)
	}
	a.srv.logger.Info("admin listening", "addr", ln.Addr().String())
	go func() {
		if err := a.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.srv.logger.Warn("admin serve", "error", err)
		}
	}()
	return nil
}

func (a *adminServer) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.http.Shutdown(ctx); err != nil {
		a.srv.logger.Warn("admin shutdown", "error", err)
	}
}

func (a *adminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.srv.collectStatus())
}

func (a *adminServer) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.srv.Sessions())
}

func (a *adminServer) handleListenerStart(w http.ResponseWriter, r *http.Request) {
	protocol := config.Protocol(r.PathValue("protocol"))
	if err := a.srv.StartListener(protocol); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"protocol": string(protocol), "state": "started"})
}

func (a *adminServer) handleListenerStop(w http.ResponseWriter, r *http.Request) {
	protocol := config.Protocol(r.PathValue("protocol"))
	if err := a.srv.StopListener(protocol); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]string{"protocol": string(protocol), "state": "stopped"})
}

func (a *adminServer) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	a.srv.requestShutdown()
	writeJSON(w, map[string]string{"state": "shutting-down"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
