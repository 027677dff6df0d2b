package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drksbr/relaymux/internal/access"
	"github.com/drksbr/relaymux/internal/accounting"
)

// copyBufSize is the read granularity of each pump direction. It must not
// exceed the bandwidth bucket burst.
const copyBufSize = 32 * 1024

// pump copies bytes between the decoded client stream and the target
// connection, one goroutine per direction so a stall on one side never
// blocks the other. It owns teardown: whichever direction (or the idle
// watchdog, or context cancellation) finishes first closes both sockets
// exactly once, which unblocks the remaining reads.
type pump struct {
	session *Session
	stream  io.ReadWriter
	client  net.Conn
	target  net.Conn
	bucket  *access.Bucket
	acct    *accounting.Accountant
	metrics *serverMetrics

	idleTimeout time.Duration

	closeOnce sync.Once
	closed    atomic.Bool // both sockets closed; later read errors are expected

	errMu    sync.Mutex
	firstErr error
}

func newPump(session *Session, stream io.ReadWriter, client, target net.Conn,
	bucket *access.Bucket, acct *accounting.Accountant, metrics *serverMetrics,
	idleTimeout time.Duration) *pump {
	return &pump{
		session:     session,
		stream:      stream,
		client:      client,
		target:      target,
		bucket:      bucket,
		acct:        acct,
		metrics:     metrics,
		idleTimeout: idleTimeout,
	}
}

// run relays until both directions finish. The returned error is the first
// real transfer failure; EOF, idle expiry and context cancellation are
// clean terminations.
func (p *pump) run(ctx context.Context) error {
	p.session.advance(StateRelaying)

	watchCtx, stopWatch := context.WithCancel(ctx)
	go p.watchdog(watchCtx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.copyLoop(ctx, p.stream, p.target, true)
	}()
	go func() {
		defer wg.Done()
		p.copyLoop(ctx, p.target, p.stream, false)
	}()
	wg.Wait()
	stopWatch()

	p.session.advance(StateClosed)
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.firstErr
}

func (p *pump) copyLoop(ctx context.Context, src io.Reader, dst io.Writer, inbound bool) {
	buf := make([]byte, copyBufSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			// Backpressure before the bytes move on: an empty bucket
			// suspends the loop, it never drops data.
			if err := p.bucket.Wait(ctx, n); err != nil {
				p.finish(nil)
				return
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				p.finish(err)
				return
			}
			if inbound {
				p.session.addBytes(int64(n), 0)
				p.acct.AddBytes(p.session.protocol, int64(n), 0)
			} else {
				p.session.addBytes(0, int64(n))
				p.acct.AddBytes(p.session.protocol, 0, int64(n))
			}
			p.metrics.addBytes(p.session.protocol, inbound, n)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				p.finish(nil)
			} else {
				p.finish(readErr)
			}
			return
		}
	}
}

// watchdog force-closes the session when no bytes moved in either
// direction for idleTimeout, and on process-wide cancellation. Closing
// both sockets after the pump already finished is a no-op.
func (p *pump) watchdog(ctx context.Context) {
	if p.idleTimeout <= 0 {
		<-ctx.Done()
		p.closeBoth()
		return
	}
	granularity := p.idleTimeout / 4
	if granularity < 10*time.Millisecond {
		granularity = 10 * time.Millisecond
	}
	ticker := time.NewTicker(granularity)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.closeBoth()
			return
		case now := <-ticker.C:
			if p.session.idleFor(now) >= p.idleTimeout {
				p.metrics.idleCloses.Inc()
				p.closeBoth()
				return
			}
		}
	}
}

// finish records the direction outcome and tears the session down. Once
// teardown started, the peer direction's read fails with ErrClosed; that
// is the close propagating, not a transfer failure.
func (p *pump) finish(err error) {
	if err != nil && !p.closed.Load() && !errors.Is(err, net.ErrClosed) {
		p.errMu.Lock()
		if p.firstErr == nil {
			p.firstErr = err
		}
		p.errMu.Unlock()
	}
	p.closeBoth()
}

func (p *pump) closeBoth() {
	p.closeOnce.Do(func() {
		// Flag before closing so reads unblocked by the close observe it.
		p.closed.Store(true)
		p.session.advance(StateClosing)
		_ = p.client.Close()
		_ = p.target.Close()
	})
}
