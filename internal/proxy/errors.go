package proxy

import (
	"errors"
	"fmt"
)

// failureKind buckets session failures for metrics and logging. Policy and
// decrypt failures are closed silently on the wire; the others get a
// protocol-level reply where the protocol defines one.
type failureKind string

const (
	failPolicy    failureKind = "policy"
	failHandshake failureKind = "handshake"
	failAuth      failureKind = "auth"
	failDecrypt   failureKind = "decrypt"
	failUpstream  failureKind = "upstream"
	failRelay     failureKind = "relay"
)

var (
	// errIPDenied and errOverLimit reject a peer before any protocol
	// bytes are exchanged.
	errIPDenied  = errors.New("source address not allowed")
	errOverLimit = errors.New("connection limit reached")

	errReplayedSalt     = errors.New("handshake salt replayed")
	errHandshakeBacklog = errors.New("handshake backlog full")
)

type sessionError struct {
	kind failureKind
	err  error
}

func (e *sessionError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *sessionError) Unwrap() error { return e.err }

func failf(kind failureKind, format string, args ...any) error {
	return &sessionError{kind: kind, err: fmt.Errorf(format, args...)}
}

func fail(kind failureKind, err error) error {
	if err == nil {
		return nil
	}
	return &sessionError{kind: kind, err: err}
}

// kindOf classifies err, defaulting to relay for plain I/O errors.
func kindOf(err error) failureKind {
	var se *sessionError
	if errors.As(err, &se) {
		return se.kind
	}
	return failRelay
}
