package proxy

import (
	"sort"
	"time"

	"github.com/drksbr/relaymux/internal/accounting"
	"github.com/drksbr/relaymux/internal/version"
)

type statusPayload struct {
	GeneratedAt time.Time           `json:"generatedAt"`
	Version     string              `json:"version"`
	Uptime      string              `json:"uptime"`
	Listeners   []statusListener    `json:"listeners"`
	Traffic     accounting.Snapshot `json:"traffic"`
	Resources   resourceSnapshot    `json:"resources"`
}

type statusListener struct {
	Protocol string `json:"protocol"`
	Listen   string `json:"listen"`
	Running  bool   `json:"running"`
	Bound    string `json:"bound,omitempty"`
}

func (s *Server) collectStatus() statusPayload {
	snap := s.acct.Snapshot()

	listeners := make([]statusListener, 0, len(s.listeners))
	for protocol, ln := range s.listeners {
		entry := statusListener{
			Protocol: string(protocol),
			Listen:   ln.cfg.Listen,
			Running:  ln.Running(),
		}
		if addr := ln.Addr(); addr != nil {
			entry.Bound = addr.String()
		}
		listeners = append(listeners, entry)
	}
	sort.Slice(listeners, func(i, j int) bool {
		return listeners[i].Protocol < listeners[j].Protocol
	})

	return statusPayload{
		GeneratedAt: time.Now(),
		Version:     version.Version,
		Uptime:      time.Since(snap.StartedAt).Round(time.Second).String(),
		Listeners:   listeners,
		Traffic:     snap,
		Resources:   s.resources.snapshot(),
	}
}
