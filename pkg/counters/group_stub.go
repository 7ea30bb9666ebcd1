//go:build !linux
// +build !linux

package counters

// Platform fallback for non-Linux systems (development only).
// Measurement requires perf_event_open, which is Linux-only.

import "go.uber.org/zap"

// Group is a placeholder off Linux; Open never hands one out.
type Group struct{}

// Open logs a warning and reports the platform as unsupported.
func Open(logger *zap.Logger, software, hardware []Event) (*Group, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("Perf event counters not available on this platform (Linux-only)")
	return nil, ErrUnsupported
}

func (g *Group) Start() error { return ErrUnsupported }

func (g *Group) Stop() error { return ErrUnsupported }

func (g *Group) Counts() []uint64 { return nil }

func (g *Group) Opened(ev Event) (slot int, ok bool) { return -1, false }

func (g *Group) Close() error { return nil }
