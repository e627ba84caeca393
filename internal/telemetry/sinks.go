package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/nats-io/nats.go"
)

// event is the match-event tap's wire shape: deliberately flat and small,
// since this is an observability mirror, not a record-of-truth (spec.md's
// Non-goals exclude persistent packet storage).
type event struct {
	Kind      string `json:"kind"`
	Direction string `json:"direction,omitempty"`
	Rule      string `json:"rule,omitempty"`
}

// EventTap fans a stream of events out to whichever of NATS/file is
// configured. Either, both, or neither may be active; publish is always
// best-effort and never blocks the caller on I/O failure.
type EventTap struct {
	nc      *nats.Conn
	subject string

	fileMu sync.Mutex
	file   *os.File
}

// NewEventTap opens the configured sinks. Both natsURL and filePath may be
// empty to disable that sink; an error from either disables just that one
// and is logged, not returned, since C10 is never allowed to block startup.
func NewEventTap(natsURL, natsSubject, filePath string) *EventTap {
	tap := &EventTap{subject: natsSubject}

	if natsURL != "" {
		nc, err := nats.Connect(natsURL)
		if err != nil {
			slog.Warn("telemetry: failed to connect to nats, event publishing to nats disabled", "url", natsURL, "error", err)
		} else {
			tap.nc = nc
		}
	}

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Warn("telemetry: failed to open event file, file sink disabled", "path", filePath, "error", err)
		} else {
			tap.file = f
		}
	}

	return tap
}

// Close releases the tap's open resources.
func (t *EventTap) Close() {
	if t == nil {
		return
	}
	if t.nc != nil {
		t.nc.Close()
	}
	if t.file != nil {
		t.file.Close()
	}
}

func (t *EventTap) publish(e event) {
	if t == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}

	if t.nc != nil {
		if err := t.nc.Publish(t.subject, data); err != nil {
			slog.Debug("telemetry: nats publish failed", "error", err)
		}
	}

	if t.file != nil {
		t.fileMu.Lock()
		_, err := t.file.Write(append(data, '\n'))
		t.fileMu.Unlock()
		if err != nil {
			slog.Debug("telemetry: event file write failed", "error", err)
		}
	}
}
