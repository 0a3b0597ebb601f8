package host

import (
	"time"

	"github.com/1ureka/rpibridge/internal/protocol"
	"github.com/1ureka/rpibridge/internal/shm"
)

// statusWriter publishes the host's status record on every change and
// again every interval so a late reader always finds a fresh one.
type statusWriter struct {
	ch       *shm.Channel
	interval time.Duration

	current protocol.Status
	dirty   bool
	nextAt  time.Time
}

func newStatusWriter(ch *shm.Channel, interval time.Duration) *statusWriter {
	return &statusWriter{
		ch:       ch,
		interval: interval,
		current:  protocol.Status{Code: protocol.StatusUnavailable, Message: "starting"},
		dirty:    true,
	}
}

// Set records a new status. It is written on the next flush.
func (w *statusWriter) Set(code protocol.StatusCode, detail uint32, message string) {
	next := protocol.Status{Code: code, Detail: detail, Message: message}
	if next == w.current {
		return
	}
	w.current = next
	w.dirty = true
}

// Current returns the last status set.
func (w *statusWriter) Current() protocol.Status { return w.current }

// Flush writes the status if it changed or the republish interval elapsed.
// It reports whether a record was written.
func (w *statusWriter) Flush(now time.Time) (bool, error) {
	if !w.dirty && now.Before(w.nextAt) {
		return false, nil
	}
	if _, err := w.ch.Write(protocol.EncodeStatus(w.current), shm.WriteFlags(statusFlags(w.current.Code))); err != nil {
		return false, err
	}
	w.dirty = false
	w.nextAt = now.Add(w.interval)
	return true, nil
}

func statusFlags(code protocol.StatusCode) uint32 {
	switch code {
	case protocol.StatusOK:
		return 0
	case protocol.StatusShmError, protocol.StatusGuestFailed:
		return shm.FlagUnavailable | shm.FlagError
	}
	return shm.FlagUnavailable
}
