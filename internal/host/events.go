package host

import (
	"context"
	"time"

	"github.com/loykin/hostd/internal/history"
	"github.com/loykin/hostd/internal/metrics"
	"github.com/loykin/hostd/internal/supervisor"
)

const subscriberBuffer = 32

// Subscribe returns a channel of supervisor events and a cancel function.
// Slow subscribers lose events rather than stall the dispatcher. The channel
// is closed by cancel or when the host closes.
func (h *Host) Subscribe() (<-chan supervisor.Event, func()) {
	ch := make(chan supervisor.Event, subscriberBuffer)
	h.subsMu.Lock()
	if h.subs == nil {
		// dispatcher already finished
		h.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.subsMu.Unlock()

	return ch, func() {
		h.subsMu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.subsMu.Unlock()
	}
}

// dispatch is the single reader of the supervisor's event stream.
func (h *Host) dispatch() {
	defer close(h.dispatchDone)
	for ev := range h.sup.Events() {
		h.fanOut(ev)
		h.export(ev)
	}
	h.closeSubscribers()
}

func (h *Host) closeSubscribers() {
	h.subsMu.Lock()
	for id, c := range h.subs {
		close(c)
		delete(h.subs, id)
	}
	h.subs = nil
	h.subsMu.Unlock()
}

func (h *Host) fanOut(ev supervisor.Event) {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for _, c := range h.subs {
		select {
		case c <- ev:
		default:
			metrics.IncEventsDropped("subscriber")
		}
	}
}

func (h *Host) export(ev supervisor.Event) {
	if len(h.sinks) == 0 {
		return
	}
	he := toHistory(ev, h.cfg.Backend.Name)
	timeout := h.cfg.History.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	for _, s := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.Send(ctx, he); err != nil {
			h.log.Warn("history export failed", "kind", he.Kind, "error", err)
		}
		cancel()
	}
}

func toHistory(ev supervisor.Event, backend string) history.Event {
	return history.Event{
		Kind:       history.EventKind(ev.Kind),
		OccurredAt: ev.At,
		Backend:    backend,
		RunID:      ev.RunID,
		PID:        ev.PID,
		Port:       ev.Port,
		FromState:  ev.From,
		ToState:    ev.To,
		ExitCode:   ev.ExitCode,
		Signal:     ev.Signal,
		Expected:   ev.Expected,
		Error:      ev.Error,
	}
}
