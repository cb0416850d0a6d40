// Package notify delivers post-commit "question set updated" events to
// realtime sinks. Delivery is attempted once and never retried.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const EventQuestionSetUpdated = "question-set-updated"

// Event announces a committed save.
type Event struct {
	Type    string    `json:"type"`
	OwnerID string    `json:"ownerId"`
	SetID   int64     `json:"setId"`
	Version int64     `json:"version"`
	At      time.Time `json:"at"`
}

// Notifier is one outward delivery channel.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Dispatcher fans an event out to its sinks in the background. Each sink
// gets one attempt bounded by the dispatcher timeout.
type Dispatcher struct {
	sinks   []Notifier
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewDispatcher(logger *slog.Logger, timeout time.Duration, sinks ...Notifier) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	active := make([]Notifier, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			active = append(active, sink)
		}
	}
	return &Dispatcher{sinks: active, timeout: timeout, logger: logger}
}

// Dispatch returns immediately. It must only be called after the save has
// committed.
func (d *Dispatcher) Dispatch(event Event) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	if event.Type == "" {
		event.Type = EventQuestionSetUpdated
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	for _, sink := range d.sinks {
		d.wg.Add(1)
		go func(sink Notifier) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := sink.Notify(ctx, event); err != nil {
				d.logger.Warn("notify failed",
					"owner_id", event.OwnerID,
					"set_id", event.SetID,
					"version", event.Version,
					"timeout", errors.Is(err, context.DeadlineExceeded),
					"error", err,
				)
			}
		}(sink)
	}
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	if d == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
