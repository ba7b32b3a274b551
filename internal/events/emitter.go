// Package events fans domain events out to registered sinks. Durable sinks are
// delivered synchronously, with retries, before Emit returns. Lossy sinks are
// fed from a bounded queue by a background worker and may drop events.
package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"cryptoPaperBot/internal/domain"
	"cryptoPaperBot/internal/ports"
)

// Options tunes delivery.
type Options struct {
	// DurableAttempts is the number of delivery attempts for a durable sink.
	DurableAttempts int
	// LossyAttempts is the number of delivery attempts for a lossy sink.
	LossyAttempts int
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	// QueueSize bounds the lossy queue; events are dropped when it is full.
	QueueSize int
	// DeliverTimeout bounds a single Deliver call to a lossy sink.
	DeliverTimeout time.Duration
}

// DefaultOptions returns the delivery settings used by the bot.
func DefaultOptions() Options {
	return Options{
		DurableAttempts: 3,
		LossyAttempts:   3,
		MinBackoff:      100 * time.Millisecond,
		MaxBackoff:      2 * time.Second,
		QueueSize:       256,
		DeliverTimeout:  10 * time.Second,
	}
}

// Emitter implements ports.EventPublisher.
type Emitter struct {
	durable []ports.EventSink
	lossy   []ports.EventSink
	opts    Options
	logger  ports.Logger

	queue     chan domain.Event
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewEmitter splits sinks by Durable() and starts the lossy worker.
func NewEmitter(sinks []ports.EventSink, opts Options, logger ports.Logger) (*Emitter, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for event emitter")
	}
	if opts.DurableAttempts <= 0 {
		opts.DurableAttempts = 1
	}
	if opts.LossyAttempts <= 0 {
		opts.LossyAttempts = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	e := &Emitter{
		opts:   opts,
		logger: logger,
		queue:  make(chan domain.Event, opts.QueueSize),
		done:   make(chan struct{}),
	}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		if s.Durable() {
			e.durable = append(e.durable, s)
		} else {
			e.lossy = append(e.lossy, s)
		}
	}
	go e.worker()
	return e, nil
}

// Emit delivers ev to every durable sink and queues it for the lossy ones. It
// returns an error naming the durable sinks that failed after all retries.
func (e *Emitter) Emit(ctx context.Context, ev domain.Event) error {
	var errs []string
	for _, s := range e.durable {
		if err := e.deliver(ctx, s, ev, e.opts.DurableAttempts); err != nil {
			e.logger.Error(ctx, err, "Durable sink failed", map[string]interface{}{"sink": s.Name(), "event": string(ev.Type), "id": ev.ID})
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}

	if len(e.lossy) > 0 {
		e.mu.RLock()
		if !e.closed {
			select {
			case e.queue <- ev:
			default:
				e.logger.Warn(ctx, "Lossy event queue full; dropping event", map[string]interface{}{"event": string(ev.Type), "id": ev.ID})
			}
		}
		e.mu.RUnlock()
	}

	if len(errs) > 0 {
		return fmt.Errorf("events: %d durable sink(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Close stops accepting lossy events and drains the queue, giving up when ctx
// is done.
func (e *Emitter) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()
	})
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining lossy sinks: %w", ctx.Err())
	}
}

func (e *Emitter) worker() {
	defer close(e.done)
	for ev := range e.queue {
		for _, s := range e.lossy {
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.DeliverTimeout)
			if err := e.deliver(ctx, s, ev, e.opts.LossyAttempts); err != nil {
				e.logger.Warn(ctx, "Lossy sink failed; event dropped", map[string]interface{}{"sink": s.Name(), "event": string(ev.Type), "id": ev.ID, "error": err.Error()})
			}
			cancel()
		}
	}
}

func (e *Emitter) deliver(ctx context.Context, s ports.EventSink, ev domain.Event, attempts int) error {
	b := &backoff.Backoff{Min: e.opts.MinBackoff, Max: e.opts.MaxBackoff, Factor: 2, Jitter: true}
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.Deliver(ctx, ev); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		wait := b.Duration()
		e.logger.Debug(ctx, "Retrying sink delivery", map[string]interface{}{"sink": s.Name(), "attempt": i + 1, "wait": wait})
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ports.ErrContextCanceled, ctx.Err())
		}
	}
	return err
}
