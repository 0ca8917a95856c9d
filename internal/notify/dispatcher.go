package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/user/keypool/internal/metrics"
)

// DispatcherConfig tunes delivery.
type DispatcherConfig struct {
	QueueSize   int           // pending alerts before new ones are dropped (default 64)
	MaxAttempts int           // tries per sender (default 3)
	RetryBase   time.Duration // backoff is attempt*attempt*RetryBase (default 200ms)
	SendTimeout time.Duration // per try (default 10s)
}

// Dispatcher fans alerts out to its senders from a background goroutine.
type Dispatcher struct {
	senders []Sender
	cfg     DispatcherConfig
	metrics *metrics.Collector

	queue     chan KeyFound
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewDispatcher starts a dispatcher. Nil senders are skipped.
func NewDispatcher(cfg DispatcherConfig, m *metrics.Collector, senders ...Sender) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	d := &Dispatcher{
		cfg:     cfg,
		metrics: m,
		queue:   make(chan KeyFound, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	for _, s := range senders {
		if s != nil && !isNilSender(s) {
			d.senders = append(d.senders, s)
		}
	}
	go d.loop()
	return d
}

// isNilSender catches typed nils such as a (*TelegramSender)(nil) passed
// through the Sender interface.
func isNilSender(s Sender) bool {
	switch v := s.(type) {
	case *TelegramSender:
		return v == nil
	case *WebhookSender:
		return v == nil
	}
	return false
}

// Senders reports the configured destinations.
func (d *Dispatcher) Senders() []string {
	names := make([]string, 0, len(d.senders))
	for _, s := range d.senders {
		names = append(names, s.Name())
	}
	return names
}

// Notify queues an alert. It never blocks; a full queue drops the alert.
func (d *Dispatcher) Notify(k KeyFound) {
	if len(d.senders) == 0 {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- k:
	default:
		slog.Warn("notification queue full, dropping alert", "event_id", k.EventID, "puzzle", k.Puzzle)
		d.metrics.NotificationFailed("queue")
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered or
// for ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for k := range d.queue {
		for _, s := range d.senders {
			d.deliver(s, k)
		}
	}
}

func (d *Dispatcher) deliver(s Sender, k KeyFound) {
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
		err = s.Send(ctx, k)
		cancel()
		if err == nil {
			slog.Debug("notification delivered", "sender", s.Name(), "event_id", k.EventID, "attempt", attempt)
			return
		}
		if attempt < d.cfg.MaxAttempts {
			time.Sleep(time.Duration(attempt*attempt) * d.cfg.RetryBase)
		}
	}
	slog.Warn("notification failed", "sender", s.Name(), "event_id", k.EventID, "puzzle", k.Puzzle, "error", err)
	d.metrics.NotificationFailed(s.Name())
}
