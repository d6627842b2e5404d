package access

import (
	"context"
	"sync"
	"time"

	"github.com/oarkflow/access/logger"
)

// Notification is a message delivered over an MFA channel.
type Notification struct {
	Channel FactorType
	UserID  string
	Target  string
	Subject string
	Body    string
}

// Notifier delivers notifications (SMS gateway, mailer, push service).
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// NullNotifier drops every notification.
type NullNotifier struct{}

func (NullNotifier) Send(context.Context, Notification) error { return nil }

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Send(ctx context.Context, n Notification) error { return f(ctx, n) }

// Dispatcher sends notifications from a single background worker so callers
// never block on delivery. Failures are logged, audited and counted.
type Dispatcher struct {
	notifier Notifier
	auditor  *Auditor
	metrics  *Metrics
	log      logger.Logger
	timeout  time.Duration

	ch        chan Notification
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewDispatcher starts the worker. A nil notifier sends nothing.
func NewDispatcher(n Notifier, auditor *Auditor, metrics *Metrics, log logger.Logger, bufferSize int) *Dispatcher {
	if n == nil {
		n = NullNotifier{}
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	d := &Dispatcher{
		notifier: n,
		auditor:  auditor,
		metrics:  metrics,
		log:      log,
		timeout:  10 * time.Second,
		ch:       make(chan Notification, bufferSize),
		done:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.ch {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	err := d.notifier.Send(ctx, n)
	d.metrics.notification(n.Channel, err == nil)
	if err == nil {
		return
	}
	d.log.Error("notification failed", "channel", string(n.Channel), "user_id", n.UserID, "error", err)
	d.fail(ctx, n, err.Error())
}

func (d *Dispatcher) fail(ctx context.Context, n Notification, msg string) {
	if d.auditor == nil {
		return
	}
	d.auditor.Event(ctx, &SecurityEvent{
		Type:     EventNotifyFailed,
		Severity: SeverityMedium,
		UserID:   n.UserID,
		Details:  map[string]any{"channel": string(n.Channel), "error": msg},
	})
}

// Dispatch queues n. It never blocks; a full queue counts as a failed
// delivery.
func (d *Dispatcher) Dispatch(n Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- n:
	default:
		d.metrics.notification(n.Channel, false)
		d.log.Warn("notification queue full", "channel", string(n.Channel), "user_id", n.UserID)
		d.fail(context.Background(), n, "queue full")
	}
}

// Close stops accepting notifications and waits for queued ones to drain.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.ch)
		d.mu.Unlock()
		<-d.done
	})
}
