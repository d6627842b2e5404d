package access

import (
	"context"
	"sync"
	"time"

	"github.com/oarkflow/access/logger"
)

type auditItem struct {
	log   *AuditLog
	event *SecurityEvent
}

// Auditor writes audit logs and security events. Writes go through a
// buffered channel drained by one goroutine so the decision path never waits
// on the store; when the buffer is full the record is dropped and logged.
// Critical security events bypass the buffer and are written inline.
type Auditor struct {
	store   AuditStore
	log     logger.Logger
	metrics *Metrics

	ch        chan auditItem
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewAuditor starts the writer. A nil store only logs. bufferSize <= 0
// makes every write synchronous.
func NewAuditor(store AuditStore, log logger.Logger, bufferSize int) *Auditor {
	if log == nil {
		log = logger.NewNullLogger()
	}
	a := &Auditor{store: store, log: log, done: make(chan struct{})}
	if store == nil || bufferSize <= 0 {
		close(a.done)
		return a
	}
	a.ch = make(chan auditItem, bufferSize)
	go a.run()
	return a
}

// SetMetrics attaches counters for dropped records and security events.
func (a *Auditor) SetMetrics(m *Metrics) { a.metrics = m }

func (a *Auditor) run() {
	defer close(a.done)
	bg := context.Background()
	for it := range a.ch {
		a.write(bg, it)
	}
}

func (a *Auditor) write(ctx context.Context, it auditItem) {
	if a.store == nil {
		return
	}
	var err error
	if it.log != nil {
		err = a.store.LogAudit(ctx, it.log)
	} else if it.event != nil {
		err = a.store.LogSecurityEvent(ctx, it.event)
	}
	if err != nil {
		a.log.Error("audit write failed", "error", err)
	}
}

func (a *Auditor) enqueue(ctx context.Context, it auditItem) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.ch == nil || a.closed {
		a.write(ctx, it)
		return
	}
	select {
	case a.ch <- it:
	default:
		a.metrics.auditDropped()
		a.log.Error("audit buffer full, record dropped")
	}
}

// Record appends an audit log, filling id and timestamp when empty.
func (a *Auditor) Record(ctx context.Context, entry *AuditLog) {
	if entry.ID == "" {
		entry.ID = NewEventID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	a.enqueue(ctx, auditItem{log: entry})
}

// Event appends a security event and mirrors it to the logger.
func (a *Auditor) Event(ctx context.Context, ev *SecurityEvent) {
	if ev.ID == "" {
		ev.ID = NewEventID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	a.metrics.securityEvent(ev)
	kv := []any{"type", ev.Type, "severity", string(ev.Severity), "user_id", ev.UserID, "ip", ev.IP}
	switch ev.Severity {
	case SeverityCritical:
		a.log.Error("security event", kv...)
		// never dropped
		a.write(ctx, auditItem{event: ev})
		return
	case SeverityHigh:
		a.log.Warn("security event", kv...)
	default:
		a.log.Info("security event", kv...)
	}
	a.enqueue(ctx, auditItem{event: ev})
}

// Close drains the buffer and stops the writer.
func (a *Auditor) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		if a.ch != nil {
			close(a.ch)
		}
		a.mu.Unlock()
		<-a.done
	})
}
