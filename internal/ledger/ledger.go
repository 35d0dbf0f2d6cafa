// Package ledger is the execution substrate for the gateway and the
// dispatch engine. It totally orders mutating calls, applies each one
// atomically or not at all, stamps it with a monotonic timestamp, and
// keeps the append-only event log.
package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/example/private-dispatch/internal/apperr"
	"github.com/example/private-dispatch/internal/models"
	"github.com/example/private-dispatch/internal/observability"
)

// Journal durably stores committed events. A failed Append rejects
// the whole operation.
type Journal interface {
	Append(ctx context.Context, events []models.Event) error
}

// Publisher receives committed events from a background queue, in
// commit order. Failures are logged and never undo the operation.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, events []models.Event) error
}

type Clock func() time.Time

type Ledger struct {
	mu    sync.RWMutex
	clock Clock
	last  time.Time
	seq   uint64
	log   []models.Event

	journal        Journal
	publishers     []Publisher
	publishTimeout time.Duration
	pubMu          sync.Mutex

	queueSize int
	queue     chan publishJob
	stopped   chan struct{}
	closed    bool

	logger *slog.Logger
}

// publishJob is one committed batch, or a flush marker when done is
// set.
type publishJob struct {
	events []models.Event
	done   chan struct{}
}

const defaultQueueSize = 1024

type Option func(*Ledger)

func WithClock(c Clock) Option { return func(l *Ledger) { l.clock = c } }

func WithJournal(j Journal) Option { return func(l *Ledger) { l.journal = j } }

func WithPublisher(p Publisher) Option {
	return func(l *Ledger) { l.publishers = append(l.publishers, p) }
}

func WithLogger(lg *slog.Logger) Option { return func(l *Ledger) { l.logger = lg } }

func WithPublishTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.publishTimeout = d }
}

// WithPublishQueue bounds the number of committed batches waiting for
// publishers. When the queue is full new batches are dropped.
func WithPublishQueue(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.queueSize = n
		}
	}
}

// New starts the publish worker. Call Close to stop it.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		clock:          time.Now,
		publishTimeout: 2 * time.Second,
		queueSize:      defaultQueueSize,
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	l.queue = make(chan publishJob, l.queueSize)
	l.stopped = make(chan struct{})
	go l.runPublisher()
	return l
}

// Restore loads previously journaled events so the sequence, the clock
// and the event log continue where they left off. It must be called
// before the first Submit and does not republish anything.
func (l *Ledger) Restore(events []models.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seq != 0 {
		return errors.New("ledger: restore after first commit")
	}
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			return errors.Errorf("ledger: journal gap, want seq %d got %d", i+1, ev.Seq)
		}
		if ev.Time.After(l.last) {
			l.last = ev.Time
		}
	}
	l.log = append([]models.Event(nil), events...)
	l.seq = uint64(len(events))
	return nil
}

// AddPublisher registers p for events committed from now on.
func (l *Ledger) AddPublisher(p Publisher) {
	l.pubMu.Lock()
	defer l.pubMu.Unlock()
	l.publishers = append(l.publishers, p)
}

// Tx stages the effects of one operation. Nothing staged is visible
// until the operation commits.
type Tx struct {
	now    time.Time
	events []models.Event
	muts   []func()
}

// Now is the operation's timestamp. It never goes backwards across
// operations.
func (tx *Tx) Now() time.Time { return tx.now }

// Emit stages an event.
func (tx *Tx) Emit(ev models.Event) {
	if ev.Time.IsZero() {
		ev.Time = tx.now
	}
	tx.events = append(tx.events, ev)
}

// Defer stages a state mutation. Mutations run in order, only on
// commit, and must not fail.
func (tx *Tx) Defer(f func()) { tx.muts = append(tx.muts, f) }

// Submit runs fn under the write lock. fn validates against current
// state and stages its effects on the Tx. If fn fails, or the journal
// rejects the events, no staged mutation runs.
func (l *Ledger) Submit(ctx context.Context, op string, fn func(tx *Tx) error) error {
	start := time.Now()
	err := l.submit(ctx, fn)
	observability.OperationsTotal.WithLabelValues(op, resultCode(err)).Inc()
	observability.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		l.logger.Debug("operation rejected", "op", op, "code", resultCode(err), "error", err)
	}
	return err
}

func (l *Ledger) submit(ctx context.Context, fn func(tx *Tx) error) error {
	l.mu.Lock()
	tx := &Tx{now: l.tick()}
	if err := fn(tx); err != nil {
		l.mu.Unlock()
		return err
	}

	seq := l.seq
	for i := range tx.events {
		seq++
		tx.events[i].Seq = seq
	}
	if l.journal != nil && len(tx.events) > 0 {
		if err := l.journal.Append(ctx, tx.events); err != nil {
			l.mu.Unlock()
			return errors.Wrap(err, "journal append")
		}
	}
	for _, m := range tx.muts {
		m()
	}
	l.seq = seq
	l.log = append(l.log, tx.events...)
	l.enqueue(tx.events)
	l.mu.Unlock()
	return nil
}

// enqueue must be called with l.mu held so batches enter the queue in
// commit order. It never blocks.
func (l *Ledger) enqueue(events []models.Event) {
	if len(events) == 0 || l.closed {
		return
	}
	select {
	case l.queue <- publishJob{events: events}:
	default:
		observability.EventsPublished.WithLabelValues("queue", "dropped").Add(float64(len(events)))
		l.logger.Warn("publish queue full, events dropped", "first_seq", events[0].Seq, "events", len(events))
	}
}

func (l *Ledger) runPublisher() {
	defer close(l.stopped)
	for job := range l.queue {
		if len(job.events) > 0 {
			l.publish(job.events)
		}
		if job.done != nil {
			close(job.done)
		}
	}
}

// Flush waits until every batch committed before the call has been
// handed to the publishers.
func (l *Ledger) Flush() {
	done := make(chan struct{})
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return
	}
	l.queue <- publishJob{done: done}
	l.mu.RUnlock()
	<-done
}

// Close publishes what is queued and stops the worker. Later commits
// are still journaled but not published.
func (l *Ledger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	<-l.stopped
}

// tick must be called with l.mu held.
func (l *Ledger) tick() time.Time {
	now := l.clock()
	if now.Before(l.last) {
		now = l.last
	}
	l.last = now
	return now
}

func (l *Ledger) publish(events []models.Event) {
	l.pubMu.Lock()
	pubs := append([]Publisher(nil), l.publishers...)
	l.pubMu.Unlock()
	for _, p := range pubs {
		ctx, cancel := context.WithTimeout(context.Background(), l.publishTimeout)
		err := p.Publish(ctx, events)
		cancel()
		if err != nil {
			observability.EventsPublished.WithLabelValues(p.Name(), "error").Add(float64(len(events)))
			l.logger.Warn("event publish failed", "sink", p.Name(), "events", len(events), "error", err)
			continue
		}
		observability.EventsPublished.WithLabelValues(p.Name(), "ok").Add(float64(len(events)))
	}
}

// View runs fn against a consistent snapshot. fn must not mutate.
func (l *Ledger) View(fn func()) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn()
}

// Events returns up to limit committed events with Seq > after. A
// non-positive limit returns all of them.
func (l *Ledger) Events(after uint64, limit int) []models.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if after >= uint64(len(l.log)) {
		return nil
	}
	out := l.log[after:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	cp := make([]models.Event, len(out))
	copy(cp, out)
	return cp
}

// Seq is the sequence number of the last committed event.
func (l *Ledger) Seq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

func resultCode(err error) string {
	if err == nil {
		return "ok"
	}
	if c := apperr.CodeOf(err); c != "" {
		return string(c)
	}
	return "internal"
}
