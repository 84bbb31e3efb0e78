// Package incident delivers security alerts to operators.
package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ComUnity/city-sentinel/internal/ledger"
	"github.com/ComUnity/city-sentinel/internal/models"
	"github.com/ComUnity/city-sentinel/internal/util"
	"github.com/ComUnity/city-sentinel/internal/util/logger"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

// AuditLedger is satisfied by *ledger.Ledger.
type AuditLedger interface {
	Append(ev ledger.Event) (uint64, error)
}

type DispatcherConfig struct {
	QueueCapacity  int
	WorkerCount    int
	MaxRetries     int // total send attempts per alert
	AttemptTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	// SendRatePerSecond paces the transport across all workers. Zero disables pacing.
	SendRatePerSecond float64
	Recipients        []string
	SubjectPrefix     string
	Now               func() time.Time
}

func (c *DispatcherConfig) applyDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type queued struct {
	alert models.Alert
	seq   uint64
}

// DispatcherStats is a snapshot of the delivery counters. Once the dispatcher
// has shut down, Enqueued == Delivered + Failed + Evicted + Discarded.
type DispatcherStats struct {
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Evicted   uint64 `json:"evicted"`
	Discarded uint64 `json:"discarded"`
	Rejected  uint64 `json:"rejected"`
	Queued    int    `json:"queued"`
	InFlight  int    `json:"in_flight"`
}

// Dispatcher queues alerts and delivers them from a fixed worker pool.
// Enqueue never waits on the transport.
type Dispatcher struct {
	cfg     DispatcherConfig
	mailer  Mailer
	audit   AuditLedger
	limiter *rate.Limiter

	mu       sync.Mutex
	cond     *sync.Cond
	byKind   map[models.AlertKind][]queued
	size     int
	nextSeq  uint64
	inFlight int
	closed   bool
	started  bool

	// overflow records waiting for the recorder
	pending      []DeliveryRecord
	recorderDone bool
	recKick      chan struct{}
	recStop      chan struct{}
	recExited    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	enqueued, delivered, failed, evicted, discarded, rejected atomic.Uint64
}

func NewDispatcher(mailer Mailer, audit AuditLedger, cfg DispatcherConfig) (*Dispatcher, error) {
	if mailer == nil || audit == nil {
		return nil, errors.New("dispatcher: mailer and audit ledger are required")
	}
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:       cfg,
		mailer:    mailer,
		audit:     audit,
		byKind:    make(map[models.AlertKind][]queued),
		recKick:   make(chan struct{}, 1),
		recStop:   make(chan struct{}),
		recExited: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	d.cond = sync.NewCond(&d.mu)
	if cfg.SendRatePerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.SendRatePerSecond), 1)
	}
	go d.recorder()
	return d, nil
}

// Start launches the workers. Calling it twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.cfg.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	logger.Info("Alert dispatcher started with %d workers (queue %d)", d.cfg.WorkerCount, d.cfg.QueueCapacity)
}

// Enqueue accepts an alert for delivery. When the queue is full the oldest
// alert of the same kind is evicted, or the oldest alert overall if none
// shares the kind. Evictions and rejections are handed to the recorder, so
// the caller never waits on the ledger.
func (d *Dispatcher) Enqueue(a models.Alert) {
	now := d.cfg.Now()

	d.mu.Lock()
	if d.closed {
		d.rejected.Add(1)
		late := d.deferRecordLocked(newOverflow(a, ReasonClosed, now))
		d.mu.Unlock()
		if late != nil {
			d.record(*late)
		}
		return
	}
	var victim *queued
	if d.size >= d.cfg.QueueCapacity {
		v, ok := d.evictLocked(a.Kind)
		if ok {
			victim = &v
			d.evicted.Add(1)
			d.deferRecordLocked(newOverflow(v.alert, ReasonQueueFull, now))
		}
	}
	d.nextSeq++
	d.byKind[a.Kind] = append(d.byKind[a.Kind], queued{alert: a, seq: d.nextSeq})
	d.size++
	d.enqueued.Add(1)
	d.cond.Signal()
	d.mu.Unlock()

	if victim != nil {
		logger.Warn("Alert queue full, evicted %s alert %s", victim.alert.Kind, victim.alert.ID)
	}
}

// deferRecordLocked queues rec for the recorder. Once the recorder has exited
// it returns rec so the caller writes it after releasing the lock.
func (d *Dispatcher) deferRecordLocked(rec DeliveryRecord) *DeliveryRecord {
	if d.recorderDone {
		return &rec
	}
	d.pending = append(d.pending, rec)
	select {
	case d.recKick <- struct{}{}:
	default:
	}
	return nil
}

// recorder writes overflow records off the caller's path until Shutdown
// stops it, flushing what is left on the way out.
func (d *Dispatcher) recorder() {
	defer close(d.recExited)
	for {
		select {
		case <-d.recKick:
			d.flushPending(false)
		case <-d.recStop:
			d.flushPending(true)
			return
		}
	}
}

func (d *Dispatcher) flushPending(final bool) {
	d.mu.Lock()
	recs := d.pending
	d.pending = nil
	if final {
		d.recorderDone = true
	}
	d.mu.Unlock()
	for _, rec := range recs {
		d.record(rec)
	}
}

func (d *Dispatcher) stopRecorder() {
	close(d.recStop)
	<-d.recExited
}

// Shutdown stops accepting alerts and drains the queue until ctx ends. What is
// still queued then is discarded and in-flight sends are cancelled; each such
// alert gets a shutdown record.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.closed = true
	started := d.started
	d.cond.Broadcast()
	d.mu.Unlock()
	defer d.stopRecorder()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	if started {
		select {
		case <-done:
			d.cancel()
			logger.Info("Alert dispatcher drained")
			return nil
		case <-ctx.Done():
		}
	}

	left := d.takeAll()
	d.cancel()
	now := d.cfg.Now()
	for _, q := range left {
		d.discarded.Add(1)
		d.record(newOverflow(q.alert, ReasonShutdown, now))
	}
	<-done
	if len(left) > 0 {
		logger.Warn("Alert dispatcher discarded %d queued alerts on shutdown", len(left))
	}
	if !started {
		return nil
	}
	return ctx.Err()
}

func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	queuedN, inFlight := d.size, d.inFlight
	d.mu.Unlock()
	return DispatcherStats{
		Enqueued:  d.enqueued.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Evicted:   d.evicted.Load(),
		Discarded: d.discarded.Load(),
		Rejected:  d.rejected.Load(),
		Queued:    queuedN,
		InFlight:  inFlight,
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for d.size == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.size == 0 {
			d.mu.Unlock()
			logger.Debug("Alert worker %d exiting", id)
			return
		}
		q := d.popOldestLocked()
		d.inFlight++
		d.mu.Unlock()

		d.deliver(q.alert)

		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}
}

func (d *Dispatcher) deliver(a models.Alert) {
	msg := d.compose(a)
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		if attempt > 0 && !d.sleep(d.backoff(attempt-1)) {
			d.abandon(a, attempts)
			return
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(d.ctx); err != nil {
				d.abandon(a, attempts)
				return
			}
		}
		attempts++
		lastErr = d.sendWithTimeout(msg)
		if lastErr == nil {
			d.delivered.Add(1)
			rec := newRecord(EventDelivered, a, d.cfg.Now())
			rec.Attempts = attempts
			d.record(rec)
			return
		}
		if d.ctx.Err() != nil {
			d.abandon(a, attempts)
			return
		}
		if IsPermanent(lastErr) {
			break
		}
		logger.Warn("Alert %s delivery attempt %d/%d failed: %v", a.ID, attempts, d.cfg.MaxRetries, lastErr)
	}

	d.failed.Add(1)
	logger.Error("Alert %s (%s) undeliverable after %d attempts: %v", a.ID, a.Kind, attempts, lastErr)
	rec := newRecord(EventDeliveryFailed, a, d.cfg.Now())
	rec.Attempts = attempts
	rec.Error = lastErr.Error()
	d.record(rec)
}

// sendWithTimeout bounds one attempt. A transport that ignores its context
// is left running in the background; the worker moves on.
func (d *Dispatcher) sendWithTimeout(msg Message) error {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.AttemptTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- d.mailer.Send(ctx, msg) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("send: %w", ctx.Err())
	}
}

// backoff returns base*2^n capped at max.
func (d *Dispatcher) backoff(n int) time.Duration {
	if n > 30 {
		return d.cfg.BackoffMax
	}
	delay := d.cfg.BackoffBase * time.Duration(1<<uint(n))
	if delay > d.cfg.BackoffMax || delay <= 0 {
		delay = d.cfg.BackoffMax
	}
	return delay
}

func (d *Dispatcher) sleep(delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-d.ctx.Done():
		return false
	}
}

func (d *Dispatcher) abandon(a models.Alert, attempts int) {
	d.discarded.Add(1)
	rec := newOverflow(a, ReasonShutdown, d.cfg.Now())
	rec.Attempts = attempts
	d.record(rec)
}

func (d *Dispatcher) record(rec DeliveryRecord) {
	if _, err := d.audit.Append(rec); err != nil {
		logger.Error("Failed to record %s for alert %s: %v", rec.Event, rec.AlertID, err)
	}
}

func (d *Dispatcher) compose(a models.Alert) Message {
	title := "Security alert"
	switch a.Kind {
	case models.AlertHoneypotTriggered:
		title = "CRITICAL: honeypot account accessed"
	case models.AlertLoginFailure:
		title = "Failed login attempt"
	}
	subject := title
	if d.cfg.SubjectPrefix != "" {
		subject = d.cfg.SubjectPrefix + " " + title
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Alert:     %s\n", a.ID)
	fmt.Fprintf(&b, "Kind:      %s\n", a.Kind)
	fmt.Fprintf(&b, "Severity:  %s\n", a.Severity)
	fmt.Fprintf(&b, "Origin:    %s\n", a.Payload.Origin)
	fmt.Fprintf(&b, "Principal: %s\n", util.MaskPrincipal(a.Payload.PrincipalID))
	fmt.Fprintf(&b, "Time:      %s\n", a.Payload.Timestamp.UTC().Format(time.RFC3339))
	if a.Payload.Hits > 0 {
		fmt.Fprintf(&b, "Hits:      %d\n", a.Payload.Hits)
	}
	return Message{To: d.cfg.Recipients, Subject: subject, Body: b.String()}
}

func (d *Dispatcher) evictLocked(kind models.AlertKind) (queued, bool) {
	if len(d.byKind[kind]) > 0 {
		return d.popKindLocked(kind), true
	}
	if d.size == 0 {
		return queued{}, false
	}
	return d.popOldestLocked(), true
}

func (d *Dispatcher) popOldestLocked() queued {
	var (
		oldest models.AlertKind
		best   uint64
		found  bool
	)
	for kind, q := range d.byKind {
		if len(q) == 0 {
			continue
		}
		if !found || q[0].seq < best {
			oldest, best, found = kind, q[0].seq, true
		}
	}
	return d.popKindLocked(oldest)
}

func (d *Dispatcher) popKindLocked(kind models.AlertKind) queued {
	q := d.byKind[kind]
	head := q[0]
	q[0] = queued{}
	if len(q) == 1 {
		delete(d.byKind, kind)
	} else {
		d.byKind[kind] = q[1:]
	}
	d.size--
	return head
}

func (d *Dispatcher) takeAll() []queued {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]queued, 0, d.size)
	for d.size > 0 {
		out = append(out, d.popOldestLocked())
	}
	return out
}

func newOverflow(a models.Alert, reason string, at time.Time) DeliveryRecord {
	rec := newRecord(EventQueueOverflow, a, at)
	rec.Reason = reason
	return rec
}
