package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relay/internal/deliverylog"
	"relay/internal/forward"
	"relay/internal/mapping"
	"relay/internal/stream"
	"relay/internal/types"
)

const (
	DefaultWorkers         = 5
	DefaultBatchDelay      = 100 * time.Millisecond
	DefaultReclaimInterval = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultKeepAlive       = 20 * time.Second
)

type Source interface {
	Read(ctx context.Context) []stream.Message
	Reclaim(ctx context.Context) []stream.Message
	Ack(ctx context.Context, id string) error
	Touch(ctx context.Context, ids []string) error
}

type Resolver interface {
	Resolve(ctx context.Context, endpointID string) (*types.Mapping, error)
}

type Deliverer interface {
	Forward(ctx context.Context, ev types.Event, m *types.Mapping) forward.Result
}

type DeadLetter interface {
	Send(ctx context.Context, ev types.Event, reason string) (string, error)
}

type Counters interface {
	IncrForwarded(ctx context.Context) error
	IncrFailed(ctx context.Context) error
}

type Outcome int

const (
	OutcomeForwarded Outcome = iota
	OutcomeSkipped
	OutcomeDeadLettered
	// OutcomeUnacked means the dead-letter write failed; the entry stays
	// pending so the reclaim sweep can retry it.
	OutcomeUnacked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeForwarded:
		return "forwarded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeDeadLettered:
		return "dead_lettered"
	default:
		return "unacked"
	}
}

// Worker runs one poller feeding a bounded channel and a fixed set of
// goroutines draining it. Ownership of each entry comes from the consumer
// group. Entries held locally, queued or in flight, are never dispatched
// twice and are touched every KeepAlive so peers cannot reclaim them.
type Worker struct {
	Source     Source
	Resolver   Resolver
	Forwarder  Deliverer
	DLQ        DeadLetter
	Metrics    Counters
	Deliveries deliverylog.Recorder
	Logger     func(string, ...any)
	Name       string

	Workers         int
	QueueSize       int
	BatchDelay      time.Duration
	ReclaimInterval time.Duration
	ShutdownTimeout time.Duration
	// KeepAlive must stay well below the consumer's reclaim idle time.
	// Zero disables touching.
	KeepAlive time.Duration

	mu   sync.Mutex
	held map[string]struct{}
}

func New(src Source, resolver Resolver, fwd Deliverer, dlq DeadLetter, counters Counters, name string, logger func(string, ...any)) *Worker {
	return &Worker{
		Source:          src,
		Resolver:        resolver,
		Forwarder:       fwd,
		DLQ:             dlq,
		Metrics:         counters,
		Deliveries:      deliverylog.Nop{},
		Logger:          logger,
		Name:            name,
		Workers:         DefaultWorkers,
		BatchDelay:      DefaultBatchDelay,
		ReclaimInterval: DefaultReclaimInterval,
		ShutdownTimeout: DefaultShutdownTimeout,
		KeepAlive:       DefaultKeepAlive,
	}
}

// Run blocks until ctx is cancelled. It then stops polling and waits up to
// ShutdownTimeout for claimed events to reach a terminal state; past that
// it aborts in-flight work and returns.
func (w *Worker) Run(ctx context.Context) error {
	n := w.Workers
	if n <= 0 {
		n = DefaultWorkers
	}
	size := w.QueueSize
	if size <= 0 {
		size = n
	}
	jobs := make(chan stream.Message, size)

	// in-flight events must not see the shutdown signal, only the hard stop
	procCtx, hardStop := context.WithCancel(context.WithoutCancel(ctx))
	defer hardStop()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.log("worker_started", "worker", id)
			for msg := range jobs {
				if procCtx.Err() == nil {
					w.Process(procCtx, msg)
				}
				w.release(msg.ID)
			}
		}(i)
	}

	go w.poll(ctx, jobs)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	go w.keepAlive(procCtx, done)

	<-ctx.Done()
	w.log("worker_draining", "name", w.Name)
	timeout := w.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		w.log("worker_stopped", "name", w.Name)
		return nil
	case <-timer.C:
		w.log("worker_shutdown_timeout", "name", w.Name, "timeout", timeout.String())
		hardStop()
		return fmt.Errorf("shutdown timed out after %s", timeout)
	}
}

// poll owns the jobs channel. Entries already claimed are always handed to
// a worker, so it only stops between batches.
func (w *Worker) poll(ctx context.Context, jobs chan<- stream.Message) {
	defer close(jobs)
	var lastReclaim time.Time
	for ctx.Err() == nil {
		if w.ReclaimInterval > 0 && time.Since(lastReclaim) >= w.ReclaimInterval {
			lastReclaim = time.Now()
			for _, m := range w.Source.Reclaim(ctx) {
				if !w.hold(m.ID) {
					w.log("reclaim_skipped_held", "id", m.ID)
					continue
				}
				jobs <- m
			}
		}
		for _, m := range w.Source.Read(ctx) {
			if !w.hold(m.ID) {
				continue
			}
			jobs <- m
		}
		if !sleepCtx(ctx, w.batchDelay()) {
			return
		}
	}
}

// keepAlive refreshes the idle time of every held entry until the workers exit.
func (w *Worker) keepAlive(ctx context.Context, done <-chan struct{}) {
	if w.KeepAlive <= 0 {
		return
	}
	t := time.NewTicker(w.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if ids := w.heldIDs(); len(ids) > 0 {
			if err := w.Source.Touch(ctx, ids); err != nil {
				w.log("keepalive_error", "count", len(ids), "error", err)
			}
		}
	}
}

// hold marks id as owned locally. It reports false if it already was.
func (w *Worker) hold(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.held == nil {
		w.held = make(map[string]struct{})
	}
	if _, ok := w.held[id]; ok {
		return false
	}
	w.held[id] = struct{}{}
	return true
}

func (w *Worker) release(id string) {
	w.mu.Lock()
	delete(w.held, id)
	w.mu.Unlock()
}

func (w *Worker) heldIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.held))
	for id := range w.held {
		ids = append(ids, id)
	}
	return ids
}

// Process drives one event to a terminal state. Every path except a failed
// dead-letter write acknowledges the entry exactly once.
func (w *Worker) Process(ctx context.Context, msg stream.Message) (out Outcome) {
	ev := types.EventFromFields(msg.ID, msg.Fields)
	var (
		m     *types.Mapping
		res   forward.Result
		acked bool
	)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		w.log("process_panic", "webhook", ev.WebhookID, "panic", fmt.Sprint(r))
		if acked {
			return
		}
		out = w.deadLetter(ctx, ev, m, res, fmt.Errorf("panic: %v", r), &acked)
	}()

	w.log("processing", "webhook", ev.WebhookID, "endpoint", ev.EndpointID, "id", ev.ID)

	var err error
	m, err = w.Resolver.Resolve(ctx, ev.EndpointID)
	if err != nil {
		if mapping.Skippable(err) {
			w.log("skipped", "webhook", ev.WebhookID, "endpoint", ev.EndpointID, "reason", err.Error())
			w.ack(ctx, ev, &acked)
			w.record(ctx, ev, m, res, deliverylog.OutcomeSkipped, err)
			return OutcomeSkipped
		}
		return w.deadLetter(ctx, ev, m, res, fmt.Errorf("resolve mapping: %w", err), &acked)
	}

	res = w.Forwarder.Forward(ctx, ev, m)
	if !res.Success {
		return w.deadLetter(ctx, ev, m, res, res.Err, &acked)
	}

	w.log("forwarded", "webhook", ev.WebhookID, "target", m.TargetURL, "attempts", res.Attempts)
	w.ack(ctx, ev, &acked)
	if w.Metrics != nil {
		if err := w.Metrics.IncrForwarded(ctx); err != nil {
			w.log("metrics_error", "error", err)
		}
	}
	w.record(ctx, ev, m, res, deliverylog.OutcomeForwarded, nil)
	return OutcomeForwarded
}

func (w *Worker) deadLetter(ctx context.Context, ev types.Event, m *types.Mapping, res forward.Result, cause error, acked *bool) Outcome {
	reason := "Unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	w.log("failed", "webhook", ev.WebhookID, "endpoint", ev.EndpointID, "error", reason)
	if _, err := w.DLQ.Send(ctx, ev, reason); err != nil {
		w.log("dlq_error", "webhook", ev.WebhookID, "id", ev.ID, "error", err)
		return OutcomeUnacked
	}
	w.ack(ctx, ev, acked)
	if w.Metrics != nil {
		if err := w.Metrics.IncrFailed(ctx); err != nil {
			w.log("metrics_error", "error", err)
		}
	}
	w.record(ctx, ev, m, res, deliverylog.OutcomeDeadLettered, cause)
	return OutcomeDeadLettered
}

func (w *Worker) ack(ctx context.Context, ev types.Event, acked *bool) {
	if *acked {
		return
	}
	*acked = true
	if err := w.Source.Ack(ctx, ev.ID); err != nil {
		w.log("ack_error", "id", ev.ID, "error", err)
	}
}

func (w *Worker) record(ctx context.Context, ev types.Event, m *types.Mapping, res forward.Result, outcome deliverylog.Outcome, cause error) {
	if w.Deliveries == nil {
		return
	}
	e := deliverylog.Entry{
		StreamID:   ev.ID,
		WebhookID:  ev.WebhookID,
		EndpointID: ev.EndpointID,
		Outcome:    outcome,
		Attempts:   res.Attempts,
		StatusCode: res.StatusCode,
		Consumer:   w.Name,
		At:         time.Now(),
	}
	if m != nil {
		e.TargetURL = m.TargetURL
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	if err := w.Deliveries.Record(ctx, e); err != nil {
		w.log("delivery_log_error", "webhook", ev.WebhookID, "error", err)
	}
}

func (w *Worker) batchDelay() time.Duration {
	if w.BatchDelay <= 0 {
		return DefaultBatchDelay
	}
	return w.BatchDelay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *Worker) log(msg string, kv ...any) {
	if w.Logger != nil {
		w.Logger(msg, kv...)
	}
}
