// Package eventloop is the single-threaded command/query dispatcher (spec
// §4.J): one goroutine owns the transport service call and a command
// channel; a bounded worker pool runs HTTP-query and batch-send jobs.
package eventloop

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/netdata/aclk"
)

// Opcode enumerates the command-queue entries the loop processes one at a
// time (spec §4.J).
type Opcode int

const (
	OpNodeState Opcode = iota
	OpNodeUnregister
	OpPushAlertConfig
	OpPushAlert
	OpConfigMQTTClient
	OpQueryExecute
	OpQueryBatchAdd
	OpQueryBatchExecute
	OpShutdown
	opNoop // timer-driven, internal only
)

// Command is one entry posted to the loop's internal queue.
type Command struct {
	Op    Opcode
	Query *aclk.Query // set for OpQueryExecute/OpQueryBatchAdd
}

// WorkerFunc executes one dispatched job; ctx is cancelled if shutdown's
// drain window expires before the job returns.
type WorkerFunc func(ctx context.Context, q *aclk.Query)

// BatchFunc processes one flushed batch serially inside a single worker.
type BatchFunc func(ctx context.Context, batch []*aclk.Query)

// StatsSink is the narrow metrics surface the loop reports worker
// occupancy and queue depth through.
type StatsSink interface {
	SetQueryWorkersBusy(n int)
	SetQueueDepth(n int)
}

// defaultWorkerCount implements N = max(2, min(processors/2, 6)).
func defaultWorkerCount() int {
	n := runtime.NumCPU() / 2
	if n > 6 {
		n = 6
	}
	if n < 2 {
		n = 2
	}
	return n
}

// Config configures a Loop. WorkerCount, if zero, uses defaultWorkerCount
// (overridable via the `query_thread_count` config key).
type Config struct {
	WorkerCount   int
	TimerInterval time.Duration // defaults to 1000ms per spec §4.J
	QueryRate     rate.Limit    // admission rate for QUERY_EXECUTE; 0 disables throttling
	QueryBurst    int

	Worker     WorkerFunc
	Batch      BatchFunc
	OnTimer    func(online bool) (pushAlert, batchExecute bool)
	IsOnline   func() bool
	Stats      StatsSink
	Log        aclk.Logger
}

const batchThreshold = 64

// Loop is the single-threaded event-loop core. Service (the transport's
// blocking poll call) is driven by the caller, outside Loop, per spec §6
// item 4 ("the only call the event loop makes that may block").
type Loop struct {
	cfg Config

	cmds chan Command

	workerSem  chan struct{} // capacity-N admission gate
	limiter    *rate.Limiter
	busyMu     sync.Mutex
	busyCount  int

	pendingMu sync.Mutex
	pending   []*aclk.Query

	batchMu sync.Mutex
	batch   []*aclk.Query

	alertRunning int32

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	drainWG      sync.WaitGroup
}

// New builds a Loop. It does not start the loop; call Run in its own
// goroutine.
func New(cfg Config) *Loop {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount()
	}
	if cfg.TimerInterval <= 0 {
		cfg.TimerInterval = time.Second
	}
	l := &Loop{
		cfg:        cfg,
		cmds:       make(chan Command, 256),
		workerSem:  make(chan struct{}, cfg.WorkerCount),
		shutdownCh: make(chan struct{}),
	}
	if cfg.QueryRate > 0 {
		burst := cfg.QueryBurst
		if burst <= 0 {
			burst = cfg.WorkerCount
		}
		l.limiter = rate.NewLimiter(cfg.QueryRate, burst)
	}
	return l
}

// Post enqueues a command for the loop to process. Safe for concurrent use
// by any producer thread (spec §5: "only interact with the core via the
// thread-safe enqueue interface").
func (l *Loop) Post(c Command) {
	select {
	case l.cmds <- c:
	case <-l.shutdownCh:
	}
}

// Run drives the command queue and the 1000ms timer until Shutdown is
// posted and the drain window elapses. Run returns once every in-flight
// worker has finished or the 5s drain deadline passed.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.TimerInterval)
	defer ticker.Stop()

	// Workers run under wctx, which is cancelled when Run returns, i.e.
	// once the drain has finished or its deadline has passed.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		select {
		case cmd := <-l.cmds:
			if l.handle(wctx, cmd) {
				l.drain(5 * time.Second)
				return
			}
		case <-ticker.C:
			l.handleTimer(wctx)
		case <-ctx.Done():
			l.drain(5 * time.Second)
			return
		}
		l.reportStats()
	}
}

// handle processes one command; it returns true when the command was
// OpShutdown, signalling Run to begin the drain-and-exit sequence.
func (l *Loop) handle(ctx context.Context, cmd Command) bool {
	switch cmd.Op {
	case OpShutdown:
		close(l.shutdownCh)
		return true

	case OpQueryExecute:
		l.admitOrQueue(ctx, cmd.Query)

	case OpQueryBatchAdd:
		l.addToBatch(ctx, cmd.Query)

	case OpQueryBatchExecute:
		l.flushBatch(ctx)

	case OpPushAlert:
		l.runPushAlertOnce(ctx)

	case OpNodeState, OpNodeUnregister, OpPushAlertConfig, OpConfigMQTTClient:
		// These opcodes carry no worker-pool scheduling of their own in
		// this harness; they are forwarded straight to Worker so callers
		// can apply their own per-opcode semantics (e.g. NODE_STATE's
		// per-host retry timer, which the link layer owns).
		if l.cfg.Worker != nil {
			l.cfg.Worker(ctx, cmd.Query)
		}
	}
	l.drainPending(ctx)
	return false
}

// admitOrQueue dispatches to a free worker if fewer than N are busy and
// the admission rate limiter (if configured) allows it now; otherwise the
// query joins the pending list for the next drain attempt.
func (l *Loop) admitOrQueue(ctx context.Context, q *aclk.Query) {
	if l.limiter != nil && !l.limiter.Allow() {
		l.enqueuePending(q)
		return
	}
	select {
	case l.workerSem <- struct{}{}:
		l.runWorker(ctx, q)
	default:
		l.enqueuePending(q)
	}
}

func (l *Loop) enqueuePending(q *aclk.Query) {
	l.pendingMu.Lock()
	l.pending = append(l.pending, q)
	l.pendingMu.Unlock()
}

// drainPending attempts to move pending queries into free worker slots.
// Called after every command and every timer tick, per spec §4.J ("on
// each wake, the loop attempts to drain pending queries into free
// workers").
func (l *Loop) drainPending(ctx context.Context) {
	for {
		l.pendingMu.Lock()
		if len(l.pending) == 0 {
			l.pendingMu.Unlock()
			return
		}
		select {
		case l.workerSem <- struct{}{}:
			q := l.pending[0]
			l.pending = l.pending[1:]
			l.pendingMu.Unlock()
			l.runWorker(ctx, q)
		default:
			l.pendingMu.Unlock()
			return
		}
	}
}

func (l *Loop) runWorker(ctx context.Context, q *aclk.Query) {
	l.busyMu.Lock()
	l.busyCount++
	l.busyMu.Unlock()

	l.drainWG.Add(1)
	go func() {
		defer l.drainWG.Done()
		defer func() { <-l.workerSem }()
		defer func() {
			l.busyMu.Lock()
			l.busyCount--
			l.busyMu.Unlock()
		}()
		if l.cfg.Worker != nil {
			l.cfg.Worker(ctx, q)
		}
	}()
}

// addToBatch appends to the pending batch, flushing immediately once it
// reaches batchThreshold (spec §4.J).
func (l *Loop) addToBatch(ctx context.Context, q *aclk.Query) {
	l.batchMu.Lock()
	l.batch = append(l.batch, q)
	ready := len(l.batch) >= batchThreshold
	l.batchMu.Unlock()
	if ready {
		l.flushBatch(ctx)
	}
}

// flushBatch converts the current batch into a single worker job,
// processed serially inside that worker, per spec §4.J.
func (l *Loop) flushBatch(ctx context.Context) {
	l.batchMu.Lock()
	if len(l.batch) == 0 {
		l.batchMu.Unlock()
		return
	}
	batch := l.batch
	l.batch = nil
	l.batchMu.Unlock()

	select {
	case l.workerSem <- struct{}{}:
		l.busyMu.Lock()
		l.busyCount++
		l.busyMu.Unlock()
		l.drainWG.Add(1)
		go func() {
			defer l.drainWG.Done()
			defer func() { <-l.workerSem }()
			defer func() {
				l.busyMu.Lock()
				l.busyCount--
				l.busyMu.Unlock()
			}()
			if l.cfg.Batch != nil {
				l.cfg.Batch(ctx, batch)
			}
		}()
	default:
		// No free worker slot: re-queue the batch whole rather than drop
		// it; the next timer tick or QUERY_BATCH_EXECUTE will retry.
		l.batchMu.Lock()
		l.batch = append(batch, l.batch...)
		l.batchMu.Unlock()
	}
}

// runPushAlertOnce fires a single PUSH_ALERT worker; a running flag
// prevents overlapping runs (spec §4.J).
func (l *Loop) runPushAlertOnce(ctx context.Context) {
	l.busyMu.Lock()
	running := l.alertRunning == 1
	if !running {
		l.alertRunning = 1
	}
	l.busyMu.Unlock()
	if running {
		return
	}
	l.drainWG.Add(1)
	go func() {
		defer l.drainWG.Done()
		defer func() {
			l.busyMu.Lock()
			l.alertRunning = 0
			l.busyMu.Unlock()
		}()
		if l.cfg.Worker != nil {
			l.cfg.Worker(ctx, nil)
		}
	}()
}

func (l *Loop) handleTimer(ctx context.Context) {
	l.drainPending(ctx)
	if l.cfg.OnTimer == nil {
		return
	}
	online := true
	if l.cfg.IsOnline != nil {
		online = l.cfg.IsOnline()
	}
	pushAlert, batchExecute := l.cfg.OnTimer(online)
	if pushAlert {
		l.runPushAlertOnce(ctx)
	}
	if batchExecute {
		l.flushBatch(ctx)
	}
}

func (l *Loop) reportStats() {
	if l.cfg.Stats == nil {
		return
	}
	l.busyMu.Lock()
	busy := l.busyCount
	l.busyMu.Unlock()
	l.pendingMu.Lock()
	pending := len(l.pending)
	l.pendingMu.Unlock()
	l.cfg.Stats.SetQueryWorkersBusy(busy)
	l.cfg.Stats.SetQueueDepth(pending)
}

// drain waits up to timeout for in-flight workers to finish after shutdown
// was posted (spec §4.J / §4.J "Cancellation").
func (l *Loop) drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		l.drainWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		if l.cfg.Log != nil {
			l.cfg.Log.Warn("eventloop: shutdown drain window elapsed with workers still running")
		}
	}
}
