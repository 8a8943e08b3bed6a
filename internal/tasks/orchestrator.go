// Package tasks implements the asynchronous submit-then-poll execution
// contract. A submitted chat turn becomes a task record; a worker pool
// executes each task exactly once, end-to-end, and the caller polls the
// record until it leaves PENDING.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle of a task record.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// ErrQueueUnavailable is returned by Submit when the work queue cannot
// accept the task (full or shut down). The HTTP layer maps it to a
// distinct "service unavailable" condition, unlike unexpected errors.
var ErrQueueUnavailable = errors.New("task queue unavailable")

// Record is the poll-visible view of one task. Created PENDING on submit
// and mutated exactly once, to SUCCESS or FAILURE.
type Record struct {
	TaskID      string
	SessionID   string
	Status      Status
	Result      string // the generated reply, set on SUCCESS
	ErrorDetail string // human-readable failure detail, set on FAILURE
	CreatedAt   time.Time
}

// Executor runs one chat turn end-to-end: load memory, run the pipeline,
// persist the turn, return the reply.
type Executor interface {
	Execute(ctx context.Context, userID int64, sessionID, message string) (string, error)
}

// Config tunes the orchestrator.
type Config struct {
	QueueSize       int
	NumWorkers      int
	ShutdownTimeout time.Duration
}

type job struct {
	taskID    string
	userID    int64
	sessionID string
	message   string
}

// Orchestrator owns the queue, the worker pool and the task records.
type Orchestrator struct {
	executor Executor
	config   Config

	queue chan *job

	mu      sync.RWMutex
	records map[string]*Record

	workerCtx    context.Context
	workerCancel context.CancelFunc
	workerWait   sync.WaitGroup

	// onComplete, when set, is called after each task finishes. Used to
	// broadcast completion events over WebSocket; never on the poll path.
	onComplete func(Record)
}

// New creates an orchestrator. Call Start before Submit.
func New(executor Executor, config Config) *Orchestrator {
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 2
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	return &Orchestrator{
		executor: executor,
		config:   config,
		queue:    make(chan *job, config.QueueSize),
		records:  make(map[string]*Record),
	}
}

// OnComplete registers the completion callback. Must be called before Start.
func (o *Orchestrator) OnComplete(fn func(Record)) {
	o.onComplete = fn
}

// Start launches the worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	o.workerCtx, o.workerCancel = context.WithCancel(ctx)
	for i := 0; i < o.config.NumWorkers; i++ {
		o.workerWait.Add(1)
		go o.worker(i)
	}
	log.Printf("tasks: started %d workers (queue size %d)", o.config.NumWorkers, o.config.QueueSize)
}

// Stop closes the queue and waits for workers to drain, up to the
// configured shutdown timeout.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.workerCancel()
	close(o.queue)

	done := make(chan struct{})
	go func() {
		o.workerWait.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("tasks: all workers finished gracefully")
		return nil
	case <-time.After(o.config.ShutdownTimeout):
		log.Printf("tasks: WARNING shutdown timeout reached, %d queued tasks may be dropped", len(o.queue))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit registers a new PENDING task and enqueues it. When sessionID is
// empty a fresh session ID is generated; the effective session ID is
// returned alongside the task ID.
//
// Returns ErrQueueUnavailable when the queue cannot accept work; any other
// error is an unexpected internal failure.
func (o *Orchestrator) Submit(userID int64, sessionID, message string) (taskID string, effectiveSession string, err error) {
	if message == "" {
		return "", "", fmt.Errorf("tasks: message is required")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if o.workerCtx == nil || o.workerCtx.Err() != nil {
		return "", "", fmt.Errorf("%w: orchestrator not running", ErrQueueUnavailable)
	}

	taskID = uuid.NewString()
	record := &Record{
		TaskID:    taskID,
		SessionID: sessionID,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	o.mu.Lock()
	o.records[taskID] = record
	o.mu.Unlock()

	// Non-blocking enqueue; a full queue is a broker-unavailable condition,
	// reported distinctly so the caller can tell it from internal errors.
	select {
	case o.queue <- &job{taskID: taskID, userID: userID, sessionID: sessionID, message: message}:
		return taskID, sessionID, nil
	default:
		o.mu.Lock()
		delete(o.records, taskID)
		o.mu.Unlock()
		log.Printf("tasks: WARNING queue full (size=%d), rejecting submission", o.config.QueueSize)
		return "", "", fmt.Errorf("%w: queue is full", ErrQueueUnavailable)
	}
}

// Status returns a snapshot of the task record. ok is false for unknown IDs.
func (o *Orchestrator) Status(taskID string) (Record, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	record, ok := o.records[taskID]
	if !ok {
		return Record{}, false
	}
	return *record, true
}

// QueueDepth returns the number of queued, unstarted tasks.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

// worker executes queued tasks one at a time until the queue closes.
func (o *Orchestrator) worker(workerID int) {
	defer o.workerWait.Done()
	log.Printf("tasks: worker %d started", workerID)

	for j := range o.queue {
		o.process(workerID, j)
	}

	log.Printf("tasks: worker %d stopped", workerID)
}

// process runs one task to completion. Exactly one execution per task, no
// retry: a failing pipeline surfaces as FAILURE with a descriptive detail,
// never as a raw stack trace to the caller.
func (o *Orchestrator) process(workerID int, j *job) {
	log.Printf("tasks: worker %d processing task %s (session %s)", workerID, j.taskID, j.sessionID)

	defer func() {
		if r := recover(); r != nil {
			log.Printf("tasks: worker %d PANIC in task %s: %v\n%s", workerID, j.taskID, r, debug.Stack())
			o.complete(j.taskID, StatusFailure, "", fmt.Sprintf("internal error: %v", r))
		}
	}()

	// Execution uses the worker context so shutdown can cancel in-flight
	// model calls; a task past Submit still runs to completion or failure.
	result, err := o.executor.Execute(o.workerCtx, j.userID, j.sessionID, j.message)
	if err != nil {
		log.Printf("tasks: worker %d task %s failed: %v", workerID, j.taskID, err)
		o.complete(j.taskID, StatusFailure, "", err.Error())
		return
	}

	o.complete(j.taskID, StatusSuccess, result, "")
	log.Printf("tasks: worker %d completed task %s", workerID, j.taskID)
}

// complete applies the single PENDING → terminal transition.
func (o *Orchestrator) complete(taskID string, status Status, result, detail string) {
	o.mu.Lock()
	record, ok := o.records[taskID]
	if ok && record.Status == StatusPending {
		record.Status = status
		record.Result = result
		record.ErrorDetail = detail
	}
	var snapshot Record
	if ok {
		snapshot = *record
	}
	o.mu.Unlock()

	if ok && o.onComplete != nil {
		o.onComplete(snapshot)
	}
}
