package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Well-known lanes.
const (
	GlobalLane        = "global"
	sessionLanePrefix = "session:"
)

// Event types emitted by the queue.
const (
	EventEnqueued  = "enqueued"
	EventStarted   = "started"
	EventCompleted = "completed"
	EventCancelled = "cancelled"
)

var (
	// ErrLaneCleared is returned to callers whose queued task was dropped by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
	// ErrLaneReset is returned to callers whose queued task was dropped by ResetLane.
	ErrLaneReset = errors.New("lane reset")
	// ErrQueueClosed is returned once Close has been called.
	ErrQueueClosed = errors.New("command queue closed")
)

// SessionLane returns the lane that serializes work for one session.
func SessionLane(sessionKey string) string {
	if strings.HasPrefix(sessionKey, sessionLanePrefix) {
		return sessionKey
	}
	return sessionLanePrefix + sessionKey
}

// IsSessionLane reports whether lane is a per-session lane.
func IsSessionLane(lane string) bool {
	return strings.HasPrefix(lane, sessionLanePrefix)
}

// metricLane collapses per-session lanes into one label value.
func metricLane(lane string) string {
	if IsSessionLane(lane) {
		return "session"
	}
	return lane
}

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// WarnAfter logs a warning if the task is still queued after this long.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	// result is buffered and receives exactly one value from whichever path
	// takes the record off the queue.
	result chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	mu          sync.Mutex
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
	activeIDs   map[string]bool
}

func (ls *laneState) idle() bool {
	return len(ls.queue) == 0 && ls.running == 0
}

// removeLocked drops record from the queue. Caller holds ls.mu.
func (ls *laneState) removeLocked(record *taskRecord) (int, bool) {
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			return i, true
		}
	}
	return -1, false
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type   string
	Lane   string
	TaskID string
	Data   map[string]interface{}
}

// Config sets lane concurrency at construction time.
type Config struct {
	// GlobalConcurrency caps tasks running in GlobalLane. Defaults to 1.
	GlobalConcurrency int
	// LaneConcurrency overrides the limit for other named lanes.
	LaneConcurrency map[string]int
}

// CommandQueue provides lane-based task serialization with concurrency control.
// Lanes are created on first use with concurrency 1. Idle session lanes are
// dropped so long-running processes do not accumulate them.
type CommandQueue struct {
	mu        sync.Mutex
	lanes     map[string]*laneState
	limits    map[string]int
	taskIDSeq int
	closed    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	eventMu       sync.RWMutex
	eventHandlers map[string][]EventHandler
}

// New creates a CommandQueue with the global lane configured.
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	limits := make(map[string]int, len(cfg.LaneConcurrency)+1)
	for lane, n := range cfg.LaneConcurrency {
		limits[lane] = n
	}
	global := cfg.GlobalConcurrency
	if global <= 0 {
		global = 1
	}
	limits[GlobalLane] = global

	return &CommandQueue{
		lanes:         make(map[string]*laneState),
		limits:        limits,
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[string][]EventHandler),
	}
}

// laneLocked returns the lane, creating it when create is set. Caller holds cq.mu.
func (cq *CommandQueue) laneLocked(lane string, create bool) *laneState {
	ls, ok := cq.lanes[lane]
	if ok || !create {
		return ls
	}
	concurrency := cq.limits[lane]
	if concurrency <= 0 {
		concurrency = 1
	}
	ls = &laneState{
		concurrency: concurrency,
		activeIDs:   make(map[string]bool),
	}
	cq.lanes[lane] = ls
	log.Debug().Str("lane", lane).Int("concurrency", concurrency).Msg("Lane initialized")
	return ls
}

func (cq *CommandQueue) lane(lane string) *laneState {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.laneLocked(lane, false)
}

// Enqueue runs task on lane with a background context.
func (cq *CommandQueue) Enqueue(lane string, task Task, options *TaskOptions) (interface{}, error) {
	return cq.EnqueueWithContext(context.Background(), lane, task, options)
}

// EnqueueWithContext adds a task to lane and blocks until it completes.
// If ctx is done while the task is still queued, the task is removed and
// never runs. Once started, the task sees ctx through its own context.
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "clawgate.commandqueue", "commandqueue.enqueue",
		attribute.String("lane", lane))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrQueueClosed
	}
	// Create task record
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	// Add to lane queue
	ls := cq.laneLocked(lane, true)
	ls.mu.Lock()
	record.generation = ls.generation
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	cq.mu.Unlock()

	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Task enqueued")

	// Emit enqueued event
	observability.RecordQueueEnqueue(metricLane(lane), queueSize)
	cq.emit(Event{
		Type:   EventEnqueued,
		Lane:   lane,
		TaskID: record.id,
		Data:   map[string]interface{}{"queueSize": queueSize},
	})

	// Start warning timer if configured
	if opts.WarnAfter > 0 {
		go cq.startWarnTimer(record, lane)
	}

	// Process queue
	cq.processLane(lane)

	// Wait for result
	var result taskResult
	select {
	case result = <-record.result:
	case <-ctx.Done():
		if cq.cancelQueued(lane, record) {
			result = taskResult{err: ctx.Err()}
		} else {
			// Already running or settled; the task observes ctx itself.
			result = <-record.result
		}
	}

	if result.err != nil {
		tracing.FailSpan(span, result.err)
	}
	return result.value, result.err
}

// cancelQueued removes a still-queued record. It reports false when the
// record already left the queue.
func (cq *CommandQueue) cancelQueued(lane string, record *taskRecord) bool {
	ls := cq.lane(lane)
	if ls == nil {
		return false
	}
	ls.mu.Lock()
	pos, removed := ls.removeLocked(record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	if !removed {
		return false
	}

	log.Debug().Str("lane", lane).Str("taskId", record.id).Int("queuePos", pos).Msg("Queued task cancelled by caller")
	observability.SetQueueSize(metricLane(lane), queueSize)
	cq.emit(Event{Type: EventCancelled, Lane: lane, TaskID: record.id})
	cq.pruneLane(lane)
	return true
}

// processLane starts queued tasks while the lane has capacity.
func (cq *CommandQueue) processLane(lane string) {
	ls := cq.lane(lane)
	if ls == nil {
		return
	}

	ls.mu.Lock()
	var started []*taskRecord
	// Process tasks while we have capacity
	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		// Check if task is stale (from previous generation)
		if record.generation != ls.generation {
			record.result <- taskResult{err: ErrLaneReset}
			continue
		}

		// Mark as running
		ls.running++
		ls.activeIDs[record.id] = true
		started = append(started, record)
		cq.wg.Add(1)
	}
	running := ls.running
	ls.mu.Unlock()

	for _, record := range started {
		wait := time.Since(record.enqueuedAt)
		observability.RecordQueueWait(metricLane(lane), wait)
		logger := tracing.LoggerFromContext(record.ctx, log.Logger)
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("wait", wait).
			Int("running", running).
			Msg("Task started")
		cq.emit(Event{
			Type:   EventStarted,
			Lane:   lane,
			TaskID: record.id,
			Data:   map[string]interface{}{"waitMs": wait.Milliseconds()},
		})
		// Execute task in goroutine
		go cq.executeTask(lane, ls, record)
	}
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, "clawgate.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	startTime := time.Now()
	value, err := cq.runTask(runCtx, record.task)
	duration := time.Since(startTime)

	stopCancel()
	cancel()

	// Update lane state
	ls.mu.Lock()
	ls.running--
	delete(ls.activeIDs, record.id)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	// Send result
	record.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.FailSpan(span, err)
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	// Emit completed event
	observability.RecordQueueCompletion(metricLane(lane), duration, err == nil, queueSize)
	cq.emit(Event{
		Type:   EventCompleted,
		Lane:   lane,
		TaskID: record.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
		},
	})

	// Process next task in queue
	cq.processLane(lane)
	cq.pruneLane(lane)
}

// runTask converts a task panic into an error so the lane keeps draining.
func (cq *CommandQueue) runTask(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// pruneLane drops an idle session lane.
func (cq *CommandQueue) pruneLane(lane string) {
	if !IsSessionLane(lane) {
		return
	}
	cq.mu.Lock()
	defer cq.mu.Unlock()
	ls, ok := cq.lanes[lane]
	if !ok {
		return
	}
	ls.mu.Lock()
	idle := ls.idle() && ls.generation == 0
	ls.mu.Unlock()
	if idle {
		delete(cq.lanes, lane)
	}
}

func (cq *CommandQueue) startWarnTimer(record *taskRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls := cq.lane(lane)
		if ls == nil {
			return
		}
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r == record {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			wait := time.Since(record.enqueuedAt)
			logger := tracing.LoggerFromContext(record.ctx, log.Logger)
			logger.Warn().
				Str("lane", lane).
				Str("taskId", record.id).
				Dur("wait", wait).
				Int("queuePos", queuePos).
				Msg("Task waiting longer than expected")

			if record.options.OnWait != nil {
				record.options.OnWait(wait, queuePos)
			}
		}
	case <-record.ctx.Done():
	case <-cq.ctx.Done():
	}
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	ls := cq.lane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	ls := cq.lane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// LaneStats is a point-in-time view of one lane.
type LaneStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// GetStats returns statistics for all lanes that currently exist.
func (cq *CommandQueue) GetStats() map[string]LaneStats {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for lane, ls := range cq.lanes {
		ls.mu.Lock()
		stats[lane] = LaneStats{
			Queued:      len(ls.queue),
			Running:     ls.running,
			Concurrency: ls.concurrency,
		}
		ls.mu.Unlock()
	}
	return stats
}

// rejectQueued fails every queued task in lane with err and returns how many
// were dropped. When bump is set the lane generation advances too.
func (cq *CommandQueue) rejectQueued(lane string, err error, bump bool) (int, int) {
	ls := cq.lane(lane)
	if ls == nil {
		return 0, 0
	}

	ls.mu.Lock()
	if bump {
		ls.generation++
	}
	// Reject all queued tasks
	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: err}
	}
	ls.queue = nil
	generation := ls.generation
	ls.mu.Unlock()

	observability.SetQueueSize(metricLane(lane), 0)
	return count, generation
}

// ClearLane removes all queued tasks from a lane. Running tasks are not affected.
func (cq *CommandQueue) ClearLane(lane string) int {
	count, _ := cq.rejectQueued(lane, ErrLaneCleared, false)
	log.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	return count
}

// ResetLane drops queued tasks and advances the lane generation.
func (cq *CommandQueue) ResetLane(lane string) {
	_, generation := cq.rejectQueued(lane, ErrLaneReset, true)
	log.Info().Str("lane", lane).Int("generation", generation).Msg("Lane reset")
}

// SetConcurrency updates the concurrency limit for a lane
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}

	cq.mu.Lock()
	cq.limits[lane] = concurrency
	ls := cq.laneLocked(lane, true)
	ls.mu.Lock()
	oldMax := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()
	cq.mu.Unlock()

	log.Info().
		Str("lane", lane).
		Int("oldMax", oldMax).
		Int("newMax", concurrency).
		Msg("Lane concurrency updated")

	// Process queue in case we increased concurrency
	if concurrency > oldMax {
		cq.processLane(lane)
	}
}

// WaitForActive waits for all active tasks to complete with timeout
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if cq.activeCount() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

func (cq *CommandQueue) activeCount() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	n := 0
	for _, ls := range cq.lanes {
		ls.mu.Lock()
		n += len(ls.activeIDs)
		ls.mu.Unlock()
	}
	return n
}

// Close rejects queued tasks, cancels running ones and waits for them.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	lanes := make([]string, 0, len(cq.lanes))
	for lane := range cq.lanes {
		lanes = append(lanes, lane)
	}
	cq.mu.Unlock()

	for _, lane := range lanes {
		cq.rejectQueued(lane, ErrQueueClosed, false)
	}
	cq.cancel()
	cq.wg.Wait()
	return nil
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	cq.eventHandlers[eventType] = append(cq.eventHandlers[eventType], handler)
}

// Off removes all handlers for the event type.
func (cq *CommandQueue) Off(eventType string) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	delete(cq.eventHandlers, eventType)
}

// emit calls handlers synchronously; they must not block.
func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.eventHandlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
