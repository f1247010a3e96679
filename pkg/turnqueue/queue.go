// Package turnqueue serializes agent turns per conversation. Each
// conversation gets its own lane with exactly one turn in flight;
// lanes for different conversations run fully concurrently. The lane is
// what makes configuration application, reconciliation, and model
// dispatch one atomic unit with respect to other turns on the same
// conversation.
package turnqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dimas/pivot/internal/observability"
	"github.com/dimas/pivot/internal/tracing"
	"github.com/rs/zerolog"
)

// Task represents one turn's work, executed with the lane held.
type Task func(ctx context.Context) (interface{}, error)

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

// laneState manages execution state for a single conversation lane.
type laneState struct {
	queue   []*taskRecord
	running bool
	mu      sync.Mutex
}

// Queue provides per-conversation turn serialization.
type Queue struct {
	logger    zerolog.Logger
	lanes     map[string]*laneState
	taskIDSeq int
	mu        sync.RWMutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new turn queue.
func New(logger zerolog.Logger) *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		logger: logger,
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Do runs task in the conversation's lane, blocking until the task has
// executed and returning its result. Tasks for the same conversation
// never overlap; tasks for different conversations do.
func (q *Queue) Do(ctx context.Context, conversationID string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id cannot be empty")
	}
	if tracing.GetConversationID(ctx) == "" {
		ctx = tracing.WithConversationID(ctx, conversationID)
	}

	logger := tracing.LoggerFromContext(ctx, q.logger)

	ls := q.ensureLane(conversationID)

	q.mu.Lock()
	q.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", conversationID, q.taskIDSeq)
	q.mu.Unlock()

	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	depth := len(ls.queue)
	ls.mu.Unlock()

	logger.Debug().
		Str("task_id", taskID).
		Int("lane_depth", depth).
		Msg("Turn enqueued")
	observability.RecordLaneEnqueue(conversationID, depth)

	go q.processLane(conversationID)

	result := <-record.result
	return result.value, result.err
}

// Active reports whether the conversation currently has a turn running
// or queued. The sweeper uses this to avoid evicting live conversations.
func (q *Queue) Active(conversationID string) bool {
	q.mu.RLock()
	ls, exists := q.lanes[conversationID]
	q.mu.RUnlock()
	if !exists {
		return false
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running || len(ls.queue) > 0
}

// Depth returns the number of queued turns for a conversation.
func (q *Queue) Depth(conversationID string) int {
	q.mu.RLock()
	ls, exists := q.lanes[conversationID]
	q.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// Drain rejects all queued turns for a conversation, leaving a running
// turn untouched. Returns the number of rejected turns.
func (q *Queue) Drain(conversationID string) int {
	q.mu.RLock()
	ls, exists := q.lanes[conversationID]
	q.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: fmt.Errorf("conversation lane drained")}
		close(record.result)
	}
	ls.queue = nil

	if count > 0 {
		q.logger.Info().Str("conversation_id", conversationID).Int("drained", count).Msg("Lane drained")
		observability.SetLaneDepth(conversationID, 0)
	}
	return count
}

// Close shuts the queue down after running tasks complete.
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}

func (q *Queue) ensureLane(conversationID string) *laneState {
	q.mu.Lock()
	defer q.mu.Unlock()

	ls, exists := q.lanes[conversationID]
	if !exists {
		ls = &laneState{}
		q.lanes[conversationID] = ls
	}
	return ls
}

func (q *Queue) processLane(conversationID string) {
	q.mu.RLock()
	ls := q.lanes[conversationID]
	q.mu.RUnlock()

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.running || len(ls.queue) == 0 {
		return
	}

	record := ls.queue[0]
	ls.queue = ls.queue[1:]
	ls.running = true

	q.wg.Add(1)
	go q.executeTask(conversationID, ls, record)
}

func (q *Queue) executeTask(conversationID string, ls *laneState, record *taskRecord) {
	defer q.wg.Done()

	logger := tracing.LoggerFromContext(record.ctx, q.logger)

	runCtx, cancel := context.WithCancel(record.ctx)
	stopCancel := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	start := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(start)

	ls.mu.Lock()
	ls.running = false
	depth := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	if err != nil {
		logger.Error().
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Turn failed")
	} else {
		logger.Debug().
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Turn completed")
	}
	observability.RecordLaneCompletion(conversationID, err == nil, depth)

	go q.processLane(conversationID)
}
