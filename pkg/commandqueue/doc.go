// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
//   - Tasks in the same lane start in FIFO order.
//   - A lane never runs more tasks than its concurrency limit.
//   - A queued task is removed only by its own caller's context, ClearLane,
//     ResetLane or Close. Running tasks are never preempted by the queue
//     except on Close.
//
// Agent runs nest two lanes: the per-session lane serializes work on one
// transcript, and the global lane caps total concurrency.
//
//	queue := commandqueue.New(commandqueue.Config{GlobalConcurrency: 4})
//	defer queue.Close()
//	result, err := queue.EnqueueWithContext(ctx, commandqueue.SessionLane("abc"), func(ctx context.Context) (interface{}, error) {
//		return queue.EnqueueWithContext(ctx, commandqueue.GlobalLane, run, nil)
//	}, nil)
package commandqueue
