// Package tasks stores dispatched tasks and the leases workers hold on them.
//
// Key features:
//
//   - Submission is idempotent by task id
//   - A lease (store lock plus fencing token) gates every write to a task
//   - Status changes follow a fixed state machine
//   - Each started attempt appends an ExecutionRecord; records are never rewritten
//     once finished
//   - State-backed persistence for durability across restarts
//
// # Basic Usage
//
//	store := state.NewMemoryStore()
//	mgr := tasks.NewManager(store)
//
//	task, created, err := mgr.Submit(ctx, "Read file requirements.txt", "agent-task-3")
//
//	lease, err := mgr.Claim(ctx, task.ID, "worker-1", 30*time.Second)
//	defer lease.Release()
//
//	_, err = mgr.Mutate(ctx, lease, func(t *tasks.Task) error {
//	    t.Status = tasks.StatusClassifying
//	    return nil
//	})
//
// # Task Lifecycle
//
//	Pending → Classifying → Executing → Completed
//	                          ↓   ↑
//	                        Retrying
//	any non-terminal status → Failed
//
// Completed and Failed are terminal: no further writes are accepted.
//
// # Fencing
//
// Claim stamps the lease's owner token on the task. Mutate compares that
// token inside the store's atomic update, so a worker that paused past its
// lease expiry and was replaced cannot overwrite the new holder's progress.
package tasks
