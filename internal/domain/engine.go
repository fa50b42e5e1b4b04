package domain

import "context"

// UpdateFunc applies a mutation to the live task record under the
// scheduler's lock and pushes the updated snapshot to the event sink.
// After the runtime is aborted the mutation is silently discarded, which is
// how a canceled task's status survives a late-arriving engine update.
type UpdateFunc func(mutate func(*Task))

// Engine drives one execution attempt for a task: from downloading (or
// merging) to success, a retryable error, or a fatal error. An engine
// borrows the task and runtime only for the duration of Run and must not
// retain them after returning.
type Engine interface {
	// Kind returns the engine selector this strategy serves
	Kind() EngineKind

	// Run performs a single attempt. A nil return means the task
	// completed; a FatalError skips the retry cycle; any other error is
	// retryable up to the ceiling.
	Run(ctx context.Context, task *Task, rt *Runtime, update UpdateFunc) error
}
