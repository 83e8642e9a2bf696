package worktree

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// step is one reversible stage of workspace creation. undo runs only if do
// succeeded and a later step failed.
type step struct {
	name string
	do   func(context.Context) error
	undo func(context.Context) error
}

// StepError reports which creation step failed and whether rollback left
// anything behind.
type StepError struct {
	Step        string
	Err         error
	RollbackErr error
}

func (e *StepError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("workspace %s failed: %v (rollback incomplete: %v)", e.Step, e.Err, e.RollbackErr)
	}
	return fmt.Sprintf("workspace %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// runSteps executes steps in order. On failure every completed step is
// undone in reverse order. Rollback is detached from ctx cancellation so a
// cancelled hook still cleans up after itself.
func runSteps(ctx context.Context, logger *zap.Logger, before func(string) error, steps []step) error {
	var done []step
	for _, s := range steps {
		err := ctx.Err()
		if err == nil && before != nil {
			err = before(s.name)
		}
		if err == nil {
			err = s.do(ctx)
		}
		if err == nil {
			done = append(done, s)
			continue
		}

		rctx := context.WithoutCancel(ctx)
		var rollbackErrs []error
		for i := len(done) - 1; i >= 0; i-- {
			if done[i].undo == nil {
				continue
			}
			if uerr := done[i].undo(rctx); uerr != nil {
				logger.Error("workspace rollback step failed",
					zap.String("step", done[i].name),
					zap.Error(uerr),
				)
				rollbackErrs = append(rollbackErrs, fmt.Errorf("%s: %w", done[i].name, uerr))
			}
		}
		return &StepError{Step: s.name, Err: err, RollbackErr: errors.Join(rollbackErrs...)}
	}
	return nil
}
