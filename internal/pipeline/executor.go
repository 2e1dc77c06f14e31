package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/geoconvert/pkg/models"
)

// JobState is the slice of the job store the executor needs.
type JobState interface {
	IsCancelled(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateJobProgress(ctx context.Context, id uuid.UUID, step, message string) error
}

// Stage is one step of a pipeline.
type Stage struct {
	Name    string
	Message string
	// Optional stages log failures and let the pipeline continue.
	Optional bool
	// Commit stages run without a preceding cancellation check.
	Commit bool
	Run    func(ctx context.Context) error
}

// Executor runs stages in order, checking the job's cancellation flag at
// every stage boundary and recording progress as each stage starts.
type Executor struct {
	state JobState
}

func NewExecutor(state JobState) *Executor {
	return &Executor{state: state}
}

// Execute returns nil when every required stage succeeded, ErrCancelled when
// cancellation was observed, ctx's error on shutdown, or a *StageError.
func (e *Executor) Execute(ctx context.Context, job *models.Job, stages []Stage) error {
	log := slog.With("job_id", job.ID, "project_id", job.ProjectID)

	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !st.Commit && e.cancelled(ctx, log, job.ID) {
			log.Info("cancellation observed", "before_stage", st.Name)
			return ErrCancelled
		}

		if err := e.state.UpdateJobProgress(ctx, job.ID, st.Name, st.Message); err != nil {
			log.Warn("progress update failed", "stage", st.Name, "error", err)
		}

		log.Debug("stage started", "stage", st.Name)
		err := st.Run(ctx)
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if st.Optional {
			log.Warn("optional stage failed, continuing", "stage", st.Name, "error", err)
			continue
		}

		var se *StageError
		if !errors.As(err, &se) {
			se = &StageError{Kind: KindInternal, Err: err}
		}
		if se.Stage == "" {
			se.Stage = st.Name
		}
		return se
	}
	return nil
}

// cancelled reads the flag. A store error is logged and treated as not
// cancelled; the next boundary reads it again.
func (e *Executor) cancelled(ctx context.Context, log *slog.Logger, id uuid.UUID) bool {
	c, err := e.state.IsCancelled(ctx, id)
	if err != nil {
		log.Warn("cancellation check failed", "error", err)
		return false
	}
	return c
}
