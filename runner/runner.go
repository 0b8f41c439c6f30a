package runner

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/history"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/token"
)

// Options describes one run of an execution's step sequence.
type Options struct {
	ExecutionID string
	HistoryID   string

	// Declared is the automation's current step metadata, authoritative
	// for order, titles and file names.
	Declared []token.Step

	// TokenID resumes from a persisted token instead of starting fresh.
	TokenID string

	// StartStep names a step (by StepID, falling back to FileName) to run
	// even if a resumed token already has it completed.
	StartStep string

	// SingleStep runs only StartStep and leaves every other step untouched.
	SingleStep bool

	// Stop ends the run at the next step boundary with status stopped.
	// The in-flight step finishes naturally.
	Stop <-chan struct{}
}

// Result is the outcome of a run. ExitCode carries the failing step's
// worker exit code (1 when the worker never produced one), 0 on success.
type Result struct {
	Token    *token.Token
	Status   token.RunStatus
	ExitCode int
}

// Runner is the per-compute-unit run state machine: it walks the token's
// steps in declared order, delegates each to a StepWorker, folds context
// mutations, and persists the token after every transition.
type Runner struct {
	tokens  *token.Store
	ledger  *history.Ledger
	workers WorkerFactory
	log     *zap.SugaredLogger
}

// New creates a runner
func New(tokens *token.Store, ledger *history.Ledger, workers WorkerFactory) *Runner {
	return &Runner{
		tokens:  tokens,
		ledger:  ledger,
		workers: workers,
		log:     logger.Named("runner"),
	}
}

// Run executes the step sequence. The returned error covers infrastructure
// failures only (stores unreachable, token missing); a run that fails on a
// step still returns a Result with the errored token.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	tok, err := r.resolveToken(opts)
	if err != nil {
		return nil, err
	}

	tok.Status = token.RunRunning
	if err := r.tokens.SaveProgress(tok); err != nil {
		return nil, err
	}
	if err := r.markHistoryRunning(ctx, opts.HistoryID); err != nil {
		return nil, err
	}

	worker := r.workers.ForRun(opts.ExecutionID, opts.HistoryID)

	result := &Result{Token: tok, Status: token.RunCompleted}
	var failedStep *token.Step

	for i := range tok.Steps {
		if stopRequested(opts.Stop) {
			result.Status = token.RunStopped
			break
		}

		step := &tok.Steps[i]
		target := isTarget(step, opts.StartStep)

		if opts.SingleStep && !target {
			continue
		}
		if step.Status == token.StepCompleted && !target {
			// Resumed runs never redo finished work unless told to
			continue
		}

		exitCode, stepErr := r.runStep(ctx, worker, tok, step)
		if stepErr != nil || exitCode != 0 {
			result.Status = token.RunErrored
			result.ExitCode = exitCode
			if result.ExitCode == 0 {
				result.ExitCode = 1
			}
			failedStep = step
			break
		}

		if opts.SingleStep && target {
			break
		}
	}

	tok.Status = result.Status
	if err := r.tokens.SaveProgress(tok); err != nil {
		return nil, err
	}
	if err := r.closeHistory(ctx, opts.HistoryID, result, failedStep); err != nil {
		return nil, err
	}

	r.log.Infow("run finished",
		"execution_id", opts.ExecutionID,
		"token_id", tok.ID,
		"status", result.Status,
		"exit_code", result.ExitCode)
	return result, nil
}

// resolveToken loads and merges a resumed token, or creates a fresh one
func (r *Runner) resolveToken(opts Options) (*token.Token, error) {
	if opts.TokenID != "" {
		tok, err := r.tokens.GetToken(opts.TokenID)
		if err != nil {
			return nil, err
		}
		if len(opts.Declared) > 0 {
			tok.Steps = token.MergeSteps(tok.Steps, opts.Declared)
		}
		return tok, nil
	}

	tok := token.New(opts.ExecutionID, opts.Declared)
	if err := r.tokens.CreateToken(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// runStep drives one step through running → completed/errored, persisting
// both transitions and folding mutations into the token context as the
// worker emits them.
func (r *Runner) runStep(ctx context.Context, worker StepWorker, tok *token.Token, step *token.Step) (int, error) {
	step.Status = token.StepRunning
	step.Error = ""
	if err := r.tokens.SaveProgress(tok); err != nil {
		return 1, err
	}

	mutations := make(chan Mutation)
	folded := make(chan struct{})
	go func() {
		defer close(folded)
		for m := range mutations {
			tok.Context[m.Key] = m.Value
		}
	}()

	exitCode, err := worker.Run(ctx, *step, cloneContext(tok.Context), mutations)
	close(mutations)
	<-folded

	switch {
	case err != nil:
		step.Status = token.StepErrored
		step.Error = err.Error()
		r.log.Errorw("step failed to run",
			"execution_id", tok.ExecutionID,
			"step", step.FileName,
			"error", err)
	case exitCode != 0:
		step.Status = token.StepErrored
		step.Error = "exited with code " + strconv.Itoa(exitCode)
		r.log.Warnw("step exited non-zero",
			"execution_id", tok.ExecutionID,
			"step", step.FileName,
			"exit_code", exitCode)
	default:
		step.Status = token.StepCompleted
	}

	if saveErr := r.tokens.SaveProgress(tok); saveErr != nil {
		return 1, saveErr
	}
	return exitCode, err
}

// markHistoryRunning lands the running status. StartedAt is stamped only
// on the queued transition; a resumed run keeps the original start so the
// recomputed duration spans the whole run.
func (r *Runner) markHistoryRunning(ctx context.Context, historyID string) error {
	if historyID == "" {
		return nil
	}
	rec, err := r.ledger.Store().Get(historyID)
	if err != nil {
		return err
	}
	running := history.StatusRunning
	patch := history.Update{Status: &running}
	if rec.Status == history.StatusQueued {
		patch.StartedAt = time.Now().UTC()
	}
	_, err = r.ledger.Update(ctx, historyID, patch)
	return err
}

// closeHistory lands the terminal status on the history record. Any step
// failure is errored, whether the worker exited non-zero or never ran.
func (r *Runner) closeHistory(ctx context.Context, historyID string, result *Result, failedStep *token.Step) error {
	if historyID == "" {
		return nil
	}

	var status history.Status
	switch result.Status {
	case token.RunStopped:
		status = history.StatusStopped
	case token.RunErrored:
		status = history.StatusErrored
	default:
		status = history.StatusCompleted
	}

	patch := history.Update{
		Status:   &status,
		EndedAt:  time.Now().UTC(),
		ExitCode: &result.ExitCode,
	}
	if failedStep != nil && failedStep.Error != "" {
		msg := failedStep.Title + ": " + failedStep.Error
		patch.ErrorMessage = &msg
	}

	_, err := r.ledger.Update(ctx, historyID, patch)
	return err
}

func isTarget(step *token.Step, startStep string) bool {
	if startStep == "" {
		return false
	}
	if step.StepID != "" && step.StepID == startStep {
		return true
	}
	return step.FileName == startStep
}

func stopRequested(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func cloneContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}
