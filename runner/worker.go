// Package runner drives the step sequence of a run inside a compute unit:
// one isolated worker process per step, progress persisted to the run
// token after every transition.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/runlog"
	"github.com/loomworks/loom/token"
)

// Mutation is one key set by a step into the shared run context. Context
// mutations are the only channel from a step to later steps.
type Mutation struct {
	Key   string
	Value any
}

// StepWorker executes a single step in isolation. The run context is
// handed in by value; changes flow back only through the mutations
// channel. The returned exit code is the step's completion signal
// (0 = success).
type StepWorker interface {
	Run(ctx context.Context, step token.Step, stepContext map[string]any, mutations chan<- Mutation) (exitCode int, err error)
}

// WorkerFactory binds a StepWorker to one run so workers can attribute
// their log output to the right execution and history record.
type WorkerFactory interface {
	ForRun(executionID, historyID string) StepWorker
}

// mutationPrefix marks a stdout line as a context mutation rather than a
// log line: "@ctx <key>\t<json value>".
const mutationPrefix = "@ctx "

// ParseMutationLine decodes a worker stdout line in the mutation protocol.
// Returns ok=false for ordinary log lines.
func ParseMutationLine(line string) (Mutation, bool, error) {
	if !strings.HasPrefix(line, mutationPrefix) {
		return Mutation{}, false, nil
	}

	rest := strings.TrimPrefix(line, mutationPrefix)
	key, raw, found := strings.Cut(rest, "\t")
	if !found || key == "" {
		return Mutation{}, true, errors.Newf("malformed mutation line: %q", line)
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return Mutation{}, true, errors.Wrapf(err, "malformed mutation value for key %s", key)
	}
	return Mutation{Key: key, Value: value}, true, nil
}

// ProcessWorkerFactory builds process-based step workers
type ProcessWorkerFactory struct {
	cfg  config.RunnerConfig
	logs *runlog.Store
}

// NewProcessWorkerFactory creates a factory for os/exec step workers
func NewProcessWorkerFactory(cfg config.RunnerConfig, logs *runlog.Store) *ProcessWorkerFactory {
	return &ProcessWorkerFactory{cfg: cfg, logs: logs}
}

// ForRun implements WorkerFactory
func (f *ProcessWorkerFactory) ForRun(executionID, historyID string) StepWorker {
	return &ProcessWorker{
		cfg:         f.cfg,
		logs:        f.logs,
		executionID: executionID,
		historyID:   historyID,
		log:         logger.Named("worker"),
	}
}

// ProcessWorker runs each step as a child process: the step command is
// invoked with the step's file name, the run context arrives as JSON on
// stdin, mutations come back on stdout in the "@ctx" protocol, and every
// other output line is appended to the run log.
type ProcessWorker struct {
	cfg         config.RunnerConfig
	logs        *runlog.Store
	executionID string
	historyID   string
	log         *zap.SugaredLogger
}

// Run implements StepWorker
func (w *ProcessWorker) Run(ctx context.Context, step token.Step, stepContext map[string]any, mutations chan<- Mutation) (int, error) {
	if w.cfg.StepTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(w.cfg.StepTimeoutSeconds)*time.Second)
		defer cancel()
	}

	contextJSON, err := json.Marshal(stepContext)
	if err != nil {
		return 1, errors.Wrap(err, "failed to marshal step context")
	}

	cmd := exec.CommandContext(ctx, w.cfg.StepCommand, step.FileName)
	cmd.Dir = w.cfg.WorkDir
	cmd.Stdin = bytes.NewReader(contextJSON)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 1, errors.Wrap(err, "failed to open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 1, errors.Wrap(err, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return 1, errors.Wrapf(err, "failed to start step %s", step.FileName)
	}

	var mu sync.Mutex
	var lines []string
	appendLine := func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.drainStdout(stdout, mutations, appendLine)
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			appendLine(scanner.Text())
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	if len(lines) > 0 {
		batch := &runlog.Batch{
			ExecutionID: w.executionID,
			HistoryID:   w.historyID,
			Lines:       lines,
		}
		if err := w.logs.Append(batch); err != nil {
			w.log.Warnw("failed to append step log batch",
				"execution_id", w.executionID,
				"step", step.FileName,
				"error", err)
		}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 1, errors.Wrapf(waitErr, "step %s did not run", step.FileName)
	}
	return cmd.ProcessState.ExitCode(), nil
}

// drainStdout routes mutation lines to the mutations channel and everything
// else to the log collector.
func (w *ProcessWorker) drainStdout(r io.Reader, mutations chan<- Mutation, appendLine func(string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		m, isMutation, err := ParseMutationLine(line)
		if err != nil {
			w.log.Warnw("ignoring malformed mutation line",
				"execution_id", w.executionID,
				"error", err)
			continue
		}
		if isMutation {
			mutations <- m
			continue
		}
		appendLine(line)
	}
}
