// Package tasks implements the scheduler and runtime for named background
// tasks: registration, singleton runs, cancellation, progress, history, and
// the alerting policy applied when runs finish.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/ecm-engine/internal/database"
)

// Run statuses. A run is recorded as running when it starts (there is no
// queued status) and then moves to a terminal status; no transitions out
// of terminal states. "skipped" only ever appears as a history row for a
// fire coalesced into an already-running task.
const (
	StatusRunning   = "running"
	StatusSuccess   = "success"
	StatusWarning   = "warning"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusSkipped   = "skipped"
)

// ErrUnknownTask is returned for task ids never registered.
var ErrUnknownTask = errors.New("unknown task")

// Parameter describes one task parameter for schedule editors.
type Parameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // boolean, number, number_array, string
	Label       string   `json:"label"`
	Description string   `json:"description"`
	Default     any      `json:"default"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Source      string   `json:"source,omitempty"`
}

// Definition is the in-memory registration record for a task.
type Definition struct {
	TaskID      string      `json:"task_id"`
	TaskName    string      `json:"task_name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
}

// Progress is a task's latest self-reported state.
type Progress struct {
	Status       string `json:"status,omitempty"`
	Total        int    `json:"total,omitempty"`
	Completed    int    `json:"completed,omitempty"`
	SuccessCount int    `json:"success_count,omitempty"`
	ErrorCount   int    `json:"error_count,omitempty"`
	CurrentItem  string `json:"current_item,omitempty"`
}

// ProgressFunc publishes a progress snapshot to the engine.
type ProgressFunc func(Progress)

// Result is a task's terminal outcome.
type Result struct {
	Status       string
	Message      string
	Details      map[string]any
	TotalItems   *int
	SuccessCount *int
	ErrorCount   *int
}

// RunFunc executes one task run. It must honor ctx cancellation at every
// suspension point and return rather than panic; panics are recovered and
// recorded as error runs.
type RunFunc func(ctx context.Context, params json.RawMessage, progress ProgressFunc) Result

// Alerter receives terminal runs whose ScheduledTask asks for alerts.
// Dispatch failures never change the task's own outcome.
type Alerter interface {
	TaskFinished(ctx context.Context, cfg *database.ScheduledTask, run *database.TaskRun)
}

// Store is the slice of the local store the engine persists runs and reads
// schedules through.
type Store interface {
	EnsureScheduledTask(ctx context.Context, taskID string) error
	GetScheduledTask(ctx context.Context, taskID string) (*database.ScheduledTask, error)
	ListSchedules(ctx context.Context, taskID string, enabledOnly bool) ([]database.TaskSchedule, error)
	InsertTaskRun(ctx context.Context, r *database.TaskRun) error
	FinishTaskRun(ctx context.Context, r *database.TaskRun) error
	TaskHistory(ctx context.Context, taskID string, limit, offset int) ([]database.TaskRun, error)
}

type registration struct {
	def Definition
	run RunFunc
}

type activeRun struct {
	runID      string
	scheduleID *int64
	startedAt  time.Time
	cancel     context.CancelFunc

	mu       sync.Mutex
	progress Progress
}

// Engine owns the lifecycle of all active task runs.
type Engine struct {
	db  Store
	log zerolog.Logger

	alerter Alerter // nil disables alerting

	mu      sync.Mutex
	defs    map[string]*registration
	order   []string
	running map[string]*activeRun

	wake    chan struct{}
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewEngine(db Store, alerter Alerter, log zerolog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		db:      db,
		log:     log,
		alerter: alerter,
		defs:    make(map[string]*registration),
		running: make(map[string]*activeRun),
		wake:    make(chan struct{}, 1),
		baseCtx: ctx,
		stop:    cancel,
	}
}

// Register adds a task definition and its factory. Registering also ensures
// a scheduled_tasks row exists so alert settings have somewhere to live.
func (e *Engine) Register(ctx context.Context, def Definition, run RunFunc) error {
	e.mu.Lock()
	if _, dup := e.defs[def.TaskID]; !dup {
		e.order = append(e.order, def.TaskID)
	}
	e.defs[def.TaskID] = &registration{def: def, run: run}
	e.mu.Unlock()
	return e.db.EnsureScheduledTask(ctx, def.TaskID)
}

// ListTasks returns all registered definitions in registration order.
func (e *Engine) ListTasks() []Definition {
	e.mu.Lock()
	defer e.mu.Unlock()
	defs := make([]Definition, 0, len(e.order))
	for _, id := range e.order {
		defs = append(defs, e.defs[id].def)
	}
	return defs
}

// TaskStatus is the live view of one task.
type TaskStatus struct {
	Definition Definition `json:"definition"`
	Running    bool       `json:"running"`
	RunID      string     `json:"run_id,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	Progress   *Progress  `json:"progress,omitempty"`
}

// GetStatus returns the definition plus the running snapshot, if any.
func (e *Engine) GetStatus(taskID string) (*TaskStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reg, ok := e.defs[taskID]
	if !ok {
		return nil, ErrUnknownTask
	}
	st := &TaskStatus{Definition: reg.def}
	if ar, ok := e.running[taskID]; ok {
		st.Running = true
		st.RunID = ar.runID
		started := ar.startedAt
		st.StartedAt = &started
		ar.mu.Lock()
		p := ar.progress
		ar.mu.Unlock()
		st.Progress = &p
	}
	return st, nil
}

// Run starts a task. A fire while the task is still running is coalesced
// into a "skipped" history row; the task itself is singleton per task_id.
func (e *Engine) Run(ctx context.Context, taskID string, scheduleID *int64, params json.RawMessage) (*database.TaskRun, error) {
	e.mu.Lock()
	reg, ok := e.defs[taskID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrUnknownTask
	}
	if _, busy := e.running[taskID]; busy {
		e.mu.Unlock()
		skipped := &database.TaskRun{
			RunID:      uuid.NewString(),
			TaskID:     taskID,
			ScheduleID: scheduleID,
			StartedAt:  time.Now().UTC(),
			Status:     StatusSkipped,
			Message:    "skipped: task already running",
		}
		if err := e.db.InsertTaskRun(ctx, skipped); err != nil {
			e.log.Error().Err(err).Str("task_id", taskID).Msg("failed to record skipped run")
		}
		now := skipped.StartedAt
		skipped.FinishedAt = &now
		_ = e.db.FinishTaskRun(ctx, skipped)
		return skipped, nil
	}

	runCtx, cancel := context.WithCancel(e.baseCtx)
	ar := &activeRun{
		runID:      uuid.NewString(),
		scheduleID: scheduleID,
		startedAt:  time.Now().UTC(),
		cancel:     cancel,
	}
	e.running[taskID] = ar
	e.mu.Unlock()

	run := &database.TaskRun{
		RunID:      ar.runID,
		TaskID:     taskID,
		ScheduleID: scheduleID,
		StartedAt:  ar.startedAt,
		Status:     StatusRunning,
	}
	if err := e.db.InsertTaskRun(ctx, run); err != nil {
		e.mu.Lock()
		delete(e.running, taskID)
		e.mu.Unlock()
		cancel()
		return nil, err
	}

	e.wg.Add(1)
	go e.execute(runCtx, reg, ar, run, params)
	return run, nil
}

func (e *Engine) execute(ctx context.Context, reg *registration, ar *activeRun, run *database.TaskRun, params json.RawMessage) {
	defer e.wg.Done()
	log := e.log.With().Str("task_id", run.TaskID).Str("run_id", run.RunID).Logger()
	log.Info().Msg("task started")

	progress := func(p Progress) {
		ar.mu.Lock()
		ar.progress = p
		ar.mu.Unlock()
	}

	result := e.safeRun(ctx, reg.run, params, progress)

	// A cancelled context wins over whatever the task returned.
	if ctx.Err() != nil && result.Status != StatusCancelled {
		result.Status = StatusCancelled
		if result.Message == "" {
			result.Message = "cancelled by operator"
		}
	}
	if result.Status == "" {
		result.Status = StatusSuccess
	}

	run.Status = result.Status
	run.Message = result.Message
	run.TotalItems = result.TotalItems
	run.SuccessCount = result.SuccessCount
	run.ErrorCount = result.ErrorCount
	if result.Details != nil {
		if raw, err := json.Marshal(result.Details); err == nil {
			run.Details = raw
		}
	}

	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.db.FinishTaskRun(finishCtx, run); err != nil {
		log.Error().Err(err).Msg("failed to persist task run")
	}

	e.mu.Lock()
	delete(e.running, run.TaskID)
	e.mu.Unlock()
	ar.cancel()

	log.Info().Str("status", run.Status).Str("message", run.Message).
		Dur("duration", time.Since(run.StartedAt)).Msg("task finished")

	e.maybeAlert(finishCtx, run)
}

// safeRun invokes the task, converting panics into error results so no
// exception escapes a run.
func (e *Engine) safeRun(ctx context.Context, run RunFunc, params json.RawMessage, progress ProgressFunc) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("task panicked")
			result = Result{Status: StatusError, Message: fmt.Sprintf("internal error: %v", r)}
		}
	}()
	return run(ctx, params, progress)
}

func (e *Engine) maybeAlert(ctx context.Context, run *database.TaskRun) {
	if e.alerter == nil {
		return
	}
	cfg, err := e.db.GetScheduledTask(ctx, run.TaskID)
	if err != nil || cfg == nil || !cfg.SendAlerts {
		return
	}
	match := false
	switch run.Status {
	case StatusSuccess:
		match = cfg.AlertOnSuccess
	case StatusWarning:
		match = cfg.AlertOnWarning
	case StatusError:
		match = cfg.AlertOnError
	case StatusCancelled:
		match = cfg.AlertOnInfo
	}
	if !match {
		return
	}
	e.alerter.TaskFinished(ctx, cfg, run)
}

// Cancel sets the cancellation token of a running task. Cooperative tasks
// observe it at their next suspension point.
func (e *Engine) Cancel(taskID string) bool {
	e.mu.Lock()
	ar, ok := e.running[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	ar.cancel()
	return true
}

// History returns persisted runs, newest first.
func (e *Engine) History(ctx context.Context, taskID string, limit, offset int) ([]database.TaskRun, error) {
	return e.db.TaskHistory(ctx, taskID, limit, offset)
}

// Wake nudges the scheduler loop after a schedule or task config change.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// EngineStatus summarizes the engine for the status endpoint.
type EngineStatus struct {
	RegisteredTasks int                  `json:"registered_tasks"`
	RunningTasks    []string             `json:"running_tasks"`
	NextFires       map[int64]time.Time  `json:"next_fires"`
}

func (e *Engine) Status(ctx context.Context) EngineStatus {
	e.mu.Lock()
	st := EngineStatus{
		RegisteredTasks: len(e.defs),
		RunningTasks:    make([]string, 0, len(e.running)),
		NextFires:       make(map[int64]time.Time),
	}
	for id := range e.running {
		st.RunningTasks = append(st.RunningTasks, id)
	}
	e.mu.Unlock()
	sort.Strings(st.RunningTasks)

	now := time.Now().UTC()
	if fires, err := e.upcomingFires(ctx, now); err == nil {
		for _, f := range fires {
			st.NextFires[f.schedule.ID] = f.at
		}
	}
	return st
}

// Shutdown cancels all running tasks and waits for them to drain.
func (e *Engine) Shutdown() {
	e.stop()
	e.wg.Wait()
}
