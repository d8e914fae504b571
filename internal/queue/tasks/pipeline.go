package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/prguard/engine/internal/bus"
	"github.com/prguard/engine/internal/events"
	"github.com/prguard/engine/internal/services"
	appErr "github.com/prguard/engine/pkg/errors"
	"github.com/prguard/engine/pkg/logger"
)

// Task types consumed by the worker.
const (
	TypeAnalysisRun     = "analysis:run"
	TypeGateEvaluate    = "gate:evaluate"
	TypeDeployExecute   = "deploy:execute"
	TypeStatusReconcile = "status:reconcile"
)

// Subscriptions routes every pipeline event to the task that consumes it.
func Subscriptions() []bus.Subscription {
	return []bus.Subscription{
		{Source: events.SourceWebhook, Type: events.TypePROpened, Task: TypeAnalysisRun},
		{Source: events.SourceWebhook, Type: events.TypePRSynchronize, Task: TypeAnalysisRun},
		{Source: events.SourceWebhook, Type: events.TypePRReopened, Task: TypeAnalysisRun},
		{Source: events.SourceAnalyzer, Type: events.TypeAnalysisComplete, Task: TypeGateEvaluate},
		{Source: events.SourceGate, Type: events.TypeDeploymentApproved, Task: TypeDeployExecute},
		{Source: events.SourceWebhook, Type: events.TypeDeploymentStatus, Task: TypeStatusReconcile},
		{Source: events.SourceExecutor, Type: events.TypeDeploymentStatus, Task: TypeStatusReconcile},
	}
}

// PipelineTaskHandler adapts bus events delivered as asynq tasks onto the services.
type PipelineTaskHandler struct {
	analysis   services.AnalysisService
	gate       services.DeploymentGate
	executor   services.DeploymentExecutor
	reconciler services.StatusReconciler
	validate   *validator.Validate
}

func NewPipelineTaskHandler(analysis services.AnalysisService, gate services.DeploymentGate, executor services.DeploymentExecutor, reconciler services.StatusReconciler) *PipelineTaskHandler {
	return &PipelineTaskHandler{
		analysis:   analysis,
		gate:       gate,
		executor:   executor,
		reconciler: reconciler,
		validate:   validator.New(),
	}
}

// Register mounts every handler on mux.
func (h *PipelineTaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeAnalysisRun, h.HandleAnalysisRun)
	mux.HandleFunc(TypeGateEvaluate, h.HandleGateEvaluate)
	mux.HandleFunc(TypeDeployExecute, h.HandleDeployExecute)
	mux.HandleFunc(TypeStatusReconcile, h.HandleStatusReconcile)
}

func (h *PipelineTaskHandler) HandleAnalysisRun(ctx context.Context, t *asynq.Task) error {
	var ev events.PREvent
	if err := h.decode(t, &ev); err != nil {
		return err
	}
	logger.L().Info("handling analysis task", zap.String("execution_id", ev.ExecutionID), zap.String("action", ev.Action))
	if finalAttempt(ctx) {
		ctx = services.WithFinalAttempt(ctx)
	}
	_, err := h.analysis.Run(ctx, ev)
	return retryable(t, err)
}

// finalAttempt reports whether asynq will not redeliver the task if this attempt fails.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return ok && retried >= maxRetry
}

func (h *PipelineTaskHandler) HandleGateEvaluate(ctx context.Context, t *asynq.Task) error {
	var ev events.AnalysisComplete
	if err := h.decode(t, &ev); err != nil {
		return err
	}
	logger.L().Info("handling gate task", zap.String("execution_id", ev.ExecutionID), zap.Int("risk_score", ev.RiskScore))
	_, err := h.gate.Evaluate(ctx, ev)
	return retryable(t, err)
}

func (h *PipelineTaskHandler) HandleDeployExecute(ctx context.Context, t *asynq.Task) error {
	var ev events.DeploymentApproved
	if err := h.decode(t, &ev); err != nil {
		return err
	}
	logger.L().Info("handling deploy task", zap.String("execution_id", ev.ExecutionID), zap.String("environment", ev.DeploymentEnvironment))
	_, err := h.executor.Execute(ctx, ev)
	return retryable(t, err)
}

func (h *PipelineTaskHandler) HandleStatusReconcile(ctx context.Context, t *asynq.Task) error {
	var ev events.DeploymentStatus
	if err := h.decode(t, &ev); err != nil {
		return err
	}
	logger.L().Info("handling status task", zap.String("execution_id", ev.ExecutionID), zap.String("deployment_status", ev.DeploymentStatus))
	_, err := h.reconciler.Reconcile(ctx, ev)
	return retryable(t, err)
}

// decode unwraps the bus envelope into dst. Undecodable payloads are never retried.
func (h *PipelineTaskHandler) decode(t *asynq.Task, dst any) error {
	var ev bus.Event
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		logger.L().Error("invalid task payload", zap.String("task", t.Type()), zap.Error(err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if err := ev.Decode(dst); err != nil {
		logger.L().Error("invalid event detail", zap.String("task", t.Type()), zap.String("event_id", ev.ID), zap.Error(err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if err := h.validate.Struct(dst); err != nil {
		logger.L().Error("event detail failed validation", zap.String("task", t.Type()), zap.String("event_id", ev.ID), zap.Error(err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return nil
}

// retryable marks errors that redelivery cannot fix.
func retryable(t *asynq.Task, err error) error {
	if err == nil {
		return nil
	}
	switch appErr.CodeOf(err) {
	case appErr.CodeMisconfigured, appErr.CodeInvalid, appErr.CodeNotFound:
		logger.L().Error("task failed permanently", zap.String("task", t.Type()), zap.Error(err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	logger.L().Warn("task failed, will retry", zap.String("task", t.Type()), zap.Error(err))
	return err
}
