package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/prguard/engine/internal/events"
	"github.com/prguard/engine/internal/models"
	"github.com/prguard/engine/internal/repository"
	"github.com/prguard/engine/internal/scm"
	appErr "github.com/prguard/engine/pkg/errors"
	"github.com/prguard/engine/pkg/logger"
)

// StatusReconciler folds deployment status events into the execution record.
type StatusReconciler interface {
	// Reconcile reports whether the status was applied.
	Reconcile(ctx context.Context, ev events.DeploymentStatus) (bool, error)
}

type statusReconciler struct {
	executions repository.ExecutionRepository
	github     scm.Client
	now        func() time.Time
}

func NewStatusReconciler(executions repository.ExecutionRepository, github scm.Client) StatusReconciler {
	return &statusReconciler{
		executions: executions,
		github:     github,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

var _ StatusReconciler = (*statusReconciler)(nil)

func (r *statusReconciler) Reconcile(ctx context.Context, ev events.DeploymentStatus) (bool, error) {
	log := logger.L().With(zap.String("execution_id", ev.ExecutionID), zap.String("deployment_status", ev.DeploymentStatus))

	status, ok := models.ExecutionStatusFor(ev.DeploymentStatus)
	if !ok {
		return false, appErr.New(appErr.CodeInvalid, "unknown deployment status").WithMeta("deployment_status", ev.DeploymentStatus)
	}

	fields := repository.Fields{
		repository.ColStatus:           status,
		repository.ColDeploymentStatus: ev.DeploymentStatus,
	}
	if ev.DeploymentEnvironment != "" {
		fields[repository.ColDeploymentEnvironment] = ev.DeploymentEnvironment
	}
	if ev.DeploymentStrategy != "" {
		fields[repository.ColDeploymentStrategy] = ev.DeploymentStrategy
	}
	if ev.Message != "" {
		fields[repository.ColDeploymentMessage] = ev.Message
	}
	if status.IsTerminal() {
		fields[repository.ColDeploymentCompletedAt] = r.now()
	} else {
		fields[repository.ColDeploymentStartedAt] = r.now()
	}

	out, err := r.executions.UpdateConditional(ctx, ev.ExecutionID, fields, repository.TransitionTo(status))
	if err != nil {
		return false, err
	}
	if out == repository.ConditionFailed {
		log.Debug("stale deployment status ignored")
		return false, nil
	}
	log.Info("deployment status reconciled")

	if !status.IsTerminal() {
		return true, nil
	}
	e, err := r.executions.Get(ctx, ev.ExecutionID)
	if err != nil {
		log.Warn("load execution for completion comment failed", zap.Error(err))
		return true, nil
	}
	if err := r.github.PostComment(ctx, e.RepoFullName, e.PRNumber, RenderCompletionComment(e)); err != nil {
		log.Warn("completion comment failed", zap.Error(err))
	}
	return true, nil
}
