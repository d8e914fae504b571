package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/prguard/engine/internal/bus"
	"github.com/prguard/engine/internal/events"
	"github.com/prguard/engine/internal/models"
	"github.com/prguard/engine/internal/repository"
	"github.com/prguard/engine/internal/scm"
	"github.com/prguard/engine/pkg/config"
	appErr "github.com/prguard/engine/pkg/errors"
	"github.com/prguard/engine/pkg/logger"
)

// GateDecision summarises what the gate did with one analysis result.
type GateDecision struct {
	AutoApproved bool
	Eligible     bool
	// Dispatched is false when the approval had already been recorded.
	Dispatched bool
	Reason     string
}

// DeploymentGate decides whether an analysed execution is deployed.
type DeploymentGate interface {
	Evaluate(ctx context.Context, ev events.AnalysisComplete) (*GateDecision, error)
}

type GateConfig struct {
	AutoApproveThreshold    int
	DeploymentRiskThreshold int
	RequireTests            bool
	RequiredChecks          []string
	Strategy                string
	Environment             string
	Label                   string
}

type deploymentGate struct {
	cfg        GateConfig
	executions repository.ExecutionRepository
	github     scm.Client
	publisher  bus.Publisher
	now        func() time.Time
}

func NewDeploymentGate(cfg GateConfig, executions repository.ExecutionRepository, github scm.Client, publisher bus.Publisher) DeploymentGate {
	return &deploymentGate{
		cfg:        cfg,
		executions: executions,
		github:     github,
		publisher:  publisher,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

var _ DeploymentGate = (*deploymentGate)(nil)

func (g *deploymentGate) Evaluate(ctx context.Context, ev events.AnalysisComplete) (*GateDecision, error) {
	log := logger.L().With(zap.String("execution_id", ev.ExecutionID), zap.Int("risk_score", ev.RiskScore))
	d := &GateDecision{}

	exec, err := g.executions.Get(ctx, ev.ExecutionID)
	if err != nil {
		return nil, err
	}
	// A recorded approval means this result was already gated, including a
	// redelivery after a failed dispatch. Commenting again would only repeat it.
	if exec.DeploymentApprovedAt != nil {
		log.Debug("deployment already approved, skipping gate")
		d.Reason = "already approved"
		return d, nil
	}

	// Eligibility is read before commenting so a status fetch failure is retried
	// without leaving a comment behind.
	eligible, reason, err := g.eligible(ctx, ev)
	if err != nil {
		return nil, err
	}
	d.Eligible, d.Reason = eligible, reason

	comment := RenderFindingsComment(ev.HeadSHA, ev.RiskScore, ev.Findings, g.cfg.AutoApproveThreshold, g.cfg.DeploymentRiskThreshold)
	if err := g.github.PostComment(ctx, ev.RepoFullName, ev.PRNumber, comment); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeOf(err), "post findings comment failed")
	}

	if ev.RiskScore < g.cfg.AutoApproveThreshold {
		body := fmt.Sprintf("Risk score %d is below %d, approving automatically.", ev.RiskScore, g.cfg.AutoApproveThreshold)
		if err := g.github.ApproveReview(ctx, ev.RepoFullName, ev.PRNumber, body); err != nil {
			log.Warn("auto-approve review failed", zap.Error(err))
		} else {
			d.AutoApproved = true
		}
	}

	if !eligible {
		log.Info("deployment not eligible", zap.String("reason", reason))
		return d, nil
	}

	approvedAt := g.now()
	out, err := g.executions.UpdateConditional(ctx, ev.ExecutionID, repository.Fields{
		repository.ColStatus:                models.StatusDeploying,
		repository.ColDeploymentApprovedAt:  approvedAt,
		repository.ColDeploymentStatus:      models.DeploymentDeploying,
		repository.ColDeploymentEnvironment: g.cfg.Environment,
		repository.ColDeploymentStrategy:    g.cfg.Strategy,
	}, repository.And(
		repository.NotSet(repository.ColDeploymentApprovedAt),
		repository.TransitionTo(models.StatusDeploying),
	))
	if err != nil {
		return nil, err
	}
	if out == repository.ConditionFailed {
		log.Debug("deployment already approved")
		d.Reason = "already approved"
		return d, nil
	}

	if err := g.dispatch(ctx, exec, approvedAt); err != nil {
		log.Error("deployment dispatch failed", zap.String("strategy", g.cfg.Strategy), zap.Error(err))
		msg := fmt.Sprintf("deployment dispatch via %s failed: %v", g.cfg.Strategy, err)
		if _, rerr := g.executions.UpdateConditional(ctx, ev.ExecutionID, repository.Fields{
			repository.ColStatus:            models.StatusFailed,
			repository.ColDeploymentStatus:  models.DeploymentFailed,
			repository.ColDeploymentMessage: msg,
		}, repository.TransitionTo(models.StatusFailed)); rerr != nil {
			log.Error("mark execution failed after dispatch error", zap.Error(rerr))
		}
		return nil, appErr.Wrap(err, appErr.CodeOf(err), "deployment dispatch failed").WithMeta("execution_id", ev.ExecutionID)
	}

	d.Dispatched = true
	log.Info("deployment approved", zap.String("strategy", g.cfg.Strategy), zap.String("environment", g.cfg.Environment))
	return d, nil
}

func (g *deploymentGate) eligible(ctx context.Context, ev events.AnalysisComplete) (bool, string, error) {
	if ev.RiskScore >= g.cfg.DeploymentRiskThreshold {
		return false, fmt.Sprintf("risk score %d at or above %d", ev.RiskScore, g.cfg.DeploymentRiskThreshold), nil
	}
	if !g.cfg.RequireTests {
		return true, "", nil
	}
	status, err := g.github.CombinedStatus(ctx, ev.RepoFullName, ev.HeadSHA)
	if err != nil {
		return false, "", appErr.Wrap(err, appErr.CodeOf(err), "fetch commit status failed")
	}
	if !status.Passing(g.cfg.RequiredChecks) {
		return false, "required checks not passing", nil
	}
	return true, "", nil
}

func (g *deploymentGate) dispatch(ctx context.Context, e *models.Execution, approvedAt time.Time) error {
	switch g.cfg.Strategy {
	case config.StrategyBus:
		res, err := g.publisher.Publish(ctx, events.SourceGate, events.TypeDeploymentApproved, events.DeploymentApproved{
			PullRequest: events.PullRequest{
				ExecutionID:  e.ExecutionID,
				RepoFullName: e.RepoFullName,
				PRNumber:     e.PRNumber,
				HeadSHA:      e.HeadSHA,
				BaseSHA:      e.BaseSHA,
				Author:       e.Author,
				Title:        e.Title,
			},
			DeploymentEnvironment: g.cfg.Environment,
			DeploymentStrategy:    g.cfg.Strategy,
			ApprovedAt:            approvedAt,
		})
		if err != nil {
			return err
		}
		return res.Err()
	case config.StrategyLabel:
		return g.github.AddLabels(ctx, e.RepoFullName, e.PRNumber, g.cfg.Label)
	case config.StrategyDeployment:
		_, err := g.github.CreateDeployment(ctx, e.RepoFullName, scm.DeploymentRequest{
			Ref:         e.HeadSHA,
			Environment: g.cfg.Environment,
			Description: fmt.Sprintf("PR #%d approved by risk gate", e.PRNumber),
			Payload: map[string]any{
				"executionId":  e.ExecutionID,
				"prNumber":     e.PRNumber,
				"repoFullName": e.RepoFullName,
			},
		})
		return err
	}
	return appErr.New(appErr.CodeMisconfigured, "unknown deployment strategy").WithMeta("strategy", g.cfg.Strategy)
}
