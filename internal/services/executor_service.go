package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/prguard/engine/internal/bus"
	"github.com/prguard/engine/internal/events"
	"github.com/prguard/engine/internal/models"
	"github.com/prguard/engine/internal/repository"
	"github.com/prguard/engine/internal/secrets"
	appErr "github.com/prguard/engine/pkg/errors"
	"github.com/prguard/engine/pkg/logger"
)

const defaultRetryStep = 500 * time.Millisecond

// HTTPDoer sends outbound deployment requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DeploymentOutcome is the terminal result of one executor run.
type DeploymentOutcome struct {
	Status   string
	Attempts int
	Message  string
	// Skipped is set when the execution had already finished deploying.
	Skipped bool
}

// DeploymentExecutor calls the deployment target for approved executions.
type DeploymentExecutor interface {
	Execute(ctx context.Context, ev events.DeploymentApproved) (*DeploymentOutcome, error)
}

type ExecutorConfig struct {
	TargetURL     string
	RollbackURL   string
	TokenSecretID string
	Timeout       time.Duration
	MaxRetries    int
	Delay         time.Duration
	OrgID         string
	// RetryStep is multiplied by the attempt number between attempts.
	RetryStep time.Duration
}

type deploymentExecutor struct {
	cfg        ExecutorConfig
	executions repository.ExecutionRepository
	secrets    secrets.Store
	client     HTTPDoer
	publisher  bus.Publisher
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewDeploymentExecutor(cfg ExecutorConfig, executions repository.ExecutionRepository, store secrets.Store, client HTTPDoer, publisher bus.Publisher) DeploymentExecutor {
	if cfg.RetryStep == 0 {
		cfg.RetryStep = defaultRetryStep
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &deploymentExecutor{
		cfg:        cfg,
		executions: executions,
		secrets:    store,
		client:     client,
		publisher:  publisher,
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepContext,
	}
}

var _ DeploymentExecutor = (*deploymentExecutor)(nil)

type deploymentRequest struct {
	ExecutionID           string `json:"executionId"`
	PRNumber              int    `json:"prNumber"`
	RepoFullName          string `json:"repoFullName"`
	DeploymentEnvironment string `json:"deploymentEnvironment"`
	DeploymentStrategy    string `json:"deploymentStrategy"`
	HeadSHA               string `json:"headSha"`
	BaseSHA               string `json:"baseSha"`
	Author                string `json:"author"`
	Title                 string `json:"title"`
	OrgID                 string `json:"orgId"`
	Reason                string `json:"reason,omitempty"`
}

func (x *deploymentExecutor) Execute(ctx context.Context, ev events.DeploymentApproved) (*DeploymentOutcome, error) {
	log := logger.L().With(zap.String("execution_id", ev.ExecutionID))

	if err := x.checkConfigured(); err != nil {
		out := &DeploymentOutcome{Status: models.DeploymentFailed, Message: err.Error()}
		if ferr := x.finish(ctx, ev, out); ferr != nil {
			log.Error("record misconfigured deployment failed", zap.Error(ferr))
		}
		return out, err
	}

	started, err := x.executions.UpdateConditional(ctx, ev.ExecutionID, repository.Fields{
		repository.ColStatus:                models.StatusDeploying,
		repository.ColDeploymentStatus:      models.DeploymentDeploying,
		repository.ColDeploymentStartedAt:   x.now(),
		repository.ColDeploymentEnvironment: ev.DeploymentEnvironment,
	}, repository.TransitionTo(models.StatusDeploying))
	if err != nil {
		return nil, err
	}
	if started == repository.ConditionFailed {
		log.Debug("execution no longer deployable, skipping")
		return &DeploymentOutcome{Skipped: true}, nil
	}

	if x.cfg.Delay > 0 {
		if err := x.sleep(ctx, x.cfg.Delay); err != nil {
			return nil, appErr.Wrap(err, appErr.CodeDeadline, "deployment delay interrupted")
		}
	}

	token := ""
	if x.cfg.TokenSecretID != "" {
		if token, err = x.secrets.GetSecret(ctx, x.cfg.TokenSecretID); err != nil {
			return nil, err
		}
	}

	req := deploymentRequest{
		ExecutionID:           ev.ExecutionID,
		PRNumber:              ev.PRNumber,
		RepoFullName:          ev.RepoFullName,
		DeploymentEnvironment: ev.DeploymentEnvironment,
		DeploymentStrategy:    ev.DeploymentStrategy,
		HeadSHA:               ev.HeadSHA,
		BaseSHA:               ev.BaseSHA,
		Author:                ev.Author,
		Title:                 ev.Title,
		OrgID:                 x.cfg.OrgID,
	}

	out := &DeploymentOutcome{}
	var lastErr error
	for i := 1; i <= x.cfg.MaxRetries; i++ {
		out.Attempts = i
		lastErr = x.post(ctx, x.cfg.TargetURL, token, req)
		if lastErr == nil {
			break
		}
		log.Warn("deployment attempt failed", zap.Int("attempt", i), zap.Int("max_attempts", x.cfg.MaxRetries), zap.Error(lastErr))
		if i < x.cfg.MaxRetries {
			if err := x.sleep(ctx, x.cfg.RetryStep*time.Duration(i)); err != nil {
				lastErr = err
				break
			}
		}
	}

	if lastErr == nil {
		out.Status = models.DeploymentDeployed
		out.Message = fmt.Sprintf("deployed after %d attempt(s)", out.Attempts)
	} else {
		out.Status = models.DeploymentFailed
		out.Message = fmt.Sprintf("deployment failed after %d attempt(s): %v; %s", out.Attempts, lastErr, x.rollback(ctx, token, req, lastErr))
	}

	if err := x.finish(ctx, ev, out); err != nil {
		return out, err
	}
	log.Info("deployment finished", zap.String("status", out.Status), zap.Int("attempts", out.Attempts))
	return out, nil
}

func (x *deploymentExecutor) checkConfigured() error {
	if x.cfg.TargetURL == "" {
		return appErr.New(appErr.CodeMisconfigured, "deployment target url not configured")
	}
	if x.client == nil {
		return appErr.New(appErr.CodeMisconfigured, "deployment http client not configured")
	}
	return nil
}

// rollback posts the request once to the rollback target and describes the result.
func (x *deploymentExecutor) rollback(ctx context.Context, token string, req deploymentRequest, cause error) string {
	if x.cfg.RollbackURL == "" {
		return "rollback skipped: not configured"
	}
	req.Reason = cause.Error()
	if err := x.post(ctx, x.cfg.RollbackURL, token, req); err != nil {
		logger.L().Error("rollback failed", zap.String("execution_id", req.ExecutionID), zap.Error(err))
		return fmt.Sprintf("rollback failed: %v", err)
	}
	return "rollback succeeded"
}

func (x *deploymentExecutor) post(ctx context.Context, url, token string, body deploymentRequest) error {
	ctx, cancel := context.WithTimeout(ctx, x.cfg.Timeout)
	defer cancel()

	raw, err := json.Marshal(body)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "encode deployment request failed")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return appErr.Wrap(err, appErr.CodeMisconfigured, "build deployment request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := x.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return appErr.Wrap(err, appErr.CodeDeadline, "deployment request timed out")
		}
		return appErr.Wrap(err, appErr.CodeUnavailable, "deployment request failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return appErr.New(appErr.CodeUnavailable, fmt.Sprintf("deployment target returned %d", resp.StatusCode))
	}
	return nil
}

// finish writes the terminal deployment state and announces it.
func (x *deploymentExecutor) finish(ctx context.Context, ev events.DeploymentApproved, out *DeploymentOutcome) error {
	status, _ := models.ExecutionStatusFor(out.Status)
	applied, err := x.executions.UpdateConditional(ctx, ev.ExecutionID, repository.Fields{
		repository.ColStatus:                status,
		repository.ColDeploymentStatus:      out.Status,
		repository.ColDeploymentCompletedAt: x.now(),
		repository.ColDeploymentMessage:     out.Message,
	}, repository.TransitionTo(status))
	if err != nil {
		return err
	}
	if applied == repository.ConditionFailed {
		logger.L().Debug("terminal deployment status not applied", zap.String("execution_id", ev.ExecutionID), zap.String("status", out.Status))
	}

	res, err := x.publisher.Publish(ctx, events.SourceExecutor, events.TypeDeploymentStatus, events.DeploymentStatus{
		ExecutionID:           ev.ExecutionID,
		RepoFullName:          ev.RepoFullName,
		PRNumber:              ev.PRNumber,
		DeploymentStatus:      out.Status,
		DeploymentEnvironment: ev.DeploymentEnvironment,
		DeploymentStrategy:    ev.DeploymentStrategy,
		Message:               out.Message,
	})
	if err != nil {
		return err
	}
	return res.Err()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
