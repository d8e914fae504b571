package services

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/prguard/engine/internal/bus"
	"github.com/prguard/engine/internal/events"
	"github.com/prguard/engine/internal/models"
	"github.com/prguard/engine/internal/repository"
	"github.com/prguard/engine/internal/secrets"
	"github.com/prguard/engine/pkg/config"
	appErr "github.com/prguard/engine/pkg/errors"
	"github.com/prguard/engine/pkg/logger"
	"github.com/prguard/engine/pkg/utils"
)

// GitHub webhook headers.
const (
	HeaderSignature = "X-Hub-Signature-256"
	HeaderEvent     = "X-GitHub-Event"
	HeaderDelivery  = "X-GitHub-Delivery"
)

const (
	eventPullRequest      = "pull_request"
	eventDeploymentStatus = "deployment_status"
)

// Webhook outcome labels reported in WebhookBody.Status.
const (
	WebhookAccepted  = "accepted"
	WebhookIgnored   = "ignored"
	WebhookDuplicate = "duplicate"
	WebhookRejected  = "rejected"
)

var allowedPRActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}

type WebhookBody struct {
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	DeliveryID  string `json:"deliveryId,omitempty"`
	ExecutionID string `json:"executionId,omitempty"`
	EventType   string `json:"eventType,omitempty"`
	// Error is set on rejected deliveries and rendered as the response error.
	Error *appErr.AppError `json:"-"`
}

// WebhookResponse is what the HTTP surface answers with.
type WebhookResponse struct {
	StatusCode int
	Body       WebhookBody
}

type WebhookService interface {
	Handle(ctx context.Context, body []byte, headers http.Header) WebhookResponse
}

type WebhookConfig struct {
	SecretID     string
	ExecutionTTL time.Duration
}

type webhookService struct {
	cfg        WebhookConfig
	secrets    secrets.Store
	deliveries repository.DeliveryRepository
	executions repository.ExecutionRepository
	publisher  bus.Publisher
	validate   *validator.Validate
	now        func() time.Time
}

func NewWebhookService(cfg WebhookConfig, store secrets.Store, deliveries repository.DeliveryRepository, executions repository.ExecutionRepository, publisher bus.Publisher) WebhookService {
	return &webhookService{
		cfg:        cfg,
		secrets:    store,
		deliveries: deliveries,
		executions: executions,
		publisher:  publisher,
		validate:   validator.New(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

var _ WebhookService = (*webhookService)(nil)

type pullRequestPayload struct {
	Action      string `json:"action" validate:"required"`
	PullRequest struct {
		Number int    `json:"number" validate:"gt=0"`
		Title  string `json:"title"`
		User   struct {
			Login string `json:"login"`
		} `json:"user"`
		Head struct {
			SHA string `json:"sha" validate:"required"`
		} `json:"head"`
		Base struct {
			SHA string `json:"sha"`
		} `json:"base"`
	} `json:"pull_request"`
	Repository repositoryPayload `json:"repository"`
}

type repositoryPayload struct {
	FullName string `json:"full_name" validate:"required"`
}

type deploymentStatusPayload struct {
	DeploymentStatus struct {
		State       string `json:"state" validate:"required"`
		Environment string `json:"environment"`
		Description string `json:"description"`
	} `json:"deployment_status"`
	Deployment struct {
		Environment string          `json:"environment"`
		Task        string          `json:"task"`
		Payload     json.RawMessage `json:"payload"`
	} `json:"deployment"`
	Repository repositoryPayload `json:"repository"`
}

func (s *webhookService) Handle(ctx context.Context, body []byte, headers http.Header) WebhookResponse {
	secret, err := s.secrets.GetSecret(ctx, s.cfg.SecretID)
	if err != nil {
		logger.L().Error("webhook secret unavailable", zap.Error(err))
		return webhookFailed(appErr.Wrap(err, appErr.CodeInternal, "internal error"))
	}
	if !utils.VerifyHMACSHA256([]byte(secret), body, headers.Get(HeaderSignature)) {
		logger.L().Warn("webhook signature rejected", zap.String("delivery_id", headers.Get(HeaderDelivery)))
		return webhookFailed(appErr.New(appErr.CodeUnauthorized, "invalid signature"))
	}

	eventType := headers.Get(HeaderEvent)
	if eventType != eventPullRequest && eventType != eventDeploymentStatus {
		return webhookOK(http.StatusOK, WebhookBody{Status: WebhookIgnored, Reason: "unsupported event", EventType: eventType})
	}

	deliveryID := headers.Get(HeaderDelivery)
	if deliveryID == "" {
		return webhookFailed(appErr.New(appErr.CodeInvalid, "missing "+HeaderDelivery+" header"))
	}
	log := logger.L().With(zap.String("delivery_id", deliveryID), zap.String("event", eventType))

	var pr pullRequestPayload
	var ds deploymentStatusPayload
	var target any = &pr
	if eventType == eventDeploymentStatus {
		target = &ds
	}
	if err := json.Unmarshal(body, target); err != nil {
		return webhookFailed(appErr.Wrap(err, appErr.CodeInvalid, "invalid json body"))
	}
	if err := s.validate.Struct(target); err != nil {
		return webhookFailed(appErr.Wrap(err, appErr.CodeInvalid, "invalid webhook payload"))
	}

	out, err := s.deliveries.Record(ctx, deliveryID, eventType)
	if err != nil {
		log.Error("record delivery failed", zap.Error(err))
		return webhookFailed(appErr.Wrap(err, appErr.CodeInternal, "internal error"))
	}
	if out == repository.AlreadyExists {
		log.Info("duplicate webhook delivery")
		return webhookOK(http.StatusOK, WebhookBody{Status: WebhookDuplicate, DeliveryID: deliveryID})
	}

	var resp WebhookResponse
	if eventType == eventPullRequest {
		resp, err = s.handlePullRequest(ctx, deliveryID, &pr)
	} else {
		resp, err = s.handleDeploymentStatus(ctx, deliveryID, &ds)
	}
	if err != nil {
		log.Error("webhook handling failed", zap.Error(err))
		return webhookFailed(appErr.Wrap(err, appErr.CodeInternal, "internal error"))
	}
	return resp
}

func (s *webhookService) handlePullRequest(ctx context.Context, deliveryID string, p *pullRequestPayload) (WebhookResponse, error) {
	if !allowedPRActions[p.Action] {
		return webhookOK(http.StatusOK, WebhookBody{Status: WebhookIgnored, Reason: "action " + p.Action, DeliveryID: deliveryID}), nil
	}

	now := s.now()
	pr := events.PullRequest{
		ExecutionID:  models.ExecutionID(p.Repository.FullName, p.PullRequest.Number, p.PullRequest.Head.SHA),
		RepoFullName: p.Repository.FullName,
		PRNumber:     p.PullRequest.Number,
		HeadSHA:      p.PullRequest.Head.SHA,
		BaseSHA:      p.PullRequest.Base.SHA,
		Author:       p.PullRequest.User.Login,
		Title:        p.PullRequest.Title,
	}
	out, err := s.executions.Create(ctx, &models.Execution{
		ExecutionID:  pr.ExecutionID,
		RepoFullName: pr.RepoFullName,
		PRNumber:     pr.PRNumber,
		HeadSHA:      pr.HeadSHA,
		BaseSHA:      pr.BaseSHA,
		Author:       pr.Author,
		Title:        pr.Title,
		Status:       models.StatusPending,
		Timestamp:    now,
		ExpiresAt:    now.Add(s.cfg.ExecutionTTL),
	})
	if err != nil {
		return WebhookResponse{}, err
	}
	if out == repository.AlreadyExists {
		logger.L().Debug("execution already exists", zap.String("execution_id", pr.ExecutionID))
	}

	res, err := s.publisher.Publish(ctx, events.SourceWebhook, events.PRType(p.Action), events.PREvent{
		PullRequest: pr,
		Action:      p.Action,
		DeliveryID:  deliveryID,
	})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		return WebhookResponse{}, err
	}

	logger.L().Info("pull request accepted",
		zap.String("execution_id", pr.ExecutionID),
		zap.String("action", p.Action),
		zap.String("repo", pr.RepoFullName),
		zap.Int("pr", pr.PRNumber))
	return webhookOK(http.StatusAccepted, WebhookBody{Status: WebhookAccepted, DeliveryID: deliveryID, ExecutionID: pr.ExecutionID}), nil
}

func (s *webhookService) handleDeploymentStatus(ctx context.Context, deliveryID string, p *deploymentStatusPayload) (WebhookResponse, error) {
	executionID := deploymentExecutionID(p.Deployment.Payload)
	if executionID == "" {
		return webhookOK(http.StatusOK, WebhookBody{Status: WebhookIgnored, Reason: "deployment not tracked", DeliveryID: deliveryID}), nil
	}
	status, tracked := deploymentStatusFor(p.DeploymentStatus.State)
	if !tracked {
		return webhookOK(http.StatusOK, WebhookBody{Status: WebhookIgnored, Reason: "deployment inactive", DeliveryID: deliveryID, ExecutionID: executionID}), nil
	}

	env := p.DeploymentStatus.Environment
	if env == "" {
		env = p.Deployment.Environment
	}
	res, err := s.publisher.Publish(ctx, events.SourceWebhook, events.TypeDeploymentStatus, events.DeploymentStatus{
		ExecutionID:           executionID,
		RepoFullName:          p.Repository.FullName,
		DeploymentStatus:      status,
		DeploymentEnvironment: env,
		DeploymentStrategy:    config.StrategyDeployment,
		Message:               p.DeploymentStatus.Description,
	})
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		return WebhookResponse{}, err
	}

	logger.L().Info("deployment status accepted",
		zap.String("execution_id", executionID),
		zap.String("state", p.DeploymentStatus.State),
		zap.String("deployment_status", status))
	return webhookOK(http.StatusAccepted, WebhookBody{Status: WebhookAccepted, DeliveryID: deliveryID, ExecutionID: executionID}), nil
}

// deploymentStatusFor maps GitHub deployment states onto deployment statuses.
// inactive marks a superseded deployment and is not tracked.
func deploymentStatusFor(state string) (string, bool) {
	switch state {
	case "success":
		return models.DeploymentDeployed, true
	case "failure", "error":
		return models.DeploymentFailed, true
	case "inactive":
		return "", false
	default:
		return models.DeploymentDeploying, true
	}
}

// deploymentExecutionID reads executionId from a deployment payload, which GitHub
// delivers either as an object or as a JSON encoded string.
func deploymentExecutionID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = json.RawMessage(encoded)
	}
	var payload struct {
		ExecutionID string `json:"executionId"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	return payload.ExecutionID
}

func webhookOK(status int, body WebhookBody) WebhookResponse {
	return WebhookResponse{StatusCode: status, Body: body}
}

func webhookFailed(err *appErr.AppError) WebhookResponse {
	return WebhookResponse{StatusCode: appErr.HTTPStatus(err.Code), Body: WebhookBody{Status: WebhookRejected, Error: err}}
}
