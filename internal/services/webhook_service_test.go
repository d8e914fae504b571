package services

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/prguard/engine/internal/bus"
	"github.com/prguard/engine/internal/events"
	"github.com/prguard/engine/internal/models"
	"github.com/prguard/engine/internal/repository"
	appErr "github.com/prguard/engine/pkg/errors"
	"github.com/prguard/engine/pkg/utils"
)

const testWebhookSecret = "It's a Secret to Everybody"

const prOpenedBody = `{
  "action": "opened",
  "number": 7,
  "pull_request": {
    "number": 7,
    "title": "Add billing export",
    "user": {"login": "octocat"},
    "head": {"sha": "abc1234def5678"},
    "base": {"sha": "0000111"}
  },
  "repository": {"full_name": "acme/api"}
}`

type webhookFixture struct {
	secrets    *mockSecrets
	deliveries *mockDeliveryRepository
	executions *mockExecutionRepository
	publisher  *mockPublisher
	svc        WebhookService
}

func newWebhookFixture() *webhookFixture {
	f := &webhookFixture{
		secrets:    &mockSecrets{},
		deliveries: &mockDeliveryRepository{},
		executions: &mockExecutionRepository{},
		publisher:  &mockPublisher{},
	}
	f.secrets.On("GetSecret", mock.Anything, "github-webhook-secret").Return(testWebhookSecret, nil).Maybe()
	f.svc = NewWebhookService(WebhookConfig{SecretID: "github-webhook-secret", ExecutionTTL: 90 * 24 * time.Hour},
		f.secrets, f.deliveries, f.executions, f.publisher)
	return f
}

func (f *webhookFixture) assertExpectations(t *testing.T) {
	mock.AssertExpectationsForObjects(t, f.deliveries, f.executions, f.publisher)
}

func signedHeaders(event, delivery, body string) http.Header {
	h := http.Header{}
	h.Set(HeaderSignature, utils.SignHMACSHA256([]byte(testWebhookSecret), []byte(body)))
	h.Set(HeaderEvent, event)
	if delivery != "" {
		h.Set(HeaderDelivery, delivery)
	}
	return h
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	f := newWebhookFixture()
	h := signedHeaders("pull_request", "d1", prOpenedBody)
	h.Del(HeaderSignature)

	resp := f.svc.Handle(context.Background(), []byte(prOpenedBody), h)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.True(t, appErr.IsCode(resp.Body.Error, appErr.CodeUnauthorized))

	f.deliveries.AssertNotCalled(t, "Record", mock.Anything, mock.Anything, mock.Anything)
	f.executions.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookRejectsTamperedBody(t *testing.T) {
	f := newWebhookFixture()
	h := signedHeaders("pull_request", "d1", prOpenedBody)

	resp := f.svc.Handle(context.Background(), []byte(prOpenedBody+" "), h)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	f.deliveries.AssertNotCalled(t, "Record", mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookAcceptsPullRequestOpened(t *testing.T) {
	f := newWebhookFixture()
	const id = "acme-api-7-abc1234"

	f.deliveries.On("Record", mock.Anything, "d1", "pull_request").Return(repository.Applied, nil).Once()
	f.executions.On("Create", mock.Anything, mock.MatchedBy(func(e *models.Execution) bool {
		return e.ExecutionID == id && e.Status == models.StatusPending && e.Author == "octocat" &&
			e.BaseSHA == "0000111" && e.ExpiresAt.After(e.Timestamp)
	})).Return(repository.Applied, nil).Once()
	f.publisher.On("Publish", mock.Anything, events.SourceWebhook, events.TypePROpened, mock.MatchedBy(func(ev events.PREvent) bool {
		return ev.ExecutionID == id && ev.PRNumber == 7 && ev.HeadSHA == "abc1234def5678" && ev.Action == "opened"
	})).Return(published, nil).Once()

	resp := f.svc.Handle(context.Background(), []byte(prOpenedBody), signedHeaders("pull_request", "d1", prOpenedBody))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, WebhookAccepted, resp.Body.Status)
	assert.Equal(t, id, resp.Body.ExecutionID)
	f.assertExpectations(t)
}

func TestWebhookExistingExecutionStillPublishes(t *testing.T) {
	f := newWebhookFixture()
	f.deliveries.On("Record", mock.Anything, "d2", "pull_request").Return(repository.Applied, nil).Once()
	f.executions.On("Create", mock.Anything, mock.Anything).Return(repository.AlreadyExists, nil).Once()
	f.publisher.On("Publish", mock.Anything, events.SourceWebhook, events.TypePROpened, mock.Anything).Return(published, nil).Once()

	resp := f.svc.Handle(context.Background(), []byte(prOpenedBody), signedHeaders("pull_request", "d2", prOpenedBody))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	f.assertExpectations(t)
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	f := newWebhookFixture()
	f.deliveries.On("Record", mock.Anything, "d1", "pull_request").Return(repository.AlreadyExists, nil).Once()

	resp := f.svc.Handle(context.Background(), []byte(prOpenedBody), signedHeaders("pull_request", "d1", prOpenedBody))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, WebhookDuplicate, resp.Body.Status)

	f.executions.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.assertExpectations(t)
}

func TestWebhookIgnoresActionsOutsideAllowList(t *testing.T) {
	f := newWebhookFixture()
	body := `{"action":"closed","pull_request":{"number":7,"head":{"sha":"abc1234"}},"repository":{"full_name":"acme/api"}}`
	f.deliveries.On("Record", mock.Anything, "d3", "pull_request").Return(repository.Applied, nil).Once()

	resp := f.svc.Handle(context.Background(), []byte(body), signedHeaders("pull_request", "d3", body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, WebhookIgnored, resp.Body.Status)
	f.executions.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.assertExpectations(t)
}

func TestWebhookIgnoresUnsupportedEvent(t *testing.T) {
	f := newWebhookFixture()
	body := `{"zen":"Keep it logically awesome."}`

	resp := f.svc.Handle(context.Background(), []byte(body), signedHeaders("ping", "d4", body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, WebhookIgnored, resp.Body.Status)
	f.deliveries.AssertNotCalled(t, "Record", mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookMalformedRequests(t *testing.T) {
	f := newWebhookFixture()

	resp := f.svc.Handle(context.Background(), []byte(prOpenedBody), signedHeaders("pull_request", "", prOpenedBody))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := `{"action":`
	resp = f.svc.Handle(context.Background(), []byte(body), signedHeaders("pull_request", "d5", body))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body = `{"action":"opened","pull_request":{"number":7},"repository":{"full_name":"acme/api"}}`
	resp = f.svc.Handle(context.Background(), []byte(body), signedHeaders("pull_request", "d6", body))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.deliveries.AssertNotCalled(t, "Record", mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookStoreFailureIsInternalError(t *testing.T) {
	f := newWebhookFixture()
	f.deliveries.On("Record", mock.Anything, "d7", "pull_request").Return(repository.Applied, errors.New("connection reset")).Once()

	resp := f.svc.Handle(context.Background(), []byte(prOpenedBody), signedHeaders("pull_request", "d7", prOpenedBody))
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestWebhookPartialPublishIsInternalError(t *testing.T) {
	f := newWebhookFixture()
	f.deliveries.On("Record", mock.Anything, "d8", "pull_request").Return(repository.Applied, nil).Once()
	f.executions.On("Create", mock.Anything, mock.Anything).Return(repository.Applied, nil).Once()
	f.publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(bus.PublishResult{Matched: 1, Failed: 1}, nil).Once()

	resp := f.svc.Handle(context.Background(), []byte(prOpenedBody), signedHeaders("pull_request", "d8", prOpenedBody))
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestWebhookDeploymentStatus(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		code   int
		status string
	}{
		{
			name:   "success maps to deployed",
			body:   `{"deployment_status":{"state":"success","environment":"production"},"deployment":{"payload":{"executionId":"acme-api-7-abc1234"}},"repository":{"full_name":"acme/api"}}`,
			code:   http.StatusAccepted,
			status: models.DeploymentDeployed,
		},
		{
			name:   "error maps to failed with string payload",
			body:   `{"deployment_status":{"state":"error","description":"boom"},"deployment":{"environment":"production","payload":"{\"executionId\":\"acme-api-7-abc1234\"}"},"repository":{"full_name":"acme/api"}}`,
			code:   http.StatusAccepted,
			status: models.DeploymentFailed,
		},
		{
			name:   "in progress maps to deploying",
			body:   `{"deployment_status":{"state":"in_progress"},"deployment":{"payload":{"executionId":"acme-api-7-abc1234"}},"repository":{"full_name":"acme/api"}}`,
			code:   http.StatusAccepted,
			status: models.DeploymentDeploying,
		},
		{
			name: "inactive is dropped",
			body: `{"deployment_status":{"state":"inactive"},"deployment":{"payload":{"executionId":"acme-api-7-abc1234"}},"repository":{"full_name":"acme/api"}}`,
			code: http.StatusOK,
		},
		{
			name: "foreign deployment is dropped",
			body: `{"deployment_status":{"state":"success"},"deployment":{"payload":{}},"repository":{"full_name":"acme/api"}}`,
			code: http.StatusOK,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newWebhookFixture()
			f.deliveries.On("Record", mock.Anything, "ds", "deployment_status").Return(repository.Applied, nil).Once()
			if tc.status != "" {
				f.publisher.On("Publish", mock.Anything, events.SourceWebhook, events.TypeDeploymentStatus, mock.MatchedBy(func(ev events.DeploymentStatus) bool {
					return ev.ExecutionID == "acme-api-7-abc1234" && ev.DeploymentStatus == tc.status
				})).Return(published, nil).Once()
			}

			resp := f.svc.Handle(context.Background(), []byte(tc.body), signedHeaders("deployment_status", "ds", tc.body))
			require.Equal(t, tc.code, resp.StatusCode)
			if tc.status == "" {
				f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			}
			f.assertExpectations(t)
		})
	}
}
