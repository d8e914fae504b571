package services

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/prguard/engine/internal/analyzer"
	"github.com/prguard/engine/internal/bus"
	"github.com/prguard/engine/internal/models"
	"github.com/prguard/engine/internal/repository"
	"github.com/prguard/engine/internal/scm"
	"github.com/prguard/engine/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("info", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type mockExecutionRepository struct {
	mock.Mock
}

func (m *mockExecutionRepository) Create(ctx context.Context, e *models.Execution) (repository.Outcome, error) {
	args := m.Called(ctx, e)
	return args.Get(0).(repository.Outcome), args.Error(1)
}

func (m *mockExecutionRepository) Get(ctx context.Context, executionID string) (*models.Execution, error) {
	args := m.Called(ctx, executionID)
	if v := args.Get(0); v != nil {
		return v.(*models.Execution), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutionRepository) Update(ctx context.Context, executionID string, fields repository.Fields) error {
	args := m.Called(ctx, executionID, fields)
	return args.Error(0)
}

func (m *mockExecutionRepository) UpdateConditional(ctx context.Context, executionID string, fields repository.Fields, cond repository.Condition) (repository.Outcome, error) {
	args := m.Called(ctx, executionID, fields, cond)
	return args.Get(0).(repository.Outcome), args.Error(1)
}

func (m *mockExecutionRepository) ListByRepo(ctx context.Context, repoFullName string, limit int) ([]models.Execution, error) {
	args := m.Called(ctx, repoFullName, limit)
	if v := args.Get(0); v != nil {
		return v.([]models.Execution), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutionRepository) ListByRepoPR(ctx context.Context, repoFullName string, prNumber int) ([]models.Execution, error) {
	args := m.Called(ctx, repoFullName, prNumber)
	if v := args.Get(0); v != nil {
		return v.([]models.Execution), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutionRepository) ListRecent(ctx context.Context, since time.Time, limit int) ([]models.Execution, error) {
	args := m.Called(ctx, since, limit)
	if v := args.Get(0); v != nil {
		return v.([]models.Execution), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutionRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

type mockDeliveryRepository struct {
	mock.Mock
}

func (m *mockDeliveryRepository) Record(ctx context.Context, deliveryID, eventType string) (repository.Outcome, error) {
	args := m.Called(ctx, deliveryID, eventType)
	return args.Get(0).(repository.Outcome), args.Error(1)
}

func (m *mockDeliveryRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

type mockCacheRepository struct {
	mock.Mock
}

func (m *mockCacheRepository) Lookup(ctx context.Context, hash string) (*models.AnalysisCache, bool, error) {
	args := m.Called(ctx, hash)
	if v := args.Get(0); v != nil {
		return v.(*models.AnalysisCache), args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}

func (m *mockCacheRepository) Store(ctx context.Context, hash string, findings []models.Finding, riskScore int) error {
	args := m.Called(ctx, hash, findings, riskScore)
	return args.Error(0)
}

func (m *mockCacheRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, source, eventType string, detail any) (bus.PublishResult, error) {
	args := m.Called(ctx, source, eventType, detail)
	return args.Get(0).(bus.PublishResult), args.Error(1)
}

// published is the result of a successful single-subscriber publish.
var published = bus.PublishResult{Matched: 1, Published: 1}

type mockGitHub struct {
	mock.Mock
}

func (m *mockGitHub) PostComment(ctx context.Context, repo string, pr int, body string) error {
	args := m.Called(ctx, repo, pr, body)
	return args.Error(0)
}

func (m *mockGitHub) ApproveReview(ctx context.Context, repo string, pr int, body string) error {
	args := m.Called(ctx, repo, pr, body)
	return args.Error(0)
}

func (m *mockGitHub) AddLabels(ctx context.Context, repo string, pr int, labels ...string) error {
	args := m.Called(ctx, repo, pr, labels)
	return args.Error(0)
}

func (m *mockGitHub) CreateDeployment(ctx context.Context, repo string, req scm.DeploymentRequest) (int64, error) {
	args := m.Called(ctx, repo, req)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockGitHub) CombinedStatus(ctx context.Context, repo, ref string) (*scm.CombinedStatus, error) {
	args := m.Called(ctx, repo, ref)
	if v := args.Get(0); v != nil {
		return v.(*scm.CombinedStatus), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGitHub) PullRequestDiff(ctx context.Context, repo string, pr int) ([]byte, error) {
	args := m.Called(ctx, repo, pr)
	if v := args.Get(0); v != nil {
		return v.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockAnalyzer struct {
	mock.Mock
}

func (m *mockAnalyzer) Analyze(ctx context.Context, req analyzer.Request) ([]models.Finding, error) {
	args := m.Called(ctx, req)
	if v := args.Get(0); v != nil {
		return v.([]models.Finding), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockSecrets struct {
	mock.Mock
}

func (m *mockSecrets) GetSecret(ctx context.Context, id string) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

// hasStatus matches Fields writing status.
func hasStatus(status models.ExecutionStatus) any {
	return mock.MatchedBy(func(f repository.Fields) bool { return f[repository.ColStatus] == status })
}
