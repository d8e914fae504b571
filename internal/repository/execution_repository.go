package repository

import (
	"context"
	"time"

	"github.com/prguard/engine/internal/models"
	appErr "github.com/prguard/engine/pkg/errors"
	"gorm.io/gorm"
)

// Column names written through Fields.
const (
	ColStatus                = "status"
	ColRiskScore             = "risk_score"
	ColFindings              = "findings"
	ColDeploymentStatus      = "deployment_status"
	ColDeploymentEnvironment = "deployment_environment"
	ColDeploymentStrategy    = "deployment_strategy"
	ColDeploymentApprovedAt  = "deployment_approved_at"
	ColDeploymentStartedAt   = "deployment_started_at"
	ColDeploymentCompletedAt = "deployment_completed_at"
	ColDeploymentMessage     = "deployment_message"
	colUpdatedAt             = "updated_at"
)

const maxPageSize = 100

// TransitionTo holds while the record may enter status.
func TransitionTo(status models.ExecutionStatus) Condition {
	return In(ColStatus, status.Predecessors()...)
}

type ExecutionRepository interface {
	// Create inserts the record unless one with the same id exists.
	Create(ctx context.Context, e *models.Execution) (Outcome, error)
	Get(ctx context.Context, executionID string) (*models.Execution, error)
	// Update merges fields into the record, last writer wins.
	Update(ctx context.Context, executionID string, fields Fields) error
	// UpdateConditional merges fields only while cond holds on the stored row.
	// A missing record also yields ConditionFailed.
	UpdateConditional(ctx context.Context, executionID string, fields Fields, cond Condition) (Outcome, error)
	ListByRepo(ctx context.Context, repoFullName string, limit int) ([]models.Execution, error)
	ListByRepoPR(ctx context.Context, repoFullName string, prNumber int) ([]models.Execution, error)
	ListRecent(ctx context.Context, since time.Time, limit int) ([]models.Execution, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type executionRepository struct {
	BaseRepository[models.Execution]
	db  *gorm.DB
	now func() time.Time
}

func NewExecutionRepository(db *gorm.DB) ExecutionRepository {
	return &executionRepository{
		BaseRepository: NewBaseRepository[models.Execution](db, "execution_id"),
		db:             db,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (r *executionRepository) Create(ctx context.Context, e *models.Execution) (Outcome, error) {
	now := r.now()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.UpdatedAt = now
	return r.InsertIfAbsent(ctx, e)
}

func (r *executionRepository) Get(ctx context.Context, executionID string) (*models.Execution, error) {
	var e models.Execution
	if err := r.GetByKey(ctx, executionID, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *executionRepository) Update(ctx context.Context, executionID string, fields Fields) error {
	res := r.db.WithContext(ctx).Model(&models.Execution{}).
		Where("execution_id = ?", executionID).
		Updates(r.stamp(fields))
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update execution failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "execution not found").WithMeta("execution_id", executionID)
	}
	return nil
}

func (r *executionRepository) UpdateConditional(ctx context.Context, executionID string, fields Fields, cond Condition) (Outcome, error) {
	q := r.db.WithContext(ctx).Model(&models.Execution{}).Where("execution_id = ?", executionID)
	if cond.Query != "" {
		q = q.Where(cond.Query, cond.Args...)
	}
	res := q.Updates(r.stamp(fields))
	if res.Error != nil {
		return ConditionFailed, appErr.Wrap(res.Error, appErr.CodeInternal, "conditional update execution failed")
	}
	if res.RowsAffected == 0 {
		return ConditionFailed, nil
	}
	return Applied, nil
}

func (r *executionRepository) ListByRepo(ctx context.Context, repoFullName string, limit int) ([]models.Execution, error) {
	var out []models.Execution
	if err := r.db.WithContext(ctx).Where("repo_full_name = ?", repoFullName).
		Order("created_at DESC").Limit(pageSize(limit)).Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list executions by repo failed")
	}
	return out, nil
}

func (r *executionRepository) ListByRepoPR(ctx context.Context, repoFullName string, prNumber int) ([]models.Execution, error) {
	var out []models.Execution
	if err := r.db.WithContext(ctx).Where("repo_full_name = ? AND pr_number = ?", repoFullName, prNumber).
		Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list executions by pull request failed")
	}
	return out, nil
}

func (r *executionRepository) ListRecent(ctx context.Context, since time.Time, limit int) ([]models.Execution, error) {
	var out []models.Execution
	if err := r.db.WithContext(ctx).Where("created_at >= ?", since).
		Order("created_at DESC").Limit(pageSize(limit)).Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list recent executions failed")
	}
	return out, nil
}

func pageSize(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func (r *executionRepository) stamp(fields Fields) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[colUpdatedAt] = r.now()
	return out
}
