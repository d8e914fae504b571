package repository

import (
	"context"
	"time"

	"github.com/prguard/engine/internal/models"
	appErr "github.com/prguard/engine/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AnalysisCacheRepository stores analysis results by diff content hash.
type AnalysisCacheRepository interface {
	// Lookup returns the cached entry for hash; expired entries count as misses.
	Lookup(ctx context.Context, hash string) (*models.AnalysisCache, bool, error)
	Store(ctx context.Context, hash string, findings []models.Finding, riskScore int) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type analysisCacheRepository struct {
	BaseRepository[models.AnalysisCache]
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

func NewAnalysisCacheRepository(db *gorm.DB, ttl time.Duration) AnalysisCacheRepository {
	return &analysisCacheRepository{
		BaseRepository: NewBaseRepository[models.AnalysisCache](db, "content_hash"),
		db:             db,
		ttl:            ttl,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (r *analysisCacheRepository) Lookup(ctx context.Context, hash string) (*models.AnalysisCache, bool, error) {
	var c models.AnalysisCache
	if err := r.GetByKey(ctx, hash, &c); err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !c.ExpiresAt.After(r.now()) {
		return nil, false, nil
	}
	return &c, true, nil
}

func (r *analysisCacheRepository) Store(ctx context.Context, hash string, findings []models.Finding, riskScore int) error {
	now := r.now()
	entry := &models.AnalysisCache{
		ContentHash: hash,
		Findings:    datatypes.JSONSlice[models.Finding](findings),
		RiskScore:   riskScore,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.ttl),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "content_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"findings", "risk_score", "created_at", "expires_at"}),
	}).Create(entry).Error
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "store analysis cache failed")
	}
	return nil
}
