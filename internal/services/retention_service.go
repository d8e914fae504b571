package services

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/prguard/engine/pkg/logger"
)

// Purger deletes rows whose expiry passed.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// RetentionService removes expired deliveries, cache entries and executions.
type RetentionService interface {
	Sweep(ctx context.Context) (map[string]int64, error)
}

type retentionService struct {
	tables map[string]Purger
	now    func() time.Time
}

// NewRetentionService sweeps each named table.
func NewRetentionService(tables map[string]Purger) RetentionService {
	return &retentionService{tables: tables, now: func() time.Time { return time.Now().UTC() }}
}

var _ RetentionService = (*retentionService)(nil)

func (s *retentionService) Sweep(ctx context.Context) (map[string]int64, error) {
	now := s.now()
	purged := make(map[string]int64, len(s.tables))
	var firstErr error
	for name, p := range s.tables {
		n, err := p.PurgeExpired(ctx, now)
		if err != nil {
			logger.L().Error("retention sweep failed", zap.String("table", name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		purged[name] = n
	}
	return purged, firstErr
}

// ScheduleRetention registers the sweep on c under schedule, a standard cron
// spec or descriptor such as "@every 1h".
func ScheduleRetention(c *cron.Cron, schedule string, svc RetentionService, timeout time.Duration) (cron.EntryID, error) {
	return c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		purged, err := svc.Sweep(ctx)
		if err != nil {
			return
		}
		fields := make([]zap.Field, 0, len(purged))
		for name, n := range purged {
			fields = append(fields, zap.Int64(name, n))
		}
		logger.L().Info("retention sweep complete", fields...)
	})
}
