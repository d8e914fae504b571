package repository

import (
	"context"
	"time"

	"github.com/prguard/engine/internal/models"
	"gorm.io/gorm"
)

// DeliveryRepository remembers webhook delivery ids for the dedup window.
type DeliveryRepository interface {
	// Record stores deliveryID unless it was already seen; a repeat yields AlreadyExists.
	Record(ctx context.Context, deliveryID, eventType string) (Outcome, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type deliveryRepository struct {
	BaseRepository[models.WebhookDelivery]
	ttl time.Duration
	now func() time.Time
}

func NewDeliveryRepository(db *gorm.DB, ttl time.Duration) DeliveryRepository {
	return &deliveryRepository{
		BaseRepository: NewBaseRepository[models.WebhookDelivery](db, "delivery_id"),
		ttl:            ttl,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (r *deliveryRepository) Record(ctx context.Context, deliveryID, eventType string) (Outcome, error) {
	now := r.now()
	return r.InsertIfAbsent(ctx, &models.WebhookDelivery{
		DeliveryID: deliveryID,
		EventType:  eventType,
		CreatedAt:  now,
		ExpiresAt:  now.Add(r.ttl),
	})
}
