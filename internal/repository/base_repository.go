package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	appErr "github.com/prguard/engine/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outcome tags the result of an insert-if-absent or conditional write. Failures other
// than these are returned as errors.
type Outcome int

const (
	Applied Outcome = iota
	AlreadyExists
	ConditionFailed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case AlreadyExists:
		return "already_exists"
	case ConditionFailed:
		return "condition_failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Fields is a partial record keyed by column name.
type Fields map[string]any

// Condition is a predicate on the current row that must hold for a write to apply.
type Condition struct {
	Query string
	Args  []any
}

// NotSet holds while column is NULL.
func NotSet(column string) Condition {
	return Condition{Query: column + " IS NULL"}
}

// In holds while column equals one of values.
func In[V any](column string, values ...V) Condition {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return Condition{Query: column + " IN ?", Args: []any{args}}
}

// And combines conditions; the empty conjunction always holds.
func And(conds ...Condition) Condition {
	var parts []string
	var args []any
	for _, c := range conds {
		if c.Query == "" {
			continue
		}
		parts = append(parts, "("+c.Query+")")
		args = append(args, c.Args...)
	}
	return Condition{Query: strings.Join(parts, " AND "), Args: args}
}

// BaseRepository defines the keyed operations every table supports.
type BaseRepository[T any] interface {
	InsertIfAbsent(ctx context.Context, obj *T) (Outcome, error)
	GetByKey(ctx context.Context, key string, dest *T) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type baseRepository[T any] struct {
	db        *gorm.DB
	keyColumn string
}

func NewBaseRepository[T any](db *gorm.DB, keyColumn string) BaseRepository[T] {
	return &baseRepository[T]{db: db, keyColumn: keyColumn}
}

func (r *baseRepository[T]) InsertIfAbsent(ctx context.Context, obj *T) (Outcome, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(obj)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return AlreadyExists, nil
		}
		return Applied, appErr.Wrap(res.Error, appErr.CodeInternal, "insert entity failed")
	}
	if res.RowsAffected == 0 {
		return AlreadyExists, nil
	}
	return Applied, nil
}

func (r *baseRepository[T]) GetByKey(ctx context.Context, key string, dest *T) error {
	if err := r.db.WithContext(ctx).First(dest, r.keyColumn+" = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return appErr.New(appErr.CodeNotFound, "entity not found").WithMeta("key", key)
		}
		return appErr.Wrap(err, appErr.CodeInternal, "get entity failed")
	}
	return nil
}

func (r *baseRepository[T]) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var t T
	res := r.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&t)
	if res.Error != nil {
		return 0, appErr.Wrap(res.Error, appErr.CodeInternal, "purge expired entities failed")
	}
	return res.RowsAffected, nil
}

// isUniqueViolation recognises duplicate-key failures from gorm's translated errors
// and from raw postgres errors.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
