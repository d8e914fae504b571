// Package bus routes domain events to asynq task queues by (source, type).
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	appErr "github.com/prguard/engine/pkg/errors"
	"github.com/prguard/engine/pkg/logger"
	"go.uber.org/zap"
)

// Event is the envelope every subscriber task receives as its payload.
type Event struct {
	ID     string          `json:"id"`
	Source string          `json:"source"`
	Type   string          `json:"type"`
	Time   time.Time       `json:"time"`
	Detail json.RawMessage `json:"detail"`
}

// Decode unmarshals the event detail into dst.
func (e Event) Decode(dst any) error {
	return json.Unmarshal(e.Detail, dst)
}

// Subscription delivers events matching Source and Type to the Task queue.
type Subscription struct {
	Source string
	Type   string
	Task   string
}

func (s Subscription) matches(source, eventType string) bool {
	return s.Source == source && s.Type == eventType
}

// PublishResult counts per-subscription deliveries. Failed entries are not
// transport errors; callers decide whether a partial publish is acceptable.
type PublishResult struct {
	Matched   int
	Published int
	Failed    int
}

// Err reports a partial or complete delivery failure.
func (r PublishResult) Err() error {
	if r.Failed == 0 {
		return nil
	}
	return appErr.New(appErr.CodeUnavailable, "event delivery incomplete").
		WithMeta("failed", r.Failed).
		WithMeta("matched", r.Matched)
}

// Enqueuer is the subset of asynq.Client used for publishing.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, source, eventType string, detail any) (PublishResult, error)
}

type Bus struct {
	enq  Enqueuer
	subs []Subscription
	opts []asynq.Option
	now  func() time.Time
}

var _ Publisher = (*Bus)(nil)

// New builds a bus over enq. opts apply to every enqueued task.
func New(enq Enqueuer, subs []Subscription, opts ...asynq.Option) *Bus {
	return &Bus{
		enq:  enq,
		subs: subs,
		opts: opts,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Publish enqueues one task per matching subscription. The returned error is set
// only when the event cannot be encoded; per-subscription failures are counted.
func (b *Bus) Publish(ctx context.Context, source, eventType string, detail any) (PublishResult, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return PublishResult{}, appErr.Wrap(err, appErr.CodeInvalid, "encode event detail failed")
	}
	ev := Event{
		ID:     uuid.NewString(),
		Source: source,
		Type:   eventType,
		Time:   b.now(),
		Detail: raw,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return PublishResult{}, appErr.Wrap(err, appErr.CodeInvalid, "encode event failed")
	}

	var res PublishResult
	for _, s := range b.subs {
		if !s.matches(source, eventType) {
			continue
		}
		res.Matched++
		if _, err := b.enq.EnqueueContext(ctx, asynq.NewTask(s.Task, payload), b.opts...); err != nil {
			res.Failed++
			logger.L().Warn("enqueue event failed",
				zap.String("event_id", ev.ID),
				zap.String("source", source),
				zap.String("type", eventType),
				zap.String("task", s.Task),
				zap.Error(err))
			continue
		}
		res.Published++
	}

	if res.Matched == 0 {
		logger.L().Debug("event has no subscribers", zap.String("source", source), zap.String("type", eventType))
	}
	return res, nil
}
