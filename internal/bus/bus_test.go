package bus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	appErr "github.com/prguard/engine/pkg/errors"
	"github.com/prguard/engine/pkg/logger"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("info", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	args := m.Called(ctx, task.Type(), task.Payload())
	if v := args.Get(0); v != nil {
		return v.(*asynq.TaskInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

var testSubs = []Subscription{
	{Source: "prguard.webhook", Type: "deployment.status", Task: "status:reconcile"},
	{Source: "prguard.executor", Type: "deployment.status", Task: "status:reconcile"},
	{Source: "prguard.executor", Type: "deployment.status", Task: "audit:record"},
}

func TestPublishFansOutToMatchingSubscriptions(t *testing.T) {
	enq := &mockEnqueuer{}
	var payloads [][]byte
	enq.On("EnqueueContext", mock.Anything, "status:reconcile", mock.Anything).
		Run(func(args mock.Arguments) { payloads = append(payloads, args.Get(2).([]byte)) }).
		Return(&asynq.TaskInfo{}, nil).Once()
	enq.On("EnqueueContext", mock.Anything, "audit:record", mock.Anything).
		Return(&asynq.TaskInfo{}, nil).Once()

	b := New(enq, testSubs)
	res, err := b.Publish(context.Background(), "prguard.executor", "deployment.status", map[string]string{"executionId": "e1"})
	require.NoError(t, err)
	require.Equal(t, PublishResult{Matched: 2, Published: 2}, res)
	require.NoError(t, res.Err())

	require.Len(t, payloads, 1)
	var ev Event
	require.NoError(t, json.Unmarshal(payloads[0], &ev))
	require.Equal(t, "prguard.executor", ev.Source)
	require.Equal(t, "deployment.status", ev.Type)
	require.NotEmpty(t, ev.ID)

	var detail map[string]string
	require.NoError(t, ev.Decode(&detail))
	require.Equal(t, "e1", detail["executionId"])
	mock.AssertExpectationsForObjects(t, enq)
}

func TestPublishCountsPartialFailures(t *testing.T) {
	enq := &mockEnqueuer{}
	enq.On("EnqueueContext", mock.Anything, "status:reconcile", mock.Anything).
		Return(nil, errors.New("redis down")).Once()
	enq.On("EnqueueContext", mock.Anything, "audit:record", mock.Anything).
		Return(&asynq.TaskInfo{}, nil).Once()

	res, err := New(enq, testSubs).Publish(context.Background(), "prguard.executor", "deployment.status", struct{}{})
	require.NoError(t, err)
	require.Equal(t, PublishResult{Matched: 2, Published: 1, Failed: 1}, res)
	require.True(t, appErr.IsCode(res.Err(), appErr.CodeUnavailable))
	mock.AssertExpectationsForObjects(t, enq)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	enq := &mockEnqueuer{}

	res, err := New(enq, testSubs).Publish(context.Background(), "prguard.gate", "deployment_approved", struct{}{})
	require.NoError(t, err)
	require.Equal(t, PublishResult{}, res)
	enq.AssertNotCalled(t, "EnqueueContext", mock.Anything, mock.Anything, mock.Anything)
}

func TestPublishRejectsUnencodableDetail(t *testing.T) {
	_, err := New(&mockEnqueuer{}, testSubs).Publish(context.Background(), "prguard.webhook", "deployment.status", make(chan int))
	require.True(t, appErr.IsCode(err, appErr.CodeInvalid))
}
