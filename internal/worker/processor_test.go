package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"voxsign/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPending struct {
	mock.Mock
}

func (m *MockPending) ListUsersWithPendingEnrollments(ctx context.Context, limit int) ([]string, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishProfileCreation(ctx context.Context, job *queue.ProfileJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

type MockHandlers struct {
	mock.Mock
}

func (m *MockHandlers) HandleExtraction(ctx context.Context, body []byte) error {
	args := m.Called(ctx, body)
	return args.Error(0)
}

func (m *MockHandlers) HandleProfileJob(ctx context.Context, body []byte) error {
	args := m.Called(ctx, body)
	return args.Error(0)
}

// fakeConsumer delivers the queued bodies once and then waits for ctx.
type fakeConsumer struct {
	mu         sync.Mutex
	deliveries map[string][][]byte
	results    map[string][]error
	failQueue  string
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.Handler) error {
	if queueName == f.failQueue {
		return errors.New("channel closed")
	}
	for _, body := range f.deliveries[queueName] {
		err := handler(ctx, body)
		f.mu.Lock()
		f.results[queueName] = append(f.results[queueName], err)
		f.mu.Unlock()
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestSweep_QueuesEachUser(t *testing.T) {
	pending := new(MockPending)
	publisher := new(MockPublisher)
	p := NewProcessor(nil, nil, pending, publisher, Options{SweepLimit: 50})

	pending.On("ListUsersWithPendingEnrollments", mock.Anything, 50).Return([]string{"user-1", "user-2", "user-3"}, nil)
	publisher.On("PublishProfileCreation", mock.Anything, mock.MatchedBy(func(j *queue.ProfileJob) bool {
		return j.UserID == "user-2"
	})).Return(errors.New("channel closed"))
	publisher.On("PublishProfileCreation", mock.Anything, mock.MatchedBy(func(j *queue.ProfileJob) bool {
		return j.Reason == queue.ReasonSweep && j.EnrollmentID == ""
	})).Return(nil)

	queued, err := p.Sweep(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, queued)
	publisher.AssertNumberOfCalls(t, "PublishProfileCreation", 3)
}

func TestSweep_ListFailure(t *testing.T) {
	pending := new(MockPending)
	publisher := new(MockPublisher)
	p := NewProcessor(nil, nil, pending, publisher, Options{})

	pending.On("ListUsersWithPendingEnrollments", mock.Anything, 100).Return(nil, errors.New("db down"))

	_, err := p.Sweep(context.Background())

	assert.Error(t, err)
	publisher.AssertNotCalled(t, "PublishProfileCreation", mock.Anything, mock.Anything)
}

func TestRun_DispatchesJobsToHandlers(t *testing.T) {
	handlers := new(MockHandlers)
	consumer := &fakeConsumer{
		deliveries: map[string][][]byte{
			queue.QueueAudioExtraction: {[]byte(`{"enrollment_id":"enr-1"}`)},
			queue.QueueProfileCreation: {[]byte(`{"user_id":"user-1"}`)},
		},
		results: map[string][]error{},
	}
	p := NewProcessor(consumer, handlers, new(MockPending), new(MockPublisher), Options{SweepSchedule: "@every 1h"})

	handlers.On("HandleExtraction", mock.Anything, []byte(`{"enrollment_id":"enr-1"}`)).Return(nil)
	handlers.On("HandleProfileJob", mock.Anything, []byte(`{"user_id":"user-1"}`)).Return(errors.New("busy"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool {
		consumer.mu.Lock()
		defer consumer.mu.Unlock()
		return len(consumer.results[queue.QueueAudioExtraction]) == 1 && len(consumer.results[queue.QueueProfileCreation]) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	assert.NoError(t, consumer.results[queue.QueueAudioExtraction][0])
	assert.EqualError(t, consumer.results[queue.QueueProfileCreation][0], "busy")
}

func TestRun_ConsumerFailureStopsWorker(t *testing.T) {
	consumer := &fakeConsumer{results: map[string][]error{}, failQueue: queue.QueueProfileCreation}
	p := NewProcessor(consumer, new(MockHandlers), new(MockPending), new(MockPublisher), Options{})

	err := p.Run(context.Background())

	assert.EqualError(t, err, "channel closed")
}

func TestRun_InvalidSchedule(t *testing.T) {
	p := NewProcessor(&fakeConsumer{}, new(MockHandlers), new(MockPending), new(MockPublisher), Options{SweepSchedule: "not a schedule"})

	err := p.Run(context.Background())

	assert.ErrorContains(t, err, "invalid sweep schedule")
}

func TestWithTimeout_SetsDeadline(t *testing.T) {
	p := NewProcessor(nil, nil, nil, nil, Options{JobTimeout: time.Minute})

	var deadline time.Time
	h := p.withTimeout(func(ctx context.Context, body []byte) error {
		deadline, _ = ctx.Deadline()
		return nil
	})

	require.NoError(t, h(context.Background(), nil))
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
}
