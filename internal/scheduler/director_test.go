package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/devbox-orchestrator/pkg/models"
)

type mockStarter struct {
	mock.Mock
}

func (m *mockStarter) StartContainer(ctx context.Context, address, userID string) (string, error) {
	args := m.Called(address, userID)
	return args.String(0), args.Error(1)
}

type mockSelector struct {
	mock.Mock
}

func (m *mockSelector) SelectWorker(ctx context.Context) (*models.WorkerSummary, error) {
	args := m.Called()
	summary, _ := args.Get(0).(*models.WorkerSummary)
	return summary, args.Error(1)
}

func (m *mockSelector) Release(ctx context.Context, workerID string) error {
	return m.Called(workerID).Error(0)
}

func TestGetServiceForIsSticky(t *testing.T) {
	s, _ := newRankingStore(t)
	publish(t, s, 2, 9)

	starter := &mockStarter{}
	starter.On("StartContainer", "10.0.0.1", "alice").Return("http://10.0.0.1:3003", nil).Once()

	d := NewDirector(s, NewAllocator(s, AllocatorConfig{}), starter, nil)
	ctx := context.Background()

	first, err := d.GetServiceFor(ctx, "alice")
	require.NoError(t, err)
	second, err := d.GetServiceFor(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, "http://10.0.0.1:3003", first)
	assert.Equal(t, first, second)
	starter.AssertNumberOfCalls(t, "StartContainer", 1)

	url, ok, err := s.Assignment(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, first, url)
}

func TestGetServiceForReleasesOnStartFailure(t *testing.T) {
	s, mr := newRankingStore(t)
	publish(t, s, 2)

	starter := &mockStarter{}
	starter.On("StartContainer", "10.0.0.1", "bob").Return("", errors.New("connection reset"))

	d := NewDirector(s, NewAllocator(s, AllocatorConfig{}), starter, nil)
	_, err := d.GetServiceFor(context.Background(), "bob")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCapacity)

	assert.Equal(t, "0", mr.HGet("instance:w1", "claimed"))
	assert.False(t, mr.Exists("user:bob"))
}

func TestGetServiceForNoCapacity(t *testing.T) {
	selector := &mockSelector{}
	selector.On("SelectWorker").Return(nil, ErrNoCapacity)
	starter := &mockStarter{}

	s, _ := newRankingStore(t)
	d := NewDirector(s, selector, starter, nil)

	_, err := d.GetServiceFor(context.Background(), "carol")
	assert.ErrorIs(t, err, ErrNoCapacity)
	starter.AssertNotCalled(t, "StartContainer", mock.Anything, mock.Anything)
}

func TestGetServiceForReleaseUsesClaimedWorker(t *testing.T) {
	selector := &mockSelector{}
	selector.On("SelectWorker").Return(&models.WorkerSummary{WorkerID: "w7", IP: "10.0.0.7"}, nil)
	selector.On("Release", "w7").Return(nil).Once()
	starter := &mockStarter{}
	starter.On("StartContainer", "10.0.0.7", "dave").Return("", errors.New("503"))

	s, _ := newRankingStore(t)
	d := NewDirector(s, selector, starter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := d.GetServiceFor(ctx, "dave")
	cancel()
	require.Error(t, err)
	selector.AssertExpectations(t)
}

func TestGetServiceForEmptyUser(t *testing.T) {
	d := NewDirector(nil, nil, nil, nil)
	_, err := d.GetServiceFor(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidUser)
}
