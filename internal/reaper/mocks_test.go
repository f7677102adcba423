package reaper

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/icebox/internal/store"
)

// MockReaperStore mocks the ReaperStore interface.
type MockReaperStore struct {
	mock.Mock
}

func (m *MockReaperStore) ListRunningRuns() ([]*store.Run, error) {
	args := m.Called()
	if runs := args.Get(0); runs != nil {
		return runs.([]*store.Run), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) FinishRun(run *store.Run) error {
	args := m.Called(run)
	return args.Error(0)
}

func (m *MockReaperStore) DeleteFinishedBefore(cutoff time.Time) (int64, error) {
	args := m.Called(cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// MockReaperRuntime mocks the ReaperRuntime interface.
type MockReaperRuntime struct {
	mock.Mock
}

func (m *MockReaperRuntime) IsRunning(ctx context.Context, pid int) (bool, error) {
	args := m.Called(ctx, pid)
	return args.Bool(0), args.Error(1)
}

func (m *MockReaperRuntime) ListScratchIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if ids := args.Get(0); ids != nil {
		return ids.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperRuntime) RemoveScratch(ctx context.Context, taskID string) error {
	args := m.Called(ctx, taskID)
	return args.Error(0)
}
