package task

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/icebox/internal/runtime"
	"github.com/p-arndt/icebox/internal/store"
)

type MockLauncher struct {
	mock.Mock
}

func (m *MockLauncher) Run(ctx context.Context, task runtime.Task, started func(pid int)) (*runtime.Result, error) {
	args := m.Called(ctx, task, started)
	if res := args.Get(0); res != nil {
		return res.(*runtime.Result), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLauncher) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockRunStore struct {
	mock.Mock
}

func (m *MockRunStore) CreateRun(run *store.Run) error {
	args := m.Called(run)
	return args.Error(0)
}

func (m *MockRunStore) UpdateRunPID(id string, pid int) error {
	args := m.Called(id, pid)
	return args.Error(0)
}

func (m *MockRunStore) FinishRun(run *store.Run) error {
	args := m.Called(run)
	return args.Error(0)
}
