// Package dumpmock has testify mocks for the dump interfaces.
package dumpmock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/efargas/S7-Tools-sub002/internal/dump"
	"github.com/efargas/S7-Tools-sub002/internal/model"
)

// MockDumper is a mock implementation of dump.Dumper.
type MockDumper struct {
	mock.Mock
}

// NewMockDumper creates a new dumper mock that asserts its expectations on
// test cleanup.
func NewMockDumper(t *testing.T) *MockDumper {
	m := &MockDumper{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

func (m *MockDumper) Execute(ctx context.Context, job model.Job, progress dump.ProgressFunc) (*model.DumpResult, error) {
	args := m.Called(ctx, job, progress)
	result, _ := args.Get(0).(*model.DumpResult)
	return result, args.Error(1)
}
