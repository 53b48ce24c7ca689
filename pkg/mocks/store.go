// Package mocks provides mock implementations of the store contract for txtheory
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/theory-cloud/txtheory/pkg/core"
)

// MockStore is a testify mock of core.Store for unit tests that need to
// script store behavior.
//
// Example usage:
//
//	store := new(mocks.MockStore)
//	store.On("Get", mock.Anything, mock.Anything).Return(nil, nil)
type MockStore struct {
	mock.Mock
}

// Get mocks the single-item read
func (m *MockStore) Get(ctx context.Context, in *core.GetInput) (core.Item, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	item, ok := args.Get(0).(core.Item)
	if !ok {
		panic("unexpected type: expected core.Item")
	}
	return item, args.Error(1)
}

// Put mocks the conditional full-row write
func (m *MockStore) Put(ctx context.Context, in *core.PutInput) error {
	args := m.Called(ctx, in)
	return args.Error(0)
}

// Update mocks the conditional partial-row write
func (m *MockStore) Update(ctx context.Context, in *core.UpdateInput) error {
	args := m.Called(ctx, in)
	return args.Error(0)
}

// Delete mocks the conditional deletion
func (m *MockStore) Delete(ctx context.Context, in *core.DeleteInput) error {
	args := m.Called(ctx, in)
	return args.Error(0)
}

// BatchGet mocks the eventually consistent multi-row read
func (m *MockStore) BatchGet(ctx context.Context, req core.BatchGetRequest) (*core.BatchGetOutput, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	out, ok := args.Get(0).(*core.BatchGetOutput)
	if !ok {
		panic("unexpected type: expected *core.BatchGetOutput")
	}
	return out, args.Error(1)
}

// TransactGet mocks the strongly consistent multi-row read
func (m *MockStore) TransactGet(ctx context.Context, items []core.TransactGetItem) ([]core.Item, error) {
	args := m.Called(ctx, items)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	rows, ok := args.Get(0).([]core.Item)
	if !ok {
		panic("unexpected type: expected []core.Item")
	}
	return rows, args.Error(1)
}

// TransactWrite mocks the transactional bundle write
func (m *MockStore) TransactWrite(ctx context.Context, in *core.TransactWriteInput) error {
	args := m.Called(ctx, in)
	return args.Error(0)
}

// Query mocks the key-condition read
func (m *MockStore) Query(ctx context.Context, in *core.QueryInput) (*core.QueryOutput, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	out, ok := args.Get(0).(*core.QueryOutput)
	if !ok {
		panic("unexpected type: expected *core.QueryOutput")
	}
	return out, args.Error(1)
}

// Scan mocks the table sweep
func (m *MockStore) Scan(ctx context.Context, in *core.ScanInput) (*core.ScanOutput, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	out, ok := args.Get(0).(*core.ScanOutput)
	if !ok {
		panic("unexpected type: expected *core.ScanOutput")
	}
	return out, args.Error(1)
}

// DescribeTable mocks the table metadata read
func (m *MockStore) DescribeTable(ctx context.Context, name string) (*core.TableDescription, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	desc, ok := args.Get(0).(*core.TableDescription)
	if !ok {
		panic("unexpected type: expected *core.TableDescription")
	}
	return desc, args.Error(1)
}

// CreateTable mocks table creation
func (m *MockStore) CreateTable(ctx context.Context, spec *core.TableSpec) error {
	args := m.Called(ctx, spec)
	return args.Error(0)
}

// UpdateTable mocks table provisioning updates
func (m *MockStore) UpdateTable(ctx context.Context, update *core.TableUpdate) error {
	args := m.Called(ctx, update)
	return args.Error(0)
}
