package service

import (
	"context"
	"errors"
	"time"

	"github.com/stretchr/testify/mock"

	"go2-edge/internal/analytics"
	"go2-edge/internal/domain"
)

// ==================== MOCKS ====================

// MockLinkRepository is a mock implementation of repository.LinkRepository
type MockLinkRepository struct {
	mock.Mock
}

func (m *MockLinkRepository) IncrementClicks(ctx context.Context, u domain.CounterUpdate) error {
	args := m.Called(ctx, u)
	return args.Error(0)
}

func (m *MockLinkRepository) ListExpired(ctx context.Context, since, now time.Time, afterID string, limit int) ([]*domain.Link, error) {
	args := m.Called(ctx, since, now, afterID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Link), args.Error(1)
}

func (m *MockLinkRepository) ListForHealthCheck(ctx context.Context, checkedBefore time.Time, limit int) ([]*domain.Link, error) {
	args := m.Called(ctx, checkedBefore, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Link), args.Error(1)
}

func (m *MockLinkRepository) UpdateHealth(ctx context.Context, linkID string, status domain.HealthStatus, statusCode int, errMsg string, checkedAt time.Time) error {
	args := m.Called(ctx, linkID, status, statusCode, errMsg, checkedAt)
	return args.Error(0)
}

// MockClickRepository is a mock implementation of repository.ClickRepository
type MockClickRepository struct {
	mock.Mock
}

func (m *MockClickRepository) Create(ctx context.Context, click *domain.ClickEvent) error {
	args := m.Called(ctx, click)
	return args.Error(0)
}

// failingStore is a kv.Store whose every call fails.
type failingStore struct{}

var errStoreDown = errors.New("store unavailable")

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errStoreDown
}

func (failingStore) Put(context.Context, string, string, time.Duration) error {
	return errStoreDown
}

func (failingStore) Delete(context.Context, string) error {
	return errStoreDown
}

// failingSink is an analytics.Sink that always fails.
type failingSink struct{}

func (failingSink) Write(context.Context, analytics.Point) error {
	return errors.New("sink unavailable")
}
