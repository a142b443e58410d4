// Package memory provides an in-memory implementation of the
// subscription.Store interface. This implementation is primarily intended
// for testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/gptgate/gptgate/pkg/subscription"
)

// Store implements subscription.Store using an in-memory map keyed by
// normalized email.
type Store struct {
	mu      sync.RWMutex
	records map[string]*subscription.UserRecord
	now     func() time.Time
}

// New creates a new in-memory store adapter.
func New() *Store {
	return &Store{
		records: make(map[string]*subscription.UserRecord),
		now:     time.Now,
	}
}

// WithClock overrides the time source used for CreatedAt/UpdatedAt stamps.
// Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// FindByEmail implements subscription.Store.
func (s *Store) FindByEmail(ctx context.Context, email string) (*subscription.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[subscription.NormalizeEmail(email)]
	if !ok {
		return nil, subscription.ErrUserNotFound
	}

	// Return a copy to prevent external mutations.
	recCopy := *rec
	return &recCopy, nil
}

// Create implements subscription.Store.
func (s *Store) Create(ctx context.Context, email string) (*subscription.UserRecord, error) {
	key := subscription.NormalizeEmail(email)
	if key == "" {
		return nil, subscription.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok {
		recCopy := *rec
		return &recCopy, nil
	}

	now := s.now().UTC()
	rec := &subscription.UserRecord{
		Email:     key,
		Status:    subscription.StatusNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[key] = rec

	recCopy := *rec
	return &recCopy, nil
}

// Update implements subscription.Store.
func (s *Store) Update(ctx context.Context, email string, upd subscription.RecordUpdate) (*subscription.UserRecord, error) {
	key := subscription.NormalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, subscription.ErrUserNotFound
	}

	applyUpdate(rec, upd, s.now().UTC())

	recCopy := *rec
	return &recCopy, nil
}

// Upsert implements subscription.Store.
func (s *Store) Upsert(ctx context.Context, email string, upd subscription.RecordUpdate) (*subscription.UserRecord, error) {
	key := subscription.NormalizeEmail(email)
	if key == "" {
		return nil, subscription.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		now := s.now().UTC()
		rec = &subscription.UserRecord{
			Email:     key,
			Status:    subscription.StatusNone,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.records[key] = rec
	}

	applyUpdate(rec, upd, s.now().UTC())

	recCopy := *rec
	return &recCopy, nil
}

// applyUpdate merges the allow-listed fields into the record. A subscription
// ref, once set, is never cleared by an update.
func applyUpdate(rec *subscription.UserRecord, upd subscription.RecordUpdate, now time.Time) {
	if upd.CustomerRef != nil && *upd.CustomerRef != "" {
		rec.CustomerRef = *upd.CustomerRef
	}
	if upd.SubscriptionRef != nil && *upd.SubscriptionRef != "" {
		rec.SubscriptionRef = *upd.SubscriptionRef
	}
	if upd.Plan != nil {
		rec.Plan = *upd.Plan
	}
	if upd.Status != nil {
		rec.Status = *upd.Status
	}
	if upd.CurrentPeriodEnd != nil {
		end := upd.CurrentPeriodEnd.UTC()
		rec.CurrentPeriodEnd = &end
	}
	rec.UpdatedAt = now
}
