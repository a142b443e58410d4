// Package firestore provides a Firestore implementation of the
// subscription.Store interface. Documents are keyed by normalized email
// and merged inside a transaction so concurrent webhook deliveries
// serialize on the document.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gptgate/gptgate/pkg/subscription"
)

// Store implements subscription.Store using Google Cloud Firestore
type Store struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

// Config holds Firestore storage configuration
type Config struct {
	// Collection is the Firestore collection for user records
	// Default: "user_records"
	Collection string
}

// New creates a new Firestore store adapter
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.Collection == "" {
		config.Collection = "user_records"
	}
	return &Store{
		client:     client,
		collection: config.Collection,
		now:        time.Now,
	}, nil
}

// FindByEmail implements subscription.Store
func (s *Store) FindByEmail(ctx context.Context, email string) (*subscription.UserRecord, error) {
	doc := s.doc(email)
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subscription.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user record: %w", err)
	}
	if !snap.Exists() {
		return nil, subscription.ErrUserNotFound
	}

	rec := decodeRecord(snap.Ref.ID, snap.Data())
	return &rec, nil
}

// Create implements subscription.Store. Creating an email that already
// exists returns the existing record untouched.
func (s *Store) Create(ctx context.Context, email string) (*subscription.UserRecord, error) {
	key := subscription.NormalizeEmail(email)
	if key == "" {
		return nil, subscription.ErrValidation
	}

	doc := s.client.Collection(s.collection).Doc(key)
	now := s.now().UTC()

	var rec subscription.UserRecord
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err == nil && snap.Exists() {
			rec = decodeRecord(key, snap.Data())
			return nil
		}
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		rec = subscription.UserRecord{
			Email:     key,
			Status:    subscription.StatusNone,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.Set(doc, encodeRecord(rec))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create user record: %w", err)
	}
	return &rec, nil
}

// Update implements subscription.Store
func (s *Store) Update(ctx context.Context, email string, upd subscription.RecordUpdate) (*subscription.UserRecord, error) {
	key := subscription.NormalizeEmail(email)
	doc := s.client.Collection(s.collection).Doc(key)

	var rec subscription.UserRecord
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return subscription.ErrUserNotFound
			}
			return err
		}
		rec = decodeRecord(key, snap.Data())
		applyUpdate(&rec, upd, s.now().UTC())
		return tx.Set(doc, encodeRecord(rec))
	})
	if err == subscription.ErrUserNotFound {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user record: %w", err)
	}
	return &rec, nil
}

// Upsert implements subscription.Store
func (s *Store) Upsert(ctx context.Context, email string, upd subscription.RecordUpdate) (*subscription.UserRecord, error) {
	key := subscription.NormalizeEmail(email)
	if key == "" {
		return nil, subscription.ErrValidation
	}
	doc := s.client.Collection(s.collection).Doc(key)
	now := s.now().UTC()

	var rec subscription.UserRecord
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		switch {
		case err == nil && snap.Exists():
			rec = decodeRecord(key, snap.Data())
		case err != nil && status.Code(err) != codes.NotFound:
			return err
		default:
			rec = subscription.UserRecord{
				Email:     key,
				Status:    subscription.StatusNone,
				CreatedAt: now,
				UpdatedAt: now,
			}
		}
		applyUpdate(&rec, upd, now)
		return tx.Set(doc, encodeRecord(rec))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user record: %w", err)
	}
	return &rec, nil
}

func (s *Store) doc(email string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(subscription.NormalizeEmail(email))
}

// applyUpdate merges the allow-listed fields. A subscription ref, once
// set, is never cleared by an update.
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

func encodeRecord(rec subscription.UserRecord) map[string]interface{} {
	data := map[string]interface{}{
		"customerRef":     rec.CustomerRef,
		"subscriptionRef": rec.SubscriptionRef,
		"plan":            string(rec.Plan),
		"status":          string(rec.Status),
		"createdAt":       rec.CreatedAt,
		"updatedAt":       rec.UpdatedAt,
	}
	if rec.CurrentPeriodEnd != nil {
		data["currentPeriodEnd"] = *rec.CurrentPeriodEnd
	}
	return data
}

func decodeRecord(email string, data map[string]interface{}) subscription.UserRecord {
	rec := subscription.UserRecord{
		Email:           email,
		CustomerRef:     getString(data, "customerRef"),
		SubscriptionRef: getString(data, "subscriptionRef"),
		Plan:            subscription.Plan(getString(data, "plan")),
		Status:          decodeStatus(getString(data, "status")),
		CreatedAt:       getTime(data, "createdAt"),
		UpdatedAt:       getTime(data, "updatedAt"),
	}
	if end, ok := data["currentPeriodEnd"].(time.Time); ok && !end.IsZero() {
		end = end.UTC()
		rec.CurrentPeriodEnd = &end
	}
	return rec
}

// decodeStatus tolerates documents written before the canonical enum:
// raw processor tokens stored by older writers fold through the same
// normalization table as live events.
func decodeStatus(raw string) subscription.Status {
	switch st := subscription.Status(raw); st {
	case subscription.StatusNone, subscription.StatusPending,
		subscription.StatusAwaitingPayment, subscription.StatusTrialing,
		subscription.StatusActive, subscription.StatusPastDue,
		subscription.StatusCanceled:
		return st
	}
	return subscription.NormalizeStatus(raw)
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
