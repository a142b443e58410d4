package subscription

import "context"

// Store defines the interface for user record persistence. Email is the
// natural key; implementations must normalize it (lower-case, trimmed) on
// every lookup and write so matching is case-insensitive.
//
// Contract the reconciler depends on:
//   - Update and Upsert are a single atomic read-modify-write per email.
//   - A SubscriptionRef update pointing at an empty string is ignored: once
//     set, the ref is only ever replaced by a non-empty value.
//   - Adapters stamp UpdatedAt on every write and CreatedAt on creation.
type Store interface {
	// FindByEmail retrieves the record for an email.
	// Returns ErrUserNotFound if no record exists.
	FindByEmail(ctx context.Context, email string) (*UserRecord, error)

	// Create inserts a fresh record with no status and no subscription.
	// Creating an email that already exists returns the existing record.
	Create(ctx context.Context, email string) (*UserRecord, error)

	// Update applies the allow-listed fields to an existing record.
	// Returns ErrUserNotFound if no record exists.
	Update(ctx context.Context, email string, upd RecordUpdate) (*UserRecord, error)

	// Upsert applies the fields, creating the record first if absent.
	Upsert(ctx context.Context, email string, upd RecordUpdate) (*UserRecord, error)
}
