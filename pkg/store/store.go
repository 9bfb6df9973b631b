package store

import (
	"context"
	"errors"
	"time"

	"formbot/pkg/domain"
)

var (
	// ErrNotFound indicates the addressed record does not exist (anymore).
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a transaction lost a race with a concurrent writer
	// and was not committed.
	ErrConflict = errors.New("transaction conflict")
)

// SubmissionStore persists form submissions.
type SubmissionStore interface {
	CreateSubmission(ctx context.Context, s domain.Submission) (int64, error)
	// ListSubmissionsByUser returns the user's submissions, newest first.
	ListSubmissionsByUser(ctx context.Context, userID int64) ([]domain.Submission, error)
	// UpdateSubmission returns ErrNotFound when the row was deleted meanwhile.
	UpdateSubmission(ctx context.Context, s domain.Submission) error
	// DeleteSubmission is idempotent: deleting a missing row is not an error.
	DeleteSubmission(ctx context.Context, id int64) error
	ListIncompleteOlderThan(ctx context.Context, threshold time.Time) ([]domain.Submission, error)
	ListCompleted(ctx context.Context) ([]domain.Submission, error)
}

// ProfileStore persists one profile per user.
type ProfileStore interface {
	GetOrCreateProfile(ctx context.Context, userID int64, displayName string, initial domain.ConversationState) (domain.UserProfile, error)
	SaveProfile(ctx context.Context, p domain.UserProfile) error
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	SubmissionStore
	ProfileStore
}

// Store is a Tx that can also open transactions. InTx commits when fn
// returns nil and discards every write otherwise.
type Store interface {
	Tx
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
