// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/udpauth/internal/model"
)

// UserRepository provides access to user records and the username index.
// Lookups return errs.ErrNotFound for unknown keys. Returned records are
// copies; mutating them does not affect the store.
type UserRepository interface {
	// AddUser stores rec under a freshly generated uid and indexes its username.
	AddUser(ctx context.Context, rec *model.UserRecord) (uid string, err error)
	// GetByUsername resolves a user through the username index.
	GetByUsername(ctx context.Context, username string) (*model.UserRecord, error)
	// GetByUID loads a user by uid.
	GetByUID(ctx context.Context, uid string) (*model.UserRecord, error)
	// UpdateUser overwrites the whole record. uid wins over username when both are set.
	UpdateUser(ctx context.Context, uid, username string, rec *model.UserRecord) error
}
