// Package user models the account records the chat core reads but never
// writes: registration, password, and profile management belong to an
// external collaborator service.
package user

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("user not found")

// User is the subset of account fields the chat core needs to hydrate
// messages, group membership, and presence responses.
type User struct {
	ID            uuid.UUID
	Name          string
	Email         string
	Image         *string
	EmailVerified bool
	CreatedAt     time.Time
}

// Repository reads User rows. Accounts are owned by an external collaborator;
// this core only ever selects from the users table.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	ExistsByID(ctx context.Context, id uuid.UUID) (bool, error)
}
