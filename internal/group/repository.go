package group

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/decidr/chat-core/internal/postgres"
)

const groupColumns = `id, name, description, is_private, creator_id, created_at`

func scanGroup(row pgx.Row) (*Group, error) {
	var g Group
	if err := row.Scan(&g.ID, &g.Name, &g.Description, &g.IsPrivate, &g.CreatorID, &g.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan group: %w", err)
	}
	return &g, nil
}

const memberColumns = `gm.user_id, gm.group_id, gm.role, gm.joined_at, u.name, u.image`

func scanMember(row pgx.Row) (*Member, error) {
	var m Member
	if err := row.Scan(&m.UserID, &m.GroupID, &m.Role, &m.JoinedAt, &m.UserName, &m.UserImage); err != nil {
		return nil, fmt.Errorf("scan member: %w", err)
	}
	return &m, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed group repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a group and its creator's OWNER membership in a single transaction: the creator's first membership
// is always OWNER, matching the invariant on GroupMember.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Group, error) {
	var g Group
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO groups (name, description, is_private, creator_id)
			 VALUES ($1, $2, $3, $4)
			 RETURNING `+groupColumns,
			params.Name, params.Description, params.IsPrivate, params.CreatorID,
		).Scan(&g.ID, &g.Name, &g.Description, &g.IsPrivate, &g.CreatorID, &g.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert group: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO group_members (user_id, group_id, role) VALUES ($1, $2, $3)`,
			params.CreatorID, g.ID, RoleOwner,
		)
		if err != nil {
			return fmt.Errorf("insert creator membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetByID returns the group matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Group, error) {
	g, err := scanGroup(r.db.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query group by id: %w", err)
	}
	return g, nil
}

// Update applies the provided fields to a group's row. A nil description leaves the column untouched; pass a pointer
// to an empty string to clear it.
func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, name string, description *string, isPrivate *bool) (*Group, error) {
	setClauses := []string{"name = $1"}
	args := []any{name}

	if description != nil {
		args = append(args, *description)
		setClauses = append(setClauses, "description = $"+strconv.Itoa(len(args)))
	}
	if isPrivate != nil {
		args = append(args, *isPrivate)
		setClauses = append(setClauses, "is_private = $"+strconv.Itoa(len(args)))
	}

	args = append(args, id)
	query := "UPDATE groups SET " + strings.Join(setClauses, ", ") +
		" WHERE id = $" + strconv.Itoa(len(args)) +
		" RETURNING " + groupColumns

	g, err := scanGroup(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update group: %w", err)
	}
	return g, nil
}

// Delete removes a group row. The schema cascades to group_members and messages.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMembership returns the membership row for userID in groupID joined with the member's user fields, or
// ErrMemberNotFound if the user is not a member.
func (r *PGRepository) GetMembership(ctx context.Context, userID, groupID uuid.UUID) (*Member, error) {
	m, err := scanMember(r.db.QueryRow(ctx,
		`SELECT `+memberColumns+`
		 FROM group_members gm JOIN users u ON u.id = gm.user_id
		 WHERE gm.user_id = $1 AND gm.group_id = $2`,
		userID, groupID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("query membership: %w", err)
	}
	return m, nil
}

// ListMembersByGroup returns every member of a group, ordered by join time.
func (r *PGRepository) ListMembersByGroup(ctx context.Context, groupID uuid.UUID) ([]Member, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+memberColumns+`
		 FROM group_members gm JOIN users u ON u.id = gm.user_id
		 WHERE gm.group_id = $1
		 ORDER BY gm.joined_at ASC`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

// AddMember inserts a new GroupMember row. Returns ErrAlreadyMember if the user is already a member.
func (r *PGRepository) AddMember(ctx context.Context, userID, groupID uuid.UUID, role Role) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO group_members (user_id, group_id, role) VALUES ($1, $2, $3)`,
		userID, groupID, role,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrAlreadyMember
		}
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

// RemoveMember deletes a GroupMember row. The owner is protected only by the caller checking CanRemove before calling
// this method (the partial unique index on (group_id) WHERE role = 'OWNER' limits a group to one owner but does not
// block a delete); this method itself is a plain delete and trusts the caller's authorization decision.
func (r *PGRepository) RemoveMember(ctx context.Context, userID, groupID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM group_members WHERE user_id = $1 AND group_id = $2`,
		userID, groupID,
	)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// UpdateMemberRole changes a member's role. Promoting to OWNER must be paired by the caller with demoting the
// previous owner in the same logical operation (CanPromote enforces who may initiate a transfer; this method performs
// only the single-row update).
func (r *PGRepository) UpdateMemberRole(ctx context.Context, userID, groupID uuid.UUID, role Role) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE group_members SET role = $1 WHERE user_id = $2 AND group_id = $3`,
		role, userID, groupID,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return ErrSoleOwner
		}
		return fmt.Errorf("update member role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}
