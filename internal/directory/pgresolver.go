package directory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsdesk/conveyor/model"
)

// PgResolver resolves role membership from the platform's users and
// user_roles tables using pgx/v5.
type PgResolver struct {
	pool *pgxpool.Pool
}

// NewPgResolver creates a PostgreSQL-backed resolver.
func NewPgResolver(pool *pgxpool.Pool) *PgResolver {
	return &PgResolver{pool: pool}
}

// FindUsersByRoles returns users holding any of the given roles.
func (r *PgResolver) FindUsersByRoles(ctx context.Context, roleNames []string, activeOnly bool) ([]model.User, error) {
	if len(roleNames) == 0 {
		return []model.User{}, nil
	}

	query := `
		SELECT DISTINCT u.id, u.name, u.email, u.active
		FROM users u
		JOIN user_roles ur ON ur.user_id = u.id
		WHERE ur.role_name = ANY($1)`
	args := []any{roleNames}
	if activeOnly {
		query += ` AND u.active`
	}
	query += ` ORDER BY u.name ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users by roles: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0)
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Active); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
