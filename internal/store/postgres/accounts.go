package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"vetclinic/backend/internal/domain"
	"vetclinic/backend/internal/store"
)

type clientRow struct {
	ID        string    `db:"id"`
	ClinicID  string    `db:"clinic_id"`
	Name      string    `db:"name"`
	WalkIn    bool      `db:"walk_in"`
	CreatedAt time.Time `db:"created_at"`
}

func (r clientRow) toClient() *domain.Client {
	return &domain.Client{
		ID:        r.ID,
		ClinicID:  r.ClinicID,
		Name:      r.Name,
		WalkIn:    r.WalkIn,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

// CreateClient returns store.ErrConflict when the walk-in partial unique index
// already holds a row for the clinic.
func (s *Store) CreateClient(ctx context.Context, client domain.Client) (*domain.Client, error) {
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, clinic_id, name, walk_in, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, client.ID, client.ClinicID, client.Name, client.WalkIn, client.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &client, nil
}

func (s *Store) GetClient(ctx context.Context, clinicID string, id string) (*domain.Client, error) {
	var row clientRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, clinic_id, name, walk_in, created_at
		FROM clients
		WHERE id = $1 AND clinic_id = $2
	`, id, clinicID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return row.toClient(), nil
}

func (s *Store) FindWalkInClient(ctx context.Context, clinicID string) (*domain.Client, error) {
	var row clientRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, clinic_id, name, walk_in, created_at
		FROM clients
		WHERE clinic_id = $1 AND walk_in
	`, clinicID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return row.toClient(), nil
}

type userRow struct {
	Username  string    `db:"username"`
	Password  string    `db:"password"`
	Role      string    `db:"role"`
	ClinicID  string    `db:"clinic_id"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

func (r userRow) toUser() domain.UserAccount {
	return domain.UserAccount{
		Username:  r.Username,
		Password:  r.Password,
		Role:      r.Role,
		ClinicID:  r.ClinicID,
		Active:    r.Active,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return errors.New("username and password are required")
	}
	if user.Role == "" {
		user.Role = domain.RoleReceptionist
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, clinic_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,true,$5,now())
	`, user.Username, user.Password, user.Role, user.ClinicID, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context, clinicID string) ([]domain.UserAccount, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT username, password, role, clinic_id, active, created_at
		FROM app_users
		WHERE clinic_id = $1
		ORDER BY username ASC
	`, clinicID); err != nil {
		return nil, err
	}

	users := make([]domain.UserAccount, 0, len(rows))
	for _, row := range rows {
		users = append(users, row.toUser())
	}
	return users, nil
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `
		SELECT username, password, role, clinic_id, active, created_at
		FROM app_users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user := row.toUser()
	return &user, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return errors.New("username and password are required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
