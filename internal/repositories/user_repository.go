package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"conversation-service/internal/models"
)

// UserRepository reads the user and team records owned by the admin domain.
type UserRepository interface {
	GetUsers(ctx context.Context, userIDs []int64) ([]models.User, error)
	GetUser(ctx context.Context, userID int64) (models.User, error)
	ActiveUserIDs(ctx context.Context, role string) ([]int64, error)
	GetTeam(ctx context.Context, teamID int64) (models.Team, error)
	TeamMemberIDs(ctx context.Context, teamID int64) ([]int64, error)
}

// UserRepo is a sqlx implementation of UserRepository.
type UserRepo struct {
	db *sqlx.DB
}

// NewUserRepo constructs a UserRepo.
func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// GetUsers fetches the users that exist among ids.
func (r *UserRepo) GetUsers(ctx context.Context, userIDs []int64) ([]models.User, error) {
	if len(userIDs) == 0 {
		return []models.User{}, nil
	}
	query, args, err := sqlx.In(`SELECT id, display_name, avatar_url, role, is_active FROM users WHERE id IN (?)`, userIDs)
	if err != nil {
		return nil, err
	}
	var users []models.User
	err = r.db.SelectContext(ctx, &users, r.db.Rebind(query), args...)
	return users, err
}

// GetUser fetches one user.
func (r *UserRepo) GetUser(ctx context.Context, userID int64) (models.User, error) {
	var u models.User
	err := r.db.GetContext(ctx, &u, `SELECT id, display_name, avatar_url, role, is_active FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	return u, err
}

// ActiveUserIDs lists active users, restricted to role unless it is empty.
func (r *UserRepo) ActiveUserIDs(ctx context.Context, role string) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `SELECT id FROM users WHERE is_active = TRUE AND ($1 = '' OR role = $1) ORDER BY id`, role)
	return ids, err
}

// GetTeam fetches a team.
func (r *UserRepo) GetTeam(ctx context.Context, teamID int64) (models.Team, error) {
	var t models.Team
	err := r.db.GetContext(ctx, &t, `SELECT id, name FROM teams WHERE id=$1`, teamID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Team{}, ErrTeamNotFound
	}
	return t, err
}

// TeamMemberIDs lists the active members of a team.
func (r *UserRepo) TeamMemberIDs(ctx context.Context, teamID int64) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `SELECT tm.user_id FROM team_members tm INNER JOIN users u ON u.id = tm.user_id
        WHERE tm.team_id=$1 AND u.is_active = TRUE ORDER BY tm.user_id`, teamID)
	return ids, err
}
