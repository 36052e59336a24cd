package user

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vesys/veapi/internal/domain"
	"github.com/vesys/veapi/internal/errors"
	"github.com/vesys/veapi/internal/event"
)

const (
	codeUniqueViolation = "23505"

	defaultSessionTTL = 24 * time.Hour
	minPasswordLen    = 8
)

type Config struct {
	EventBus   *event.Bus
	DB         *pgxpool.Pool
	Redis      redis.UniversalClient
	Prefix     string
	SessionTTL time.Duration
}

// Service owns the identity store and the session records.
type Service struct {
	eb         *event.Bus
	db         *pgxpool.Pool
	redis      redis.UniversalClient
	prefix     string
	sessionTTL time.Duration
}

func NewService(c Config) *Service {
	ttl := c.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}

	return &Service{
		eb:         c.EventBus,
		db:         c.DB,
		redis:      c.Redis,
		prefix:     c.Prefix,
		sessionTTL: ttl,
	}
}

type RegisterRequest struct {
	Username    string
	Password    string
	DisplayName string
}

// Register creates a new user. Duplicate usernames fail with AlreadyExists.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*domain.User, error) {
	if req.Username == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("username is required"))
	}
	if len(req.Password) < minPasswordLen {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("password must be at least %d characters", minPasswordLen))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate user ID: %w", err)
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &domain.User{
		UserID:       id.String(),
		Username:     req.Username,
		PasswordHash: hash,
		DisplayName:  req.DisplayName,
		CreateTime:   time.Now().UTC(),
	}

	const stmt = `
INSERT INTO users (user_id, username, password_hash, display_name, create_time)
VALUES ($1, $2, $3, $4, $5);`

	_, err = s.db.Exec(ctx, stmt, u.UserID, u.Username, u.PasswordHash, u.DisplayName, u.CreateTime)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return nil, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("username already registered: %s", req.Username),
			errors.WithCause(err))
	}
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	s.eb.Publish(ctx, domain.EventUserRegistered{User: *u})

	return u, nil
}

type LoginRequest struct {
	Username string
	Password string
}

type LoginResponse struct {
	Token      string
	User       domain.User
	ExpireTime time.Time
}

// Login verifies credentials and creates a session record with an expiry.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	u, err := s.Get(ctx, GetRequest{Username: req.Username})
	if errors.Is(err, errors.CodeNotFound) {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("invalid credentials"))
	}
	if err != nil {
		return nil, err
	}

	ok, err := verifyPassword(req.Password, u.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("invalid credentials"))
	}

	sess := session{
		UserID:     u.UserID,
		Username:   u.Username,
		CreateTime: time.Now().UTC(),
	}
	sess.ExpireTime = sess.CreateTime.Add(s.sessionTTL)

	token := uuid.NewString()
	b, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	if err := s.redis.Set(ctx, s.sessionKey(token), b, s.sessionTTL).Err(); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	return &LoginResponse{
		Token:      token,
		User:       *u,
		ExpireTime: sess.ExpireTime,
	}, nil
}

type session struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	CreateTime time.Time `json:"create_time"`
	ExpireTime time.Time `json:"expire_time"`
}

// Logout deletes the session record. Unknown tokens are not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	if err := s.redis.Del(ctx, s.sessionKey(token)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	return nil
}

// Authenticate resolves a session token to its user.
func (s *Service) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	b, err := s.redis.Get(ctx, s.sessionKey(token)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("invalid or expired session"))
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess session
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	return s.Get(ctx, GetRequest{Username: sess.Username})
}

type GetRequest struct {
	Username string
}

func (s *Service) Get(ctx context.Context, req GetRequest) (*domain.User, error) {
	const stmt = `
SELECT user_id, username, password_hash, display_name, create_time
FROM users
WHERE username = $1;`

	var u domain.User
	err := s.db.QueryRow(ctx, stmt, req.Username).
		Scan(&u.UserID, &u.Username, &u.PasswordHash, &u.DisplayName, &u.CreateTime)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("user not found: %s", req.Username))
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}

	return &u, nil
}

// Exists reports whether a user ID is registered. Used to guarantee every
// appended event belongs to an existing user.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	const stmt = `SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1);`

	var ok bool
	if err := s.db.QueryRow(ctx, stmt, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("select user exists: %w", err)
	}

	return ok, nil
}

type UpdateProfileRequest struct {
	Username    string
	DisplayName string
}

func (s *Service) UpdateProfile(ctx context.Context, req UpdateProfileRequest) (*domain.User, error) {
	const stmt = `UPDATE users SET display_name = $2 WHERE username = $1;`

	tag, err := s.db.Exec(ctx, stmt, req.Username, req.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("user not found: %s", req.Username))
	}

	return s.Get(ctx, GetRequest{Username: req.Username})
}

// RegistrationTimes returns create times for the given usernames in one
// query. The leaderboard uses them to break ties deterministically.
func (s *Service) RegistrationTimes(ctx context.Context, usernames []string) (map[string]time.Time, error) {
	if len(usernames) == 0 {
		return map[string]time.Time{}, nil
	}

	const stmt = `SELECT username, create_time FROM users WHERE username = ANY($1);`

	rows, err := s.db.Query(ctx, stmt, usernames)
	if err != nil {
		return nil, fmt.Errorf("select registration times: %w", err)
	}
	defer rows.Close()

	times := make(map[string]time.Time, len(usernames))
	for rows.Next() {
		var name string
		var t time.Time
		if err := rows.Scan(&name, &t); err != nil {
			return nil, fmt.Errorf("scan registration time: %w", err)
		}
		times[name] = t
	}

	return times, rows.Err()
}

// List returns all users, oldest first. Used by the leaderboard rebuild.
func (s *Service) List(ctx context.Context) ([]domain.User, error) {
	const stmt = `
SELECT user_id, username, display_name, create_time
FROM users
ORDER BY create_time;`

	rows, err := s.db.Query(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.User, error) {
		var u domain.User
		err := r.Scan(&u.UserID, &u.Username, &u.DisplayName, &u.CreateTime)
		return u, err
	})
}

// Count returns the number of registered users, for the status endpoint.
func (s *Service) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM users;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}

	return n, nil
}

func (s *Service) sessionKey(token string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, token)
}
