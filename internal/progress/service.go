package progress

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
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

	defaultCacheTTL     = 10 * time.Minute
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// UserDirectory answers whether a user ID is registered. Every appended event
// must belong to an existing user.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

type Config struct {
	EventBus *event.Bus
	DB       *pgxpool.Pool
	Redis    redis.UniversalClient
	Prefix   string
	Users    UserDirectory
	Scoring  domain.ScoringPolicy
	CacheTTL time.Duration

	// NowFunc overrides the clock, for streak tests.
	NowFunc func() time.Time
}

// Service is the event store and the aggregator: it appends answer and game
// events and folds them into per-user rollups on demand. Rollups are cached
// in Redis keyed by user and invalidated on every append, so a read that
// starts after an append always observes it.
type Service struct {
	eb       *event.Bus
	db       *pgxpool.Pool
	redis    redis.UniversalClient
	prefix   string
	users    UserDirectory
	scoring  domain.ScoringPolicy
	cacheTTL time.Duration
	now      func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		eb:       c.EventBus,
		db:       c.DB,
		redis:    c.Redis,
		prefix:   c.Prefix,
		users:    c.Users,
		scoring:  c.Scoring,
		cacheTTL: c.CacheTTL,
		now:      c.NowFunc,
	}

	if s.scoring == (domain.ScoringPolicy{}) {
		s.scoring = domain.DefaultScoringPolicy()
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = defaultCacheTTL
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

type RecordAnswerRequest struct {
	// EventID deduplicates retried submissions. Generated when empty.
	EventID    string
	UserID     string
	Username   string
	Subject    string
	QuestionID string
	Correct    bool
	SubmitTime time.Time
}

// RecordAnswer appends an AnswerEvent and returns the updated rollup.
func (s *Service) RecordAnswer(ctx context.Context, req RecordAnswerRequest) (*domain.ProgressRollup, error) {
	if req.Subject == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("subject is required"))
	}
	if req.QuestionID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("question_id is required"))
	}

	eventID, err := s.ensureEventID(req.EventID)
	if err != nil {
		return nil, err
	}

	if err := s.checkUser(ctx, req.UserID); err != nil {
		return nil, err
	}

	const stmt = `
INSERT INTO answer_events (event_id, user_id, subject, question_id, correct, create_time)
VALUES ($1, $2, $3, $4, $5, $6);`

	_, err = s.db.Exec(ctx, stmt, eventID, req.UserID, req.Subject, req.QuestionID, req.Correct, s.eventTime(req.SubmitTime))
	if err := s.convertInsertErr(err, eventID); err != nil {
		return nil, err
	}

	return s.refreshRollup(ctx, req.UserID, req.Username)
}

type RecordGameRequest struct {
	EventID    string
	UserID     string
	Username   string
	GameType   string
	Score      int64
	SubmitTime time.Time
}

// RecordGame appends a GameEvent and returns the updated rollup.
func (s *Service) RecordGame(ctx context.Context, req RecordGameRequest) (*domain.ProgressRollup, error) {
	if req.GameType == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("game_type is required"))
	}
	if req.Score < 0 {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("score must not be negative"))
	}

	eventID, err := s.ensureEventID(req.EventID)
	if err != nil {
		return nil, err
	}

	if err := s.checkUser(ctx, req.UserID); err != nil {
		return nil, err
	}

	const stmt = `
INSERT INTO game_events (event_id, user_id, game_type, score, create_time)
VALUES ($1, $2, $3, $4, $5);`

	_, err = s.db.Exec(ctx, stmt, eventID, req.UserID, req.GameType, req.Score, s.eventTime(req.SubmitTime))
	if err := s.convertInsertErr(err, eventID); err != nil {
		return nil, err
	}

	return s.refreshRollup(ctx, req.UserID, req.Username)
}

// refreshRollup invalidates the cached rollup, recomputes it from the log and
// publishes the update for the leaderboard and notification fan-out.
// Invalidation bumps a per-user generation counter rather than deleting the
// cache entry: a slow reader that started before the append re-caches its
// rollup under the old generation, which every later read treats as a miss.
func (s *Service) refreshRollup(ctx context.Context, userID, username string) (*domain.ProgressRollup, error) {
	if err := s.redis.Incr(ctx, s.rollupVersionKey(userID)).Err(); err != nil {
		slog.WarnContext(ctx, "progress: bump rollup version failed", "user", username, "error", err)
		if err := s.redis.Del(ctx, s.rollupKey(userID)).Err(); err != nil {
			slog.WarnContext(ctx, "progress: invalidate rollup cache failed", "user", username, "error", err)
		}
	}

	r, err := s.Rollup(ctx, RollupRequest{UserID: userID, Username: username})
	if err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventRollupUpdated{Rollup: *r})

	return r, nil
}

type RollupRequest struct {
	UserID   string
	Username string
}

// Rollup returns the user's aggregate, folding the event log on cache miss.
func (s *Service) Rollup(ctx context.Context, req RollupRequest) (*domain.ProgressRollup, error) {
	version := s.cacheVersion(ctx, req.UserID)
	if r, ok := s.cachedRollup(ctx, req.UserID, version); ok {
		return r, nil
	}

	if err := s.checkUser(ctx, req.UserID); err != nil {
		return nil, err
	}

	answers, err := s.loadAnswers(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	games, err := s.loadGames(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	r := computeRollup(req.UserID, req.Username, answers, games, s.scoring, s.now())
	s.cacheRollup(ctx, &r, version)

	return &r, nil
}

// rollupCacheEntry pairs a cached rollup with the generation it was computed
// under.
type rollupCacheEntry struct {
	Version int64                 `json:"version"`
	Rollup  domain.ProgressRollup `json:"rollup"`
}

// cacheVersion returns the user's current rollup generation, 0 before the
// first append. Returns -1 when the counter cannot be read, which disables
// the cache for that call.
func (s *Service) cacheVersion(ctx context.Context, userID string) int64 {
	v, err := s.redis.Get(ctx, s.rollupVersionKey(userID)).Int64()
	if stderrors.Is(err, redis.Nil) {
		return 0
	}
	if err != nil {
		slog.WarnContext(ctx, "progress: read rollup version failed", "error", err)
		return -1
	}

	return v
}

func (s *Service) cachedRollup(ctx context.Context, userID string, version int64) (*domain.ProgressRollup, bool) {
	if version < 0 {
		return nil, false
	}

	b, err := s.redis.Get(ctx, s.rollupKey(userID)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		slog.WarnContext(ctx, "progress: read rollup cache failed", "error", err)
		return nil, false
	}

	var entry rollupCacheEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		slog.WarnContext(ctx, "progress: decode cached rollup failed", "error", err)
		return nil, false
	}

	if entry.Version != version {
		return nil, false
	}

	return &entry.Rollup, true
}

func (s *Service) cacheRollup(ctx context.Context, r *domain.ProgressRollup, version int64) {
	if version < 0 {
		return
	}

	b, err := json.Marshal(rollupCacheEntry{Version: version, Rollup: *r})
	if err != nil {
		slog.WarnContext(ctx, "progress: encode rollup failed", "user", r.Username, "error", err)
		return
	}

	if err := s.redis.Set(ctx, s.rollupKey(r.UserID), b, s.cacheTTL).Err(); err != nil {
		slog.WarnContext(ctx, "progress: write rollup cache failed", "user", r.Username, "error", err)
	}
}

// HistoryEntry is one past event of either kind, newest first in History.
type HistoryEntry struct {
	Kind       string
	CreateTime time.Time
	Answer     *domain.AnswerEvent
	Game       *domain.GameEvent
}

const (
	HistoryKindAnswer = "answer"
	HistoryKindGame   = "game"
)

type HistoryRequest struct {
	UserID string
	Limit  int
}

// History returns the user's past events, newest first.
func (s *Service) History(ctx context.Context, req HistoryRequest) ([]HistoryEntry, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	if err := s.checkUser(ctx, req.UserID); err != nil {
		return nil, err
	}

	answers, err := s.loadAnswers(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	games, err := s.loadGames(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	return mergeHistory(answers, games, limit), nil
}

// mergeHistory interleaves both event kinds newest first and truncates to
// limit. Every loaded event appears exactly once, fields untouched.
func mergeHistory(answers []domain.AnswerEvent, games []domain.GameEvent, limit int) []HistoryEntry {
	entries := make([]HistoryEntry, 0, len(answers)+len(games))
	for i := range answers {
		entries = append(entries, HistoryEntry{
			Kind:       HistoryKindAnswer,
			CreateTime: answers[i].CreateTime,
			Answer:     &answers[i],
		})
	}
	for i := range games {
		entries = append(entries, HistoryEntry{
			Kind:       HistoryKindGame,
			CreateTime: games[i].CreateTime,
			Game:       &games[i],
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreateTime.After(entries[j].CreateTime)
	})

	if len(entries) > limit {
		entries = entries[:limit]
	}

	return entries
}

// Counts returns event totals for the status endpoint.
func (s *Service) Counts(ctx context.Context) (answers, games int64, err error) {
	if err = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM answer_events;`).Scan(&answers); err != nil {
		return 0, 0, fmt.Errorf("count answer events: %w", err)
	}
	if err = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM game_events;`).Scan(&games); err != nil {
		return 0, 0, fmt.Errorf("count game events: %w", err)
	}

	return answers, games, nil
}

func (s *Service) loadAnswers(ctx context.Context, userID string) ([]domain.AnswerEvent, error) {
	const stmt = `
SELECT event_id, user_id, subject, question_id, correct, create_time
FROM answer_events
WHERE user_id = $1
ORDER BY create_time, event_id;`

	rows, err := s.db.Query(ctx, stmt, userID)
	if err != nil {
		return nil, fmt.Errorf("select answer events: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.AnswerEvent, error) {
		var a domain.AnswerEvent
		err := r.Scan(&a.EventID, &a.UserID, &a.Subject, &a.QuestionID, &a.Correct, &a.CreateTime)
		return a, err
	})
}

func (s *Service) loadGames(ctx context.Context, userID string) ([]domain.GameEvent, error) {
	const stmt = `
SELECT event_id, user_id, game_type, score, create_time
FROM game_events
WHERE user_id = $1
ORDER BY create_time, event_id;`

	rows, err := s.db.Query(ctx, stmt, userID)
	if err != nil {
		return nil, fmt.Errorf("select game events: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.GameEvent, error) {
		var g domain.GameEvent
		err := r.Scan(&g.EventID, &g.UserID, &g.GameType, &g.Score, &g.CreateTime)
		return g, err
	})
}

func (s *Service) checkUser(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("user_id is required"))
	}

	ok, err := s.users.Exists(ctx, userID)
	if err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if !ok {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("user not found: %s", userID))
	}

	return nil
}

func (s *Service) ensureEventID(id string) (string, error) {
	if id != "" {
		if _, err := uuid.Parse(id); err != nil {
			return "", errors.New(errors.CodeInvalidArgument, errors.WithMessagef("event_id must be a UUID"))
		}
		return id, nil
	}

	gen, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate event ID: %w", err)
	}

	return gen.String(), nil
}

func (s *Service) eventTime(t time.Time) time.Time {
	if t.IsZero() {
		return s.now().UTC()
	}

	return t.UTC()
}

func (s *Service) convertInsertErr(err error, eventID string) error {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("event already recorded: %s", eventID),
			errors.WithCause(err))
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return nil
}

func (s *Service) rollupKey(userID string) string {
	return fmt.Sprintf("%s:rollup:%s", s.prefix, userID)
}

func (s *Service) rollupVersionKey(userID string) string {
	return fmt.Sprintf("%s:rollupver:%s", s.prefix, userID)
}
