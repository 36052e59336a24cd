package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/vesys/veapi/internal/domain"
	"github.com/vesys/veapi/internal/errors"
	"github.com/vesys/veapi/internal/event"
	"github.com/vesys/veapi/internal/progress"
)

const (
	defaultPublishInterval = 200 * time.Millisecond
	defaultLimit           = 10
	maxLimit               = 100

	rebuildConcurrency = 8
)

// Users resolves registration order for deterministic tie-breaks and lists
// accounts for a full rebuild.
type Users interface {
	List(ctx context.Context) ([]domain.User, error)
	RegistrationTimes(ctx context.Context, usernames []string) (map[string]time.Time, error)
}

// Rollups recomputes a user's aggregate from the event log.
type Rollups interface {
	Rollup(ctx context.Context, req progress.RollupRequest) (*domain.ProgressRollup, error)
}

type Config struct {
	EventBus        *event.Bus
	Redis           redis.UniversalClient
	Prefix          string
	Users           Users
	Rollups         Rollups
	PublishInterval time.Duration
}

// Service ranks users per metric. One Redis ZSET per metric acts as a cache
// of the rollups; the boards can always be rebuilt from the event log.
type Service struct {
	eb              *event.Bus
	redis           redis.UniversalClient
	prefix          string
	users           Users
	rollups         Rollups
	publishInterval time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		eb:              c.EventBus,
		redis:           c.Redis,
		prefix:          c.Prefix,
		users:           c.Users,
		rollups:         c.Rollups,
		publishInterval: c.PublishInterval,
	}

	if s.publishInterval <= 0 {
		s.publishInterval = defaultPublishInterval
	}

	s.eb.Subscribe(domain.EventNameRollupUpdated, func(ctx context.Context, e event.Event) error {
		return s.UpdateBoards(ctx, e.(domain.EventRollupUpdated))
	})

	s.eb.Subscribe(domain.EventNameUserRegistered, func(ctx context.Context, e event.Event) error {
		return s.SeedUser(ctx, e.(domain.EventUserRegistered).User)
	})

	return s
}

type GetRequest struct {
	Metric domain.Metric
	Limit  int
}

// Get returns the top users for a metric, descending, ties broken by
// earliest registration then username. Users with no recorded answers never
// appear on the accuracy board.
func (s *Service) Get(ctx context.Context, req GetRequest) (*domain.Leaderboard, error) {
	if _, ok := domain.ParseMetric(string(req.Metric)); !ok {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown leaderboard metric: %q", req.Metric))
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	// Boards are small (one member per user), so read the full range and
	// resolve ties here rather than trying to encode the tie-break into the
	// ZSET score.
	zs, err := s.redis.ZRevRangeWithScores(ctx, s.boardKey(req.Metric), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read board %s: %w", req.Metric, err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(zs))
	names := make([]string, 0, len(zs))
	for _, z := range zs {
		name := z.Member.(string)
		entries = append(entries, domain.LeaderboardEntry{Username: name, Value: z.Score})
		names = append(names, name)
	}

	registered, err := s.users.RegistrationTimes(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("resolve registration times: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Value != entries[j].Value {
			return entries[i].Value > entries[j].Value
		}
		ri, rj := registered[entries[i].Username], registered[entries[j].Username]
		if !ri.Equal(rj) {
			return ri.Before(rj)
		}
		return entries[i].Username < entries[j].Username
	})

	if len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}

	return &domain.Leaderboard{
		Metric:  req.Metric,
		Entries: entries,
	}, nil
}

// UpdateBoards refreshes the user's entry on every metric board.
func (s *Service) UpdateBoards(ctx context.Context, e domain.EventRollupUpdated) error {
	r := e.Rollup

	pipe := s.redis.Pipeline()
	pipe.ZAdd(ctx, s.boardKey(domain.MetricExperience), redis.Z{
		Score:  float64(r.Experience),
		Member: r.Username,
	})
	pipe.ZAdd(ctx, s.boardKey(domain.MetricStreak), redis.Z{
		Score:  float64(r.Streak),
		Member: r.Username,
	})
	if r.TotalAnswers > 0 {
		pipe.ZAdd(ctx, s.boardKey(domain.MetricAccuracy), redis.Z{
			Score:  r.Accuracy.InexactFloat64(),
			Member: r.Username,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update boards: %w", err)
	}

	return s.schedulePublish(ctx)
}

// SeedUser places a fresh account on the experience and streak boards at 0.
// The accuracy board stays untouched until the first answer is recorded.
func (s *Service) SeedUser(ctx context.Context, u domain.User) error {
	pipe := s.redis.Pipeline()
	pipe.ZAddNX(ctx, s.boardKey(domain.MetricExperience), redis.Z{Score: 0, Member: u.Username})
	pipe.ZAddNX(ctx, s.boardKey(domain.MetricStreak), redis.Z{Score: 0, Member: u.Username})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("seed boards: %w", err)
	}

	return nil
}

// Rebuild recomputes every user's rollup from the event log and reloads all
// three boards. It restores the boards after a cold Redis or a policy change.
func (s *Service) Rebuild(ctx context.Context) error {
	users, err := s.users.List(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	keys := []string{
		s.boardKey(domain.MetricExperience),
		s.boardKey(domain.MetricAccuracy),
		s.boardKey(domain.MetricStreak),
	}
	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear boards: %w", err)
	}

	var eg errgroup.Group
	eg.SetLimit(rebuildConcurrency)

	for _, u := range users {
		u := u
		eg.Go(func() error {
			if err := s.SeedUser(ctx, u); err != nil {
				return err
			}

			r, err := s.rollups.Rollup(ctx, progress.RollupRequest{
				UserID:   u.UserID,
				Username: u.Username,
			})
			if err != nil {
				return fmt.Errorf("rollup %s: %w", u.Username, err)
			}

			return s.UpdateBoards(ctx, domain.EventRollupUpdated{Rollup: *r})
		})
	}

	return eg.Wait()
}

// schedulePublish emits leaderboard.updated at most once per interval.
// Bursts of rollup updates collapse into a single published board.
func (s *Service) schedulePublish(ctx context.Context) error {
	ok, err := s.redis.SetNX(ctx, s.publishTimeKey(), time.Now().UnixMilli(), s.publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publish(ctx)
}

func (s *Service) publish(ctx context.Context) error {
	l, err := s.Get(ctx, GetRequest{Metric: domain.MetricExperience})
	if err != nil {
		return fmt.Errorf("get experience board: %w", err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{Leaderboard: *l})

	return nil
}

func (s *Service) boardKey(m domain.Metric) string {
	return fmt.Sprintf("%s:board:%s", s.prefix, m)
}

func (s *Service) publishTimeKey() string {
	return fmt.Sprintf("%s:board:published", s.prefix)
}
