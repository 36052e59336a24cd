package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vesys/veapi/internal/domain"
	"github.com/vesys/veapi/internal/errors"
	"github.com/vesys/veapi/internal/event"
	"github.com/vesys/veapi/internal/leaderboard"
	"github.com/vesys/veapi/internal/progress"
)

var day1 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func TestService_Get_TieBreakByRegistration(t *testing.T) {
	directory := &stubUsers{users: []domain.User{
		user("alice", day1),
		user("bob", day1.AddDate(0, 0, 1)),
	}}

	s := makeService(t, withUsers(directory))

	// Same experience for both; alice registered a day earlier.
	require.NoError(t, s.UpdateBoards(context.Background(), rollupUpdated("bob", 100, 0.5, 1, 10)))
	require.NoError(t, s.UpdateBoards(context.Background(), rollupUpdated("alice", 100, 0.9, 2, 10)))

	l, err := s.Get(context.Background(), leaderboard.GetRequest{Metric: domain.MetricExperience})
	require.NoError(t, err)

	want := []domain.LeaderboardEntry{
		{Username: "alice", Rank: 1, Value: 100},
		{Username: "bob", Rank: 2, Value: 100},
	}
	require.Equal(t, want, l.Entries)
}

func TestService_Get_AccuracyExcludesUsersWithoutAnswers(t *testing.T) {
	directory := &stubUsers{users: []domain.User{
		user("alice", day1),
		user("idle", day1),
	}}

	s := makeService(t, withUsers(directory))

	require.NoError(t, s.SeedUser(context.Background(), user("idle", day1)))
	require.NoError(t, s.UpdateBoards(context.Background(), rollupUpdated("idle", 0, 0, 0, 0)))
	require.NoError(t, s.UpdateBoards(context.Background(), rollupUpdated("alice", 50, 0.8, 1, 5)))

	accuracy, err := s.Get(context.Background(), leaderboard.GetRequest{Metric: domain.MetricAccuracy})
	require.NoError(t, err)
	require.Equal(t, []domain.LeaderboardEntry{
		{Username: "alice", Rank: 1, Value: 0.8},
	}, accuracy.Entries, "idle accounts must not be ranked at 0%% accuracy")

	experience, err := s.Get(context.Background(), leaderboard.GetRequest{Metric: domain.MetricExperience})
	require.NoError(t, err)
	require.Equal(t, []domain.LeaderboardEntry{
		{Username: "alice", Rank: 1, Value: 50},
		{Username: "idle", Rank: 2, Value: 0},
	}, experience.Entries, "idle accounts stay on the experience board at 0")
}

func TestService_Get_UnknownMetric(t *testing.T) {
	s := makeService(t)

	_, err := s.Get(context.Background(), leaderboard.GetRequest{Metric: "karma"})
	require.True(t, errors.Is(err, errors.CodeInvalidArgument), "got %v", err)
}

func TestService_Get_Limit(t *testing.T) {
	directory := &stubUsers{users: []domain.User{
		user("alice", day1),
		user("bob", day1),
		user("carol", day1),
	}}

	s := makeService(t, withUsers(directory))

	require.NoError(t, s.UpdateBoards(context.Background(), rollupUpdated("alice", 300, 0.9, 3, 10)))
	require.NoError(t, s.UpdateBoards(context.Background(), rollupUpdated("bob", 200, 0.8, 2, 10)))
	require.NoError(t, s.UpdateBoards(context.Background(), rollupUpdated("carol", 100, 0.7, 1, 10)))

	l, err := s.Get(context.Background(), leaderboard.GetRequest{
		Metric: domain.MetricExperience,
		Limit:  2,
	})
	require.NoError(t, err)

	require.Len(t, l.Entries, 2)
	require.Equal(t, "alice", l.Entries[0].Username)
	require.Equal(t, "bob", l.Entries[1].Username)
}

func TestService_SeedUser(t *testing.T) {
	directory := &stubUsers{users: []domain.User{user("fresh", day1)}}
	s := makeService(t, withUsers(directory))

	require.NoError(t, s.SeedUser(context.Background(), user("fresh", day1)))

	for _, metric := range []domain.Metric{domain.MetricExperience, domain.MetricStreak} {
		l, err := s.Get(context.Background(), leaderboard.GetRequest{Metric: metric})
		require.NoError(t, err)
		require.Equal(t, []domain.LeaderboardEntry{
			{Username: "fresh", Rank: 1, Value: 0},
		}, l.Entries)
	}

	accuracy, err := s.Get(context.Background(), leaderboard.GetRequest{Metric: domain.MetricAccuracy})
	require.NoError(t, err)
	require.Empty(t, accuracy.Entries)
}

func TestService_Rebuild(t *testing.T) {
	directory := &stubUsers{users: []domain.User{
		user("alice", day1),
		user("bob", day1.AddDate(0, 0, 1)),
	}}
	rollups := &stubRollups{rollups: map[string]domain.ProgressRollup{
		"alice": rollupUpdated("alice", 120, 0.75, 4, 8).Rollup,
		"bob":   rollupUpdated("bob", 80, 0.5, 2, 6).Rollup,
	}}

	s := makeService(t, withUsers(directory), withRollups(rollups))

	// Pollute a board, then rebuild from the log.
	require.NoError(t, s.UpdateBoards(context.Background(), rollupUpdated("ghost", 999, 1, 9, 9)))
	require.NoError(t, s.Rebuild(context.Background()))

	l, err := s.Get(context.Background(), leaderboard.GetRequest{Metric: domain.MetricExperience})
	require.NoError(t, err)
	require.Equal(t, []domain.LeaderboardEntry{
		{Username: "alice", Rank: 1, Value: 120},
		{Username: "bob", Rank: 2, Value: 80},
	}, l.Entries)
}

func TestService_PublishLeaderboardUpdated(t *testing.T) {
	type outputs struct {
		publishedEvents []domain.EventLeaderboardUpdated
	}

	tests := map[string]struct {
		updates []domain.EventRollupUpdated
		assert  func(t *testing.T, out outputs)
	}{
		"should publish leaderboard.updated after a rollup update": {
			updates: []domain.EventRollupUpdated{
				rollupUpdated("alice", 100, 0.9, 1, 10),
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1)
				require.Equal(t, domain.MetricExperience, out.publishedEvents[0].Leaderboard.Metric)
				require.Len(t, out.publishedEvents[0].Leaderboard.Entries, 1)
			},
		},

		"updates within the publish interval should collapse into one event": {
			updates: []domain.EventRollupUpdated{
				rollupUpdated("alice", 100, 0.9, 1, 10),
				rollupUpdated("bob", 200, 0.8, 2, 10),
				rollupUpdated("alice", 110, 0.9, 1, 11),
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "burst should be throttled to a single publication")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			out := outputs{}
			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.publishedEvents = append(out.publishedEvents, e.(domain.EventLeaderboardUpdated))
				mu.Unlock()
				return nil
			})

			directory := &stubUsers{users: []domain.User{
				user("alice", day1),
				user("bob", day1),
			}}

			s := makeService(t, withEventBus(eb), withUsers(directory))

			for _, e := range tt.updates {
				require.NoError(t, s.UpdateBoards(context.Background(), e))
			}

			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func makeService(t *testing.T, opts ...options) *leaderboard.Service {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := leaderboard.Config{
		EventBus: event.NewBus(),
		Redis:    rc,
		Users:    &stubUsers{},
		Rollups:  &stubRollups{},
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c)
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}

func withUsers(u *stubUsers) options {
	return func(c *leaderboard.Config) {
		c.Users = u
	}
}

func withRollups(r *stubRollups) options {
	return func(c *leaderboard.Config) {
		c.Rollups = r
	}
}

type stubUsers struct {
	users []domain.User
}

func (s *stubUsers) List(context.Context) ([]domain.User, error) {
	return s.users, nil
}

func (s *stubUsers) RegistrationTimes(_ context.Context, usernames []string) (map[string]time.Time, error) {
	times := make(map[string]time.Time, len(usernames))
	for _, u := range s.users {
		times[u.Username] = u.CreateTime
	}
	return times, nil
}

type stubRollups struct {
	rollups map[string]domain.ProgressRollup
}

func (s *stubRollups) Rollup(_ context.Context, req progress.RollupRequest) (*domain.ProgressRollup, error) {
	r, ok := s.rollups[req.Username]
	if !ok {
		return nil, errors.New(errors.CodeNotFound)
	}
	return &r, nil
}

func user(name string, registered time.Time) domain.User {
	return domain.User{
		UserID:     "id-" + name,
		Username:   name,
		CreateTime: registered,
	}
}

func rollupUpdated(name string, exp int64, accuracy float64, streak int, answers int64) domain.EventRollupUpdated {
	return domain.EventRollupUpdated{Rollup: domain.ProgressRollup{
		UserID:       "id-" + name,
		Username:     name,
		TotalAnswers: answers,
		Accuracy:     decimal.NewFromFloat(accuracy),
		Experience:   exp,
		Streak:       streak,
	}}
}
