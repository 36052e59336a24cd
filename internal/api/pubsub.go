package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/vesys/veapi/internal/domain"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Leaderboard struct {
		Metric  string             `json:"metric"`
		Entries []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		Rank     int    `json:"rank"`
		Username string `json:"username"`
		Value    string `json:"value"`
	}

	RollupSummary struct {
		Username   string `json:"username"`
		Experience int64  `json:"experience"`
		Accuracy   string `json:"accuracy"`
		Streak     int    `json:"streak"`
	}
)

// PublishLeaderboardUpdated pushes the refreshed board to every ranked
// user's notification channel.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	l := e.Leaderboard

	data := Leaderboard{
		Metric:  string(l.Metric),
		Entries: make([]LeaderboardEntry, 0, len(l.Entries)),
	}

	for _, entry := range l.Entries {
		data.Entries = append(data.Entries, LeaderboardEntry{
			Rank:     entry.Rank,
			Username: entry.Username,
			Value:    strconv.FormatFloat(entry.Value, 'f', -1, 64),
		})
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, entry := range data.Entries {
		entry := entry
		eg.Go(func() error {
			return a.publishNotification(ctx, entry.Username, e.Name(), data)
		})
	}

	return eg.Wait()
}

// PublishRollupUpdated pushes the user's own refreshed progress summary.
func (a *API) PublishRollupUpdated(ctx context.Context, e domain.EventRollupUpdated) error {
	r := e.Rollup

	return a.publishNotification(ctx, r.Username, e.Name(), RollupSummary{
		Username:   r.Username,
		Experience: r.Experience,
		Accuracy:   r.Accuracy.String(),
		Streak:     r.Streak,
	})
}

func (a *API) publishNotification(ctx context.Context, user, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, fmt.Sprintf("%s:user:%s", a.prefix, user), b).Err()
}
