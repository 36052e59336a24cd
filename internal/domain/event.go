package domain

const (
	EventNameUserRegistered     = "user.registered"
	EventNameRollupUpdated      = "rollup.updated"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventUserRegistered struct {
	User User
}

func (EventUserRegistered) Name() string { return EventNameUserRegistered }

type EventRollupUpdated struct {
	Rollup ProgressRollup
}

func (EventRollupUpdated) Name() string { return EventNameRollupUpdated }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
