package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a registered learner. Users are never hard-deleted.
type User struct {
	UserID       string
	Username     string
	PasswordHash string
	DisplayName  string
	CreateTime   time.Time
}

// AnswerEvent records one quiz answer. Immutable once appended.
type AnswerEvent struct {
	EventID    string
	UserID     string
	Subject    string
	QuestionID string
	Correct    bool
	CreateTime time.Time
}

// GameEvent records one completed mini-game run. Immutable once appended.
type GameEvent struct {
	EventID    string
	UserID     string
	GameType   string
	Score      int64
	CreateTime time.Time
}

// SubjectStats is the per-subject slice of a rollup.
type SubjectStats struct {
	Answers  int64
	Correct  int64
	Accuracy decimal.Decimal
}

// ProgressRollup is the per-user aggregate derived by folding the event log.
// It is always recomputable from the log; the Redis copy is a cache only.
type ProgressRollup struct {
	UserID         string
	Username       string
	TotalAnswers   int64
	CorrectAnswers int64
	Accuracy       decimal.Decimal
	PerSubject     map[string]SubjectStats
	Experience     int64
	Streak         int
	LastActive     time.Time
}

// Metric selects the field a leaderboard ranks by.
type Metric string

const (
	MetricExperience Metric = "experience"
	MetricAccuracy   Metric = "accuracy"
	MetricStreak     Metric = "streak"
)

// ParseMetric validates a metric selector coming from the API.
func ParseMetric(s string) (Metric, bool) {
	switch Metric(s) {
	case MetricExperience, MetricAccuracy, MetricStreak:
		return Metric(s), true
	}
	return "", false
}

// Leaderboard is a bounded ranked list of users for one metric.
// Entries are sorted by value descending, ties broken by earliest registration.
type Leaderboard struct {
	Metric  Metric
	Entries []LeaderboardEntry
}

type LeaderboardEntry struct {
	Username string
	Rank     int
	Value    float64
}

// Question is one entry of the exam question bank.
type Question struct {
	QuestionID   string
	Subject      string
	QuestionText string
	Options      []string
	Answer       string
	Explanation  string
}

// Recommendation points a user at a weak subject.
type Recommendation struct {
	Subject  string
	Accuracy decimal.Decimal
	Answers  int64
}

// ScoringPolicy weights the experience computation. All weights must be
// non-negative so experience never decreases as events are appended.
type ScoringPolicy struct {
	CorrectAnswerPoints int64
	AnswerPoints        int64
	GamePoints          int64
	GameBonusPoints     int64
	GameBonusScore      int64
}

// DefaultScoringPolicy is used when the config leaves the weights unset.
func DefaultScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		CorrectAnswerPoints: 10,
		AnswerPoints:        2,
		GamePoints:          5,
		GameBonusPoints:     10,
		GameBonusScore:      100,
	}
}
