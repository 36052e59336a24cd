package progress

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesys/veapi/internal/domain"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func TestComputeRollup(t *testing.T) {
	type (
		inputs struct {
			answers []domain.AnswerEvent
			games   []domain.GameEvent
		}
	)

	policy := domain.DefaultScoringPolicy()

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, r domain.ProgressRollup)
	}{
		"no events should yield a zero rollup, not an error": {
			arrange: func() inputs {
				return inputs{}
			},

			assert: func(t *testing.T, r domain.ProgressRollup) {
				assert.Zero(t, r.TotalAnswers)
				assert.True(t, r.Accuracy.IsZero(), "accuracy should be 0 without answers")
				assert.Zero(t, r.Experience)
				assert.Zero(t, r.Streak)
				assert.Empty(t, r.PerSubject)
			},
		},

		"3 correct and 1 incorrect in math should give accuracy 0.75 and no science entry": {
			arrange: func() inputs {
				return inputs{
					answers: []domain.AnswerEvent{
						answer("math", true, testNow),
						answer("math", true, testNow),
						answer("math", true, testNow),
						answer("math", false, testNow),
					},
				}
			},

			assert: func(t *testing.T, r domain.ProgressRollup) {
				assert.EqualValues(t, 4, r.TotalAnswers)
				assert.EqualValues(t, 3, r.CorrectAnswers)
				assert.True(t, r.Accuracy.Equal(decimal.NewFromFloat(0.75)), "got accuracy %s", r.Accuracy)

				require.Contains(t, r.PerSubject, "math")
				assert.True(t, r.PerSubject["math"].Accuracy.Equal(decimal.NewFromFloat(0.75)))
				assert.NotContains(t, r.PerSubject, "science")
			},
		},

		"experience should weight correct answers, participation and game bonuses": {
			arrange: func() inputs {
				return inputs{
					answers: []domain.AnswerEvent{
						answer("fraud", true, testNow),
						answer("fraud", true, testNow),
						answer("fraud", false, testNow),
					},
					games: []domain.GameEvent{
						game(150, testNow), // above bonus threshold
						game(40, testNow),
					},
				}
			},

			assert: func(t *testing.T, r domain.ProgressRollup) {
				// 2*10 + 1*2 + (5+10) + 5
				assert.EqualValues(t, 42, r.Experience)
			},
		},

		"per-subject accuracy should be restricted to the subject's answers": {
			arrange: func() inputs {
				return inputs{
					answers: []domain.AnswerEvent{
						answer("math", true, testNow),
						answer("math", false, testNow),
						answer("history", true, testNow),
					},
				}
			},

			assert: func(t *testing.T, r domain.ProgressRollup) {
				assert.True(t, r.PerSubject["math"].Accuracy.Equal(decimal.NewFromFloat(0.5)))
				assert.True(t, r.PerSubject["history"].Accuracy.Equal(decimal.NewFromInt(1)))
			},
		},

		"last active should track the newest event of either kind": {
			arrange: func() inputs {
				return inputs{
					answers: []domain.AnswerEvent{
						answer("math", true, testNow.Add(-48*time.Hour)),
					},
					games: []domain.GameEvent{
						game(10, testNow.Add(-time.Hour)),
					},
				}
			},

			assert: func(t *testing.T, r domain.ProgressRollup) {
				assert.Equal(t, testNow.Add(-time.Hour), r.LastActive)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			r := computeRollup("u1", "alice", in.answers, in.games, policy, testNow)
			tt.assert(t, r)
		})
	}
}

func TestComputeRollup_ExperienceMonotonic(t *testing.T) {
	t.Parallel()

	policy := domain.DefaultScoringPolicy()

	var answers []domain.AnswerEvent
	var games []domain.GameEvent

	prev := int64(0)
	for i := 0; i < 20; i++ {
		if i%3 == 0 {
			games = append(games, game(int64(i*20), testNow))
		} else {
			answers = append(answers, answer("math", i%2 == 0, testNow))
		}

		r := computeRollup("u1", "alice", answers, games, policy, testNow)
		require.GreaterOrEqual(t, r.Experience, prev, "experience must never decrease as events are appended")
		prev = r.Experience
	}
}

func TestComputeStreak(t *testing.T) {
	day := func(daysAgo int) time.Time {
		return testNow.AddDate(0, 0, -daysAgo)
	}

	tests := map[string]struct {
		activeDaysAgo []int
		want          int
	}{
		"no activity":                       {activeDaysAgo: nil, want: 0},
		"active today only":                 {activeDaysAgo: []int{0}, want: 1},
		"active yesterday only":             {activeDaysAgo: []int{1}, want: 1},
		"three consecutive days":            {activeDaysAgo: []int{0, 1, 2}, want: 3},
		"gap resets the count":              {activeDaysAgo: []int{0, 1, 3, 4}, want: 2},
		"lapsed streak is zero":             {activeDaysAgo: []int{2, 3, 4}, want: 0},
		"multiple events on one day":        {activeDaysAgo: []int{0, 0, 0, 1}, want: 2},
		"alive streak anchored yesterday":   {activeDaysAgo: []int{1, 2, 3}, want: 3},
		"only ancient activity":             {activeDaysAgo: []int{30}, want: 0},
		"today after a long break":          {activeDaysAgo: []int{0, 10, 11}, want: 1},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var answers []domain.AnswerEvent
			for _, d := range tt.activeDaysAgo {
				answers = append(answers, answer("math", true, day(d)))
			}

			assert.Equal(t, tt.want, computeStreak(answers, nil, testNow))
		})
	}
}

func answer(subject string, correct bool, at time.Time) domain.AnswerEvent {
	return domain.AnswerEvent{
		UserID:     "u1",
		Subject:    subject,
		QuestionID: "q1",
		Correct:    correct,
		CreateTime: at,
	}
}

func game(score int64, at time.Time) domain.GameEvent {
	return domain.GameEvent{
		UserID:     "u1",
		GameType:   "quest",
		Score:      score,
		CreateTime: at,
	}
}
