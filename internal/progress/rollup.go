package progress

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vesys/veapi/internal/domain"
)

// computeRollup folds a user's full event log into a ProgressRollup.
// It is a pure function of the log, the scoring policy and the query time;
// it never consults mutable counters.
func computeRollup(userID, username string, answers []domain.AnswerEvent, games []domain.GameEvent, policy domain.ScoringPolicy, now time.Time) domain.ProgressRollup {
	r := domain.ProgressRollup{
		UserID:     userID,
		Username:   username,
		Accuracy:   decimal.Zero,
		PerSubject: make(map[string]domain.SubjectStats),
	}

	for _, a := range answers {
		r.TotalAnswers++
		st := r.PerSubject[a.Subject]
		st.Answers++
		if a.Correct {
			r.CorrectAnswers++
			st.Correct++
			r.Experience += policy.CorrectAnswerPoints
		} else {
			r.Experience += policy.AnswerPoints
		}
		r.PerSubject[a.Subject] = st

		if a.CreateTime.After(r.LastActive) {
			r.LastActive = a.CreateTime
		}
	}

	for _, g := range games {
		r.Experience += policy.GamePoints
		if g.Score >= policy.GameBonusScore {
			r.Experience += policy.GameBonusPoints
		}

		if g.CreateTime.After(r.LastActive) {
			r.LastActive = g.CreateTime
		}
	}

	if r.TotalAnswers > 0 {
		r.Accuracy = decimal.NewFromInt(r.CorrectAnswers).Div(decimal.NewFromInt(r.TotalAnswers))
	}

	for subject, st := range r.PerSubject {
		st.Accuracy = decimal.NewFromInt(st.Correct).Div(decimal.NewFromInt(st.Answers))
		r.PerSubject[subject] = st
	}

	r.Streak = computeStreak(answers, games, now)

	return r
}

// computeStreak counts consecutive UTC calendar days with at least one event,
// ending at the most recent active day. A streak is alive only if that day is
// today or yesterday relative to now; otherwise it has lapsed and is 0.
func computeStreak(answers []domain.AnswerEvent, games []domain.GameEvent, now time.Time) int {
	seen := make(map[time.Time]struct{})
	for _, a := range answers {
		seen[day(a.CreateTime)] = struct{}{}
	}
	for _, g := range games {
		seen[day(g.CreateTime)] = struct{}{}
	}

	if len(seen) == 0 {
		return 0
	}

	days := make([]time.Time, 0, len(seen))
	for d := range seen {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].After(days[j]) })

	today := day(now)
	latest := days[0]
	if latest.Before(today.AddDate(0, 0, -1)) {
		return 0
	}

	streak := 1
	for i := 1; i < len(days); i++ {
		if !days[i].Equal(days[i-1].AddDate(0, 0, -1)) {
			break
		}
		streak++
	}

	return streak
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
