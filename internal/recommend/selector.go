package recommend

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vesys/veapi/internal/domain"
)

const (
	defaultThreshold   = 0.7
	defaultMaxSubjects = 3
)

type Config struct {
	// Threshold is the accuracy below which a subject counts as weak.
	Threshold float64
	// MaxSubjects caps the returned list.
	MaxSubjects int
}

// Selector picks review topics from a user's per-subject accuracy. It is a
// pure function of the rollup; subjects without any recorded answers are
// never suggested.
type Selector struct {
	threshold   decimal.Decimal
	maxSubjects int
}

func NewSelector(c Config) *Selector {
	s := &Selector{
		threshold:   decimal.NewFromFloat(c.Threshold),
		maxSubjects: c.MaxSubjects,
	}

	if c.Threshold <= 0 {
		s.threshold = decimal.NewFromFloat(defaultThreshold)
	}
	if s.maxSubjects <= 0 {
		s.maxSubjects = defaultMaxSubjects
	}

	return s
}

// Select returns the subjects whose accuracy is below both the threshold and
// the user's overall accuracy, weakest first. Ties are ordered by subject
// name to keep the result deterministic.
func (s *Selector) Select(r domain.ProgressRollup) []domain.Recommendation {
	recs := make([]domain.Recommendation, 0, len(r.PerSubject))

	for subject, st := range r.PerSubject {
		if st.Answers == 0 {
			continue
		}
		if st.Accuracy.GreaterThanOrEqual(s.threshold) {
			continue
		}
		if st.Accuracy.GreaterThanOrEqual(r.Accuracy) {
			continue
		}

		recs = append(recs, domain.Recommendation{
			Subject:  subject,
			Accuracy: st.Accuracy,
			Answers:  st.Answers,
		})
	}

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].Accuracy.Equal(recs[j].Accuracy) {
			return recs[i].Accuracy.LessThan(recs[j].Accuracy)
		}
		return recs[i].Subject < recs[j].Subject
	})

	if len(recs) > s.maxSubjects {
		recs = recs[:s.maxSubjects]
	}

	return recs
}
