package collector

import (
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// Summary joins the terminal outcome of every pair in a run. Outcomes keep
// the order in which pairs were submitted.
type Summary struct {
	RunID     string        `json:"run_id,omitempty"`
	Outcomes  []Outcome     `json:"outcomes"`
	Succeeded int           `json:"succeeded"`
	Empty     int           `json:"empty"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
	Metrics   RunMetrics    `json:"metrics"`
}

func newSummary(outcomes []Outcome, duration time.Duration, metrics RunMetrics) *Summary {
	s := &Summary{
		Outcomes: outcomes,
		Duration: duration,
		Metrics:  metrics,
	}
	for _, o := range outcomes {
		switch o.Status {
		case models.StatusSuccess:
			s.Succeeded++
		case models.StatusEmpty:
			s.Empty++
		default:
			s.Failed++
		}
	}
	return s
}

// HasFailures reports whether any pair ended FAILED.
func (s *Summary) HasFailures() bool {
	return s.Failed > 0
}

// ByStatus returns the outcomes with the given status, in submission order.
func (s *Summary) ByStatus(status models.TaskStatus) []Outcome {
	var out []Outcome
	for _, o := range s.Outcomes {
		if o.Status == status {
			out = append(out, o)
		}
	}
	return out
}

// Outcome returns the outcome for pair.
func (s *Summary) Outcome(pair models.Pair) (Outcome, bool) {
	for _, o := range s.Outcomes {
		if o.Pair == pair {
			return o, true
		}
	}
	return Outcome{}, false
}
