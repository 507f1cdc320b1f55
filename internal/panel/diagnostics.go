package panel

import (
	"fmt"
	"math"
)

var nan = math.NaN()

// Diagnostics are pass-through summary statistics for the caller. No
// estimator depends on them.
type Diagnostics struct {
	Accounts   int
	Records    int
	FirstMonth int
	LastMonth  int

	// Coverage is observed months / window months per account.
	Coverage     map[int64]float64
	MeanCoverage float64
	// Missingness is the share of missing values per field. "account_month"
	// counts unobserved cells of the account x month grid.
	Missingness map[string]float64

	Cohorts      map[int]int // cohort -> accounts
	NeverTreated int
	Noncompliant int // accounts assigned at least once but never exposed
}

// Diagnostics computes coverage and missingness over the whole store.
func (s *Store) Diagnostics() Diagnostics {
	d := Diagnostics{
		Accounts:    len(s.spans),
		Records:     len(s.rows),
		FirstMonth:  s.firstMonth,
		LastMonth:   s.lastMonth,
		Coverage:    make(map[int64]float64, len(s.spans)),
		Missingness: make(map[string]float64),
		Cohorts:     make(map[int]int),
	}
	window := float64(s.lastMonth - s.firstMonth + 1)

	for id, span := range s.spans {
		rows := s.rows[span[0]:span[1]]
		cov := float64(len(rows)) / window
		d.Coverage[id] = cov
		d.MeanCoverage += cov

		assigned, exposed := false, false
		for _, r := range rows {
			assigned = assigned || r.Assigned
			exposed = exposed || r.Exposed
		}
		if assigned && !exposed {
			d.Noncompliant++
		}
		if c := rows[0].Cohort; c == NeverTreated {
			d.NeverTreated++
		} else {
			d.Cohorts[c]++
		}
	}
	if d.Accounts > 0 {
		d.MeanCoverage /= float64(d.Accounts)
	}

	missingEngagement := 0
	for _, r := range s.rows {
		if r.EngagementMissing {
			missingEngagement++
		}
	}
	d.Missingness["engagement"] = float64(missingEngagement) / float64(len(s.rows))
	d.Missingness["account_month"] = 1 - float64(len(s.rows))/(window*float64(d.Accounts))
	return d
}

// SummaryColumn extracts an account-level column in account id order:
// "ever_eligible", "ever_nudged", "ever_invested", "invested_12m",
// "eligibility_score", "cohort", "rollover_month" or a covariate name.
func (s *Store) SummaryColumn(name string) ([]float64, error) {
	out := make([]float64, len(s.summaries))
	for i, sum := range s.summaries {
		switch name {
		case "ever_eligible":
			out[i] = boolFloat(sum.EverEligible)
		case "ever_nudged":
			out[i] = boolFloat(sum.EverNudged)
		case "ever_invested":
			out[i] = boolFloat(sum.EverInvested)
		case "invested_12m":
			out[i] = boolFloat(sum.Invested12m)
		case "eligibility_score":
			out[i] = sum.EligibilityScore
		case "cohort":
			out[i] = float64(sum.Cohort)
		case "rollover_month":
			out[i] = float64(sum.RolloverMonth)
		default:
			v, ok := sum.Covariates[name]
			if !ok {
				return nil, fmt.Errorf("unknown summary column %q", name)
			}
			out[i] = v
		}
	}
	return out, nil
}
