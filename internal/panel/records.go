// Package panel is the in-memory store for account-month and account-level
// records. A Store is validated once at load time and is immutable
// afterwards; estimators only ever see copies or filtered views.
package panel

import "math"

const (
	// NeverTreated is the cohort of accounts that were never exposed.
	NeverTreated = -1
	// NoEventTime marks months without a defined event time.
	NoEventTime = math.MinInt32
)

// AccountMonth is one account observed in one calendar month.
type AccountMonth struct {
	AccountID int64
	Month     int

	Eligible bool
	// Assigned marks an assignment to a nudge. Assigned && !Exposed is the
	// non-compliance case.
	Assigned bool
	Exposed  bool
	Invested bool

	BalanceTier float64
	RiskScore   float64

	Engagement        float64
	EngagementMissing bool

	// EventTime is months since first exposure, NoEventTime before the first
	// exposure or for never-treated accounts.
	EventTime int
	// Cohort is the first exposure month, NeverTreated if none.
	Cohort int
}

// Treated reports whether the account is ever exposed.
func (r AccountMonth) Treated() bool { return r.Cohort != NeverTreated }

// RelativeTime is Month - Cohort for eventually-treated accounts. Unlike
// EventTime it is defined before the first exposure too.
func (r AccountMonth) RelativeTime() (int, bool) {
	if !r.Treated() {
		return 0, false
	}
	return r.Month - r.Cohort, true
}

// Post reports whether the month is at or after the account's first exposure.
func (r AccountMonth) Post() bool {
	return r.Treated() && r.Month >= r.Cohort
}

// AccountSummary is the one-row-per-account view used by the propensity and
// RD estimators.
type AccountSummary struct {
	AccountID int64

	EverEligible bool
	EverNudged   bool
	EverInvested bool
	// Invested12m is the account-level outcome: investment within twelve
	// months of rollover.
	Invested12m bool

	Cohort        int
	RolloverMonth int
	// EligibilityScore is the continuous running variable for the RD module.
	EligibilityScore float64

	// Covariates are time-invariant and measured before treatment.
	Covariates map[string]float64
}

func (s AccountSummary) clone() AccountSummary {
	cov := make(map[string]float64, len(s.Covariates))
	for k, v := range s.Covariates {
		cov[k] = v
	}
	s.Covariates = cov
	return s
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
