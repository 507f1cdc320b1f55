// Package paneltest builds synthetic stores with known effects for tests.
package paneltest

import (
	"math"
	"math/rand"

	"cashdrag/internal/panel"
)

// PanelOptions describes a staggered-adoption account-month panel.
type PanelOptions struct {
	Accounts          int
	Months            int // months are numbered 1..Months
	NeverTreatedShare float64
	FirstCohort       int
	LastCohort        int

	BaseRate      float64 // baseline monthly invest probability
	AccountSpread float64 // account effects are uniform in [-spread, spread]
	MonthSpread   float64 // month effects are uniform in [-spread, spread]
	Effect        float64 // added to the invest probability from the cohort month on
	PreTrend      float64 // added per relative month before adoption (times e < 0)

	Seed int64
}

// DefaultPanel is 200 accounts over 12 months with cohorts 4..9.
func DefaultPanel() PanelOptions {
	return PanelOptions{
		Accounts:          200,
		Months:            12,
		NeverTreatedShare: 0.4,
		FirstCohort:       4,
		LastCohort:        9,
		BaseRate:          0.1,
		AccountSpread:     0.04,
		MonthSpread:       0.03,
		Effect:            0.1,
		Seed:              1,
	}
}

// Panel generates account-month records and matching summaries.
func Panel(o PanelOptions) ([]panel.AccountMonth, []panel.AccountSummary) {
	rng := rand.New(rand.NewSource(o.Seed))

	monthFE := make([]float64, o.Months+1)
	for m := 1; m <= o.Months; m++ {
		monthFE[m] = o.MonthSpread * (2*rng.Float64() - 1)
	}

	var (
		rows []panel.AccountMonth
		sums []panel.AccountSummary
	)
	for i := 1; i <= o.Accounts; i++ {
		id := int64(i)
		accountFE := o.AccountSpread * (2*rng.Float64() - 1)
		cohort := panel.NeverTreated
		if rng.Float64() >= o.NeverTreatedShare {
			cohort = o.FirstCohort + rng.Intn(o.LastCohort-o.FirstCohort+1)
		}
		balance := 1 + rng.Float64()*4
		risk := rng.Float64()

		sum := panel.AccountSummary{
			AccountID:        id,
			Cohort:           cohort,
			RolloverMonth:    1 + (i-1)%6,
			EligibilityScore: rng.Float64(),
			Covariates: map[string]float64{
				"balance": balance,
				"risk":    risk,
			},
		}

		for m := 1; m <= o.Months; m++ {
			r := panel.AccountMonth{
				AccountID:   id,
				Month:       m,
				Eligible:    rng.Float64() < 0.6,
				BalanceTier: math.Floor(balance),
				RiskScore:   risk,
				Engagement:  rng.Float64(),
				EventTime:   panel.NoEventTime,
				Cohort:      cohort,
			}
			if rng.Float64() < 0.05 {
				r.Engagement = math.NaN()
				r.EngagementMissing = true
			}

			p := o.BaseRate + accountFE + monthFE[m]
			if cohort != panel.NeverTreated {
				e := m - cohort
				switch {
				case e == 0:
					r.Exposed = true
					r.Assigned = true
					r.Eligible = true
				case e > 0:
					// non-compliance: assigned every month, exposed only sometimes
					r.Assigned = true
					r.Exposed = rng.Float64() < 0.7
				}
				if e >= 0 {
					r.EventTime = e
					p += o.Effect
				} else {
					p += o.PreTrend * float64(e)
				}
			}
			r.Invested = rng.Float64() < clamp01(p)

			sum.EverEligible = sum.EverEligible || r.Eligible
			sum.EverNudged = sum.EverNudged || r.Exposed
			sum.EverInvested = sum.EverInvested || r.Invested
			if m <= 12 {
				sum.Invested12m = sum.Invested12m || r.Invested
			}
			rows = append(rows, r)
		}
		sums = append(sums, sum)
	}
	return rows, sums
}

// PanelStore generates and loads a panel, panicking on invalid options.
func PanelStore(o PanelOptions) *panel.Store {
	rows, sums := Panel(o)
	s, err := panel.Load(rows, sums)
	if err != nil {
		panic(err)
	}
	return s
}

// CrossSectionOptions describes one-period accounts for the propensity and
// RD estimators. Covariates x1..xk are uniform on [-1, 1].
type CrossSectionOptions struct {
	Accounts int
	Effect   float64

	// logit P(T=1|x) = PropensityIntercept + sum PropensityCoefs[j] * x_j
	PropensityIntercept float64
	PropensityCoefs     []float64
	// P(Y=1|x,T) = OutcomeBase + sum OutcomeCoefs[j] * x_j + Effect * T
	OutcomeBase  float64
	OutcomeCoefs []float64

	// When Fuzzy is set, treatment instead depends on the eligibility score
	// jumping at Cutoff, and the outcome is linear in the score.
	Fuzzy      bool
	Cutoff     float64
	PBelow     float64
	PAbove     float64
	ScoreSlope float64

	Seed int64
}

// CrossSection generates a single-month store.
func CrossSection(o CrossSectionOptions) *panel.Store {
	rng := rand.New(rand.NewSource(o.Seed))
	k := len(o.PropensityCoefs)

	rows := make([]panel.AccountMonth, 0, o.Accounts)
	sums := make([]panel.AccountSummary, 0, o.Accounts)
	for i := 1; i <= o.Accounts; i++ {
		x := make([]float64, k)
		cov := make(map[string]float64, k+1)
		for j := range x {
			x[j] = 2*rng.Float64() - 1
			cov[CovariateName(j)] = x[j]
		}
		score := rng.Float64()

		var pT, pY float64
		if o.Fuzzy {
			pT = o.PBelow
			if score >= o.Cutoff {
				pT = o.PAbove
			}
			pY = o.OutcomeBase + o.ScoreSlope*score
			cov["score"] = score
		} else {
			lin := o.PropensityIntercept
			for j := range x {
				lin += o.PropensityCoefs[j] * x[j]
			}
			pT = 1 / (1 + math.Exp(-lin))
			pY = o.OutcomeBase
			for j := range x {
				if j < len(o.OutcomeCoefs) {
					pY += o.OutcomeCoefs[j] * x[j]
				}
			}
		}
		treated := rng.Float64() < pT
		if treated {
			pY += o.Effect
		}
		invested := rng.Float64() < clamp01(pY)

		cohort := panel.NeverTreated
		eventTime := panel.NoEventTime
		if treated {
			cohort, eventTime = 1, 0
		}
		rows = append(rows, panel.AccountMonth{
			AccountID: int64(i),
			Month:     1,
			Eligible:  true,
			Assigned:  treated,
			Exposed:   treated,
			Invested:  invested,
			EventTime: eventTime,
			Cohort:    cohort,
		})
		sums = append(sums, panel.AccountSummary{
			AccountID:        int64(i),
			EverEligible:     true,
			EverNudged:       treated,
			EverInvested:     invested,
			Invested12m:      invested,
			Cohort:           cohort,
			RolloverMonth:    1 + i%3,
			EligibilityScore: score,
			Covariates:       cov,
		})
	}
	s, err := panel.Load(rows, sums)
	if err != nil {
		panic(err)
	}
	return s
}

// CovariateName is the summary covariate name for x_j.
func CovariateName(j int) string {
	return "x" + string(rune('1'+j))
}

func clamp01(p float64) float64 {
	return math.Min(1, math.Max(0, p))
}
