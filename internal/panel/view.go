package panel

import (
	"fmt"
	"sort"
)

// View is a read-only, filtered sequence of account-month records.
// Filters allocate new views and never touch the Store.
type View struct {
	rows []AccountMonth
}

// Len returns the number of records in the view.
func (v View) Len() int { return len(v.rows) }

// Row returns a copy of record i.
func (v View) Row(i int) AccountMonth { return v.rows[i] }

// Rows returns a copy of the records.
func (v View) Rows() []AccountMonth {
	out := make([]AccountMonth, len(v.rows))
	copy(out, v.rows)
	return out
}

// Where keeps records matching pred.
func (v View) Where(pred func(AccountMonth) bool) View {
	out := make([]AccountMonth, 0, len(v.rows))
	for _, r := range v.rows {
		if pred(r) {
			out = append(out, r)
		}
	}
	return View{rows: out}
}

// Eligible keeps eligible account-months.
func (v View) Eligible() View {
	return v.Where(func(r AccountMonth) bool { return r.Eligible })
}

// EventuallyTreated drops never-treated accounts.
func (v View) EventuallyTreated() View {
	return v.Where(AccountMonth.Treated)
}

// Cohort keeps accounts whose first exposure month is g. Pass NeverTreated
// for the never-treated group.
func (v View) Cohort(g int) View {
	return v.Where(func(r AccountMonth) bool { return r.Cohort == g })
}

// EventWindow keeps eventually-treated records with relative time in [lo, hi].
func (v View) EventWindow(lo, hi int) View {
	return v.Where(func(r AccountMonth) bool {
		e, ok := r.RelativeTime()
		return ok && e >= lo && e <= hi
	})
}

// Months keeps records in the listed calendar months.
func (v View) Months(months ...int) View {
	set := make(map[int]bool, len(months))
	for _, m := range months {
		set[m] = true
	}
	return v.Where(func(r AccountMonth) bool { return set[r.Month] })
}

// Cohorts returns the distinct treated cohorts in ascending order.
func (v View) Cohorts() []int {
	seen := make(map[int]bool)
	var out []int
	for _, r := range v.rows {
		if r.Treated() && !seen[r.Cohort] {
			seen[r.Cohort] = true
			out = append(out, r.Cohort)
		}
	}
	sort.Ints(out)
	return out
}

// AccountIDs returns the account id of every record.
func (v View) AccountIDs() []int64 {
	out := make([]int64, len(v.rows))
	for i, r := range v.rows {
		out[i] = r.AccountID
	}
	return out
}

// MonthIndex returns the calendar month of every record.
func (v View) MonthIndex() []int {
	out := make([]int, len(v.rows))
	for i, r := range v.rows {
		out[i] = r.Month
	}
	return out
}

// ClusterIDs returns the cluster of every record for a cluster key
// ("account", "cohort" or "month").
func (v View) ClusterIDs(key string) ([]int64, error) {
	out := make([]int64, len(v.rows))
	for i, r := range v.rows {
		switch key {
		case "account":
			out[i] = r.AccountID
		case "cohort":
			out[i] = int64(r.Cohort)
		case "month":
			out[i] = int64(r.Month)
		default:
			return nil, fmt.Errorf("unknown cluster key %q", key)
		}
	}
	return out, nil
}

// Column extracts a numeric column for a design matrix. Booleans are 0/1,
// missing engagement is NaN, relative_time is NaN for never-treated accounts.
func (v View) Column(name string) ([]float64, error) {
	var get func(AccountMonth) float64
	switch name {
	case "invested":
		get = func(r AccountMonth) float64 { return boolFloat(r.Invested) }
	case "exposed":
		get = func(r AccountMonth) float64 { return boolFloat(r.Exposed) }
	case "eligible":
		get = func(r AccountMonth) float64 { return boolFloat(r.Eligible) }
	case "assigned":
		get = func(r AccountMonth) float64 { return boolFloat(r.Assigned) }
	case "post":
		get = func(r AccountMonth) float64 { return boolFloat(r.Post()) }
	case "balance_tier":
		get = func(r AccountMonth) float64 { return r.BalanceTier }
	case "risk_score":
		get = func(r AccountMonth) float64 { return r.RiskScore }
	case "engagement":
		get = func(r AccountMonth) float64 {
			if r.EngagementMissing {
				return nan
			}
			return r.Engagement
		}
	case "month":
		get = func(r AccountMonth) float64 { return float64(r.Month) }
	case "relative_time":
		get = func(r AccountMonth) float64 {
			if e, ok := r.RelativeTime(); ok {
				return float64(e)
			}
			return nan
		}
	default:
		return nil, fmt.Errorf("unknown column %q", name)
	}

	out := make([]float64, len(v.rows))
	for i, r := range v.rows {
		out[i] = get(r)
	}
	return out, nil
}
