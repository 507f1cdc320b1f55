package panel

import (
	"fmt"
	"math"
	"sort"

	"cashdrag/internal/estimate"
)

// Store owns the canonical record collections for one pipeline run.
type Store struct {
	rows      []AccountMonth // sorted by (AccountID, Month)
	summaries []AccountSummary

	spans      map[int64][2]int // account -> [start, end) into rows
	summaryIdx map[int64]int
	covariates []string

	firstMonth, lastMonth int
}

// Load validates and indexes the records. It returns *estimate.SchemaError
// for absent or invalid fields and *estimate.PanelIntegrityError for records
// that break the panel invariants. The input slices are copied.
func Load(months []AccountMonth, summaries []AccountSummary) (*Store, error) {
	if len(months) == 0 {
		return nil, &estimate.SchemaError{Field: "account_month", Reason: "no records"}
	}
	if len(summaries) == 0 {
		return nil, &estimate.SchemaError{Field: "account_summary", Reason: "no records"}
	}

	for i, r := range months {
		if err := checkMonthFields(i+1, r); err != nil {
			return nil, err
		}
	}

	rows := make([]AccountMonth, len(months))
	copy(rows, months)
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].AccountID != rows[j].AccountID {
			return rows[i].AccountID < rows[j].AccountID
		}
		return rows[i].Month < rows[j].Month
	})

	sums := make([]AccountSummary, len(summaries))
	for i, s := range summaries {
		sums[i] = s.clone()
	}
	sort.SliceStable(sums, func(i, j int) bool { return sums[i].AccountID < sums[j].AccountID })

	s := newStore(rows, sums)
	if err := s.checkIntegrity(); err != nil {
		return nil, err
	}
	return s, nil
}

// newStore builds the indexes. Callers guarantee sort order.
func newStore(rows []AccountMonth, sums []AccountSummary) *Store {
	s := &Store{
		rows:       rows,
		summaries:  sums,
		spans:      make(map[int64][2]int),
		summaryIdx: make(map[int64]int, len(sums)),
		firstMonth: math.MaxInt,
		lastMonth:  math.MinInt,
	}
	start := 0
	for i := 1; i <= len(rows); i++ {
		if i == len(rows) || rows[i].AccountID != rows[start].AccountID {
			s.spans[rows[start].AccountID] = [2]int{start, i}
			start = i
		}
	}
	for _, r := range rows {
		s.firstMonth = min(s.firstMonth, r.Month)
		s.lastMonth = max(s.lastMonth, r.Month)
	}
	for i, sum := range sums {
		if _, dup := s.summaryIdx[sum.AccountID]; !dup {
			s.summaryIdx[sum.AccountID] = i
		}
	}
	if len(sums) > 0 {
		for name := range sums[0].Covariates {
			s.covariates = append(s.covariates, name)
		}
		sort.Strings(s.covariates)
	}
	return s
}

func checkMonthFields(row int, r AccountMonth) error {
	switch {
	case r.AccountID <= 0:
		return &estimate.SchemaError{Field: "account_id", Row: row, Reason: "must be a positive identifier"}
	case r.Month < 0:
		return &estimate.SchemaError{Field: "calendar_month", Row: row, Reason: "must be non-negative"}
	case r.Cohort < 0 && r.Cohort != NeverTreated:
		return &estimate.SchemaError{Field: "cohort", Row: row, Reason: fmt.Sprintf("invalid cohort %d", r.Cohort)}
	case !finite(r.BalanceTier):
		return &estimate.SchemaError{Field: "balance_tier", Row: row, Reason: "not a finite number"}
	case !finite(r.RiskScore):
		return &estimate.SchemaError{Field: "risk_score", Row: row, Reason: "not a finite number"}
	case !r.EngagementMissing && !finite(r.Engagement):
		return &estimate.SchemaError{Field: "engagement", Row: row, Reason: "missing value without missing flag"}
	}
	return nil
}

func (s *Store) checkIntegrity() error {
	for i := 1; i < len(s.rows); i++ {
		prev, cur := s.rows[i-1], s.rows[i]
		if prev.AccountID == cur.AccountID && prev.Month == cur.Month {
			return &estimate.PanelIntegrityError{AccountID: cur.AccountID, Month: cur.Month, Reason: "duplicate account-month"}
		}
	}

	for i := 1; i < len(s.summaries); i++ {
		if s.summaries[i].AccountID == s.summaries[i-1].AccountID {
			return &estimate.PanelIntegrityError{AccountID: s.summaries[i].AccountID, Reason: "duplicate account summary"}
		}
	}

	for _, id := range s.Accounts() {
		if err := s.checkAccount(id); err != nil {
			return err
		}
	}

	for _, sum := range s.summaries {
		if _, ok := s.spans[sum.AccountID]; !ok {
			return &estimate.PanelIntegrityError{AccountID: sum.AccountID, Reason: "summary without account-month records"}
		}
	}

	return s.checkCovariates()
}

// checkAccount enforces adoption monotonicity and summary consistency for
// one account.
func (s *Store) checkAccount(id int64) error {
	span := s.spans[id]
	rows := s.rows[span[0]:span[1]]
	cohort := rows[0].Cohort

	var everEligible, everExposed, everInvested, started bool
	for _, r := range rows {
		if r.Cohort != cohort {
			return &estimate.PanelIntegrityError{AccountID: id, Month: r.Month, Reason: "cohort changes within account"}
		}
		if r.Exposed {
			if cohort == NeverTreated {
				return &estimate.PanelIntegrityError{AccountID: id, Month: r.Month, Reason: "exposed but cohort is never-treated"}
			}
			if r.Month < cohort {
				return &estimate.PanelIntegrityError{AccountID: id, Month: r.Month, Reason: "exposure before cohort month"}
			}
		}
		if cohort != NeverTreated && r.Month == cohort && !r.Exposed {
			return &estimate.PanelIntegrityError{AccountID: id, Month: r.Month, Reason: "not exposed in its cohort month"}
		}
		if r.EventTime != NoEventTime {
			if cohort == NeverTreated {
				return &estimate.PanelIntegrityError{AccountID: id, Month: r.Month, Reason: "event time set for never-treated account"}
			}
			if r.EventTime != r.Month-cohort {
				return &estimate.PanelIntegrityError{AccountID: id, Month: r.Month,
					Reason: fmt.Sprintf("event time %d inconsistent with cohort %d", r.EventTime, cohort)}
			}
			if r.EventTime >= 0 {
				started = true
			}
		} else if started {
			return &estimate.PanelIntegrityError{AccountID: id, Month: r.Month,
				Reason: "event time regressed after adoption; flag non-compliance instead"}
		}
		everEligible = everEligible || r.Eligible
		everExposed = everExposed || r.Exposed
		everInvested = everInvested || r.Invested
	}

	idx, ok := s.summaryIdx[id]
	if !ok {
		return &estimate.PanelIntegrityError{AccountID: id, Reason: "missing account summary"}
	}
	sum := s.summaries[idx]
	switch {
	case sum.Cohort != cohort:
		return &estimate.PanelIntegrityError{AccountID: id, Reason: fmt.Sprintf("summary cohort %d, records cohort %d", sum.Cohort, cohort)}
	case sum.EverEligible != everEligible:
		return &estimate.PanelIntegrityError{AccountID: id, Reason: "summary ever-eligible disagrees with records"}
	case sum.EverNudged != everExposed:
		return &estimate.PanelIntegrityError{AccountID: id, Reason: "summary ever-nudged disagrees with records"}
	case sum.EverInvested != everInvested:
		return &estimate.PanelIntegrityError{AccountID: id, Reason: "summary ever-invested disagrees with records"}
	}
	return nil
}

func (s *Store) checkCovariates() error {
	for i, sum := range s.summaries {
		if len(sum.Covariates) != len(s.covariates) {
			return &estimate.SchemaError{Field: "covariates", Row: i + 1,
				Reason: fmt.Sprintf("account %d has %d covariates, want %d", sum.AccountID, len(sum.Covariates), len(s.covariates))}
		}
		for _, name := range s.covariates {
			v, ok := sum.Covariates[name]
			if !ok {
				return &estimate.SchemaError{Field: name, Row: i + 1, Reason: fmt.Sprintf("absent for account %d", sum.AccountID)}
			}
			if !finite(v) {
				return &estimate.SchemaError{Field: name, Row: i + 1, Reason: fmt.Sprintf("not finite for account %d", sum.AccountID)}
			}
		}
		if !finite(sum.EligibilityScore) {
			return &estimate.SchemaError{Field: "eligibility_score", Row: i + 1, Reason: "not a finite number"}
		}
	}
	return nil
}

// Accounts returns every account id in ascending order.
func (s *Store) Accounts() []int64 {
	ids := make([]int64, 0, len(s.spans))
	for id := range s.spans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NumAccounts returns the number of accounts.
func (s *Store) NumAccounts() int { return len(s.spans) }

// NumRecords returns the number of account-month records.
func (s *Store) NumRecords() int { return len(s.rows) }

// Window returns the first and last observed calendar month.
func (s *Store) Window() (first, last int) { return s.firstMonth, s.lastMonth }

// All returns a view over every account-month record.
func (s *Store) All() View { return View{rows: s.rows} }

// Account returns a view of one account's records.
func (s *Store) Account(id int64) View {
	span, ok := s.spans[id]
	if !ok {
		return View{}
	}
	return View{rows: s.rows[span[0]:span[1]]}
}

// CovariateNames returns the summary covariate names in sorted order.
func (s *Store) CovariateNames() []string {
	return append([]string(nil), s.covariates...)
}

// Summaries returns copies of every account summary, ordered by account id.
func (s *Store) Summaries() []AccountSummary {
	out := make([]AccountSummary, len(s.summaries))
	for i, sum := range s.summaries {
		out[i] = sum.clone()
	}
	return out
}

// Summary returns a copy of one account's summary.
func (s *Store) Summary(id int64) (AccountSummary, bool) {
	idx, ok := s.summaryIdx[id]
	if !ok {
		return AccountSummary{}, false
	}
	return s.summaries[idx].clone(), true
}

// Resample builds a new Store holding the given accounts in order. Repeated
// ids become distinct accounts numbered 1..len(ids), so each draw is its own
// cluster. The receiver is not modified.
func (s *Store) Resample(ids []int64) (*Store, error) {
	total := 0
	for _, id := range ids {
		span, ok := s.spans[id]
		if !ok {
			return nil, fmt.Errorf("resample: unknown account %d", id)
		}
		total += span[1] - span[0]
	}

	rows := make([]AccountMonth, 0, total)
	sums := make([]AccountSummary, 0, len(ids))
	for k, id := range ids {
		newID := int64(k + 1)
		span := s.spans[id]
		for _, r := range s.rows[span[0]:span[1]] {
			r.AccountID = newID
			rows = append(rows, r)
		}
		sum := s.summaries[s.summaryIdx[id]].clone()
		sum.AccountID = newID
		sums = append(sums, sum)
	}
	return newStore(rows, sums), nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
