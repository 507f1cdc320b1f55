package panel

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"cashdrag/internal/estimate"
)

// Account-month CSV columns. Names follow the generator's output.
var (
	monthRequired = []string{"account_id", "calendar_month", "eligible_flag", "treatment_any", "invested_flag", "first_exposure_month"}

	summaryRequired = []string{"account_id", "ever_eligible", "ever_nudged", "ever_invested", "invested_12m", "cohort", "rollover_month", "eligibility_score"}
)

// LoadCSV reads the account-month and account summary files and validates
// them into a Store. Summary columns that are not required are covariates.
func LoadCSV(monthPath, summaryPath string) (*Store, error) {
	months, err := readMonthCSV(monthPath)
	if err != nil {
		return nil, err
	}
	sums, err := readSummaryCSV(summaryPath)
	if err != nil {
		return nil, err
	}
	return Load(months, sums)
}

// table is a header-indexed CSV reader.
type table struct {
	path   string
	r      *csv.Reader
	header map[string]int
	row    int
}

func openTable(path string, f io.Reader, required []string) (*table, error) {
	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	t := &table{path: path, r: r, header: make(map[string]int, len(header)), row: 1}
	for j, name := range header {
		t.header[strings.TrimSpace(name)] = j
	}
	for _, name := range required {
		if _, ok := t.header[name]; !ok {
			return nil, &estimate.SchemaError{Field: name, Reason: fmt.Sprintf("required column missing from %s", path)}
		}
	}
	return t, nil
}

// next returns the next record, or nil at EOF. Blank lines are skipped.
func (t *table) next() ([]string, error) {
	for {
		record, err := t.r.Read()
		if err == io.EOF {
			return nil, nil
		}
		t.row++
		if err != nil {
			return nil, fmt.Errorf("read row %d of %s: %w", t.row, t.path, err)
		}
		if len(record) == 1 && record[0] == "" {
			continue
		}
		return record, nil
	}
}

func (t *table) has(name string) bool {
	_, ok := t.header[name]
	return ok
}

func (t *table) str(rec []string, name string) string {
	j, ok := t.header[name]
	if !ok || j >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[j])
}

func (t *table) floatField(rec []string, name string) (float64, error) {
	s := t.str(rec, name)
	if s == "" || strings.EqualFold(s, "nan") {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &estimate.SchemaError{Field: name, Row: t.row, Reason: fmt.Sprintf("parse float %q", s)}
	}
	return v, nil
}

func (t *table) intField(rec []string, name string) (int, error) {
	v, err := t.floatField(rec, name)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || v != math.Trunc(v) {
		return 0, &estimate.SchemaError{Field: name, Row: t.row, Reason: fmt.Sprintf("want integer, got %q", t.str(rec, name))}
	}
	return int(v), nil
}

func (t *table) boolField(rec []string, name string) (bool, error) {
	s := t.str(rec, name)
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, &estimate.SchemaError{Field: name, Row: t.row, Reason: fmt.Sprintf("want 0/1 flag, got %q", s)}
	}
	return b, nil
}

func readMonthCSV(path string) ([]AccountMonth, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	t, err := openTable(path, f, monthRequired)
	if err != nil {
		return nil, err
	}

	var out []AccountMonth
	for {
		rec, err := t.next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		r, err := t.parseMonth(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, &estimate.SchemaError{Field: "account_month", Reason: fmt.Sprintf("no data rows in %s", path)}
	}
	assignCohorts(out)
	return out, nil
}

// assignCohorts sets every row's cohort to the account's first exposure
// month. first_exposure_month is a running value: negative until the
// account is first exposed and the exposure month from then on.
func assignCohorts(rows []AccountMonth) {
	type first struct{ month, cohort int }
	cohorts := make(map[int64]first)
	for _, r := range rows {
		if r.Cohort < 0 {
			continue
		}
		if c, ok := cohorts[r.AccountID]; !ok || r.Month < c.month {
			cohorts[r.AccountID] = first{month: r.Month, cohort: r.Cohort}
		}
	}
	for i := range rows {
		rows[i].Cohort = NeverTreated
		if c, ok := cohorts[rows[i].AccountID]; ok {
			rows[i].Cohort = c.cohort
		}
	}
}

func (t *table) parseMonth(rec []string) (AccountMonth, error) {
	var (
		r    AccountMonth
		errs []error
		err  error
		id   int
	)
	id, err = t.intField(rec, "account_id")
	errs = append(errs, err)
	r.AccountID = int64(id)
	r.Month, err = t.intField(rec, "calendar_month")
	errs = append(errs, err)
	r.Eligible, err = t.boolField(rec, "eligible_flag")
	errs = append(errs, err)
	r.Exposed, err = t.boolField(rec, "treatment_any")
	errs = append(errs, err)
	r.Invested, err = t.boolField(rec, "invested_flag")
	errs = append(errs, err)
	r.Cohort, err = t.intField(rec, "first_exposure_month")
	errs = append(errs, err)
	r.Assigned, err = t.boolField(rec, "assigned_flag")
	errs = append(errs, err)

	for _, opt := range []struct {
		name string
		dst  *float64
	}{{"balance_tier", &r.BalanceTier}, {"risk_score", &r.RiskScore}} {
		if !t.has(opt.name) {
			continue
		}
		*opt.dst, err = t.floatField(rec, opt.name)
		errs = append(errs, err)
	}

	r.Engagement = math.NaN()
	r.EngagementMissing = true
	if t.has("engagement_obs") {
		r.Engagement, err = t.floatField(rec, "engagement_obs")
		errs = append(errs, err)
		r.EngagementMissing, err = t.boolField(rec, "missing_engagement")
		errs = append(errs, err)
	}

	r.EventTime = NoEventTime
	if s := t.str(rec, "event_time"); s != "" && !strings.EqualFold(s, "nan") {
		r.EventTime, err = t.intField(rec, "event_time")
		errs = append(errs, err)
	}

	// first parse error wins, matching the row/column it came from
	for _, e := range errs {
		if e != nil {
			return r, e
		}
	}
	return r, nil
}

func readSummaryCSV(path string) ([]AccountSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	t, err := openTable(path, f, summaryRequired)
	if err != nil {
		return nil, err
	}

	required := make(map[string]bool, len(summaryRequired))
	for _, name := range summaryRequired {
		required[name] = true
	}
	var covNames []string
	for name := range t.header {
		if !required[name] {
			covNames = append(covNames, name)
		}
	}

	var out []AccountSummary
	for {
		rec, err := t.next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		s, err := t.parseSummary(rec, covNames)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, &estimate.SchemaError{Field: "account_summary", Reason: fmt.Sprintf("no data rows in %s", path)}
	}
	return out, nil
}

func (t *table) parseSummary(rec []string, covNames []string) (AccountSummary, error) {
	s := AccountSummary{Covariates: make(map[string]float64, len(covNames))}

	id, err := t.intField(rec, "account_id")
	if err != nil {
		return s, err
	}
	s.AccountID = int64(id)

	flags := []struct {
		name string
		dst  *bool
	}{
		{"ever_eligible", &s.EverEligible},
		{"ever_nudged", &s.EverNudged},
		{"ever_invested", &s.EverInvested},
		{"invested_12m", &s.Invested12m},
	}
	for _, fl := range flags {
		if *fl.dst, err = t.boolField(rec, fl.name); err != nil {
			return s, err
		}
	}
	if s.Cohort, err = t.intField(rec, "cohort"); err != nil {
		return s, err
	}
	if s.RolloverMonth, err = t.intField(rec, "rollover_month"); err != nil {
		return s, err
	}
	if s.EligibilityScore, err = t.floatField(rec, "eligibility_score"); err != nil {
		return s, err
	}
	for _, name := range covNames {
		v, err := t.floatField(rec, name)
		if err != nil {
			return s, err
		}
		s.Covariates[name] = v
	}
	return s, nil
}
