package panel_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cashdrag/internal/estimate"
	"cashdrag/internal/panel"
	"cashdrag/internal/panel/paneltest"
)

// twoAccounts is a tiny valid panel: account 1 adopts in month 2, account 2 never does.
func twoAccounts() ([]panel.AccountMonth, []panel.AccountSummary) {
	rows := []panel.AccountMonth{
		{AccountID: 1, Month: 1, Eligible: true, EventTime: panel.NoEventTime, Cohort: 2},
		{AccountID: 1, Month: 2, Eligible: true, Assigned: true, Exposed: true, EventTime: 0, Cohort: 2},
		{AccountID: 1, Month: 3, Assigned: true, Invested: true, EventTime: 1, Cohort: 2},
		{AccountID: 2, Month: 1, EventTime: panel.NoEventTime, Cohort: panel.NeverTreated},
		{AccountID: 2, Month: 2, EventTime: panel.NoEventTime, Cohort: panel.NeverTreated},
		{AccountID: 2, Month: 3, Engagement: math.NaN(), EngagementMissing: true, EventTime: panel.NoEventTime, Cohort: panel.NeverTreated},
	}
	sums := []panel.AccountSummary{
		{AccountID: 1, EverEligible: true, EverNudged: true, EverInvested: true, Cohort: 2, Covariates: map[string]float64{"balance": 2}},
		{AccountID: 2, Cohort: panel.NeverTreated, Covariates: map[string]float64{"balance": 1}},
	}
	return rows, sums
}

func TestLoadValidPanel(t *testing.T) {
	rows, sums := twoAccounts()
	s, err := panel.Load(rows, sums)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2}, s.Accounts())
	assert.Equal(t, 6, s.NumRecords())
	first, last := s.Window()
	assert.Equal(t, 1, first)
	assert.Equal(t, 3, last)
	assert.Equal(t, []string{"balance"}, s.CovariateNames())
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func([]panel.AccountMonth, []panel.AccountSummary) ([]panel.AccountMonth, []panel.AccountSummary)
		integrity bool
	}{
		{"zero account id", func(r []panel.AccountMonth, s []panel.AccountSummary) ([]panel.AccountMonth, []panel.AccountSummary) {
			r[0].AccountID = 0
			return r, s
		}, false},
		{"silent null", func(r []panel.AccountMonth, s []panel.AccountSummary) ([]panel.AccountMonth, []panel.AccountSummary) {
			r[4].Engagement = math.NaN()
			return r, s
		}, false},
		{"nan covariate", func(r []panel.AccountMonth, s []panel.AccountSummary) ([]panel.AccountMonth, []panel.AccountSummary) {
			s[1].Covariates["balance"] = math.NaN()
			return r, s
		}, false},
		{"covariate key mismatch", func(r []panel.AccountMonth, s []panel.AccountSummary) ([]panel.AccountMonth, []panel.AccountSummary) {
			s[1].Covariates = map[string]float64{"income": 1}
			return r, s
		}, false},
		{"duplicate account month", func(r []panel.AccountMonth, s []panel.AccountSummary) ([]panel.AccountMonth, []panel.AccountSummary) {
			return append(r, r[3]), s
		}, true},
		{"event time regression", func(r []panel.AccountMonth, s []panel.AccountSummary) ([]panel.AccountMonth, []panel.AccountSummary) {
			r[2].EventTime = panel.NoEventTime
			return r, s
		}, true},
		{"event time inconsistent", func(r []panel.AccountMonth, s []panel.AccountSummary) ([]panel.AccountMonth, []panel.AccountSummary) {
			r[2].EventTime = 5
			return r, s
		}, true},
		{"exposure before cohort", func(r []panel.AccountMonth, s []panel.AccountSummary) ([]panel.AccountMonth, []panel.AccountSummary) {
			r[0].Exposed = true
			return r, s
		}, true},
		{"never treated but exposed", func(r []panel.AccountMonth, s []panel.AccountSummary) ([]panel.AccountMonth, []panel.AccountSummary) {
			r[4].Exposed = true
			return r, s
		}, true},
		{"missing summary", func(r []panel.AccountMonth, s []panel.AccountSummary) ([]panel.AccountMonth, []panel.AccountSummary) {
			return r, s[:1]
		}, true},
		{"duplicate summary", func(r []panel.AccountMonth, s []panel.AccountSummary) ([]panel.AccountMonth, []panel.AccountSummary) {
			return r, append(s, s[0])
		}, true},
		{"summary disagrees", func(r []panel.AccountMonth, s []panel.AccountSummary) ([]panel.AccountMonth, []panel.AccountSummary) {
			s[1].EverInvested = true
			return r, s
		}, true},
		{"summary cohort disagrees", func(r []panel.AccountMonth, s []panel.AccountSummary) ([]panel.AccountMonth, []panel.AccountSummary) {
			s[0].Cohort = 3
			return r, s
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, sums := twoAccounts()
			rows, sums = tt.mutate(rows, sums)
			_, err := panel.Load(rows, sums)
			require.Error(t, err)
			assert.True(t, estimate.IsFatal(err))

			var integrity *estimate.PanelIntegrityError
			var schema *estimate.SchemaError
			if tt.integrity {
				assert.ErrorAs(t, err, &integrity)
			} else {
				assert.ErrorAs(t, err, &schema)
			}
		})
	}
}

func TestLoadCopiesInput(t *testing.T) {
	rows, sums := twoAccounts()
	s, err := panel.Load(rows, sums)
	require.NoError(t, err)

	rows[0].Invested = true
	sums[0].Covariates["balance"] = 99

	assert.False(t, s.All().Row(0).Invested)
	sum, ok := s.Summary(1)
	require.True(t, ok)
	assert.Equal(t, 2.0, sum.Covariates["balance"])

	// copies handed out are detached too
	sum.Covariates["balance"] = 7
	again, _ := s.Summary(1)
	assert.Equal(t, 2.0, again.Covariates["balance"])
}

func TestViews(t *testing.T) {
	rows, sums := twoAccounts()
	s, err := panel.Load(rows, sums)
	require.NoError(t, err)

	all := s.All()
	assert.Equal(t, 2, all.Eligible().Len())
	assert.Equal(t, 3, all.EventuallyTreated().Len())
	assert.Equal(t, 3, all.Cohort(panel.NeverTreated).Len())
	assert.Equal(t, []int{2}, all.Cohorts())
	assert.Equal(t, 2, all.EventWindow(-1, 0).Len())
	assert.Equal(t, 2, all.Months(3).Len())

	post, err := all.Column("post")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 1, 0, 0, 0}, post)

	rel, err := all.Column("relative_time")
	require.NoError(t, err)
	assert.Equal(t, -1.0, rel[0])
	assert.True(t, math.IsNaN(rel[3]))

	eng, err := all.Column("engagement")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(eng[5]))

	_, err = all.Column("nope")
	assert.Error(t, err)

	clusters, err := all.ClusterIDs("cohort")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 2, 2, -1, -1, -1}, clusters)
}

func TestDiagnostics(t *testing.T) {
	rows, sums := twoAccounts()
	rows = rows[:5] // account 2 misses month 3
	s, err := panel.Load(rows, sums)
	require.NoError(t, err)

	d := s.Diagnostics()
	assert.Equal(t, 2, d.Accounts)
	assert.InDelta(t, 1.0, d.Coverage[1], 1e-12)
	assert.InDelta(t, 2.0/3.0, d.Coverage[2], 1e-12)
	assert.InDelta(t, 1.0/6.0, d.Missingness["account_month"], 1e-12)
	assert.Equal(t, 0.0, d.Missingness["engagement"])
	assert.Equal(t, map[int]int{2: 1}, d.Cohorts)
	assert.Equal(t, 1, d.NeverTreated)
}

func TestResampleRelabelsDuplicates(t *testing.T) {
	s := paneltest.PanelStore(paneltest.DefaultPanel())

	boot, err := s.Resample([]int64{5, 5, 9})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, boot.Accounts())
	assert.Equal(t, 3*12, boot.NumRecords())

	orig := s.Account(5).Rows()
	copy1 := boot.Account(1).Rows()
	copy2 := boot.Account(2).Rows()
	require.Len(t, copy1, len(orig))
	for i := range orig {
		assert.Equal(t, orig[i].Invested, copy1[i].Invested)
		assert.Equal(t, orig[i].Invested, copy2[i].Invested)
	}
	assert.Equal(t, 200, s.NumAccounts(), "source store untouched")

	_, err = s.Resample([]int64{100000})
	assert.Error(t, err)
}

func TestSummaryColumn(t *testing.T) {
	s := paneltest.PanelStore(paneltest.DefaultPanel())
	nudged, err := s.SummaryColumn("ever_nudged")
	require.NoError(t, err)
	bal, err := s.SummaryColumn("balance")
	require.NoError(t, err)
	assert.Len(t, nudged, 200)
	assert.Len(t, bal, 200)
	_, err = s.SummaryColumn("missing")
	assert.Error(t, err)
}

func TestLoadCSV(t *testing.T) {
	dir := t.TempDir()
	monthPath := filepath.Join(dir, "account_month.csv")
	summaryPath := filepath.Join(dir, "accounts.csv")

	months := `account_id,calendar_month,eligible_flag,assigned_flag,treatment_any,invested_flag,first_exposure_month,event_time,engagement_obs,missing_engagement
1,1,1,0,0,0,2,,0.4,0
1,2,1,1,1,0,2,0,0.5,0
2,1,0,0,0,1,-1,,,1
2,2,0,0,0,0,-1,nan,0.2,0
`
	summaries := `account_id,ever_eligible,ever_nudged,ever_invested,invested_12m,cohort,rollover_month,eligibility_score,baseline_balance
1,1,1,0,0,2,1,0.7,12000
2,0,0,1,1,-1,3,0.2,8000
`
	require.NoError(t, os.WriteFile(monthPath, []byte(months), 0o644))
	require.NoError(t, os.WriteFile(summaryPath, []byte(summaries), 0o644))

	s, err := panel.LoadCSV(monthPath, summaryPath)
	require.NoError(t, err)
	assert.Equal(t, 4, s.NumRecords())
	assert.Equal(t, []string{"baseline_balance"}, s.CovariateNames())
	assert.True(t, s.Account(2).Row(0).EngagementMissing)
	assert.Equal(t, 0, s.Account(1).Row(1).EventTime)
}

func TestLoadCSVRunningFirstExposure(t *testing.T) {
	dir := t.TempDir()
	monthPath := filepath.Join(dir, "account_month.csv")
	summaryPath := filepath.Join(dir, "accounts.csv")

	// first_exposure_month stays -1 until the account is first exposed
	months := `account_id,calendar_month,eligible_flag,assigned_flag,treatment_any,invested_flag,first_exposure_month,event_time
1,1,1,0,0,0,-1,
1,2,1,1,1,0,2,0
1,3,1,1,0,1,2,1
2,1,0,0,0,0,-1,
2,2,0,0,0,0,-1,
2,3,1,0,0,1,-1,
`
	summaries := `account_id,ever_eligible,ever_nudged,ever_invested,invested_12m,cohort,rollover_month,eligibility_score
1,1,1,1,1,2,1,0.7
2,1,0,1,1,-1,3,0.2
`
	require.NoError(t, os.WriteFile(monthPath, []byte(months), 0o644))
	require.NoError(t, os.WriteFile(summaryPath, []byte(summaries), 0o644))

	s, err := panel.LoadCSV(monthPath, summaryPath)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.Equal(t, 2, s.Account(1).Row(i).Cohort)
		assert.Equal(t, panel.NeverTreated, s.Account(2).Row(i).Cohort)
	}
	assert.Equal(t, []int{2}, s.All().Cohorts())
	assert.Equal(t, 1, s.Diagnostics().NeverTreated)
}

func TestLoadCSVSchemaErrors(t *testing.T) {
	dir := t.TempDir()
	monthPath := filepath.Join(dir, "m.csv")
	summaryPath := filepath.Join(dir, "s.csv")
	require.NoError(t, os.WriteFile(summaryPath, []byte("account_id,ever_eligible,ever_nudged,ever_invested,invested_12m,cohort,rollover_month,eligibility_score\n1,0,0,0,0,-1,1,0.5\n"), 0o644))

	// missing required column
	require.NoError(t, os.WriteFile(monthPath, []byte("account_id,calendar_month\n1,1\n"), 0o644))
	_, err := panel.LoadCSV(monthPath, summaryPath)
	var schema *estimate.SchemaError
	require.ErrorAs(t, err, &schema)
	assert.Equal(t, "eligible_flag", schema.Field)

	// wrong semantic type
	require.NoError(t, os.WriteFile(monthPath, []byte("account_id,calendar_month,eligible_flag,treatment_any,invested_flag,first_exposure_month\n1,1,maybe,0,0,-1\n"), 0o644))
	_, err = panel.LoadCSV(monthPath, summaryPath)
	require.ErrorAs(t, err, &schema)
	assert.Equal(t, "eligible_flag", schema.Field)
	assert.Equal(t, 2, schema.Row)
}
