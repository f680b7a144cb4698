package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedflow/internal/domain"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestManualNeverFires(t *testing.T) {
	next, err := NextDue(Rule{Frequency: domain.FreqManual}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestDailyBeforeTimeOfDay(t *testing.T) {
	// 2025-01-01 is a Wednesday.
	now := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	next, err := NextDue(Rule{Frequency: domain.FreqDaily, TimeOfDay: strPtr("09:00")}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), *next)
}

func TestDailyAfterTimeOfDayRollsToTomorrow(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	next, err := NextDue(Rule{Frequency: domain.FreqDaily, TimeOfDay: strPtr("09:00")}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC), *next)
}

func TestDailyDefaultsToNineAM(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	next, err := NextDue(Rule{Frequency: domain.FreqDaily}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC), *next)
}

func TestHourlyAtMinute(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)
	next, err := NextDue(Rule{Frequency: domain.FreqHourly, TimeOfDay: strPtr("00:30")}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 11, 30, 0, 0, time.UTC), *next)
}

func TestHourlyMinuteEarlierThanCurrent(t *testing.T) {
	// Candidate is built from now+1h, so an earlier minute still lands
	// within the next hour, not two hours out.
	now := time.Date(2025, 1, 1, 9, 45, 0, 0, time.UTC)
	next, err := NextDue(Rule{Frequency: domain.FreqHourly, TimeOfDay: strPtr("00:10")}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 10, 0, 0, time.UTC), *next)
}

func TestHourlyDefaultMinuteZero(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)
	next, err := NextDue(Rule{Frequency: domain.FreqHourly}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC), *next)
}

func TestWeekdaysSkipsWeekend(t *testing.T) {
	// 2025-01-03 is a Friday.
	now := time.Date(2025, 1, 3, 20, 0, 0, 0, time.UTC)
	next, err := NextDue(Rule{Frequency: domain.FreqWeekdays, TimeOfDay: strPtr("09:00")}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC), *next)
	assert.Equal(t, time.Monday, next.Weekday())
}

func TestWeekdaysMidweekBehavesLikeDaily(t *testing.T) {
	// Tuesday morning.
	now := time.Date(2025, 1, 7, 7, 0, 0, 0, time.UTC)
	next, err := NextDue(Rule{Frequency: domain.FreqWeekdays, TimeOfDay: strPtr("09:00")}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 7, 9, 0, 0, 0, time.UTC), *next)
}

func TestWeeklyUpcomingWeekday(t *testing.T) {
	// Monday 10:00, target Wednesday at 09:00 -> two days later.
	now := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)
	next, err := NextDue(Rule{Frequency: domain.FreqWeekly, TimeOfDay: strPtr("09:00"), Weekday: intPtr(3)}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 8, 9, 0, 0, 0, time.UTC), *next)
}

func TestWeeklySameDayPastTimeAdvancesFullWeek(t *testing.T) {
	// Wednesday 10:00, target Wednesday 09:00 -> next Wednesday.
	now := time.Date(2025, 1, 8, 10, 0, 0, 0, time.UTC)
	next, err := NextDue(Rule{Frequency: domain.FreqWeekly, TimeOfDay: strPtr("09:00"), Weekday: intPtr(3)}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC), *next)
}

func TestWeeklySameDayBeforeTimeFiresToday(t *testing.T) {
	now := time.Date(2025, 1, 8, 8, 0, 0, 0, time.UTC)
	next, err := NextDue(Rule{Frequency: domain.FreqWeekly, TimeOfDay: strPtr("09:00"), Weekday: intPtr(3)}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 8, 9, 0, 0, 0, time.UTC), *next)
}

func TestWeeklyDefaultsToMonday(t *testing.T) {
	// Friday.
	now := time.Date(2025, 1, 3, 12, 0, 0, 0, time.UTC)
	next, err := NextDue(Rule{Frequency: domain.FreqWeekly, TimeOfDay: strPtr("09:00")}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC), *next)
}

func TestCronExpression(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)
	next, err := NextDue(Rule{Frequency: domain.FreqCron, CronExpr: strPtr("*/15 * * * *")}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 15, 0, 0, time.UTC), *next)
}

func TestAllNonManualStrictlyAfterNow(t *testing.T) {
	nows := []time.Time{
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 4, 9, 0, 0, 0, time.UTC),  // Saturday at default time
		time.Date(2025, 6, 15, 23, 59, 0, 0, time.UTC),
	}
	rules := []Rule{
		{Frequency: domain.FreqHourly},
		{Frequency: domain.FreqHourly, TimeOfDay: strPtr("00:45")},
		{Frequency: domain.FreqDaily},
		{Frequency: domain.FreqDaily, TimeOfDay: strPtr("00:00")},
		{Frequency: domain.FreqWeekdays, TimeOfDay: strPtr("09:00")},
		{Frequency: domain.FreqWeekly, Weekday: intPtr(0)},
		{Frequency: domain.FreqWeekly, Weekday: intPtr(6), TimeOfDay: strPtr("23:59")},
		{Frequency: domain.FreqCron, CronExpr: strPtr("0 9 * * *")},
	}
	for _, now := range nows {
		for _, r := range rules {
			next, err := NextDue(r, now)
			require.NoError(t, err)
			require.NotNil(t, next)
			assert.True(t, next.After(now), "frequency %s: %v not after %v", r.Frequency, next, now)
		}
	}
}

func TestIdempotentForFrozenNow(t *testing.T) {
	now := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	r := Rule{Frequency: domain.FreqWeekly, TimeOfDay: strPtr("08:15"), Weekday: intPtr(5)}
	first, err := NextDue(r, now)
	require.NoError(t, err)
	second, err := NextDue(r, now)
	require.NoError(t, err)
	assert.Equal(t, *first, *second)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Rule{Frequency: domain.FreqManual}))
	assert.NoError(t, Validate(Rule{Frequency: domain.FreqDaily, TimeOfDay: strPtr("23:59")}))
	assert.Error(t, Validate(Rule{Frequency: "fortnightly"}))
	assert.Error(t, Validate(Rule{Frequency: domain.FreqDaily, TimeOfDay: strPtr("25:00")}))
	assert.Error(t, Validate(Rule{Frequency: domain.FreqDaily, TimeOfDay: strPtr("0900")}))
	assert.Error(t, Validate(Rule{Frequency: domain.FreqWeekly, Weekday: intPtr(7)}))
	assert.Error(t, Validate(Rule{Frequency: domain.FreqCron}))
	assert.Error(t, Validate(Rule{Frequency: domain.FreqCron, CronExpr: strPtr("not a cron")}))
	assert.NoError(t, Validate(Rule{Frequency: domain.FreqCron, CronExpr: strPtr("*/5 * * * *")}))
}
