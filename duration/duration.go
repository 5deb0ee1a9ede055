// Package duration turns a (check-in, check-out, break, travel) tuple into
// billable, regular, overtime and double-time hours, plus the validation
// diagnostics that gate the computation. Pure: no clocks beyond the one
// injected for future-timestamp checks, no I/O.
package duration

import (
	"fmt"
	"math"
	"time"
)

// OvertimeConfig controls how billable time is split.
type OvertimeConfig struct {
	// StandardWorkdayHours is the regular-hours cap per session. Default 8.
	StandardWorkdayHours float64
	// DoubleTimeOnWeekends reclassifies overtime as double-time when the
	// session's calendar day is a weekend or configured holiday.
	DoubleTimeOnWeekends bool
	// Holidays are dates in "2006-01-02" form which count as double-time days.
	Holidays []string
}

func (c OvertimeConfig) standardHours() float64 {
	if c.StandardWorkdayHours <= 0 {
		return 8
	}
	return c.StandardWorkdayHours
}

func (c OvertimeConfig) isHoliday(day time.Time) bool {
	key := day.Format("2006-01-02")
	for _, h := range c.Holidays {
		if h == key {
			return true
		}
	}
	return false
}

// TimingResult carries the outcome of ValidateTiming. Errors are hard
// failures which must short-circuit computation; warnings never block.
type TimingResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Result is the duration breakdown for one session. All hour values are
// rounded to 2 decimal places at the point of return, not during intermediate
// arithmetic.
type Result struct {
	TotalMinutes    float64  `json:"totalMinutes"`
	BillableMinutes float64  `json:"billableMinutes"`
	TotalHours      float64  `json:"totalHours"`
	BillableHours   float64  `json:"billableHours"`
	RegularHours    float64  `json:"regularHours"`
	OvertimeHours   float64  `json:"overtimeHours"`
	DoubleTimeHours float64  `json:"doubleTimeHours"`
	BreakMinutes    int      `json:"breakMinutes"`
	TravelMinutes   int      `json:"travelMinutes"`
	IsMultiDay      bool     `json:"isMultiDay"`
	DaysSpanned     int      `json:"daysSpanned"`
	Warnings        []string `json:"warnings,omitempty"`
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// ValidateTiming checks a session's timestamps and minute counts. now is the
// reference clock for future-timestamp checks; callers pass time.Now() and
// tests pass a fixture. Must be called before Compute; a Valid=false result
// short-circuits computation.
func ValidateTiming(checkIn, checkOut time.Time, breakMinutes, travelMinutes int, now time.Time) TimingResult {
	var res TimingResult
	elapsed := checkOut.Sub(checkIn)
	elapsedMinutes := elapsed.Minutes()

	if !checkOut.After(checkIn) {
		res.Errors = append(res.Errors, "check-out must be after check-in")
	}
	if breakMinutes < 0 {
		res.Errors = append(res.Errors, "break minutes cannot be negative")
	}
	if travelMinutes < 0 {
		res.Errors = append(res.Errors, "travel minutes cannot be negative")
	}
	if breakMinutes >= 0 && float64(breakMinutes) > elapsedMinutes {
		res.Errors = append(res.Errors, "break minutes exceed elapsed session time")
	}
	if breakMinutes >= 0 && travelMinutes >= 0 && float64(breakMinutes+travelMinutes) > elapsedMinutes {
		res.Errors = append(res.Errors, "break plus travel minutes exceed elapsed session time")
	}
	if checkIn.After(now) {
		res.Errors = append(res.Errors, "check-in is in the future")
	}
	if checkOut.After(now) {
		res.Errors = append(res.Errors, "check-out is in the future")
	}
	res.Valid = len(res.Errors) == 0
	if !res.Valid {
		return res
	}

	if elapsed < 15*time.Minute {
		res.Warnings = append(res.Warnings, "session shorter than 15 minutes")
	}
	if elapsed > 24*time.Hour {
		res.Warnings = append(res.Warnings, "session longer than 24 hours")
	}
	if breakMinutes == 0 && elapsed > 6*time.Hour {
		res.Warnings = append(res.Warnings, "no break recorded on a shift longer than 6 hours")
	}
	if now.Sub(checkIn) > 7*24*time.Hour {
		res.Warnings = append(res.Warnings, "check-in older than 7 days: possible late submission")
	}
	return res
}

// Compute derives the duration breakdown. Callers must have run
// ValidateTiming first; Compute assumes sane inputs and does not re-validate.
//
// Overtime is reclassified as double-time, not summed additionally, when the
// session's calendar day (the check-in date) is a weekend or configured
// holiday and DoubleTimeOnWeekends is set.
func Compute(checkIn, checkOut time.Time, breakMinutes, travelMinutes int, cfg OvertimeConfig) Result {
	totalMinutes := checkOut.Sub(checkIn).Minutes()
	billableMinutes := totalMinutes - float64(breakMinutes)
	if billableMinutes < 0 {
		billableMinutes = 0
	}
	std := cfg.standardHours()

	billableHours := billableMinutes / 60
	regular := math.Min(billableHours, std)
	overtime := math.Max(0, billableHours-std)
	doubleTime := 0.0
	if cfg.DoubleTimeOnWeekends && isDoubleTimeDay(checkIn, cfg) {
		doubleTime = overtime
		overtime = 0
	}

	res := Result{
		TotalMinutes:    round2(totalMinutes),
		BillableMinutes: round2(billableMinutes),
		TotalHours:      round2(totalMinutes / 60),
		BillableHours:   round2(billableHours),
		RegularHours:    round2(regular),
		OvertimeHours:   round2(overtime),
		DoubleTimeHours: round2(doubleTime),
		BreakMinutes:    breakMinutes,
		TravelMinutes:   travelMinutes,
	}

	// checkOut may carry a different zone offset than checkIn; the calendar
	// is the check-in location's.
	inDay := dateOf(checkIn)
	outDay := dateOf(checkOut.In(checkIn.Location()))
	if !inDay.Equal(outDay) {
		res.IsMultiDay = true
		res.DaysSpanned = daysBetween(inDay, outDay)
		// legitimate but always worth a second look
		res.Warnings = append(res.Warnings, fmt.Sprintf("session spans %d calendar days", res.DaysSpanned))
	} else {
		res.DaysSpanned = 1
	}
	return res
}

func isDoubleTimeDay(checkIn time.Time, cfg OvertimeConfig) bool {
	wd := checkIn.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return true
	}
	return cfg.isHoliday(checkIn)
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// daysBetween counts inclusive calendar days between two midnight anchors.
// Counting is by date, not elapsed hours, which go wrong across DST shifts.
func daysBetween(from, to time.Time) int {
	days := 1
	for d := from; d.Before(to); d = d.AddDate(0, 0, 1) {
		days++
	}
	return days
}

// Rates are hourly pay rates. Overtime and double-time default to 1.5x and
// 2.0x the regular rate when zero.
type Rates struct {
	Regular    float64 `json:"regular"`
	Overtime   float64 `json:"overtime,omitempty"`
	DoubleTime float64 `json:"doubleTime,omitempty"`
}

// Cost is the per-bucket and total labour cost for a computed session.
type Cost struct {
	RegularCost    float64 `json:"regularCost"`
	OvertimeCost   float64 `json:"overtimeCost"`
	DoubleTimeCost float64 `json:"doubleTimeCost"`
	TotalCost      float64 `json:"totalCost"`
}

// CalculateCost is a pure follow-on from Compute: bucket hours times their
// rates, each rounded to 2 decimals, then summed.
func CalculateCost(r Result, rates Rates) Cost {
	ot := rates.Overtime
	if ot == 0 {
		ot = rates.Regular * 1.5
	}
	dt := rates.DoubleTime
	if dt == 0 {
		dt = rates.Regular * 2.0
	}
	c := Cost{
		RegularCost:    round2(r.RegularHours * rates.Regular),
		OvertimeCost:   round2(r.OvertimeHours * ot),
		DoubleTimeCost: round2(r.DoubleTimeHours * dt),
	}
	c.TotalCost = round2(c.RegularCost + c.OvertimeCost + c.DoubleTimeCost)
	return c
}
