package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// DateLayout is the wire format of range boundaries.
const DateLayout = "2006-01-02"

// DateRange is an inclusive calendar-day window.
type DateRange struct {
	Start time.Time `json:"-"`
	End   time.Time `json:"-"`
}

// dateRangeJSON is the persisted shape of a DateRange.
type dateRangeJSON struct {
	Start string `json:"start_date"`
	End   string `json:"end_date"`
}

// MonthToDate returns the window from the first day of end's month through end.
func MonthToDate(end time.Time) DateRange {
	end = truncateDay(end)
	return DateRange{
		Start: time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, end.Location()),
		End:   end,
	}
}

// LastDays returns the window of n days ending on end.
func LastDays(end time.Time, n int) DateRange {
	end = truncateDay(end)
	return DateRange{Start: end.AddDate(0, 0, -n), End: end}
}

// ResolveDateRange applies the default policy to optional boundaries. A
// missing end defaults to now; a missing start defaults to the first day
// of end's month.
func ResolveDateRange(start, end string, now time.Time) (DateRange, error) {
	endDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if end != "" {
		t, err := time.Parse(DateLayout, end)
		if err != nil {
			return DateRange{}, eris.Wrapf(ErrConfiguration, "invalid end date %q", end)
		}
		endDay = t
	}

	dr := MonthToDate(endDay)
	if start != "" {
		t, err := time.Parse(DateLayout, start)
		if err != nil {
			return DateRange{}, eris.Wrapf(ErrConfiguration, "invalid start date %q", start)
		}
		dr.Start = t
	}

	if err := dr.Validate(); err != nil {
		return DateRange{}, err
	}
	return dr, nil
}

// Validate rejects a range whose start falls after its end.
func (d DateRange) Validate() error {
	if d.Start.After(d.End) {
		return eris.Wrapf(ErrConfiguration, "start date %s is after end date %s", d.StartString(), d.EndString())
	}
	return nil
}

// StartString formats the start boundary.
func (d DateRange) StartString() string { return d.Start.Format(DateLayout) }

// EndString formats the end boundary.
func (d DateRange) EndString() string { return d.End.Format(DateLayout) }

// Contains reports whether t falls on a day inside the range.
func (d DateRange) Contains(t time.Time) bool {
	day := truncateDay(t.In(d.End.Location()))
	return !day.Before(d.Start) && !day.After(d.End)
}

// MarshalJSON encodes the range as {"start_date","end_date"}.
func (d DateRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(dateRangeJSON{Start: d.StartString(), End: d.EndString()})
}

// UnmarshalJSON decodes the {"start_date","end_date"} form.
func (d *DateRange) UnmarshalJSON(data []byte) error {
	var raw dateRangeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	start, err := time.Parse(DateLayout, raw.Start)
	if err != nil {
		return eris.Wrap(err, "model: parse start_date")
	}
	end, err := time.Parse(DateLayout, raw.End)
	if err != nil {
		return eris.Wrap(err, "model: parse end_date")
	}
	d.Start, d.End = start, end
	return nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
