// Package delay turns a step's configured wait into a concrete due instant.
package delay

import (
	"fmt"
	"time"
)

// Kind identifies which form a Spec takes.
type Kind string

const (
	KindImmediate   Kind = "IMMEDIATE"
	KindRelative    Kind = "RELATIVE"
	KindCalendarDay Kind = "CALENDAR_DAY"
)

// Default time of day for day-based delays when none is configured.
const (
	DefaultSendHour   = 9
	DefaultSendMinute = 0
)

// Spec is a validated delay. The zero value is Immediate.
type Spec struct {
	kind    Kind
	days    int
	hours   int
	minutes int
	hour    int
	minute  int
}

// ConfigurationError reports an invalid delay or step configuration.
// It is raised when configuration is written, never during resolution.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Immediate returns a zero-wait delay.
func Immediate() Spec {
	return Spec{kind: KindImmediate}
}

// After returns an exact duration delay of hours and minutes.
func After(hours, minutes int) (Spec, error) {
	if hours < 0 || hours > 23 {
		return Spec{}, configErr("delay_hours", "must be between 0 and 23, got %d", hours)
	}
	if minutes < 0 || minutes > 59 {
		return Spec{}, configErr("delay_minutes", "must be between 0 and 59, got %d", minutes)
	}
	return Spec{kind: KindRelative, hours: hours, minutes: minutes}, nil
}

// CalendarDays returns a delay landing days calendar days later at hour:minute.
func CalendarDays(days, hour, minute int) (Spec, error) {
	if days < 1 {
		return Spec{}, configErr("delay_days", "must be at least 1 for a day-based delay, got %d", days)
	}
	if hour < 0 || hour > 23 {
		return Spec{}, configErr("send_at_hour", "must be between 0 and 23, got %d", hour)
	}
	if minute < 0 || minute > 59 {
		return Spec{}, configErr("send_at_minute", "must be between 0 and 59, got %d", minute)
	}
	return Spec{kind: KindCalendarDay, days: days, hour: hour, minute: minute}, nil
}

// Fields is the raw, form-shaped representation of a delay as it arrives
// from the configuration API or is stored on a step row.
type Fields struct {
	Days         int  `json:"delay_days"`
	Hours        int  `json:"delay_hours"`
	Minutes      int  `json:"delay_minutes"`
	SendAtHour   *int `json:"send_at_hour,omitempty"`
	SendAtMinute *int `json:"send_at_minute,omitempty"`
}

// FromFields decides the delay form once. Days >= 1 selects the calendar form
// and forbids hours/minutes; days == 0 forbids a send-at time.
func FromFields(f Fields) (Spec, error) {
	if f.Days < 0 {
		return Spec{}, configErr("delay_days", "must not be negative, got %d", f.Days)
	}
	if f.Days >= 1 {
		if f.Hours != 0 || f.Minutes != 0 {
			return Spec{}, configErr("delay", "day-based delay cannot also set delay_hours/delay_minutes")
		}
		hour, minute := DefaultSendHour, DefaultSendMinute
		if f.SendAtHour != nil {
			hour = *f.SendAtHour
		}
		if f.SendAtMinute != nil {
			minute = *f.SendAtMinute
		}
		return CalendarDays(f.Days, hour, minute)
	}
	if f.SendAtHour != nil || f.SendAtMinute != nil {
		return Spec{}, configErr("delay", "send_at_hour/send_at_minute require delay_days >= 1")
	}
	if f.Hours == 0 && f.Minutes == 0 {
		return Immediate(), nil
	}
	return After(f.Hours, f.Minutes)
}

// Fields converts the spec back to its stored representation.
func (s Spec) Fields() Fields {
	switch s.Kind() {
	case KindRelative:
		return Fields{Hours: s.hours, Minutes: s.minutes}
	case KindCalendarDay:
		h, m := s.hour, s.minute
		return Fields{Days: s.days, SendAtHour: &h, SendAtMinute: &m}
	}
	return Fields{}
}

func (s Spec) Kind() Kind {
	if s.kind == "" {
		return KindImmediate
	}
	return s.kind
}

func (s Spec) Days() int    { return s.days }
func (s Spec) Hours() int   { return s.hours }
func (s Spec) Minutes() int { return s.minutes }

// TimeOfDay is the send time for calendar-day delays.
func (s Spec) TimeOfDay() (hour, minute int) { return s.hour, s.minute }

func (s Spec) String() string {
	switch s.Kind() {
	case KindRelative:
		return fmt.Sprintf("after %dh%02dm", s.hours, s.minutes)
	case KindCalendarDay:
		return fmt.Sprintf("%d day(s) later at %02d:%02d", s.days, s.hour, s.minute)
	}
	return "immediately"
}

// Resolve computes the due instant for a trigger at t. Calendar-day delays are
// evaluated in loc (the tenant's timezone); a nil loc means UTC.
func Resolve(t time.Time, loc *time.Location, s Spec) time.Time {
	switch s.Kind() {
	case KindRelative:
		return t.Add(time.Duration(s.hours)*time.Hour + time.Duration(s.minutes)*time.Minute)
	case KindCalendarDay:
		return AddCalendarDays(t, loc, s.days, s.hour, s.minute)
	}
	return t
}

// AddCalendarDays moves t's local calendar date forward by days and sets the
// wall clock to hour:minute. It adds calendar days, not 24h multiples, so
// daylight-saving shifts do not move the wall-clock result.
func AddCalendarDays(t time.Time, loc *time.Location, days, hour, minute int) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+days, hour, minute, 0, 0, loc)
}
