// Package schedule picks the poll interval for the current time of day.
//
// Night is the half-open window [NightStartHour, NightEndHour). When the start
// hour is greater than the end hour the window wraps past midnight, so a
// 23 -> 6 night covers 23:00 through 05:59. Equal hours mean there is no night.
package schedule

import (
	"context"
	"fmt"
	"time"
)

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// FixedClock always returns the same instant
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}

// Config holds the day/night poll settings
type Config struct {
	DayInterval    time.Duration
	NightInterval  time.Duration
	NightStartHour int
	NightEndHour   int
}

// IsNight reports whether hour falls inside the night window
func IsNight(hour, nightStart, nightEnd int) bool {
	if nightStart > nightEnd {
		return hour >= nightStart || hour < nightEnd
	}
	return nightStart <= hour && hour < nightEnd
}

// IsNight reports whether hour is a night hour under c
func (c Config) IsNight(hour int) bool {
	return IsNight(hour, c.NightStartHour, c.NightEndHour)
}

// Interval returns the poll interval that applies at the given hour
func (c Config) Interval(hour int) time.Duration {
	if c.IsNight(hour) {
		return c.NightInterval
	}
	return c.DayInterval
}

// Next returns the interval that applies at the clock's current hour
func (c Config) Next(clock Clock) time.Duration {
	return c.Interval(clock.Now().Hour())
}

// Validate checks hours and intervals
func (c Config) Validate() error {
	if c.NightStartHour < 0 || c.NightStartHour > 23 {
		return fmt.Errorf("night start hour %d out of range 0-23", c.NightStartHour)
	}
	if c.NightEndHour < 0 || c.NightEndHour > 23 {
		return fmt.Errorf("night end hour %d out of range 0-23", c.NightEndHour)
	}
	if c.DayInterval <= 0 {
		return fmt.Errorf("day interval must be positive, got %s", c.DayInterval)
	}
	if c.NightInterval <= 0 {
		return fmt.Errorf("night interval must be positive, got %s", c.NightInterval)
	}
	return nil
}

// Sleep waits for d or until ctx is done. It returns false if ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
