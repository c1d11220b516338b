package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsNight_WrapsMidnight(t *testing.T) {
	testCases := []struct {
		hour  int
		night bool
	}{
		{0, true},
		{3, true},
		{5, true},
		{6, false},
		{12, false},
		{22, false},
		{23, true},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.night, IsNight(tc.hour, 23, 6), "hour %d", tc.hour)
	}
}

func TestIsNight_SameDayWindow(t *testing.T) {
	assert.False(t, IsNight(0, 1, 5))
	assert.True(t, IsNight(1, 1, 5))
	assert.True(t, IsNight(4, 1, 5))
	assert.False(t, IsNight(5, 1, 5))
}

func TestIsNight_EqualHoursMeansNoNight(t *testing.T) {
	for hour := 0; hour < 24; hour++ {
		assert.False(t, IsNight(hour, 4, 4))
	}
}

func TestConfig_Next_UsesClock(t *testing.T) {
	cfg := Config{
		DayInterval:    15 * time.Minute,
		NightInterval:  time.Hour,
		NightStartHour: 23,
		NightEndHour:   6,
	}

	midnight := FixedClock(time.Date(2025, 12, 8, 0, 30, 0, 0, time.Local))
	noon := FixedClock(time.Date(2025, 12, 8, 12, 0, 0, 0, time.Local))
	six := FixedClock(time.Date(2025, 12, 8, 6, 0, 0, 0, time.Local))
	eleven := FixedClock(time.Date(2025, 12, 8, 23, 0, 0, 0, time.Local))

	assert.Equal(t, time.Hour, cfg.Next(midnight))
	assert.Equal(t, 15*time.Minute, cfg.Next(noon))
	assert.Equal(t, 15*time.Minute, cfg.Next(six))
	assert.Equal(t, time.Hour, cfg.Next(eleven))
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{DayInterval: time.Minute, NightInterval: time.Hour, NightStartHour: 23, NightEndHour: 6}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.NightStartHour = 24
	assert.Error(t, bad.Validate())

	bad = valid
	bad.NightEndHour = -1
	assert.Error(t, bad.Validate())

	bad = valid
	bad.DayInterval = 0
	assert.Error(t, bad.Validate())

	bad = valid
	bad.NightInterval = -time.Second
	assert.Error(t, bad.Validate())
}

func TestSleep_InterruptedByCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	ok := Sleep(ctx, time.Hour)

	assert.False(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSleep_Elapses(t *testing.T) {
	assert.True(t, Sleep(context.Background(), 5*time.Millisecond))
}
