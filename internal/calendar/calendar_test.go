package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCalendar(t *testing.T) {
	c := Default()
	assert.True(t, c.IsHoliday(time.Date(2024, 7, 4, 15, 0, 0, 0, time.UTC)))
	assert.True(t, c.IsHoliday(time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.False(t, c.IsHoliday(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestFixedWithExplicitDates(t *testing.T) {
	c, err := NewFixed([]string{"12-25"}, []string{"2024-11-28"})
	require.NoError(t, err)
	assert.True(t, c.IsHoliday(time.Date(2024, 11, 28, 9, 0, 0, 0, time.UTC)))
	assert.False(t, c.IsHoliday(time.Date(2025, 11, 28, 9, 0, 0, 0, time.UTC)))
	assert.False(t, c.IsHoliday(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	_, err = NewFixed([]string{"13-40"}, nil)
	assert.Error(t, err)
}

func TestFunc(t *testing.T) {
	var c Calendar = Func(func(d time.Time) bool { return d.Weekday() == time.Monday })
	assert.True(t, c.IsHoliday(time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)))
}
