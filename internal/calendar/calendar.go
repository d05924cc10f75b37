package calendar

import (
	"fmt"
	"time"
)

// Calendar 节假日查询
type Calendar interface {
	IsHoliday(date time.Time) bool
}

// Func 函数适配器
type Func func(date time.Time) bool

// IsHoliday 实现 Calendar
func (f Func) IsHoliday(date time.Time) bool { return f(date) }

// DefaultMonthDays 默认固定节日：元旦、独立日、圣诞
var DefaultMonthDays = []string{"01-01", "07-04", "12-25"}

type monthDay struct {
	month time.Month
	day   int
}

// Fixed 固定日期节假日表：每年重复的月-日，加上指定的具体日期
type Fixed struct {
	monthDays map[monthDay]struct{}
	dates     map[string]struct{}
}

// NewFixed 解析 "MM-DD" 与 "YYYY-MM-DD" 两种格式
func NewFixed(monthDays, dates []string) (*Fixed, error) {
	c := &Fixed{
		monthDays: make(map[monthDay]struct{}, len(monthDays)),
		dates:     make(map[string]struct{}, len(dates)),
	}
	for _, s := range monthDays {
		t, err := time.Parse("01-02", s)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday %q: %w", s, err)
		}
		c.monthDays[monthDay{t.Month(), t.Day()}] = struct{}{}
	}
	for _, s := range dates {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", s, err)
		}
		c.dates[t.Format("2006-01-02")] = struct{}{}
	}
	return c, nil
}

// Default 默认节假日表
func Default() *Fixed {
	c, _ := NewFixed(DefaultMonthDays, nil)
	return c
}

// IsHoliday 按 date 自身时区的日历日判断
func (c *Fixed) IsHoliday(date time.Time) bool {
	if _, ok := c.monthDays[monthDay{date.Month(), date.Day()}]; ok {
		return true
	}
	_, ok := c.dates[date.Format("2006-01-02")]
	return ok
}
