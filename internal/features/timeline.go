package features

import (
	"sort"
	"time"

	"github.com/langchou/evpulse/internal/models"
)

// Interval 半开区间 [Start, End)
type Interval struct {
	Start time.Time
	End   time.Time
}

// Minutes 区间长度 (分钟)
func (iv Interval) Minutes() float64 {
	return iv.End.Sub(iv.Start).Minutes()
}

// clip 与 [from, to) 求交集
func (iv Interval) clip(from, to time.Time) (Interval, bool) {
	if iv.Start.Before(from) {
		iv.Start = from
	}
	if iv.End.After(to) {
		iv.End = to
	}
	return iv, iv.End.After(iv.Start)
}

// Timeline 根据状态事件重建的充电桩状态区间
type Timeline struct {
	Downtime []Interval // 所有桩均不可运营
	Waiting  []Interval // 无空闲桩且至少一个桩占用
}

// BuildTimeline 重放 [from, to) 内的状态事件。
// from 之前的最近事件决定初始状态，无历史事件的桩视为空闲；
// PointID 为空的事件作用于全部桩；未结束的区间截断到 to。
func BuildTimeline(pointIDs []string, events []models.StatusEvent, from, to time.Time) Timeline {
	evs := make([]models.StatusEvent, len(events))
	copy(evs, events)
	sort.Slice(evs, func(i, j int) bool {
		a, b := evs[i], evs[j]
		if !a.RecordedAt.Equal(b.RecordedAt) {
			return a.RecordedAt.Before(b.RecordedAt)
		}
		if a.PointID != b.PointID {
			// 整站事件先应用，单桩事件覆盖
			return a.PointID < b.PointID
		}
		return a.Status < b.Status
	})

	points := pointSet(pointIDs, evs)
	state := make(map[string]models.PointStatus, len(points))
	for _, id := range points {
		state[id] = models.PointAvailable
	}
	apply := func(ev models.StatusEvent) {
		if ev.PointID == "" {
			for _, id := range points {
				state[id] = ev.Status
			}
			return
		}
		state[ev.PointID] = ev.Status
	}

	i := 0
	for ; i < len(evs) && evs[i].RecordedAt.Before(from); i++ {
		apply(evs[i])
	}

	var (
		tl           Timeline
		downSince    *time.Time
		waitingSince *time.Time
	)
	mark := func(now time.Time) {
		down, waiting := classify(points, state)
		downSince, tl.Downtime = track(down, downSince, now, tl.Downtime)
		waitingSince, tl.Waiting = track(waiting, waitingSince, now, tl.Waiting)
	}

	mark(from)
	for i < len(evs) && evs[i].RecordedAt.Before(to) {
		now := evs[i].RecordedAt
		for i < len(evs) && evs[i].RecordedAt.Equal(now) {
			apply(evs[i])
			i++
		}
		mark(now)
	}
	if downSince != nil {
		tl.Downtime = append(tl.Downtime, Interval{*downSince, to})
	}
	if waitingSince != nil {
		tl.Waiting = append(tl.Waiting, Interval{*waitingSince, to})
	}
	return tl
}

func track(active bool, since *time.Time, now time.Time, out []Interval) (*time.Time, []Interval) {
	switch {
	case active && since == nil:
		t := now
		return &t, out
	case !active && since != nil:
		if now.After(*since) {
			out = append(out, Interval{*since, now})
		}
		return nil, out
	}
	return since, out
}

func classify(points []string, state map[string]models.PointStatus) (down, waiting bool) {
	if len(points) == 0 {
		return false, false
	}
	down = true
	var available, occupied bool
	for _, id := range points {
		st := state[id]
		if st.Operational() {
			down = false
		}
		switch st {
		case models.PointAvailable:
			available = true
		case models.PointOccupied:
			occupied = true
		}
	}
	return down, !available && occupied
}

// pointSet 站点登记的桩加上事件中出现过的桩；全无时用整站作为单一桩
func pointSet(pointIDs []string, evs []models.StatusEvent) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if _, ok := seen[id]; ok || id == "" {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range pointIDs {
		add(id)
	}
	for _, ev := range evs {
		add(ev.PointID)
	}
	if len(out) == 0 {
		for _, ev := range evs {
			if ev.PointID == "" {
				return []string{"*"}
			}
		}
	}
	sort.Strings(out)
	return out
}

// Summarize 在 [from, to) 内汇总区间：次数、总分钟、平均分钟
func Summarize(intervals []Interval, from, to time.Time) (count int, total, avg float64) {
	for _, iv := range intervals {
		c, ok := iv.clip(from, to)
		if !ok {
			continue
		}
		count++
		total += c.Minutes()
	}
	if count > 0 {
		avg = total / float64(count)
	}
	return count, total, avg
}
