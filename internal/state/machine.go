package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/langchou/evpulse/internal/models"
)

// 异常生命周期状态
const (
	StateNone     = "none"
	StateOpen     = "open"
	StateResolved = "resolved"
)

// 事件常量
const (
	EventDetect = "detect" // 超过阈值，新建异常
	EventClear  = "clear"  // 条件消失，标记已解决
	EventReset  = "reset"  // 已解决的异常归档，等待下一次发生
)

// Key 生命周期键：(station, anomaly type)
type Key struct {
	StationID string
	Type      models.AnomalyType
}

func (k Key) String() string {
	return k.StationID + "/" + string(k.Type)
}

// Machine 单个 (station, type) 的异常状态机
type Machine struct {
	mu           sync.RWMutex
	key          Key
	fsm          *fsm.FSM
	record       *models.AnomalyRecord
	since        time.Time
	onTransition func(key Key, from, to string)
}

// NewMachine 创建状态机；open 非 nil 时从 open 状态开始
func NewMachine(key Key, open *models.AnomalyRecord, onTransition func(key Key, from, to string)) *Machine {
	initial := StateNone
	m := &Machine{key: key, onTransition: onTransition}
	if open != nil && !open.Resolved {
		initial = StateOpen
		rec := *open
		m.record = &rec
		m.since = open.DetectedAt
	}

	m.fsm = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: EventDetect, Src: []string{StateNone}, Dst: StateOpen},
			{Name: EventClear, Src: []string{StateOpen}, Dst: StateResolved},
			{Name: EventReset, Src: []string{StateResolved}, Dst: StateNone},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onTransition != nil && e.Src != e.Dst {
					m.onTransition(m.key, e.Src, e.Dst)
				}
			},
		},
	)
	return m
}

// CurrentState 当前状态
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// Record 当前或最近一次的异常记录副本
func (m *Machine) Record() *models.AnomalyRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.record == nil {
		return nil
	}
	rec := *m.record
	return &rec
}

// Since 进入当前记录的时间
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Open 打开新的异常记录。已解决的状态先归档再重新打开。
// 已处于 open 状态时返回 false，不产生重复记录。
func (m *Machine) Open(rec models.AnomalyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.fsm.Current() {
	case StateOpen:
		return false, nil
	case StateResolved:
		if err := m.trigger(EventReset); err != nil {
			return false, err
		}
	}
	if err := m.trigger(EventDetect); err != nil {
		return false, err
	}
	rec.StationID = m.key.StationID
	rec.Type = m.key.Type
	rec.Resolved = false
	rec.ResolvedAt = nil
	m.record = &rec
	m.since = rec.DetectedAt
	return true, nil
}

// Resolve 将打开的记录标记为已解决，返回更新后的记录。
// 不处于 open 状态时返回 nil。
func (m *Machine) Resolve(at time.Time) (*models.AnomalyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fsm.Current() != StateOpen {
		return nil, nil
	}
	if err := m.trigger(EventClear); err != nil {
		return nil, err
	}
	resolvedAt := at
	m.record.Resolved = true
	m.record.ResolvedAt = &resolvedAt
	m.since = at
	rec := *m.record
	return &rec, nil
}

// CanTransition 检查是否可以转换
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}

func (m *Machine) trigger(event string) error {
	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("trigger event %s for %s: %w", event, m.key, err)
	}
	return nil
}

// Manager key→状态机映射
type Manager struct {
	mu       sync.RWMutex
	machines map[Key]*Machine
	onChange func(key Key, from, to string)
}

// NewManager 创建管理器
func NewManager(onChange func(key Key, from, to string)) *Manager {
	return &Manager{
		machines: make(map[Key]*Machine),
		onChange: onChange,
	}
}

// Seed 用存储中的未解决记录初始化；同一 key 有多条时保留最新的一条
func (m *Manager) Seed(open []models.AnomalyRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest := make(map[Key]models.AnomalyRecord, len(open))
	for _, rec := range open {
		if rec.Resolved {
			continue
		}
		k := Key{StationID: rec.StationID, Type: rec.Type}
		if prev, ok := latest[k]; ok && !rec.DetectedAt.After(prev.DetectedAt) {
			continue
		}
		latest[k] = rec
	}
	for k, rec := range latest {
		rec := rec
		m.machines[k] = NewMachine(k, &rec, m.onChange)
	}
}

// GetOrCreate 获取或创建状态机
func (m *Manager) GetOrCreate(key Key) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if machine, ok := m.machines[key]; ok {
		return machine
	}
	machine := NewMachine(key, nil, m.onChange)
	m.machines[key] = machine
	return machine
}

// Get 获取状态机
func (m *Manager) Get(key Key) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[key]
	return machine, ok
}

// OpenRecords 所有处于 open 状态的记录，按 key 排序
func (m *Manager) OpenRecords() []models.AnomalyRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.AnomalyRecord
	for _, machine := range m.machines {
		if machine.CurrentState() == StateOpen {
			out = append(out, *machine.Record())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StationID != out[j].StationID {
			return out[i].StationID < out[j].StationID
		}
		return out[i].Type < out[j].Type
	})
	return out
}
