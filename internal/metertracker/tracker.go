// Package metertracker 维护每个计数器码的最近观测值
// 并在数值变化时产出变化事件。单调计数器的回退不会被吞掉，
// 而是带suspect标记上报。
package metertracker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/sas-edge-agent/internal/config"
	"github.com/wfunc/sas-edge-agent/internal/logger"
)

// EventKindMeterChanged 计数器变化事件类型标识
const EventKindMeterChanged = "meter_changed"

// MeterReading 一次计数器读数
type MeterReading struct {
	Code       byte      `json:"code"`
	RawBCD     []byte    `json:"raw_bcd"`
	Value      uint64    `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// MeterChangedEvent 计数器变化事件
type MeterChangedEvent struct {
	MachineAddress byte      `json:"machine_address"`
	MeterCode      byte      `json:"meter_code"`
	MeterName      string    `json:"meter_name,omitempty"`
	OldValue       uint64    `json:"old_value"`
	NewValue       uint64    `json:"new_value"`
	Suspect        bool      `json:"suspect"`
	ObservedAt     time.Time `json:"observed_at"`
}

// EventSink 变化事件的接收方
// 由持久化队列实现，Enqueue必须快速返回，不在调用方线程上做网络I/O或日志写入。
type EventSink interface {
	Enqueue(kind string, body interface{}) error
}

// Tracker 计数器跟踪器
type Tracker struct {
	machineAddress byte
	listeners      map[byte]config.MeterListener
	last           map[byte]uint64
	seeded         map[byte]bool
	sink           EventSink
	mu             sync.Mutex
	logger         *zap.Logger
}

// NewTracker 创建计数器跟踪器
func NewTracker(machineAddress byte, listeners []config.MeterListener, sink EventSink) *Tracker {
	lm := make(map[byte]config.MeterListener, len(listeners))
	for _, l := range listeners {
		lm[l.Code] = l
	}
	return &Tracker{
		machineAddress: machineAddress,
		listeners:      lm,
		last:           make(map[byte]uint64),
		seeded:         make(map[byte]bool),
		sink:           sink,
		logger:         logger.GetModuleLogger("metertracker"),
	}
}

// Seed 预置计数器初值，不产生变化事件
// 启动时用首次2F轮询的结果调用，避免进程重启被记成一次跳变。
func (t *Tracker) Seed(code byte, value uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[code] = value
	t.seeded[code] = true
}

// IsSeeded 检查计数器是否已预置初值
func (t *Tracker) IsSeeded(code byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seeded[code]
}

// Observe 处理一次计数器读数
// 数值与上次相同不产生事件；不同则向队列发出变化事件。
// 单调计数器出现回退时事件带suspect标记，但不会被抑制。
func (t *Tracker) Observe(reading MeterReading) error {
	t.mu.Lock()

	old, known := t.last[reading.Code]
	if known && old == reading.Value {
		t.mu.Unlock()
		return nil
	}

	t.last[reading.Code] = reading.Value
	wasSeeded := t.seeded[reading.Code]
	t.seeded[reading.Code] = true
	listener := t.listeners[reading.Code]
	t.mu.Unlock()

	// 首次观测且未预置时只记录基线，不上报变化
	if !known && !wasSeeded {
		return nil
	}

	suspect := listener.Monotonic && reading.Value < old
	if suspect {
		t.logger.Warn("单调计数器出现回退",
			zap.String("meter", listener.Name),
			zap.Uint64("old", old),
			zap.Uint64("new", reading.Value))
	}

	logger.LogMeterChange(reading.Code, old, reading.Value, suspect)

	return t.sink.Enqueue(EventKindMeterChanged, &MeterChangedEvent{
		MachineAddress: t.machineAddress,
		MeterCode:      reading.Code,
		MeterName:      listener.Name,
		OldValue:       old,
		NewValue:       reading.Value,
		Suspect:        suspect,
		ObservedAt:     reading.ObservedAt,
	})
}

// LastValue 返回计数器的最近观测值
func (t *Tracker) LastValue(code byte) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.last[code]
	return v, ok
}

// Snapshot 返回所有计数器的当前值副本
func (t *Tracker) Snapshot() map[byte]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[byte]uint64, len(t.last))
	for k, v := range t.last {
		out[k] = v
	}
	return out
}
