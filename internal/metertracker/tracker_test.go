package metertracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/wfunc/sas-edge-agent/internal/config"
)

// recordingSink 记录入队事件的测试替身
type recordingSink struct {
	events []*MeterChangedEvent
}

func (s *recordingSink) Enqueue(kind string, body interface{}) error {
	s.events = append(s.events, body.(*MeterChangedEvent))
	return nil
}

// TrackerTestSuite 计数器跟踪测试套件
type TrackerTestSuite struct {
	suite.Suite
	sink    *recordingSink
	tracker *Tracker
}

func (suite *TrackerTestSuite) SetupTest() {
	suite.sink = &recordingSink{}
	suite.tracker = NewTracker(0x01, []config.MeterListener{
		{Code: 0x11, Name: "coin_in", LengthBytes: 5, Monotonic: true},
		{Code: 0x7F, Name: "games_won", LengthBytes: 4, Monotonic: false},
	}, suite.sink)
}

func (suite *TrackerTestSuite) observe(code byte, value uint64) {
	suite.NoError(suite.tracker.Observe(MeterReading{
		Code:       code,
		Value:      value,
		ObservedAt: time.Now(),
	}))
}

// 测试严格递增序列产生严格递增的事件链
func (suite *TrackerTestSuite) TestMonotonicChain() {
	suite.tracker.Seed(0x11, 100)

	for _, v := range []uint64{110, 150, 151, 200} {
		suite.observe(0x11, v)
	}

	suite.Len(suite.sink.events, 4)
	prev := uint64(100)
	for _, ev := range suite.sink.events {
		suite.Equal(prev, ev.OldValue)
		suite.Greater(ev.NewValue, ev.OldValue)
		suite.False(ev.Suspect)
		prev = ev.NewValue
	}
}

// 测试相同数值不产生事件
func (suite *TrackerTestSuite) TestNoEventOnSameValue() {
	suite.tracker.Seed(0x11, 500)
	suite.observe(0x11, 500)
	suite.observe(0x11, 500)
	suite.Empty(suite.sink.events)
}

// 测试单调计数器回退恰好产生一个suspect事件
func (suite *TrackerTestSuite) TestMonotonicRollbackSuspect() {
	suite.tracker.Seed(0x11, 1000)
	suite.observe(0x11, 1200)
	suite.observe(0x11, 900)

	suite.Len(suite.sink.events, 2)
	suite.False(suite.sink.events[0].Suspect)

	rollback := suite.sink.events[1]
	suite.True(rollback.Suspect)
	suite.Equal(uint64(1200), rollback.OldValue)
	suite.Equal(uint64(900), rollback.NewValue)
}

// 测试非单调计数器回退不带suspect标记
func (suite *TrackerTestSuite) TestNonMonotonicRollback() {
	suite.tracker.Seed(0x7F, 50)
	suite.observe(0x7F, 30)

	suite.Len(suite.sink.events, 1)
	suite.False(suite.sink.events[0].Suspect)
}

// 测试未预置时首次观测只建立基线
func (suite *TrackerTestSuite) TestFirstObservationBaseline() {
	suite.observe(0x11, 700)
	suite.Empty(suite.sink.events)

	suite.observe(0x11, 710)
	suite.Len(suite.sink.events, 1)
	suite.Equal(uint64(700), suite.sink.events[0].OldValue)
}

// 测试事件携带机器地址和计数器名称
func (suite *TrackerTestSuite) TestEventFields() {
	suite.tracker.Seed(0x11, 0)
	suite.observe(0x11, 5)

	ev := suite.sink.events[0]
	suite.Equal(byte(0x01), ev.MachineAddress)
	suite.Equal(byte(0x11), ev.MeterCode)
	suite.Equal("coin_in", ev.MeterName)
	suite.False(ev.ObservedAt.IsZero())
}

func TestTrackerTestSuite(t *testing.T) {
	suite.Run(t, new(TrackerTestSuite))
}
