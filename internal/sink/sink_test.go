package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
	"github.com/wfunc/sas-edge-agent/internal/config"
)

// fakeStore 可切换可用状态的远程存储替身
type fakeStore struct {
	mu        sync.Mutex
	available bool
	written   []QueuedEvent
}

func (f *fakeStore) Write(ctx context.Context, ev *QueuedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.available {
		return agenterrors.New(agenterrors.StoreUnavailable)
	}
	f.written = append(f.written, *ev)
	return nil
}

func (f *fakeStore) setAvailable(v bool) {
	f.mu.Lock()
	f.available = v
	f.mu.Unlock()
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

// SinkTestSuite 持久化队列测试套件
type SinkTestSuite struct {
	suite.Suite
	dir   string
	store *fakeStore
}

func (suite *SinkTestSuite) SetupTest() {
	suite.dir = suite.T().TempDir()
	suite.store = &fakeStore{available: true}
}

func (suite *SinkTestSuite) newSink(passphrase string) *Sink {
	s, err := NewSink(config.SinkConfig{
		JournalPath:          filepath.Join(suite.dir, "journal.log"),
		MaxJournalBytes:      1024 * 1024,
		DrainInterval:        time.Hour, // 测试手动触发补投
		EncryptionPassphrase: passphrase,
	}, suite.store)
	suite.Require().NoError(err)
	return s
}

// pump 同步消费入队缓冲（代替worker goroutine）
func (suite *SinkTestSuite) pump(s *Sink) {
	for {
		select {
		case ev := <-s.incoming:
			s.process(ev)
		default:
			return
		}
	}
}

// 测试日志记录编解码往返
func (suite *SinkTestSuite) TestJournalRoundTrip() {
	j, err := newJournal(filepath.Join(suite.dir, "j.log"), nil)
	suite.Require().NoError(err)

	events := []QueuedEvent{
		{Sequence: 1, Kind: "meter_changed", Body: []byte(`{"old":1,"new":2}`), FirstAttempt: time.Now(), Attempts: 1},
		{Sequence: 2, Kind: "aft_result", Body: []byte(`{"status":0}`), FirstAttempt: time.Now(), Attempts: 3},
	}
	for i := range events {
		suite.NoError(j.append(&events[i]))
	}

	loaded, err := j.load()
	suite.Require().NoError(err)
	suite.Require().Len(loaded, 2)
	for i := range events {
		suite.Equal(events[i].Sequence, loaded[i].Sequence)
		suite.Equal(events[i].Kind, loaded[i].Kind)
		suite.Equal(events[i].Body, loaded[i].Body)
		suite.Equal(events[i].Attempts, loaded[i].Attempts)
	}
}

// 测试崩溃残留的半条末行被截断
func (suite *SinkTestSuite) TestJournalTruncatedTail() {
	path := filepath.Join(suite.dir, "j.log")
	j, err := newJournal(path, nil)
	suite.Require().NoError(err)

	suite.NoError(j.append(&QueuedEvent{Sequence: 1, Kind: "meter_changed", Body: []byte("{}"), FirstAttempt: time.Now()}))

	// 模拟崩溃：追加半条记录
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	suite.Require().NoError(err)
	f.WriteString("2|meter_changed|123|0|e30")
	f.Close()

	loaded, err := j.load()
	suite.Require().NoError(err)
	suite.Len(loaded, 1)

	// 截断后再次加载干净
	loaded, err = j.load()
	suite.Require().NoError(err)
	suite.Len(loaded, 1)
}

// 测试中间记录损坏为致命错误
func (suite *SinkTestSuite) TestJournalMidCorruption() {
	path := filepath.Join(suite.dir, "j.log")
	j, err := newJournal(path, nil)
	suite.Require().NoError(err)

	suite.NoError(j.append(&QueuedEvent{Sequence: 1, Kind: "a", Body: []byte("{}"), FirstAttempt: time.Now()}))
	f, _ := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	f.WriteString("garbage line\n")
	f.Close()
	suite.NoError(j.append(&QueuedEvent{Sequence: 2, Kind: "a", Body: []byte("{}"), FirstAttempt: time.Now()}))

	_, err = j.load()
	suite.True(agenterrors.Is(err, agenterrors.JournalCorrupt))
}

// 测试远程在线时事件直接投递
func (suite *SinkTestSuite) TestDirectDelivery() {
	s := suite.newSink("")
	defer s.Close()

	suite.NoError(s.Enqueue("meter_changed", map[string]int{"new": 5}))
	suite.pump(s)

	suite.Equal(1, suite.store.count())
	suite.False(s.IsDegraded())
	suite.Equal(int64(0), s.JournalBytes())
}

// 测试远程离线时100条事件落盘，恢复后恰好100条按序补投且日志清空
func (suite *SinkTestSuite) TestJournalReplay() {
	s := suite.newSink("")
	defer s.Close()

	suite.store.setAvailable(false)
	for i := 0; i < 100; i++ {
		kind := "meter_changed"
		if i%2 == 1 {
			kind = "aft_result"
		}
		suite.Require().NoError(s.Enqueue(kind, map[string]int{"i": i}))
		suite.pump(s)
	}

	suite.True(s.IsDegraded())
	suite.Equal(100, s.Depth())
	suite.Greater(s.JournalBytes(), int64(0))
	suite.Equal(0, suite.store.count())

	// 恢复远程后补投
	suite.store.setAvailable(true)
	for i := 0; i < 10 && s.Depth() > 0; i++ {
		s.drainOnce()
	}

	suite.Equal(100, suite.store.count())
	suite.Equal(0, s.Depth())
	suite.Equal(int64(0), s.JournalBytes())
	suite.False(s.IsDegraded())

	// 每个kind内部保持入队顺序
	lastByKind := map[string]int{}
	for _, ev := range suite.store.written {
		var body map[string]int
		suite.NoError(json.Unmarshal(ev.Body, &body))
		if prev, ok := lastByKind[ev.Kind]; ok {
			suite.Greater(body["i"], prev)
		}
		lastByKind[ev.Kind] = body["i"]
	}
}

// 测试补投中途远程再次失败时保持队头顺序
func (suite *SinkTestSuite) TestDrainPartialFailure() {
	s := suite.newSink("")
	defer s.Close()

	suite.store.setAvailable(false)
	for i := 0; i < 5; i++ {
		suite.Require().NoError(s.Enqueue("meter_changed", map[string]int{"i": i}))
		suite.pump(s)
	}

	// 只恢复一轮后再断开
	suite.store.setAvailable(true)
	s.drainOnce()
	suite.Equal(5, suite.store.count())

	suite.store.setAvailable(false)
	suite.Require().NoError(s.Enqueue("meter_changed", map[string]int{"i": 5}))
	suite.pump(s)
	s.drainOnce()
	suite.Equal(1, s.Depth())
}

// 测试日志超限后拒绝新事件
func (suite *SinkTestSuite) TestJournalFull() {
	s, err := NewSink(config.SinkConfig{
		JournalPath:     filepath.Join(suite.dir, "small.log"),
		MaxJournalBytes: 200,
		DrainInterval:   time.Hour,
	}, suite.store)
	suite.Require().NoError(err)
	defer s.Close()

	suite.store.setAvailable(false)
	for i := 0; ; i++ {
		err := s.Enqueue("meter_changed", map[string]int{"i": i})
		suite.pump(s)
		if err != nil {
			suite.True(agenterrors.Is(err, agenterrors.JournalFull))
			break
		}
		suite.Require().Less(i, 100, "应在日志超限后拒绝")
	}
}

// 测试进程重启后从日志恢复投递
func (suite *SinkTestSuite) TestRestartRecovery() {
	s := suite.newSink("")
	suite.store.setAvailable(false)
	for i := 0; i < 7; i++ {
		suite.Require().NoError(s.Enqueue("meter_changed", map[string]int{"i": i}))
		suite.pump(s)
	}
	s.Close()

	// 重启：新实例应恢复7条未投递事件
	s2 := suite.newSink("")
	defer s2.Close()
	suite.Equal(7, s2.Depth())
	suite.True(s2.IsDegraded())

	suite.store.setAvailable(true)
	s2.drainOnce()
	suite.Equal(7, suite.store.count())
	suite.Equal(0, s2.Depth())
}

// 测试加密日志的落盘与恢复
func (suite *SinkTestSuite) TestEncryptedJournal() {
	s := suite.newSink("口令passphrase")
	suite.store.setAvailable(false)
	suite.Require().NoError(s.Enqueue("aft_result", map[string]string{"transaction_id": "TX1"}))
	suite.pump(s)
	s.Close()

	// 密文不应包含明文字段
	raw, err := os.ReadFile(filepath.Join(suite.dir, "journal.log"))
	suite.Require().NoError(err)
	suite.NotContains(string(raw), "TX1")

	s2 := suite.newSink("口令passphrase")
	defer s2.Close()
	suite.Equal(1, s2.Depth())

	suite.store.setAvailable(true)
	s2.drainOnce()
	suite.Require().Equal(1, suite.store.count())
	suite.Contains(string(suite.store.written[0].Body), "TX1")
}

// 测试第二个实例无法获取日志锁
func (suite *SinkTestSuite) TestJournalLock() {
	s := suite.newSink("")
	defer s.Close()

	_, err := NewSink(config.SinkConfig{
		JournalPath:     filepath.Join(suite.dir, "journal.log"),
		MaxJournalBytes: 1024,
		DrainInterval:   time.Hour,
	}, suite.store)
	suite.Error(err)
	suite.Contains(fmt.Sprint(err), "日志锁")
}

func TestSinkTestSuite(t *testing.T) {
	suite.Run(t, new(SinkTestSuite))
}
