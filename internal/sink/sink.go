// Package sink 实现后写持久化队列
// 事件先尝试同步写入远程存储，失败时落入本地追加日志，
// 后台重放器在连接恢复后按序补投。写入方（轮询线程）
// 只做入队，不在自身线程上执行任何网络或磁盘I/O。
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
	"github.com/wfunc/sas-edge-agent/internal/config"
	"github.com/wfunc/sas-edge-agent/internal/logger"
)

// RemoteWriter 远程存储写入接口
// 由store包的适配器实现，生产后端可提供自己的实现。
type RemoteWriter interface {
	Write(ctx context.Context, ev *QueuedEvent) error
}

// deliverTimeout 单次远程写入超时
const deliverTimeout = 3 * time.Second

// warnThreshold 日志占用告警阈值（占上限比例）
const warnThreshold = 0.8

// Sink 持久化队列
type Sink struct {
	cfg     config.SinkConfig
	writer  RemoteWriter
	journal *journal
	logger  *zap.Logger

	// 入队缓冲，worker消费
	incoming chan *QueuedEvent

	// 日志文件的内存镜像，按序号有序
	pending []QueuedEvent
	mu      sync.Mutex

	seq      uint64 // 下一个序号（原子）
	degraded int32  // 远程存储是否不可达（原子）
	warned   bool   // 80%告警只发一次，回落后复位

	lockFile *os.File

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewSink 创建持久化队列
// 打开日志文件并重放崩溃前未投递的记录；
// 中间记录校验失败返回JournalCorrupt，由入口进程终止。
func NewSink(cfg config.SinkConfig, writer RemoteWriter) (*Sink, error) {
	var cipher *recordCipher
	if cfg.EncryptionPassphrase != "" {
		var err error
		cipher, err = newRecordCipher(cfg.EncryptionPassphrase, cfg.JournalPath+".salt")
		if err != nil {
			return nil, err
		}
	}

	j, err := newJournal(cfg.JournalPath, cipher)
	if err != nil {
		return nil, err
	}

	lockFile, err := acquireJournalLock(cfg.JournalPath)
	if err != nil {
		return nil, err
	}

	pending, err := j.load()
	if err != nil {
		releaseJournalLock(lockFile)
		return nil, err
	}

	var maxSeq uint64
	for i := range pending {
		if pending[i].Sequence > maxSeq {
			maxSeq = pending[i].Sequence
		}
	}

	s := &Sink{
		cfg:      cfg,
		writer:   writer,
		journal:  j,
		logger:   logger.GetModuleLogger("sink"),
		incoming: make(chan *QueuedEvent, 256),
		pending:  pending,
		seq:      maxSeq + 1,
		lockFile: lockFile,
		stopCh:   make(chan struct{}),
	}

	if len(pending) > 0 {
		atomic.StoreInt32(&s.degraded, 1)
		s.logger.Info("从本地日志恢复未投递事件",
			zap.Int("count", len(pending)),
			zap.String("journal", cfg.JournalPath))
	}

	return s, nil
}

// Start 启动投递worker和重放器
func (s *Sink) Start() {
	s.wg.Add(2)
	go s.worker()
	go s.drainer()
}

// Enqueue 接收一条事件
// 非阻塞：事件进入内存缓冲后立即返回成功，实际投递由worker完成。
// 日志超过大小上限或缓冲已满时返回JournalFull，调用方上报后继续轮询。
func (s *Sink) Enqueue(kind string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return agenterrors.Wrap(err, agenterrors.StoreWriteFailed, "序列化事件")
	}

	if s.journal.size() >= s.cfg.MaxJournalBytes {
		return agenterrors.Newf(agenterrors.JournalFull, "日志已达 %d 字节上限", s.cfg.MaxJournalBytes)
	}

	ev := &QueuedEvent{
		Sequence:     atomic.AddUint64(&s.seq, 1) - 1,
		Kind:         kind,
		Body:         raw,
		FirstAttempt: time.Now(),
	}

	select {
	case s.incoming <- ev:
		return nil
	default:
		return agenterrors.New(agenterrors.JournalFull, "内存缓冲已满")
	}
}

// IsDegraded 远程存储当前是否不可达（正在走本地日志）
func (s *Sink) IsDegraded() bool {
	return atomic.LoadInt32(&s.degraded) == 1
}

// Depth 返回未投递事件总数
func (s *Sink) Depth() int {
	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	return n + len(s.incoming)
}

// JournalBytes 返回日志文件当前字节数
func (s *Sink) JournalBytes() int64 {
	return s.journal.size()
}

// worker 消费入队缓冲
// 远程存储健康时直接投递；不可达或有积压时落盘，
// 保证新事件不越过日志中更早的事件。
func (s *Sink) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case ev := <-s.incoming:
			s.process(ev)
		}
	}
}

// process 投递或落盘一条事件
func (s *Sink) process(ev *QueuedEvent) {
	// 有积压时必须排队，避免乱序
	if s.IsDegraded() {
		s.spill(ev)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	err := s.writer.Write(ctx, ev)
	cancel()

	if err != nil {
		s.logger.Warn("远程写入失败，转入本地日志",
			zap.Uint64("sequence", ev.Sequence),
			zap.String("kind", ev.Kind),
			zap.Error(err))
		atomic.StoreInt32(&s.degraded, 1)
		s.spill(ev)
	}
}

// spill 将事件追加到本地日志
func (s *Sink) spill(ev *QueuedEvent) {
	ev.Attempts++
	if err := s.journal.append(ev); err != nil {
		// 磁盘也写不进时只能丢弃并记录，轮询不能因此停止
		s.logger.Error("本地日志写入失败，事件丢弃",
			zap.Uint64("sequence", ev.Sequence),
			zap.Error(err))
		return
	}

	s.mu.Lock()
	s.pending = append(s.pending, *ev)
	s.mu.Unlock()

	s.checkUsage()
}

// checkUsage 日志占用超过80%时发出一次告警
func (s *Sink) checkUsage() {
	size := s.journal.size()
	ratio := float64(size) / float64(s.cfg.MaxJournalBytes)

	if ratio >= warnThreshold && !s.warned {
		s.warned = true
		s.logger.Warn("本地日志占用超过80%",
			zap.Int64("bytes", size),
			zap.Int64("max_bytes", s.cfg.MaxJournalBytes))
	} else if ratio < warnThreshold {
		s.warned = false
	}
}

// drainer 后台重放器
// 按固定间隔加抖动从队头开始补投，成功一条移除一条；
// 第一条失败即停止本轮，保持每个kind内的入队顺序。
func (s *Sink) drainer() {
	defer s.wg.Done()

	interval := s.cfg.DrainInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		jitter := time.Duration(rand.Int63n(int64(interval) / 5))
		select {
		case <-s.stopCh:
			return
		case <-time.After(interval + jitter):
			s.drainOnce()
		}
	}
}

// drainOnce 补投一轮
func (s *Sink) drainOnce() {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		if s.IsDegraded() {
			// 积压清空后探测远程是否恢复由下一条事件完成
			atomic.StoreInt32(&s.degraded, 0)
		}
		return
	}
	batch := make([]QueuedEvent, len(s.pending))
	copy(batch, s.pending)
	s.mu.Unlock()

	delivered := 0
	for i := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		err := s.writer.Write(ctx, &batch[i])
		cancel()
		if err != nil {
			batch[i].Attempts++
			break
		}
		delivered++
	}

	if delivered == 0 {
		return
	}

	s.mu.Lock()
	s.pending = s.pending[delivered:]
	remaining := make([]QueuedEvent, len(s.pending))
	copy(remaining, s.pending)
	s.mu.Unlock()

	// 整体重写完成压缩；条目为空时日志随之清空
	if err := s.journal.rewrite(remaining); err != nil {
		s.logger.Error("日志压缩失败", zap.Error(err))
	}

	s.logger.Info("本地日志补投完成",
		zap.Int("delivered", delivered),
		zap.Int("remaining", len(remaining)))

	if len(remaining) == 0 {
		atomic.StoreInt32(&s.degraded, 0)
	}
	s.checkUsage()
}

// Flush 将内存缓冲中尚未处理的事件落盘
// 关闭流程调用，保证进程退出不丢事件。
func (s *Sink) Flush() {
	for {
		select {
		case ev := <-s.incoming:
			s.spill(ev)
		default:
			return
		}
	}
}

// Close 停止队列并释放日志锁
func (s *Sink) Close() {
	s.stopped.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.Flush()
	releaseJournalLock(s.lockFile)
	s.lockFile = nil
}

// acquireJournalLock 获取日志文件的咨询锁
// 独占创建锁文件；超过5分钟未更新的陈旧锁视为上个进程崩溃残留。
func acquireJournalLock(journalPath string) (*os.File, error) {
	lockPath := journalPath + ".lock"

	for i := 0; i < 3; i++ {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
		if err == nil {
			fmt.Fprintf(lockFile, "%d\n", os.Getpid())
			return lockFile, nil
		}

		if info, statErr := os.Stat(lockPath); statErr == nil {
			if time.Since(info.ModTime()) > 5*time.Minute {
				os.Remove(lockPath)
				continue
			}
		}

		time.Sleep(time.Second)
	}

	return nil, agenterrors.Newf(agenterrors.JournalCorrupt, "无法获取日志锁 %s，可能有其他实例在运行", lockPath)
}

// releaseJournalLock 释放日志锁
func releaseJournalLock(lockFile *os.File) {
	if lockFile == nil {
		return
	}
	lockPath := lockFile.Name()
	lockFile.Close()
	os.Remove(lockPath)
}
