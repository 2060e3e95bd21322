// Package pollengine 实现SAS链路状态机
// 在专用goroutine上跑单一确定性循环：通用轮询（R型）、
// 长轮询（S型，ACK/NACK）、计数器轮询（2F），并把其他组件的
// 出站指令串行化到链路上。任一时刻链路上只有一帧在途。
package pollengine

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
	"github.com/wfunc/sas-edge-agent/internal/config"
	"github.com/wfunc/sas-edge-agent/internal/logger"
	"github.com/wfunc/sas-edge-agent/internal/metertracker"
	"github.com/wfunc/sas-edge-agent/internal/sasproto"
	"github.com/wfunc/sas-edge-agent/internal/serialtransport"
)

// SAS命令码
const (
	cmdGeneralPollBit byte = 0x80 // 通用轮询：地址字节置最高位
	CommandMeterPoll  byte = 0x2F // 选定计数器轮询
	CommandJackpot    byte = 0x8A // 彩金控制（带复位）
	CommandAFT        byte = 0x72 // AFT转账
)

// State 链路状态
type State int32

// 链路状态定义
const (
	StateClosed State = iota
	StateOpening
	StatePolling
	StateRecovering
	StateStopped
)

// String 实现Stringer接口
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StatePolling:
		return "polling"
	case StateRecovering:
		return "recovering"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// reopenBackoff 传输层重开的退避序列，封顶5秒
var reopenBackoff = []time.Duration{
	100 * time.Millisecond,
	400 * time.Millisecond,
	1600 * time.Millisecond,
	5 * time.Second,
}

// ExceptionHandler 通用轮询异常码的处理函数
type ExceptionHandler func(code byte)

// Engine 轮询引擎
// 独占持有串口传输，其他组件只能经邮箱指令使用链路。
// 计数器状态由传入的跟踪器持有，AFT事务表由aft.Sender持有，均不在引擎内。
type Engine struct {
	cfg     config.PollConfig
	serial  config.SerialConfig
	port    serialtransport.Port
	tracker *metertracker.Tracker
	meters  []config.MeterListener
	mailbox *mailbox
	logger  *zap.Logger

	state      int32 // State（原子）
	lastPollAt int64 // 最近一次成功轮询的UnixNano（原子）

	handlers   map[byte]ExceptionHandler
	handlersMu sync.RWMutex

	lastMeterPoll time.Time

	stopCh  chan struct{}
	stopped sync.Once
	doneCh  chan struct{}
}

// NewEngine 创建轮询引擎
func NewEngine(port serialtransport.Port, serialCfg config.SerialConfig, pollCfg config.PollConfig,
	tracker *metertracker.Tracker, meters []config.MeterListener) *Engine {
	if pollCfg.Interval <= 0 {
		pollCfg.Interval = 40 * time.Millisecond
	}
	if pollCfg.MeterInterval <= 0 {
		pollCfg.MeterInterval = time.Second
	}
	if pollCfg.MaxRetries <= 0 {
		pollCfg.MaxRetries = 3
	}
	if pollCfg.RetryBackoff <= 0 {
		pollCfg.RetryBackoff = 20 * time.Millisecond
	}
	if pollCfg.MailboxCapacity <= 0 {
		pollCfg.MailboxCapacity = 64
	}

	return &Engine{
		cfg:      pollCfg,
		serial:   serialCfg,
		port:     port,
		tracker:  tracker,
		meters:   meters,
		mailbox:  newMailbox(pollCfg.MailboxCapacity),
		logger:   logger.GetModuleLogger("pollengine"),
		handlers: make(map[byte]ExceptionHandler),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// State 返回当前链路状态
func (e *Engine) State() State {
	return State(atomic.LoadInt32(&e.state))
}

func (e *Engine) setState(s State) {
	old := State(atomic.SwapInt32(&e.state, int32(s)))
	if old != s {
		e.logger.Info("链路状态变更",
			zap.String("from", old.String()),
			zap.String("to", s.String()))
	}
}

// LastPollAt 返回最近一次成功轮询的时间
func (e *Engine) LastPollAt() time.Time {
	ns := atomic.LoadInt64(&e.lastPollAt)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// MailboxDepth 返回待处理指令数
func (e *Engine) MailboxDepth() int {
	return e.mailbox.depth()
}

// OnException 注册通用轮询异常码处理函数
func (e *Engine) OnException(code byte, handler ExceptionHandler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[code] = handler
}

// Submit 把一条指令排入邮箱
// 队列已满返回Busy，调用方（指令通道）据此回复后端重试。
func (e *Engine) Submit(cmd *Command) error {
	if e.State() == StateStopped {
		return agenterrors.New(agenterrors.LinkFault, "引擎已停止")
	}
	return e.mailbox.submit(cmd)
}

// ExecuteAFT 实现aft.Link：把0x72长轮询排入链路并等待响应负载
// 状态查询请求优先于新转账，保证未决事务尽快到达终态。
func (e *Engine) ExecuteAFT(ctx context.Context, payload []byte) ([]byte, error) {
	kind := CmdAFTTransfer
	if len(payload) > 0 && payload[0] == 0xFF {
		kind = CmdAFTInterrogate
	}

	cmd := &Command{
		Kind:    kind,
		Payload: payload,
		Reply:   make(chan Result, 1),
	}
	if err := e.Submit(cmd); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, agenterrors.Wrap(ctx.Err(), agenterrors.Timeout, "等待AFT指令执行")
	case res := <-cmd.Reply:
		return res.Payload, res.Err
	}
}

// SubmitJackpot 把彩金控制指令排入链路并等待ACK
func (e *Engine) SubmitJackpot(ctx context.Context, amountCents uint64) error {
	cmd := &Command{
		Kind:   CmdJackpot,
		Amount: amountCents,
		Reply:  make(chan Result, 1),
	}
	if err := e.Submit(cmd); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return agenterrors.Wrap(ctx.Err(), agenterrors.Timeout, "等待彩金指令执行")
	case res := <-cmd.Reply:
		return res.Err
	}
}

// Start 在专用goroutine上启动轮询循环
func (e *Engine) Start() {
	go e.run()
}

// Stop 请求停止并等待循环退出
// 当前在途帧会先完成，上限1秒。
func (e *Engine) Stop() {
	e.stopped.Do(func() {
		close(e.stopCh)
	})

	select {
	case <-e.doneCh:
	case <-time.After(time.Second):
		e.logger.Warn("轮询循环未在1秒内退出，强制关闭串口")
	}
	e.port.Close()
	e.setState(StateStopped)
	e.mailbox.drainAll(agenterrors.New(agenterrors.LinkFault, "引擎已停止"))
}

// run 主循环
func (e *Engine) run() {
	defer close(e.doneCh)

	e.setState(StateOpening)

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		switch e.State() {
		case StateOpening, StateRecovering:
			if !e.recover() {
				return
			}
		case StatePolling:
			if err := e.cycle(); err != nil {
				e.logger.Error("链路故障，进入恢复", zap.Error(err))
				e.port.Close()
				e.setState(StateRecovering)
			}
		default:
			return
		}
	}
}

// recover 重开传输并等待首个成功的通用轮询
// 退避序列100ms/400ms/1.6s，封顶5s；每个退避间隔只记录一条心跳日志。
// 返回false表示收到停止信号。
func (e *Engine) recover() bool {
	for attempt := 0; ; attempt++ {
		backoff := reopenBackoff[len(reopenBackoff)-1]
		if attempt < len(reopenBackoff) {
			backoff = reopenBackoff[attempt]
		}

		if err := e.port.Open(); err == nil {
			e.port.Flush()
			if _, err := e.generalPoll(); err == nil {
				e.setState(StatePolling)
				return true
			}
			e.port.Close()
		}

		e.logger.Info("链路恢复中",
			zap.Int("attempt", attempt+1),
			zap.Duration("next_backoff", backoff))

		select {
		case <-e.stopCh:
			return false
		case <-time.After(backoff):
		}
	}
}

// cycle 一轮轮询
// 通用轮询 → 分发异常 → 最多取一条指令执行 → 按需计数器轮询。
func (e *Engine) cycle() error {
	exception, err := e.generalPoll()
	if err != nil {
		return err
	}
	if exception != 0x00 {
		e.dispatchException(exception)
	}

	// 两次通用轮询之间最多执行一条指令，保持轮询节奏
	if cmd := e.mailbox.next(); cmd != nil {
		e.execute(cmd)
	} else if time.Since(e.lastMeterPoll) >= e.cfg.MeterInterval && len(e.meters) > 0 {
		if err := e.meterPoll(); err != nil {
			if agenterrors.Is(err, agenterrors.LinkFault) {
				return err
			}
			e.logger.Warn("计数器轮询失败", zap.Error(err))
		}
		e.lastMeterPoll = time.Now()
	}

	select {
	case <-e.stopCh:
		return nil
	case <-time.After(e.cfg.Interval):
	}
	return nil
}

// generalPoll 发出通用轮询并读取异常码
// 通用轮询是单字节帧：地址置最高位，响应为1字节异常码（00为无）。
func (e *Engine) generalPoll() (byte, error) {
	frame := []byte{cmdGeneralPollBit | e.serial.Address}
	resp, err := e.withRetries(frame, 1)
	if err != nil {
		return 0, err
	}
	atomic.StoreInt64(&e.lastPollAt, time.Now().UnixNano())
	return resp[0], nil
}

// dispatchException 分发异常码给注册的处理函数
func (e *Engine) dispatchException(code byte) {
	e.handlersMu.RLock()
	handler := e.handlers[code]
	e.handlersMu.RUnlock()

	if handler != nil {
		handler(code)
	} else {
		e.logger.Debug("收到未注册的异常码", zap.Uint8("exception", code))
	}
}

// execute 执行一条出站指令并回传结果
func (e *Engine) execute(cmd *Command) {
	switch cmd.Kind {
	case CmdAFTTransfer, CmdAFTInterrogate:
		payload, err := e.aftExchange(cmd.Payload)
		cmd.reply(payload, err)
	case CmdJackpot:
		err := e.jackpotExchange(cmd.Amount)
		cmd.reply(nil, err)
	case CmdMeterPoll:
		err := e.meterPoll()
		cmd.reply(nil, err)
	}
}

// aftExchange 发出0x72长轮询并解码响应
func (e *Engine) aftExchange(payload []byte) ([]byte, error) {
	frame := sasproto.Encode(e.serial.Address, CommandAFT, payload, true)

	var respPayload []byte
	err := e.framedExchange(frame, func() error {
		// 先读地址和命令码，再按长度前缀读完剩余部分
		head, err := e.port.Recv(2, e.serial.ResponseTimeout)
		if err != nil {
			return err
		}
		if head[0] != e.serial.Address || head[1] != CommandAFT {
			return agenterrors.Newf(agenterrors.UnexpectedResponse,
				"期望 %02X 72，收到 %02X %02X", e.serial.Address, head[0], head[1])
		}

		lenByte, err := e.port.Recv(1, e.serial.ResponseTimeout)
		if err != nil {
			return err
		}
		rest, err := e.port.Recv(int(lenByte[0])+2, e.serial.ResponseTimeout)
		if err != nil {
			return err
		}

		full := append(append(head, lenByte...), rest...)
		payload, _, derr := sasproto.Decode(bytes.NewReader(full),
			sasproto.CommandSpec{Command: CommandAFT, LengthPrefixed: true})
		if derr != nil {
			return derr
		}
		respPayload = payload
		return nil
	})
	if err != nil {
		return nil, err
	}
	return respPayload, nil
}

// jackpotExchange 发出彩金控制长轮询并等待ACK
// 负载为4字节BCD金额（8位十进制）加组号0x00，
// EGM以回显自身地址表示ACK。
func (e *Engine) jackpotExchange(amountCents uint64) error {
	amountBCD, err := sasproto.EncodeBCD(amountCents, 4)
	if err != nil {
		return err
	}
	payload := append(amountBCD, 0x00)
	frame := sasproto.Encode(e.serial.Address, CommandJackpot, payload, false)

	return e.framedExchange(frame, func() error {
		resp, err := e.port.Recv(1, e.serial.ResponseTimeout)
		if err != nil {
			return err
		}
		if resp[0] != e.serial.Address {
			return agenterrors.Newf(agenterrors.UnexpectedResponse, "NACK: 0x%02X", resp[0])
		}
		return nil
	})
}

// meterPoll 发出2F计数器轮询并解析响应
// 请求负载为计数器码列表；响应布局为
// 地址 || 2F || 长度 || (码 || BCD值){n} || CRC，
// 长度字节只统计BCD值字节数，不含计数器码。
func (e *Engine) meterPoll() error {
	codes := make([]byte, len(e.meters))
	valueBytes := 0
	for i, m := range e.meters {
		codes[i] = m.Code
		valueBytes += m.LengthBytes
	}
	frame := sasproto.Encode(e.serial.Address, CommandMeterPoll, codes, true)

	var records []byte
	err := e.framedExchange(frame, func() error {
		head, err := e.port.Recv(3, e.serial.ResponseTimeout)
		if err != nil {
			return err
		}
		if head[0] != e.serial.Address || head[1] != CommandMeterPoll {
			return agenterrors.Newf(agenterrors.UnexpectedResponse,
				"期望 %02X 2F，收到 %02X %02X", e.serial.Address, head[0], head[1])
		}
		if int(head[2]) != valueBytes {
			return agenterrors.Newf(agenterrors.UnexpectedResponse,
				"长度字节 %d，期望 %d", head[2], valueBytes)
		}

		body, err := e.port.Recv(valueBytes+len(codes)+2, e.serial.ResponseTimeout)
		if err != nil {
			return err
		}

		// CRC覆盖地址、命令码、长度和全部记录
		n := len(body) - 2
		check := append(append([]byte{}, head...), body[:n]...)
		want := uint16(body[n]) | uint16(body[n+1])<<8
		if got := sasproto.CRC16Kermit(check); got != want {
			return agenterrors.Newf(agenterrors.BadCRC, "calc=0x%04X recv=0x%04X", got, want)
		}

		records = body[:n]
		return nil
	})
	if err != nil {
		return err
	}

	return e.parseMeterRecords(records)
}

// parseMeterRecords 按配置的每计数器长度切分记录并交给跟踪器
func (e *Engine) parseMeterRecords(records []byte) error {
	lengths := make(map[byte]int, len(e.meters))
	for _, m := range e.meters {
		lengths[m.Code] = m.LengthBytes
	}

	now := time.Now()
	pos := 0
	for pos < len(records) {
		code := records[pos]
		length, ok := lengths[code]
		if !ok {
			return agenterrors.Newf(agenterrors.UnexpectedResponse, "响应含未请求的计数器码 0x%02X", code)
		}
		if pos+1+length > len(records) {
			return agenterrors.Newf(agenterrors.UnexpectedResponse, "计数器 0x%02X 的记录被截断", code)
		}

		raw := records[pos+1 : pos+1+length]
		if err := e.tracker.Observe(metertracker.MeterReading{
			Code:       code,
			RawBCD:     raw,
			Value:      sasproto.DecodeBCD(raw),
			ObservedAt: now,
		}); err != nil {
			// 队列拒绝不中断轮询，计数器下次变化会重新上报
			e.logger.Warn("计数器事件入队被拒", zap.Error(err))
		}
		pos += 1 + length
	}

	return nil
}

// framedExchange 发送一帧并执行读取函数，带链路级重试
// BadCRC和Timeout按配置的次数原地重试（固定退避），
// 重试耗尽返回LinkFault；DeviceGone立即升级为LinkFault。
func (e *Engine) framedExchange(frame []byte, read func() error) error {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(e.cfg.RetryBackoff)
			e.port.Flush()
		}

		if err := e.port.Send(frame); err != nil {
			lastErr = err
			if agenterrors.Is(err, agenterrors.DeviceGone) {
				break
			}
			continue
		}

		err := read()
		if err == nil {
			atomic.StoreInt64(&e.lastPollAt, time.Now().UnixNano())
			return nil
		}
		lastErr = err

		logger.LogFrameExchange(frame[min(1, len(frame)-1)], frame, nil, err)

		if agenterrors.Is(err, agenterrors.DeviceGone) {
			break
		}
		if !agenterrors.IsRetryable(err) {
			return err
		}
	}

	return agenterrors.New(agenterrors.LinkFault, "重试耗尽").WithCause(lastErr)
}

// withRetries framedExchange的定长读取便捷形式
func (e *Engine) withRetries(frame []byte, respLen int) ([]byte, error) {
	var resp []byte
	err := e.framedExchange(frame, func() error {
		r, err := e.port.Recv(respLen, e.serial.ResponseTimeout)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}
