package aft

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
	"github.com/wfunc/sas-edge-agent/internal/config"
	"github.com/wfunc/sas-edge-agent/internal/logger"
)

// Link AFT发送器到轮询引擎的通道
// ExecuteAFT把0x72长轮询排入链路并返回解码后的响应负载，
// 链路级重试（CRC、超时）由轮询引擎处理。
type Link interface {
	ExecuteAFT(ctx context.Context, payload []byte) ([]byte, error)
}

// EventSink 终态事件的接收方
type EventSink interface {
	Enqueue(kind string, body interface{}) error
}

// Transaction 发送器跟踪的一笔事务
type Transaction struct {
	Request    Request
	State      TxState
	LastStatus TransferStatus
	UpdatedAt  time.Time
}

// Sender AFT转账发送器
// 同一时刻只驱动一笔转账，保证单个事务ID的状态迁移严格有序。
type Sender struct {
	link   Link
	sink   EventSink
	cfg    config.AFTConfig
	logger *zap.Logger

	transactions map[string]*Transaction
	mu           sync.Mutex

	// 事务ID生成计数器
	counter uint64

	// 当前在途转账数（供诊断接口读取）
	inFlight int32
}

// NewSender 创建AFT发送器
func NewSender(link Link, sink EventSink, cfg config.AFTConfig) *Sender {
	if cfg.InterrogateInterval <= 0 {
		cfg.InterrogateInterval = 500 * time.Millisecond
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 30 * time.Second
	}
	return &Sender{
		link:         link,
		sink:         sink,
		cfg:          cfg,
		logger:       logger.GetModuleLogger("aft"),
		transactions: make(map[string]*Transaction),
	}
}

// GenerateTransactionID 生成唯一事务ID
// 格式为 {毫秒时间戳}-{计数器}，快速重试下仍不碰撞。
func (s *Sender) GenerateTransactionID() string {
	n := atomic.AddUint64(&s.counter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixMilli(), n)
}

// InFlightCount 返回当前在途转账数
func (s *Sender) InFlightCount() int {
	return int(atomic.LoadInt32(&s.inFlight))
}

// GetTransaction 查询事务状态
func (s *Sender) GetTransaction(transactionID string) (*Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[transactionID]
	if !ok {
		return nil, false
	}
	cp := *tx
	return &cp, true
}

// Send 执行一笔AFT转账直至终态
// 流程：发出转账请求并读取状态回显；处于Pending时按固定间隔
// 发出状态查询直到终态；瞬时的未就绪状态做有限次协议级重试，
// 重试期间事务ID保持不变。终态事件写入持久化队列后返回。
func (s *Sender) Send(ctx context.Context, req Request) (*ResultEvent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.TransactionID == "" {
		req.TransactionID = s.GenerateTransactionID()
	}

	s.mu.Lock()
	if existing, ok := s.transactions[req.TransactionID]; ok && existing.State != TxPending {
		s.mu.Unlock()
		return nil, agenterrors.Newf(agenterrors.MalformedCommand, "事务ID %s 已在处理中", req.TransactionID)
	}
	s.transactions[req.TransactionID] = &Transaction{
		Request:   req,
		State:     TxPending,
		UpdatedAt: time.Now(),
	}
	s.mu.Unlock()

	atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)

	logger.LogAFTEvent(req.TransactionID, "transfer_start",
		zap.Uint64("cashable_cents", req.CashableCents),
		zap.Uint8("transfer_type", byte(req.TransferType)))

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TransferTimeout)
	defer cancel()

	payload, err := req.encodeTransfer()
	if err != nil {
		s.setState(req.TransactionID, TxRejected, 0)
		return nil, err
	}

	var lastStatus TransferStatus
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		resp, err := s.exchange(ctx, payload)
		if err != nil {
			s.setState(req.TransactionID, TxRejected, lastStatus)
			return nil, err
		}
		s.setState(req.TransactionID, TxSent, resp.Status)
		lastStatus = resp.Status

		// 未就绪类状态：保持事务ID原样等待后重发
		if resp.Status.IsRetryable() {
			s.logger.Warn("游戏机未就绪，等待重试",
				zap.String("transaction_id", req.TransactionID),
				zap.Int("attempt", attempt),
				zap.String("status", resp.Status.Describe()))
			if attempt == s.cfg.RetryAttempts {
				break
			}
			select {
			case <-ctx.Done():
				return nil, agenterrors.Wrap(ctx.Err(), agenterrors.MachineNotReady, "重试等待中断")
			case <-time.After(s.cfg.RetryInterval):
			}
			continue
		}

		// 未决状态：轮询查询直到终态
		if resp.Status == StatusPending {
			resp, err = s.interrogateUntilTerminal(ctx, req.TransactionID)
			if err != nil {
				return nil, err
			}
		}

		return s.finish(&req, resp)
	}

	s.setState(req.TransactionID, TxRejected, lastStatus)
	return nil, agenterrors.Newf(agenterrors.MachineNotReady,
		"事务 %s 重试 %d 次后仍未就绪", req.TransactionID, s.cfg.RetryAttempts)
}

// Cancel 取消未决转账
// EGM确认取消（状态0x80）前事务不视为终态。
func (s *Sender) Cancel(ctx context.Context, transactionID string) (*ResultEvent, error) {
	s.mu.Lock()
	tx, ok := s.transactions[transactionID]
	if !ok {
		s.mu.Unlock()
		return nil, agenterrors.Newf(agenterrors.MalformedCommand, "未知事务ID %s", transactionID)
	}
	req := tx.Request
	s.mu.Unlock()

	logger.LogAFTEvent(transactionID, "cancel_request")

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TransferTimeout)
	defer cancel()

	resp, err := s.exchange(ctx, encodeCancel())
	if err != nil {
		return nil, err
	}

	// 取消尚未生效时继续查询
	if !resp.Status.IsTerminal() {
		resp, err = s.interrogateUntilTerminal(ctx, transactionID)
		if err != nil {
			return nil, err
		}
	}

	return s.finish(&req, resp)
}

// interrogateUntilTerminal 周期性发出状态查询直到终态
func (s *Sender) interrogateUntilTerminal(ctx context.Context, transactionID string) (*Response, error) {
	ticker := time.NewTicker(s.cfg.InterrogateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, agenterrors.Newf(agenterrors.Timeout, "事务 %s 等待终态超时", transactionID)
		case <-ticker.C:
		}

		resp, err := s.exchange(ctx, encodeInterrogate())
		if err != nil {
			return nil, err
		}
		s.setState(transactionID, TxSent, resp.Status)

		if resp.Status.IsTerminal() {
			return resp, nil
		}
	}
}

// exchange 通过链路发出负载并解析响应
func (s *Sender) exchange(ctx context.Context, payload []byte) (*Response, error) {
	raw, err := s.link.ExecuteAFT(ctx, payload)
	if err != nil {
		return nil, err
	}
	return parseResponse(raw)
}

// finish 记录终态并发出结果事件
func (s *Sender) finish(req *Request, resp *Response) (*ResultEvent, error) {
	state := stateForStatus(resp.Status)
	s.setState(req.TransactionID, state, resp.Status)

	event := &ResultEvent{
		TransactionID:      req.TransactionID,
		TransferType:       req.TransferType,
		CashableCents:      resp.CashableCents,
		RestrictedCents:    resp.RestrictedCents,
		NonRestrictedCents: resp.NonRestrictedCents,
		AssetNumber:        req.AssetNumber,
		State:              state,
		Status:             resp.Status,
		StatusText:         resp.Status.Describe(),
		ObservedAt:         time.Now(),
	}

	logger.LogAFTEvent(req.TransactionID, "transfer_terminal",
		zap.String("state", state.String()),
		zap.String("status", resp.Status.Describe()))

	if err := s.sink.Enqueue(EventKindAFTResult, event); err != nil {
		s.logger.Error("AFT结果入队失败",
			zap.String("transaction_id", req.TransactionID),
			zap.Error(err))
	}

	if state == TxRejected {
		return event, agenterrors.Newf(agenterrors.AFTRejected, "状态 0x%02X: %s", byte(resp.Status), resp.Status.Describe())
	}
	return event, nil
}

// setState 更新事务状态
func (s *Sender) setState(transactionID string, state TxState, status TransferStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.transactions[transactionID]; ok {
		tx.State = state
		tx.LastStatus = status
		tx.UpdatedAt = time.Now()
	}
}

// stateForStatus 状态码到事务终态的映射
func stateForStatus(status TransferStatus) TxState {
	switch status {
	case StatusFullTransferComplete, StatusPartialTransferComplete:
		return TxCompleted
	case StatusCancelled:
		return TxCancelled
	case StatusExpired:
		return TxExpired
	default:
		return TxRejected
	}
}
