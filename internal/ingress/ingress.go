// Package ingress 实现到后端的指令通道
// 维持一条持久的出站WebSocket连接：握手用JWT承载身份，
// 每条消息再单独做HMAC签名与新鲜度校验，校验通过的指令
// 翻译为轮询引擎操作。断线按指数退避重连。
package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wfunc/sas-edge-agent/internal/aft"
	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
	"github.com/wfunc/sas-edge-agent/internal/config"
	"github.com/wfunc/sas-edge-agent/internal/logger"
)

// CommandHandler 指令的最终执行方
// 由编排器实现，把指令桥接到轮询引擎的有界邮箱。
type CommandHandler interface {
	HandleJackpot(ctx context.Context, amountCents uint64) error
	HandleAFTSend(ctx context.Context, req aft.Request) (transactionID string, err error)
	HandleAFTCancel(ctx context.Context, transactionID string) error
}

// Response 出站回执
type Response struct {
	Status    int             `json:"status"`
	Result    interface{}     `json:"result"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// jackpotData 彩金指令负载
type jackpotData struct {
	AmountCents uint64 `json:"amount_cents"`
}

// aftSendData AFT转账指令负载
type aftSendData struct {
	TransferType       string `json:"transfer_type"`
	CashableCents      uint64 `json:"cashable_cents"`
	RestrictedCents    uint64 `json:"restricted_cents"`
	NonRestrictedCents uint64 `json:"non_restricted_cents"`
	AssetNumber        uint32 `json:"asset_number"`
	TransactionID      string `json:"transaction_id"`
	Expiration         uint32 `json:"expiration"`
	PoolID             uint16 `json:"pool_id"`
	ReceiptRequest     bool   `json:"receipt_request"`
	LockAfterTransfer  bool   `json:"lock_after_transfer"`
	PartialAllowed     bool   `json:"partial_allowed"`
}

// aftCancelData AFT取消指令负载
type aftCancelData struct {
	TransactionID string `json:"transaction_id"`
}

// transferTypeNames 指令中转账类型名到线路编码的映射
var transferTypeNames = map[string]aft.TransferType{
	"cashable":      aft.TransferInHouseToMachineCashable,
	"restricted":    aft.TransferInHouseToMachineRestricted,
	"nonrestricted": aft.TransferInHouseToMachineNonRestricted,
	"to_host":       aft.TransferMachineToInHouse,
	"bonus_coin":    aft.TransferBonusCoinOut,
	"bonus_jackpot": aft.TransferBonusJackpot,
	"debit":         aft.TransferDebitToMachine,
}

// Client 指令通道客户端
type Client struct {
	cfg      config.IngressConfig
	verifier *Verifier
	handler  CommandHandler
	logger   *zap.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewClient 创建指令通道客户端
func NewClient(cfg config.IngressConfig, handler CommandHandler) *Client {
	return &Client{
		cfg:      cfg,
		verifier: NewVerifier(cfg.APIKey, cfg.FreshnessWindow),
		handler:  handler,
		logger:   logger.GetModuleLogger("ingress"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start 启动连接循环
func (c *Client) Start() {
	go c.run()
}

// Stop 停止连接循环
// 关闭当前连接以解除读取阻塞。
func (c *Client) Stop() {
	close(c.stopCh)
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	<-c.doneCh
}

// run 连接与重连循环
// 断线后按1s起步、30s封顶的指数退避重连；
// 连接成功即复位退避。
func (c *Client) run() {
	defer close(c.doneCh)

	backoff := c.cfg.ReconnectMin
	if backoff <= 0 {
		backoff = time.Second
	}
	maxBackoff := c.cfg.ReconnectMax
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			c.logger.Warn("连接后端失败",
				zap.String("url", c.cfg.ServerURL),
				zap.Duration("retry_in", backoff),
				zap.Error(err))

			select {
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = c.cfg.ReconnectMin
		if backoff <= 0 {
			backoff = time.Second
		}
		c.logger.Info("指令通道已连接", zap.String("url", c.cfg.ServerURL))

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		c.readLoop(conn)

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}
}

// dial 建立WebSocket连接，握手携带Bearer令牌
func (c *Client) dial() (*websocket.Conn, error) {
	c.warnIfTokenExpired()

	header := http.Header{}
	if c.cfg.BearerToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.Dial(c.cfg.ServerURL, header)
	return conn, err
}

// warnIfTokenExpired 检查Bearer令牌是否已过期
// 令牌由后端离线签发，代理没有签名密钥，
// 只做不验签的声明解析用于提前告警。
func (c *Client) warnIfTokenExpired() {
	if c.cfg.BearerToken == "" {
		return
	}

	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(c.cfg.BearerToken, claims)
	if err != nil {
		c.logger.Warn("Bearer令牌解析失败", zap.Error(err))
		return
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return
	}
	if time.Until(exp.Time) < 0 {
		c.logger.Warn("Bearer令牌已过期，握手可能被拒绝",
			zap.Time("expired_at", exp.Time))
	}
}

// readLoop 消费入站消息直到连接断开
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("指令通道断开", zap.Error(err))
			return
		}

		resp := c.handleMessage(raw)
		if resp != nil {
			if err := conn.WriteJSON(resp); err != nil {
				c.logger.Warn("回执发送失败", zap.Error(err))
				return
			}
		}
	}
}

// handleMessage 校验并分发一条消息
// 任何校验或执行失败都只体现在回执里，不中断读取循环。
func (c *Client) handleMessage(raw []byte) *Response {
	now := time.Now().Unix()

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("消息信封解析失败", zap.Error(err))
		return c.response(400, map[string]string{"message": "Malformed envelope"}, nil, now)
	}

	if err := c.verifier.Verify(&env); err != nil {
		logger.LogIngressMessage("receive", "", false, err.Error())
		return c.response(statusForError(err), map[string]string{"message": err.Error()}, env.Payload, now)
	}

	var payload Payload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return c.response(400, map[string]string{"message": "Malformed payload"}, env.Payload, now)
	}

	result, status := c.dispatch(&payload)
	logger.LogIngressMessage("receive", payload.Action, status < 400, "")
	return c.response(status, result, env.Payload, now)
}

// dispatch 按action执行指令
func (c *Client) dispatch(payload *Payload) (interface{}, int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch payload.Action {
	case "ping":
		return map[string]string{"message": "pong"}, 200

	case "jackpot":
		var data jackpotData
		if err := json.Unmarshal(payload.Data, &data); err != nil || data.AmountCents == 0 {
			return map[string]string{"message": "Invalid jackpot data"}, 400
		}
		if err := c.handler.HandleJackpot(ctx, data.AmountCents); err != nil {
			return c.errorResult(err)
		}
		return map[string]string{"message": "Success"}, 200

	case "aft_send":
		var data aftSendData
		if err := json.Unmarshal(payload.Data, &data); err != nil {
			return map[string]string{"message": "Invalid AFT data"}, 400
		}
		transferType, ok := transferTypeNames[data.TransferType]
		if !ok {
			return map[string]string{"message": "Unknown transfer type"}, 400
		}
		txid, err := c.handler.HandleAFTSend(ctx, aft.Request{
			TransferType:       transferType,
			CashableCents:      data.CashableCents,
			RestrictedCents:    data.RestrictedCents,
			NonRestrictedCents: data.NonRestrictedCents,
			AssetNumber:        data.AssetNumber,
			TransactionID:      data.TransactionID,
			Expiration:         data.Expiration,
			PoolID:             data.PoolID,
			ReceiptRequest:     data.ReceiptRequest,
			LockAfterTransfer:  data.LockAfterTransfer,
			PartialAllowed:     data.PartialAllowed,
		})
		if err != nil {
			return c.errorResult(err)
		}
		return map[string]string{"message": "Accepted", "transaction_id": txid}, 200

	case "aft_cancel":
		var data aftCancelData
		if err := json.Unmarshal(payload.Data, &data); err != nil || data.TransactionID == "" {
			return map[string]string{"message": "Invalid cancel data"}, 400
		}
		if err := c.handler.HandleAFTCancel(ctx, data.TransactionID); err != nil {
			return c.errorResult(err)
		}
		return map[string]string{"message": "Cancelled"}, 200

	default:
		return map[string]string{"message": "Unknown action"}, 400
	}
}

// errorResult 把执行错误翻译为回执
func (c *Client) errorResult(err error) (interface{}, int) {
	return map[string]string{"message": err.Error()}, statusForError(err)
}

// statusForError 错误码到回执状态码的映射
func statusForError(err error) int {
	switch agenterrors.GetCode(err) {
	case agenterrors.SignatureInvalid:
		return 404
	case agenterrors.StaleMessage:
		return 408
	case agenterrors.ReplayedNonce:
		return 409
	case agenterrors.Busy:
		return 429
	case agenterrors.MalformedCommand:
		return 400
	default:
		return 500
	}
}

// response 构造回执
func (c *Client) response(status int, result interface{}, payload json.RawMessage, now int64) *Response {
	return &Response{
		Status:    status,
		Result:    result,
		Payload:   payload,
		Timestamp: strconv.FormatInt(now, 10),
	}
}
