package ingress

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
)

// Envelope 后端消息信封
type Envelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
	Timestamp string          `json:"timestamp"` // unix秒的字符串形式
}

// Payload 指令负载
type Payload struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Verifier 消息签名与新鲜度校验器
// 签名输入为 timestamp + canonical_json(payload)，
// canonical JSON按键排序且无空白分隔符。
// nonce为 timestamp||sha256(payload)，窗口内重复视为重放。
type Verifier struct {
	apiKey []byte
	window time.Duration

	nonces map[string]time.Time
	mu     sync.Mutex

	// 注入时钟便于测试
	now func() time.Time
}

// NewVerifier 创建校验器
func NewVerifier(apiKey string, window time.Duration) *Verifier {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Verifier{
		apiKey: []byte(apiKey),
		window: window,
		nonces: make(map[string]time.Time),
		now:    time.Now,
	}
}

// canonicalJSON 规范化JSON：对象键排序、紧凑分隔符
// encoding/json对map的序列化本身按键排序且无空白，
// 往返一次即得到规范形式。必须关闭HTML转义：
// 后端签名方是Python的json.dumps，不转义 < > &，
// 默认的json.Marshal会把 < 转义成\u003c，导致跨语言签名不一致。
func canonicalJSON(raw json.RawMessage) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.MalformedCommand, "负载不是合法JSON")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.MalformedCommand, "负载规范化失败")
	}
	// Encoder总是追加换行
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign 计算消息签名（供测试和出站回执使用）
func (v *Verifier) Sign(timestamp string, payload json.RawMessage) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, v.apiKey)
	mac.Write([]byte(timestamp))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify 校验一条入站消息
// 按序检查：签名、时间戳新鲜度、nonce未重复。
// 任一失败返回对应错误码，消息应被丢弃并记录，绝不中断进程。
func (v *Verifier) Verify(env *Envelope) error {
	want, err := v.Sign(env.Timestamp, env.Payload)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(env.Signature)) {
		return agenterrors.New(agenterrors.SignatureInvalid)
	}

	ts, err := strconv.ParseInt(env.Timestamp, 10, 64)
	if err != nil {
		return agenterrors.Wrap(err, agenterrors.MalformedCommand, "时间戳字段无效")
	}
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prune(now)

	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > v.window {
		return agenterrors.Newf(agenterrors.StaleMessage, "偏差 %d 秒", skew)
	}

	// nonce：时间戳拼负载哈希
	sum := sha256.Sum256(env.Payload)
	nonce := env.Timestamp + "|" + hex.EncodeToString(sum[:])

	if _, seen := v.nonces[nonce]; seen {
		return agenterrors.New(agenterrors.ReplayedNonce)
	}
	v.nonces[nonce] = now
	return nil
}

// prune 清理窗口外的nonce
// 调用方必须持有v.mu。
func (v *Verifier) prune(now time.Time) {
	for nonce, seenAt := range v.nonces {
		if now.Sub(seenAt) > v.window {
			delete(v.nonces, nonce)
		}
	}
}
