// Package aft 实现AFT（自动资金转移）转账子协议
// 构造0x72长轮询的二进制请求、跟踪事务ID、解释状态回复，
// 并驱动 Pending → Sent → 终态 的事务状态机。
// 命令码与标志位位置按SAS 6.03约定固定。
package aft

import (
	"time"

	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
	"github.com/wfunc/sas-edge-agent/internal/sasproto"
)

// CommandAFT AFT长轮询命令码
const CommandAFT byte = 0x72

// MaxTransactionIDLen 事务ID最大长度
const MaxTransactionIDLen = 20

// MaxAmountCents 单个金额字段上限（5字节BCD）
const MaxAmountCents uint64 = 9999999999

// TransferType 转账类型
type TransferType byte

// 转账类型线路编码
// 可提现与非受限转入在线路上共用0x00（场内转入游戏机），
// 区别仅在于哪个金额字段非零；受限转入使用0x20。
const (
	TransferInHouseToMachineCashable      TransferType = 0x00 // 场内可提现额度转入游戏机
	TransferBonusCoinOut                  TransferType = 0x10 // 奖励投币
	TransferBonusJackpot                  TransferType = 0x11 // 奖励彩金
	TransferInHouseToMachineRestricted    TransferType = 0x20 // 受限额度转入（出票）
	TransferDebitToMachine                TransferType = 0x40 // 借记账户转入游戏机
	TransferDebitToTicket                 TransferType = 0x60 // 借记账户出票
	TransferMachineToInHouse              TransferType = 0x80 // 游戏机余额转回场内
	TransferWinToHost                     TransferType = 0x90 // 赢额转回场内
	TransferInHouseToMachineNonRestricted              = TransferInHouseToMachineCashable
)

// 转移代码（请求首字节）
const (
	transferCodeFull        byte = 0x00 // 仅允许全额转账
	transferCodePartial     byte = 0x01 // 允许部分转账
	transferCodeCancel      byte = 0x80 // 取消未决转账
	transferCodeInterrogate byte = 0xFF // 查询当前事务状态
)

// 转账标志位
const (
	flagReceiptRequest    byte = 0x80 // 要求打印凭条
	flagLockAfterTransfer byte = 0x40 // 转账后锁定游戏机
	flagCustomTicketData  byte = 0x20 // 携带自定义票面数据
)

// TransferStatus EGM返回的转账状态字节
type TransferStatus byte

// 状态码（SAS表8.3e）
const (
	StatusFullTransferComplete    TransferStatus = 0x00
	StatusPartialTransferComplete TransferStatus = 0x01
	StatusPending                 TransferStatus = 0x40
	StatusCancelled               TransferStatus = 0x80
	StatusMachineUnable           TransferStatus = 0x81
	StatusNotValidFunction        TransferStatus = 0x82
	StatusAmountExceedsLimit      TransferStatus = 0x84
	StatusMachineNotReady         TransferStatus = 0x87
	StatusAssetMismatch           TransferStatus = 0x93
	StatusExpired                 TransferStatus = 0x94
	StatusNoTransferInfo          TransferStatus = 0xFF
)

// statusDescriptions 状态码可读描述
var statusDescriptions = map[TransferStatus]string{
	StatusFullTransferComplete:    "全额转账完成",
	StatusPartialTransferComplete: "部分转账完成",
	StatusPending:                 "等待主机确认",
	StatusCancelled:               "已取消",
	StatusMachineUnable:           "游戏机无法执行转账",
	StatusNotValidFunction:        "无效的转账功能",
	StatusAmountExceedsLimit:      "金额超出上限",
	StatusMachineNotReady:         "游戏机未就绪",
	StatusAssetMismatch:           "资产编号不匹配",
	StatusExpired:                 "转账已过期",
	StatusNoTransferInfo:          "无可用事务信息",
}

// Describe 返回状态码的可读描述
func (s TransferStatus) Describe() string {
	if d, ok := statusDescriptions[s]; ok {
		return d
	}
	return "未知状态"
}

// IsTerminal 判断是否为终态
func (s TransferStatus) IsTerminal() bool {
	switch s {
	case StatusFullTransferComplete, StatusPartialTransferComplete,
		StatusCancelled, StatusExpired:
		return true
	case StatusPending:
		return false
	}
	// 其余均为拒绝类终态，NotReady和MachineUnable除外（可重试）
	return s != StatusMachineNotReady && s != StatusMachineUnable
}

// IsRetryable 判断是否为可重试的瞬时状态
func (s TransferStatus) IsRetryable() bool {
	return s == StatusMachineNotReady || s == StatusMachineUnable
}

// TxState 事务生命周期状态
type TxState int

// 事务状态
const (
	TxPending TxState = iota // 已接受，尚未发往EGM
	TxSent                   // 已发出，等待终态
	TxCompleted
	TxRejected
	TxExpired
	TxCancelled
)

// String 实现Stringer接口
func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxSent:
		return "sent"
	case TxCompleted:
		return "completed"
	case TxRejected:
		return "rejected"
	case TxExpired:
		return "expired"
	case TxCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Request AFT转账请求
type Request struct {
	TransferType       TransferType
	CashableCents      uint64
	RestrictedCents    uint64
	NonRestrictedCents uint64
	AssetNumber        uint32
	TransactionID      string // 为空时由发送器生成
	Expiration         uint32 // MMDDYYYY，0表示不过期
	PoolID             uint16
	ReceiptRequest     bool
	LockAfterTransfer  bool
	PartialAllowed     bool
	CustomTicketData   bool

	// 借记类转账的补充字段
	PosID                 *uint16
	RegistrationKey       [20]byte
	LockTimeoutHundredths uint16

	ReceiptData []byte
}

// Validate 校验请求参数
func (r *Request) Validate() error {
	if r.CashableCents == 0 && r.RestrictedCents == 0 && r.NonRestrictedCents == 0 {
		return agenterrors.New(agenterrors.MalformedCommand, "至少一个金额必须非零")
	}
	for _, amount := range []uint64{r.CashableCents, r.RestrictedCents, r.NonRestrictedCents} {
		if amount > MaxAmountCents {
			return agenterrors.Newf(agenterrors.MalformedCommand, "金额 %d 超出5字节BCD上限", amount)
		}
	}
	if len(r.TransactionID) > MaxTransactionIDLen {
		return agenterrors.Newf(agenterrors.MalformedCommand, "事务ID超过%d字符", MaxTransactionIDLen)
	}
	if (r.TransferType == TransferDebitToMachine || r.TransferType == TransferDebitToTicket) && r.PosID == nil {
		return agenterrors.New(agenterrors.MalformedCommand, "借记类转账必须提供pos_id")
	}
	return nil
}

// encodeTransfer 构造0x72转账请求负载
// 布局：转移代码、事务索引、转账类型、三个5字节BCD金额、
// 标志字节、资产编号（小端4字节）、20字节注册密钥、
// 事务ID（长度前缀）、4字节BCD过期日期、池ID、凭条数据、锁定超时。
func (r *Request) encodeTransfer() ([]byte, error) {
	code := transferCodeFull
	if r.PartialAllowed {
		code = transferCodePartial
	}

	out := make([]byte, 0, 64+len(r.TransactionID)+len(r.ReceiptData))
	out = append(out, code, 0x00, byte(r.TransferType))

	for _, amount := range []uint64{r.CashableCents, r.RestrictedCents, r.NonRestrictedCents} {
		bcd, err := sasproto.EncodeBCD(amount, 5)
		if err != nil {
			return nil, err
		}
		out = append(out, bcd...)
	}

	var flags byte
	if r.ReceiptRequest {
		flags |= flagReceiptRequest
	}
	if r.LockAfterTransfer {
		flags |= flagLockAfterTransfer
	}
	if r.CustomTicketData {
		flags |= flagCustomTicketData
	}
	out = append(out, flags)

	// 资产编号，小端
	out = append(out,
		byte(r.AssetNumber),
		byte(r.AssetNumber>>8),
		byte(r.AssetNumber>>16),
		byte(r.AssetNumber>>24))

	// 注册密钥，非借记类转账为全零
	out = append(out, r.RegistrationKey[:]...)

	// 事务ID
	out = append(out, byte(len(r.TransactionID)))
	out = append(out, []byte(r.TransactionID)...)

	// 过期日期 MMDDYYYY，0表示不过期
	expBCD, err := sasproto.EncodeBCD(uint64(r.Expiration), 4)
	if err != nil {
		return nil, err
	}
	out = append(out, expBCD...)

	// 池ID，大端
	out = append(out, byte(r.PoolID>>8), byte(r.PoolID))

	// 凭条数据（长度前缀）
	out = append(out, byte(len(r.ReceiptData)))
	out = append(out, r.ReceiptData...)

	// 锁定超时，2字节BCD（百分之一秒）
	lockBCD, err := sasproto.EncodeBCD(uint64(r.LockTimeoutHundredths), 2)
	if err != nil {
		return nil, err
	}
	out = append(out, lockBCD...)

	return out, nil
}

// encodeInterrogate 构造状态查询负载
func encodeInterrogate() []byte {
	return []byte{transferCodeInterrogate, 0x00}
}

// encodeCancel 构造取消请求负载
func encodeCancel() []byte {
	return []byte{transferCodeCancel, 0x00}
}

// Response 解析后的0x72响应
type Response struct {
	Status             TransferStatus
	ReceiptStatus      byte
	CashableCents      uint64
	RestrictedCents    uint64
	NonRestrictedCents uint64
	Flags              byte
	AssetNumber        uint32
	TransactionID      string
}

// parseResponse 解析0x72响应负载
// 布局与请求对应：状态、凭条状态、三个5字节BCD金额、
// 标志、资产编号、事务ID（长度前缀）。
func parseResponse(payload []byte) (*Response, error) {
	if len(payload) < 23 {
		return nil, agenterrors.Newf(agenterrors.UnexpectedResponse, "AFT响应过短: %d 字节", len(payload))
	}

	resp := &Response{
		Status:             TransferStatus(payload[0]),
		ReceiptStatus:      payload[1],
		CashableCents:      sasproto.DecodeBCD(payload[2:7]),
		RestrictedCents:    sasproto.DecodeBCD(payload[7:12]),
		NonRestrictedCents: sasproto.DecodeBCD(payload[12:17]),
		Flags:              payload[17],
		AssetNumber: uint32(payload[18]) |
			uint32(payload[19])<<8 |
			uint32(payload[20])<<16 |
			uint32(payload[21])<<24,
	}

	idLen := int(payload[22])
	if idLen > MaxTransactionIDLen || 23+idLen > len(payload) {
		return nil, agenterrors.Newf(agenterrors.UnexpectedResponse, "事务ID长度 %d 越界", idLen)
	}
	resp.TransactionID = string(payload[23 : 23+idLen])

	return resp, nil
}

// EventKindAFTResult AFT结果事件类型标识
const EventKindAFTResult = "aft_result"

// ResultEvent AFT终态事件
// 携带原始请求字段和结果，写入持久化队列。
type ResultEvent struct {
	TransactionID      string         `json:"transaction_id"`
	TransferType       TransferType   `json:"transfer_type"`
	CashableCents      uint64         `json:"cashable_cents"`
	RestrictedCents    uint64         `json:"restricted_cents"`
	NonRestrictedCents uint64         `json:"non_restricted_cents"`
	AssetNumber        uint32         `json:"asset_number"`
	State              TxState        `json:"state"`
	Status             TransferStatus `json:"status"`
	StatusText         string         `json:"status_text"`
	ObservedAt         time.Time      `json:"observed_at"`
}
