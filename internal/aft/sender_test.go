package aft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
	"github.com/wfunc/sas-edge-agent/internal/config"
	"github.com/wfunc/sas-edge-agent/internal/sasproto"
)

// buildResponse 按0x72响应布局构造负载
func buildResponse(status TransferStatus, cashable, restricted, nonRestricted uint64, asset uint32, txid string) []byte {
	out := []byte{byte(status), 0x00}
	for _, amount := range []uint64{cashable, restricted, nonRestricted} {
		bcd, _ := sasproto.EncodeBCD(amount, 5)
		out = append(out, bcd...)
	}
	out = append(out, 0x00) // flags
	out = append(out, byte(asset), byte(asset>>8), byte(asset>>16), byte(asset>>24))
	out = append(out, byte(len(txid)))
	out = append(out, []byte(txid)...)
	return out
}

// scriptedLink 按脚本依次返回响应的链路替身
type scriptedLink struct {
	requests  [][]byte
	responses [][]byte
	errs      []error
}

func (l *scriptedLink) ExecuteAFT(ctx context.Context, payload []byte) ([]byte, error) {
	l.requests = append(l.requests, payload)
	i := len(l.requests) - 1
	if i < len(l.errs) && l.errs[i] != nil {
		return nil, l.errs[i]
	}
	if i >= len(l.responses) {
		i = len(l.responses) - 1
	}
	return l.responses[i], nil
}

// recordingSink 记录入队事件的测试替身
type recordingSink struct {
	kinds  []string
	events []*ResultEvent
}

func (s *recordingSink) Enqueue(kind string, body interface{}) error {
	s.kinds = append(s.kinds, kind)
	s.events = append(s.events, body.(*ResultEvent))
	return nil
}

// SenderTestSuite AFT发送器测试套件
type SenderTestSuite struct {
	suite.Suite
	sink *recordingSink
}

func (suite *SenderTestSuite) SetupTest() {
	suite.sink = &recordingSink{}
}

func (suite *SenderTestSuite) newSender(link Link) *Sender {
	return NewSender(link, suite.sink, config.AFTConfig{
		InterrogateInterval: 5 * time.Millisecond,
		RetryAttempts:       5,
		RetryInterval:       5 * time.Millisecond,
		TransferTimeout:     2 * time.Second,
	})
}

// 测试转账请求的二进制布局
func (suite *SenderTestSuite) TestEncodeTransferLayout() {
	req := Request{
		TransferType:   TransferInHouseToMachineCashable,
		CashableCents:  500,
		AssetNumber:    0x0000000A,
		TransactionID:  "TX1",
		ReceiptRequest: true,
	}
	suite.NoError(req.Validate())

	payload, err := req.encodeTransfer()
	suite.Require().NoError(err)

	// 转移代码、事务索引、转账类型
	suite.Equal(byte(0x00), payload[0])
	suite.Equal(byte(0x00), payload[1])
	suite.Equal(byte(0x00), payload[2])

	// 可提现金额 500 -> BCD 00 00 00 05 00
	suite.Equal([]byte{0x00, 0x00, 0x00, 0x05, 0x00}, payload[3:8])
	// 受限与非受限金额为零
	suite.Equal([]byte{0, 0, 0, 0, 0}, payload[8:13])
	suite.Equal([]byte{0, 0, 0, 0, 0}, payload[13:18])

	// 标志字节：仅凭条请求位
	suite.Equal(flagReceiptRequest, payload[18])

	// 资产编号小端
	suite.Equal([]byte{0x0A, 0x00, 0x00, 0x00}, payload[19:23])

	// 20字节注册密钥（非借记为全零）
	suite.Equal(make([]byte, 20), payload[23:43])

	// 事务ID长度前缀
	suite.Equal(byte(3), payload[43])
	suite.Equal("TX1", string(payload[44:47]))

	// 过期日期为0（不过期）
	suite.Equal([]byte{0, 0, 0, 0}, payload[47:51])
}

// 测试部分转账和锁定标志
func (suite *SenderTestSuite) TestEncodeFlagsAndPartial() {
	req := Request{
		TransferType:      TransferInHouseToMachineCashable,
		CashableCents:     100,
		PartialAllowed:    true,
		LockAfterTransfer: true,
		Expiration:        12312026, // MMDDYYYY
	}
	payload, err := req.encodeTransfer()
	suite.Require().NoError(err)

	suite.Equal(transferCodePartial, payload[0])
	suite.Equal(flagLockAfterTransfer, payload[18])

	// 过期日期BCD 12 31 20 26
	idLen := int(payload[43])
	exp := payload[44+idLen : 48+idLen]
	suite.Equal([]byte{0x12, 0x31, 0x20, 0x26}, exp)
}

// 测试首次查询即完成的转账（恰好一个结果事件）
func (suite *SenderTestSuite) TestSendHappyPath() {
	link := &scriptedLink{
		responses: [][]byte{
			buildResponse(StatusFullTransferComplete, 500, 0, 0, 0x0A, "TX1"),
		},
	}
	sender := suite.newSender(link)

	result, err := sender.Send(context.Background(), Request{
		TransferType:  TransferInHouseToMachineCashable,
		CashableCents: 500,
		AssetNumber:   0x0000000A,
		TransactionID: "TX1",
	})
	suite.Require().NoError(err)

	suite.Len(link.requests, 1)
	suite.Len(suite.sink.events, 1)
	suite.Equal(EventKindAFTResult, suite.sink.kinds[0])

	suite.Equal(TxCompleted, result.State)
	suite.Equal("TX1", result.TransactionID)
	suite.Equal(uint64(500), result.CashableCents)

	tx, ok := sender.GetTransaction("TX1")
	suite.True(ok)
	suite.Equal(TxCompleted, tx.State)
}

// 测试Pending状态切换到周期查询直到终态
func (suite *SenderTestSuite) TestSendPendingThenComplete() {
	link := &scriptedLink{
		responses: [][]byte{
			buildResponse(StatusPending, 0, 0, 0, 0x0A, "TX2"),
			buildResponse(StatusPending, 0, 0, 0, 0x0A, "TX2"),
			buildResponse(StatusFullTransferComplete, 500, 0, 0, 0x0A, "TX2"),
		},
	}
	sender := suite.newSender(link)

	result, err := sender.Send(context.Background(), Request{
		TransferType:  TransferInHouseToMachineCashable,
		CashableCents: 500,
		AssetNumber:   0x0A,
		TransactionID: "TX2",
	})
	suite.Require().NoError(err)

	// 一次转账请求 + 两次状态查询
	suite.Len(link.requests, 3)
	suite.Equal(transferCodeInterrogate, link.requests[1][0])
	suite.Equal(transferCodeInterrogate, link.requests[2][0])
	suite.Equal(TxCompleted, result.State)
	suite.Len(suite.sink.events, 1)
}

// 测试未就绪时有限重试且事务ID保持不变
func (suite *SenderTestSuite) TestSendNotReadyRetry() {
	link := &scriptedLink{
		responses: [][]byte{
			buildResponse(StatusMachineNotReady, 0, 0, 0, 0x0A, "TX3"),
			buildResponse(StatusMachineNotReady, 0, 0, 0, 0x0A, "TX3"),
			buildResponse(StatusFullTransferComplete, 200, 0, 0, 0x0A, "TX3"),
		},
	}
	sender := suite.newSender(link)

	result, err := sender.Send(context.Background(), Request{
		TransferType:  TransferInHouseToMachineCashable,
		CashableCents: 200,
		AssetNumber:   0x0A,
		TransactionID: "TX3",
	})
	suite.Require().NoError(err)
	suite.Equal(TxCompleted, result.State)

	// 三次都是完整的转账请求，事务ID一致
	suite.Len(link.requests, 3)
	for _, payload := range link.requests {
		suite.Equal(transferCodeFull, payload[0])
		idLen := int(payload[43])
		suite.Equal("TX3", string(payload[44:44+idLen]))
	}
}

// 测试重试耗尽返回MachineNotReady
func (suite *SenderTestSuite) TestSendRetryExhausted() {
	link := &scriptedLink{
		responses: [][]byte{
			buildResponse(StatusMachineNotReady, 0, 0, 0, 0x0A, "TX4"),
		},
	}
	sender := suite.newSender(link)

	_, err := sender.Send(context.Background(), Request{
		TransferType:  TransferInHouseToMachineCashable,
		CashableCents: 100,
		TransactionID: "TX4",
	})
	suite.True(agenterrors.Is(err, agenterrors.MachineNotReady))
	suite.Len(link.requests, 5)
}

// 测试拒绝状态返回AFTRejected并带结果事件
func (suite *SenderTestSuite) TestSendRejected() {
	link := &scriptedLink{
		responses: [][]byte{
			buildResponse(StatusAssetMismatch, 0, 0, 0, 0x0B, "TX5"),
		},
	}
	sender := suite.newSender(link)

	_, err := sender.Send(context.Background(), Request{
		TransferType:  TransferInHouseToMachineCashable,
		CashableCents: 100,
		TransactionID: "TX5",
	})
	suite.True(agenterrors.Is(err, agenterrors.AFTRejected))

	suite.Require().Len(suite.sink.events, 1)
	suite.Equal(TxRejected, suite.sink.events[0].State)
	suite.Equal(StatusAssetMismatch, suite.sink.events[0].Status)
}

// 测试取消流程
func (suite *SenderTestSuite) TestCancel() {
	link := &scriptedLink{
		responses: [][]byte{
			buildResponse(StatusPending, 0, 0, 0, 0x0A, "TX6"),
			buildResponse(StatusCancelled, 0, 0, 0, 0x0A, "TX6"),
		},
	}
	sender := suite.newSender(link)

	// 预登记事务再取消
	sender.mu.Lock()
	sender.transactions["TX6"] = &Transaction{
		Request: Request{TransactionID: "TX6", TransferType: TransferInHouseToMachineCashable, CashableCents: 100},
		State:   TxSent,
	}
	sender.mu.Unlock()

	result, err := sender.Cancel(context.Background(), "TX6")
	suite.Require().NoError(err)
	suite.Equal(TxCancelled, result.State)
	suite.Equal(transferCodeCancel, link.requests[0][0])
}

// 测试请求校验
func (suite *SenderTestSuite) TestValidate() {
	// 金额全零
	err := (&Request{TransferType: TransferInHouseToMachineCashable}).Validate()
	suite.True(agenterrors.Is(err, agenterrors.MalformedCommand))

	// 事务ID过长
	err = (&Request{
		CashableCents: 1,
		TransactionID: "012345678901234567890",
	}).Validate()
	suite.True(agenterrors.Is(err, agenterrors.MalformedCommand))

	// 借记转账缺少pos_id
	err = (&Request{
		TransferType:  TransferDebitToMachine,
		CashableCents: 1,
	}).Validate()
	suite.True(agenterrors.Is(err, agenterrors.MalformedCommand))
}

// 测试生成的事务ID唯一且不超长
func (suite *SenderTestSuite) TestGenerateTransactionID() {
	sender := suite.newSender(&scriptedLink{responses: [][]byte{{}}})
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := sender.GenerateTransactionID()
		suite.False(seen[id])
		suite.LessOrEqual(len(id), MaxTransactionIDLen)
		seen[id] = true
	}
}

func TestSenderTestSuite(t *testing.T) {
	suite.Run(t, new(SenderTestSuite))
}
