package pollengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
	"github.com/wfunc/sas-edge-agent/internal/config"
	"github.com/wfunc/sas-edge-agent/internal/metertracker"
	"github.com/wfunc/sas-edge-agent/internal/sasproto"
)

// fakePort 脚本化的串口替身
// 每次Send消费一条脚本响应，Recv从该响应流中取字节，
// 流耗尽视为超时。
type fakePort struct {
	open      bool
	opens     int
	openFails int // 前N次Open失败

	sends     [][]byte
	responses [][]byte
	sendErrs  []error

	buf []byte
}

func (p *fakePort) Open() error {
	p.opens++
	if p.opens <= p.openFails {
		return agenterrors.New(agenterrors.DeviceGone, "模拟打开失败")
	}
	p.open = true
	return nil
}

func (p *fakePort) Send(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	p.sends = append(p.sends, cp)

	i := len(p.sends) - 1
	if i < len(p.sendErrs) && p.sendErrs[i] != nil {
		return p.sendErrs[i]
	}
	if i < len(p.responses) {
		p.buf = append([]byte{}, p.responses[i]...)
	} else {
		p.buf = nil
	}
	return nil
}

func (p *fakePort) Recv(n int, timeout time.Duration) ([]byte, error) {
	if len(p.buf) < n {
		return nil, agenterrors.Newf(agenterrors.Timeout, "期望 %d 字节，剩余 %d", n, len(p.buf))
	}
	out := p.buf[:n]
	p.buf = p.buf[n:]
	return out, nil
}

func (p *fakePort) Flush()       { p.buf = nil }
func (p *fakePort) Close() error { p.open = false; return nil }
func (p *fakePort) IsOpen() bool { return p.open }

// recordingSink 记录计数器事件的替身
type recordingSink struct {
	events []*metertracker.MeterChangedEvent
}

func (s *recordingSink) Enqueue(kind string, body interface{}) error {
	s.events = append(s.events, body.(*metertracker.MeterChangedEvent))
	return nil
}

// EngineTestSuite 轮询引擎测试套件
type EngineTestSuite struct {
	suite.Suite
	port    *fakePort
	sink    *recordingSink
	tracker *metertracker.Tracker
	engine  *Engine
}

var testMeters = []config.MeterListener{
	{Code: 0x11, Name: "coin_in", LengthBytes: 5, Monotonic: true},
	{Code: 0x12, Name: "coin_out", LengthBytes: 5, Monotonic: true},
}

func (suite *EngineTestSuite) SetupTest() {
	suite.port = &fakePort{open: true}
	suite.sink = &recordingSink{}
	suite.tracker = metertracker.NewTracker(0x01, testMeters, suite.sink)
	suite.engine = NewEngine(suite.port,
		config.SerialConfig{Address: 0x01, ResponseTimeout: 50 * time.Millisecond},
		config.PollConfig{Interval: time.Millisecond, MeterInterval: time.Millisecond, MaxRetries: 3, RetryBackoff: time.Millisecond, MailboxCapacity: 4},
		suite.tracker, testMeters)
}

// meterResponse 构造2F响应帧（长度字节只计BCD值字节）
func meterResponse(records []byte, valueBytes int) []byte {
	data := append([]byte{0x01, CommandMeterPoll, byte(valueBytes)}, records...)
	crc := sasproto.CRC16Kermit(data)
	return append(data, byte(crc), byte(crc>>8))
}

// 测试通用轮询单字节帧与异常分发
func (suite *EngineTestSuite) TestGeneralPoll() {
	suite.port.responses = [][]byte{{0x00}}
	code, err := suite.engine.generalPoll()
	suite.Require().NoError(err)
	suite.Equal(byte(0x00), code)

	// 通用轮询是地址置最高位的单字节帧
	suite.Equal([]byte{0x81}, suite.port.sends[0])
	suite.False(suite.engine.LastPollAt().IsZero())
}

// 测试2F计数器轮询解析（两个计数器，值12345和678）
func (suite *EngineTestSuite) TestMeterPollParse() {
	suite.tracker.Seed(0x11, 0)
	suite.tracker.Seed(0x12, 0)

	records := []byte{
		0x11, 0x00, 0x00, 0x01, 0x23, 0x45, // meter 0x11 = 12345
		0x12, 0x00, 0x00, 0x00, 0x06, 0x78, // meter 0x12 = 678
	}
	suite.port.responses = [][]byte{meterResponse(records, 0x0A)}

	suite.Require().NoError(suite.engine.meterPoll())

	// 请求帧：地址、2F、长度前缀的计数器码列表
	suite.Equal(sasproto.Encode(0x01, 0x2F, []byte{0x11, 0x12}, true), suite.port.sends[0])

	v, ok := suite.tracker.LastValue(0x11)
	suite.True(ok)
	suite.Equal(uint64(12345), v)
	v, _ = suite.tracker.LastValue(0x12)
	suite.Equal(uint64(678), v)

	suite.Require().Len(suite.sink.events, 2)
	suite.Equal(uint64(12345), suite.sink.events[0].NewValue)
	suite.Equal(uint64(678), suite.sink.events[1].NewValue)
}

// 测试2F响应CRC损坏时重试后成功
func (suite *EngineTestSuite) TestMeterPollRetryOnBadCRC() {
	suite.tracker.Seed(0x11, 0)
	suite.tracker.Seed(0x12, 0)

	records := []byte{
		0x11, 0x00, 0x00, 0x01, 0x23, 0x45,
		0x12, 0x00, 0x00, 0x00, 0x06, 0x78,
	}
	good := meterResponse(records, 0x0A)
	bad := append([]byte{}, good...)
	bad[len(bad)-1] ^= 0xFF

	suite.port.responses = [][]byte{bad, good}

	suite.Require().NoError(suite.engine.meterPoll())
	suite.Len(suite.port.sends, 2)
	suite.Len(suite.sink.events, 2)
}

// 测试重试耗尽返回LinkFault
func (suite *EngineTestSuite) TestRetryExhaustionLinkFault() {
	// 无响应：每次Recv都超时
	_, err := suite.engine.generalPoll()
	suite.True(agenterrors.Is(err, agenterrors.LinkFault))
	// 初始发送 + 3次重试
	suite.Len(suite.port.sends, 4)
}

// 测试链路恢复：重开成功后回到Polling且指令不丢失
func (suite *EngineTestSuite) TestLinkRecovery() {
	// 缩短退避序列避免测试等待
	saved := reopenBackoff
	reopenBackoff = []time.Duration{time.Millisecond, 2 * time.Millisecond}
	defer func() { reopenBackoff = saved }()

	suite.engine.setState(StateRecovering)
	suite.port.open = false
	suite.port.openFails = 2

	// 排一条指令，恢复后应仍在邮箱里
	suite.Require().NoError(suite.engine.Submit(&Command{Kind: CmdJackpot, Amount: 100}))

	// 第3次Open成功后的通用轮询响应
	suite.port.responses = [][]byte{{0x00}}

	suite.True(suite.engine.recover())
	suite.Equal(StatePolling, suite.engine.State())
	suite.Equal(3, suite.port.opens)
	suite.Equal(1, suite.engine.MailboxDepth())
}

// 测试AFT长轮询往返
func (suite *EngineTestSuite) TestAFTExchange() {
	respPayload := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x05, 0x00}
	suite.port.responses = [][]byte{sasproto.Encode(0x01, CommandAFT, respPayload, true)}

	got, err := suite.engine.aftExchange([]byte{0x00, 0x00, 0x00})
	suite.Require().NoError(err)
	suite.Equal(respPayload, got)

	// 请求为0x72长度前缀帧
	suite.Equal(sasproto.Encode(0x01, CommandAFT, []byte{0x00, 0x00, 0x00}, true), suite.port.sends[0])
}

// 测试彩金长轮询的ACK与NACK
func (suite *EngineTestSuite) TestJackpotExchange() {
	// ACK：EGM回显自身地址
	suite.port.responses = [][]byte{{0x01}}
	suite.Require().NoError(suite.engine.jackpotExchange(12345))

	// 负载为4字节BCD金额加组号
	expected := sasproto.Encode(0x01, CommandJackpot, []byte{0x00, 0x01, 0x23, 0x45, 0x00}, false)
	suite.Equal(expected, suite.port.sends[0])

	// NACK视为UnexpectedResponse，不做链路级重试
	suite.port.sends = nil
	suite.port.responses = [][]byte{{0x81}}
	err := suite.engine.jackpotExchange(12345)
	suite.True(agenterrors.Is(err, agenterrors.UnexpectedResponse))
	suite.Len(suite.port.sends, 1)
}

// 测试指令优先级：AFT状态查询先于彩金先于转账先于计数器
func (suite *EngineTestSuite) TestMailboxPriority() {
	m := newMailbox(4)
	suite.NoError(m.submit(&Command{Kind: CmdMeterPoll}))
	suite.NoError(m.submit(&Command{Kind: CmdAFTTransfer}))
	suite.NoError(m.submit(&Command{Kind: CmdJackpot}))
	suite.NoError(m.submit(&Command{Kind: CmdAFTInterrogate}))

	var order []CommandKind
	for cmd := m.next(); cmd != nil; cmd = m.next() {
		order = append(order, cmd.Kind)
	}
	suite.Equal([]CommandKind{CmdAFTInterrogate, CmdJackpot, CmdAFTTransfer, CmdMeterPoll}, order)
}

// 测试邮箱满时返回Busy
func (suite *EngineTestSuite) TestMailboxBusy() {
	m := newMailbox(1)
	suite.NoError(m.submit(&Command{Kind: CmdJackpot}))
	err := m.submit(&Command{Kind: CmdJackpot})
	suite.True(agenterrors.Is(err, agenterrors.Busy))
}

// 测试响应含未请求计数器码时报UnexpectedResponse
func (suite *EngineTestSuite) TestMeterPollUnknownCode() {
	records := []byte{
		0x33, 0x00, 0x00, 0x01, 0x23, 0x45,
		0x12, 0x00, 0x00, 0x00, 0x06, 0x78,
	}
	suite.port.responses = [][]byte{meterResponse(records, 0x0A)}

	err := suite.engine.meterPoll()
	suite.True(agenterrors.Is(err, agenterrors.UnexpectedResponse))
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
