package pollengine

import (
	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
)

// CommandKind 指令类型，数值即优先级（越小越先发）
type CommandKind int

// 指令类型定义
const (
	CmdAFTInterrogate CommandKind = iota // AFT状态查询
	CmdJackpot                           // 彩金控制
	CmdAFTTransfer                       // AFT转账
	CmdMeterPoll                         // 计数器轮询
)

// String 实现Stringer接口
func (k CommandKind) String() string {
	switch k {
	case CmdAFTInterrogate:
		return "aft_interrogate"
	case CmdJackpot:
		return "jackpot"
	case CmdAFTTransfer:
		return "aft_transfer"
	case CmdMeterPoll:
		return "meter_poll"
	default:
		return "unknown"
	}
}

// Result 指令执行结果
type Result struct {
	Payload []byte
	Err     error
}

// Command 排入链路的一条指令
type Command struct {
	Kind    CommandKind
	Payload []byte      // AFT请求负载
	Amount  uint64      // 彩金金额（分）
	Reply   chan Result // 为nil时不回传结果
}

// reply 回传执行结果，Reply为nil时丢弃
func (c *Command) reply(payload []byte, err error) {
	if c.Reply == nil {
		return
	}
	select {
	case c.Reply <- Result{Payload: payload, Err: err}:
	default:
	}
}

// mailbox 指令邮箱
// 四个有界通道按优先级排列，引擎在两次通用轮询之间
// 最多取出一条指令，保持轮询节奏。
type mailbox struct {
	queues [4]chan *Command
}

// newMailbox 创建指令邮箱
func newMailbox(capacity int) *mailbox {
	m := &mailbox{}
	for i := range m.queues {
		m.queues[i] = make(chan *Command, capacity)
	}
	return m
}

// submit 非阻塞入队
// 对应队列已满时返回Busy，由指令通道回复后端稍后重试。
func (m *mailbox) submit(cmd *Command) error {
	select {
	case m.queues[cmd.Kind] <- cmd:
		return nil
	default:
		return agenterrors.Newf(agenterrors.Busy, "%s 队列已满", cmd.Kind)
	}
}

// next 按优先级取出一条指令，全部为空返回nil
func (m *mailbox) next() *Command {
	for _, q := range m.queues {
		select {
		case cmd := <-q:
			return cmd
		default:
		}
	}
	return nil
}

// depth 返回所有队列中待处理指令总数
func (m *mailbox) depth() int {
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}

// drainAll 关闭时向所有排队指令回传错误
func (m *mailbox) drainAll(err error) {
	for _, q := range m.queues {
		for drained := false; !drained; {
			select {
			case cmd := <-q:
				cmd.reply(nil, err)
			default:
				drained = true
			}
		}
	}
}
