// Package orchestrator 负责组件装配与生命周期
// 按依赖顺序启动：持久化队列 → 串口传输 → 轮询引擎 → 指令通道 → 诊断接口；
// 指令通道与轮询引擎之间通过有界邮箱桥接，邮箱满时
// 以Busy回执让后端稍后重试。
package orchestrator

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wfunc/sas-edge-agent/internal/aft"
	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
	"github.com/wfunc/sas-edge-agent/internal/config"
	"github.com/wfunc/sas-edge-agent/internal/ingress"
	"github.com/wfunc/sas-edge-agent/internal/logger"
	"github.com/wfunc/sas-edge-agent/internal/metertracker"
	"github.com/wfunc/sas-edge-agent/internal/pollengine"
	"github.com/wfunc/sas-edge-agent/internal/serialtransport"
	"github.com/wfunc/sas-edge-agent/internal/sink"
	"github.com/wfunc/sas-edge-agent/internal/statusapi"
	"github.com/wfunc/sas-edge-agent/internal/store"
)

// shutdownTimeout 优雅关闭的总时限，超时强制关闭
const shutdownTimeout = 5 * time.Second

// Agent 边缘代理
type Agent struct {
	cfg        *config.Config
	instanceID string // 本次进程运行的唯一标识，用于日志与登记
	logger     *zap.Logger

	store     *store.GormStore
	sink      *sink.Sink
	transport *serialtransport.Transport
	tracker   *metertracker.Tracker
	engine    *pollengine.Engine
	sender    *aft.Sender
	ingress   *ingress.Client
	statusSrv *statusapi.Server
}

// New 装配代理的全部组件
// 配置在入口处构建一次后按引用传入各组件，稳态不再读全局。
func New(cfg *config.Config) (*Agent, error) {
	a := &Agent{
		cfg:        cfg,
		instanceID: uuid.NewString(),
		logger:     logger.GetModuleLogger("orchestrator"),
	}

	// 远程存储与持久化队列
	gormStore, err := store.Open(&cfg.Database)
	if err != nil {
		return nil, err
	}
	a.store = gormStore

	eventSink, err := sink.NewSink(cfg.Sink, store.NewEventWriter(gormStore))
	if err != nil {
		gormStore.Close()
		return nil, err
	}
	a.sink = eventSink

	// 串口传输与轮询引擎
	a.transport = serialtransport.NewTransport(&serialtransport.Config{
		Port:             cfg.Serial.Port,
		BaudRate:         cfg.Serial.BaudRate,
		DataBits:         cfg.Serial.DataBits,
		StopBits:         cfg.Serial.StopBits,
		InterByteTimeout: cfg.Serial.InterByteTimeout,
		ResponseTimeout:  cfg.Serial.ResponseTimeout,
	})
	a.tracker = metertracker.NewTracker(cfg.Serial.Address, cfg.Meters, eventSink)
	a.engine = pollengine.NewEngine(a.transport, cfg.Serial, cfg.Poll, a.tracker, cfg.Meters)

	// AFT发送器
	a.sender = aft.NewSender(a.engine, eventSink, cfg.AFT)

	// 指令通道（未配置后端地址时不启用）
	if cfg.Ingress.ServerURL != "" {
		a.ingress = ingress.NewClient(cfg.Ingress, a)
	}

	// 诊断接口
	if cfg.StatusAPI.Enabled {
		a.statusSrv = statusapi.NewServer(cfg.StatusAPI, a)
	}

	return a, nil
}

// Start 按依赖顺序启动组件
func (a *Agent) Start() error {
	a.registerMachine()

	a.sink.Start()
	a.engine.Start()
	if a.ingress != nil {
		a.ingress.Start()
	}
	if a.statusSrv != nil {
		a.statusSrv.Start()
	}

	a.logger.Info("代理已启动",
		zap.String("instance_id", a.instanceID),
		zap.String("serial_port", a.cfg.Serial.Port),
		zap.Uint8("egm_address", a.cfg.Serial.Address),
		zap.Int("meters", len(a.cfg.Meters)))

	return nil
}

// Shutdown 优雅关闭
// 先停指令入口，再等轮询引擎完成在途帧，
// 最后把队列缓冲落盘并关闭存储连接。
func (a *Agent) Shutdown() error {
	a.logger.Info("开始关闭代理")

	done := make(chan struct{})
	go func() {
		defer close(done)

		if a.ingress != nil {
			a.ingress.Stop()
		}
		if a.statusSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			a.statusSrv.Shutdown(ctx)
			cancel()
		}

		a.engine.Stop()
		a.sink.Close()
		a.store.Close()
	}()

	select {
	case <-done:
		a.logger.Info("代理已安全关闭")
		return nil
	case <-time.After(shutdownTimeout):
		a.logger.Error("优雅关闭超时，强制退出")
		a.transport.Close()
		return agenterrors.New(agenterrors.Timeout, "优雅关闭超时")
	}
}

// registerMachine 向远程存储登记本终端
// 存储不可达时只记录日志，不阻塞启动。
func (a *Agent) registerMachine() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hostname, _ := os.Hostname()
	err := a.store.RegisterMachine(ctx, &store.GameMachine{
		Description: "sas-edge-agent " + a.instanceID,
		PCName:      hostname,
		MachineID:   readMachineID(),
		AssetNumber: uint32(a.cfg.Serial.Address),
	})
	if err != nil {
		a.logger.Warn("终端登记失败，存储恢复后不会重试", zap.Error(err))
	}
}

// readMachineID 读取系统机器ID
func readMachineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

// HandleJackpot 实现ingress.CommandHandler：彩金指令入队并等待ACK
func (a *Agent) HandleJackpot(ctx context.Context, amountCents uint64) error {
	return a.engine.SubmitJackpot(ctx, amountCents)
}

// HandleAFTSend 实现ingress.CommandHandler：受理AFT转账
// 邮箱已满直接回Busy；否则立即返回事务ID，
// 转账异步驱动至终态，结果经持久化队列落库。
func (a *Agent) HandleAFTSend(ctx context.Context, req aft.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if a.engine.MailboxDepth() >= a.cfg.Poll.MailboxCapacity {
		return "", agenterrors.New(agenterrors.Busy)
	}
	if req.TransactionID == "" {
		req.TransactionID = a.sender.GenerateTransactionID()
	}

	txid := req.TransactionID
	go func() {
		if _, err := a.sender.Send(context.Background(), req); err != nil {
			a.logger.Warn("AFT转账未完成",
				zap.String("transaction_id", txid),
				zap.Error(err))
		}
	}()

	return txid, nil
}

// HandleAFTCancel 实现ingress.CommandHandler：取消未决转账
func (a *Agent) HandleAFTCancel(ctx context.Context, transactionID string) error {
	_, err := a.sender.Cancel(ctx, transactionID)
	return err
}

// LinkState 实现statusapi.StatusProvider
func (a *Agent) LinkState() string {
	return a.engine.State().String()
}

// LastPollAt 实现statusapi.StatusProvider
func (a *Agent) LastPollAt() time.Time {
	return a.engine.LastPollAt()
}

// MailboxDepth 实现statusapi.StatusProvider
func (a *Agent) MailboxDepth() int {
	return a.engine.MailboxDepth()
}

// JournalDepth 实现statusapi.StatusProvider
func (a *Agent) JournalDepth() int {
	return a.sink.Depth()
}

// JournalBytes 实现statusapi.StatusProvider
func (a *Agent) JournalBytes() int64 {
	return a.sink.JournalBytes()
}

// StoreDegraded 实现statusapi.StatusProvider
func (a *Agent) StoreDegraded() bool {
	return a.sink.IsDegraded()
}

// AFTInFlight 实现statusapi.StatusProvider
func (a *Agent) AFTInFlight() int {
	return a.sender.InFlightCount()
}
