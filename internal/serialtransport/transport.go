// Package serialtransport 封装SAS串口链路
// 负责独占打开串口设备、施加唤醒位（第9位）奇偶校验约定、
// 以及带字节间超时和总超时的定长读取。
// 唤醒位不依赖驱动的第9位仿真：发送首字节前切换为MARK校验，
// 其余字节切换回SPACE校验，两次切换都通过重开端口显式完成。
package serialtransport

import (
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"

	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
	"github.com/wfunc/sas-edge-agent/internal/logger"
)

// Config 串口传输配置
type Config struct {
	Port             string        // 设备路径
	BaudRate         int           // 波特率
	DataBits         byte          // 数据位
	StopBits         byte          // 停止位
	InterByteTimeout time.Duration // 字节间超时
	ResponseTimeout  time.Duration // 响应总超时
}

// Port 串口传输接口
// 轮询引擎在整个生命周期内独占持有一个实现。
type Port interface {
	// Open 独占打开串口设备
	Open() error
	// Send 发送一帧，首字节带唤醒位标记
	Send(frame []byte) error
	// Recv 读取恰好n个字节，超时返回Timeout
	Recv(n int, timeout time.Duration) ([]byte, error)
	// Flush 丢弃接收缓冲中的残留字节
	Flush()
	// Close 关闭串口
	Close() error
	// IsOpen 检查串口是否打开
	IsOpen() bool
}

// Transport 基于tarm/serial的串口传输实现
type Transport struct {
	config *Config
	port   *serial.Port
	open   bool
	mu     sync.Mutex
	logger *zap.Logger
}

// NewTransport 创建串口传输
func NewTransport(config *Config) *Transport {
	if config.InterByteTimeout <= 0 {
		config.InterByteTimeout = 20 * time.Millisecond
	}
	if config.ResponseTimeout <= 0 {
		config.ResponseTimeout = 200 * time.Millisecond
	}
	return &Transport{
		config: config,
		logger: logger.GetModuleLogger("serial"),
	}
}

// Open 独占打开串口设备
func (t *Transport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open {
		return nil
	}

	port, err := t.openWithParity(serial.ParitySpace)
	if err != nil {
		return t.classify(err)
	}

	t.port = port
	t.open = true

	t.logger.Info("串口连接成功",
		zap.String("port", t.config.Port),
		zap.Int("baud_rate", t.config.BaudRate))

	return nil
}

// openWithParity 以指定校验位打开串口
// ReadTimeout设置为字节间超时，Recv在其上循环实现总超时。
func (t *Transport) openWithParity(parity serial.Parity) (*serial.Port, error) {
	cfg := &serial.Config{
		Name:        t.config.Port,
		Baud:        t.config.BaudRate,
		Size:        t.config.DataBits,
		Parity:      parity,
		StopBits:    serial.StopBits(t.config.StopBits),
		ReadTimeout: t.config.InterByteTimeout,
	}
	return serial.OpenPort(cfg)
}

// Send 发送一帧，首字节带唤醒位标记
// SAS用第9位标记新消息的首字节，这里用MARK/SPACE校验位模拟：
// 首字节以MARK校验发出（接收端看到第9位为1），
// 其余字节以SPACE校验发出。切换校验需要重开端口，
// tarm/serial不提供运行中改参数的接口。
func (t *Transport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open {
		return agenterrors.New(agenterrors.DeviceGone, "串口未打开")
	}
	if len(frame) == 0 {
		return nil
	}

	// 首字节：MARK校验（唤醒位置位）
	if err := t.switchParity(serial.ParityMark); err != nil {
		return err
	}
	if _, err := t.port.Write(frame[:1]); err != nil {
		return t.handleIOError(err)
	}

	// 其余字节：SPACE校验（唤醒位清零）
	if err := t.switchParity(serial.ParitySpace); err != nil {
		return err
	}
	if len(frame) > 1 {
		if _, err := t.port.Write(frame[1:]); err != nil {
			return t.handleIOError(err)
		}
	}

	return nil
}

// switchParity 重开端口切换校验位
// 调用方必须持有t.mu。
func (t *Transport) switchParity(parity serial.Parity) error {
	if t.port != nil {
		t.port.Close()
	}
	port, err := t.openWithParity(parity)
	if err != nil {
		t.port = nil
		t.open = false
		return t.classify(err)
	}
	t.port = port
	return nil
}

// Recv 读取恰好n个字节
// timeout为总超时；单次Read最多阻塞字节间超时。
// 已收到部分字节后一次Read无任何进展即视为字节间超时；
// 首字节到达前只受总超时约束。
func (t *Transport) Recv(n int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open {
		return nil, agenterrors.New(agenterrors.DeviceGone, "串口未打开")
	}

	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(timeout)

	for got < n {
		if time.Now().After(deadline) {
			return buf[:got], agenterrors.Newf(agenterrors.Timeout, "期望 %d 字节，收到 %d", n, got)
		}

		r, err := t.port.Read(buf[got:])
		if err != nil {
			return buf[:got], t.handleIOError(err)
		}
		if r == 0 {
			// ReadTimeout窗口内无数据
			if got > 0 {
				return buf[:got], agenterrors.Newf(agenterrors.Timeout, "帧中途字节间超时，已收 %d/%d", got, n)
			}
			continue
		}
		got += r
	}

	return buf, nil
}

// Flush 丢弃接收缓冲中的残留字节
// 链路重同步时调用，读到空为止。
func (t *Transport) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open {
		return
	}

	buf := make([]byte, 64)
	for {
		n, err := t.port.Read(buf)
		if err != nil || n == 0 {
			return
		}
	}
}

// Close 关闭串口
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.open {
		return nil
	}

	t.open = false
	if t.port != nil {
		err := t.port.Close()
		t.port = nil
		if err != nil {
			t.logger.Error("关闭串口失败", zap.Error(err))
			return err
		}
	}

	t.logger.Info("串口已断开", zap.String("port", t.config.Port))
	return nil
}

// IsOpen 检查串口是否打开
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// handleIOError 归类I/O错误并在设备丢失时进入关闭状态
// 调用方必须持有t.mu。
func (t *Transport) handleIOError(err error) error {
	classified := t.classify(err)
	if agenterrors.Is(classified, agenterrors.DeviceGone) {
		t.logger.Error("检测到串口断线",
			zap.String("port", t.config.Port),
			zap.Error(err))
		if t.port != nil {
			t.port.Close()
			t.port = nil
		}
		t.open = false
	}
	return classified
}

// classify 将底层错误映射为链路错误码
func (t *Transport) classify(err error) error {
	if err == nil {
		return nil
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "input/output error") ||
		strings.Contains(errStr, "device not configured") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "permission denied") {
		return agenterrors.Wrap(err, agenterrors.DeviceGone)
	}

	return agenterrors.Wrap(err, agenterrors.Timeout)
}
