package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
)

// Config 全局配置结构体
type Config struct {
	Serial    SerialConfig    `mapstructure:"serial"`
	Poll      PollConfig      `mapstructure:"poll"`
	Meters    []MeterListener `mapstructure:"meters"`
	AFT       AFTConfig       `mapstructure:"aft"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Ingress   IngressConfig   `mapstructure:"ingress"`
	StatusAPI StatusAPIConfig `mapstructure:"status_api"`
	Log       LogConfig       `mapstructure:"log"`
}

// SerialConfig 串口与SAS链路配置
type SerialConfig struct {
	Port             string        `mapstructure:"port"`               // 串口设备路径
	BaudRate         int           `mapstructure:"baud_rate"`          // 波特率，SAS标准为19200
	DataBits         byte          `mapstructure:"data_bits"`          // 数据位，固定8
	StopBits         byte          `mapstructure:"stop_bits"`          // 停止位，固定1
	Address          byte          `mapstructure:"address"`            // EGM地址 (1-127)
	WakeupBit        int           `mapstructure:"wakeup_bit"`         // 唤醒位，固定128
	InterByteTimeout time.Duration `mapstructure:"inter_byte_timeout"` // 字节间超时
	ResponseTimeout  time.Duration `mapstructure:"response_timeout"`   // 单次轮询响应总超时
}

// PollConfig 轮询引擎配置
type PollConfig struct {
	Interval        time.Duration `mapstructure:"interval"`         // 通用轮询间隔
	MeterInterval   time.Duration `mapstructure:"meter_interval"`   // 计数器轮询间隔
	MaxRetries      int           `mapstructure:"max_retries"`      // 同一帧重试上限
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`    // 重试间隔
	MailboxCapacity int           `mapstructure:"mailbox_capacity"` // 指令邮箱容量
}

// MeterListener 计数器监听描述
// LengthBytes必须由配置显式给出，缺失视为ConfigInvalid。
type MeterListener struct {
	Code        byte   `mapstructure:"code"`         // SAS计数器码
	Name        string `mapstructure:"name"`         // 可读名称（仅用于日志）
	LengthBytes int    `mapstructure:"length_bytes"` // 每个计数器的BCD字节数
	Monotonic   bool   `mapstructure:"monotonic"`    // 是否为单调递增的累计计数器
}

// AFTConfig AFT转账配置
type AFTConfig struct {
	InterrogateInterval time.Duration `mapstructure:"interrogate_interval"` // 状态查询间隔
	RetryAttempts       int           `mapstructure:"retry_attempts"`       // 协议级重试次数
	RetryInterval       time.Duration `mapstructure:"retry_interval"`       // 协议级重试间隔
	TransferTimeout     time.Duration `mapstructure:"transfer_timeout"`     // 单笔转账整体超时
}

// DatabaseConfig 远程存储配置
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	MeterTable      string        `mapstructure:"meter_table"` // 计数器变化表名
	AFTTable        string        `mapstructure:"aft_table"`   // AFT结果表名
}

// SinkConfig 持久化队列配置
type SinkConfig struct {
	JournalPath          string        `mapstructure:"journal_path"`          // 本地日志文件路径
	MaxJournalBytes      int64         `mapstructure:"max_journal_bytes"`     // 日志文件大小上限
	DrainInterval        time.Duration `mapstructure:"drain_interval"`        // 重放尝试间隔
	CompactThreshold     int64         `mapstructure:"compact_threshold"`     // 压缩阈值；持久化队列不读取此项，每轮补投成功后都整体重写日志
	EncryptionPassphrase string        `mapstructure:"encryption_passphrase"` // 日志记录加密口令，留空则不加密
}

// IngressConfig 指令通道配置
type IngressConfig struct {
	ServerURL        string        `mapstructure:"server_url"`        // 后端WebSocket地址
	APIKey           string        `mapstructure:"api_key"`           // HMAC签名密钥
	BearerToken      string        `mapstructure:"bearer_token"`      // 握手用JWT令牌
	FreshnessWindow  time.Duration `mapstructure:"freshness_window"`  // 消息时间戳允许偏差
	ReconnectMin     time.Duration `mapstructure:"reconnect_min"`     // 重连起始间隔
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`     // 重连间隔上限
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"` // WebSocket握手超时
}

// StatusAPIConfig 诊断接口配置
type StatusAPIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Mode    string `mapstructure:"mode"` // gin运行模式
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		v = viper.New()

		// 设置配置文件路径
		if configPath != "" {
			v.SetConfigFile(configPath)
		} else {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath("./config")
			v.AddConfigPath(".")
		}

		// 设置环境变量前缀
		v.SetEnvPrefix("SAS_AGENT")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()

		// 设置默认值
		setDefaults(v)

		// 读取配置文件
		if err = v.ReadInConfig(); err != nil {
			// 配置文件不存在时使用默认配置
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return
			}
			err = nil
		}

		// 解析配置到结构体
		cfg = &Config{}
		if err = v.Unmarshal(cfg); err != nil {
			return
		}

		// 校验配置
		err = cfg.Validate()
	})

	return err
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 串口默认配置
	v.SetDefault("serial.port", "/dev/ttyS0")
	v.SetDefault("serial.baud_rate", 19200)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.address", 1)
	v.SetDefault("serial.wakeup_bit", 128)
	v.SetDefault("serial.inter_byte_timeout", "20ms")
	v.SetDefault("serial.response_timeout", "200ms")

	// 轮询默认配置
	v.SetDefault("poll.interval", "40ms")
	v.SetDefault("poll.meter_interval", "1s")
	v.SetDefault("poll.max_retries", 3)
	v.SetDefault("poll.retry_backoff", "20ms")
	v.SetDefault("poll.mailbox_capacity", 64)

	// AFT默认配置
	v.SetDefault("aft.interrogate_interval", "500ms")
	v.SetDefault("aft.retry_attempts", 5)
	v.SetDefault("aft.retry_interval", "1s")
	v.SetDefault("aft.transfer_timeout", "30s")

	// 数据库默认配置
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/sas-agent.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.meter_table", "gaming_meter_changes")
	v.SetDefault("database.aft_table", "gaming_aft_results")

	// 持久化队列默认配置
	v.SetDefault("sink.journal_path", "./data/journal.log")
	v.SetDefault("sink.max_journal_bytes", 16*1024*1024)
	v.SetDefault("sink.drain_interval", "5s")
	v.SetDefault("sink.compact_threshold", 4*1024*1024)

	// 指令通道默认配置
	v.SetDefault("ingress.freshness_window", "30s")
	v.SetDefault("ingress.reconnect_min", "1s")
	v.SetDefault("ingress.reconnect_max", "30s")
	v.SetDefault("ingress.handshake_timeout", "10s")

	// 诊断接口默认配置
	v.SetDefault("status_api.enabled", true)
	v.SetDefault("status_api.host", "127.0.0.1")
	v.SetDefault("status_api.port", 8082)
	v.SetDefault("status_api.mode", "release")

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "both")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "sas-agent.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// Validate 校验配置合法性
// 违反约束返回ConfigInvalid，由入口进程以退出码2终止。
func (c *Config) Validate() error {
	if c.Serial.Port == "" {
		return agenterrors.New(agenterrors.ConfigInvalid, "serial.port 不能为空")
	}
	if c.Serial.Address < 1 || c.Serial.Address > 127 {
		return agenterrors.Newf(agenterrors.ConfigInvalid, "serial.address 必须在1-127之间，当前为 %d", c.Serial.Address)
	}
	if c.Serial.BaudRate <= 0 {
		return agenterrors.Newf(agenterrors.ConfigInvalid, "serial.baud_rate 无效: %d", c.Serial.BaudRate)
	}

	// 每个监听的计数器必须显式给出读取长度
	seen := make(map[byte]bool)
	for i, m := range c.Meters {
		if m.LengthBytes <= 0 {
			return agenterrors.Newf(agenterrors.ConfigInvalid,
				"meters[%d] (code=0x%02X) 缺少 length_bytes", i, m.Code)
		}
		if seen[m.Code] {
			return agenterrors.Newf(agenterrors.ConfigInvalid, "meters 中计数器码 0x%02X 重复", m.Code)
		}
		seen[m.Code] = true
	}

	if c.Poll.MaxRetries < 0 {
		return agenterrors.New(agenterrors.ConfigInvalid, "poll.max_retries 不能为负")
	}
	if c.Poll.MailboxCapacity <= 0 {
		return agenterrors.New(agenterrors.ConfigInvalid, "poll.mailbox_capacity 必须大于0")
	}

	if c.Sink.JournalPath == "" {
		return agenterrors.New(agenterrors.ConfigInvalid, "sink.journal_path 不能为空")
	}
	if c.Sink.MaxJournalBytes <= 0 {
		return agenterrors.New(agenterrors.ConfigInvalid, "sink.max_journal_bytes 必须大于0")
	}

	if c.Ingress.ServerURL != "" && c.Ingress.APIKey == "" {
		return agenterrors.New(agenterrors.ConfigInvalid, "配置了 ingress.server_url 时 ingress.api_key 不能为空")
	}

	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
// 文件变化时重新解析并校验，替换Get返回的配置并调用callback；
// 已创建的组件不重新读取配置，日志级别、时间窗口、串口和数据库设置
// 均保持启动时的值。
func Watch(callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()

		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}
		if err := newCfg.Validate(); err != nil {
			fmt.Printf("配置重载校验失败: %v\n", err)
			return
		}

		cfg = newCfg

		if callback != nil {
			callback(cfg)
		}

		fmt.Println("配置已重新加载")
	})
}

// GetString 获取字符串配置
func GetString(key string) string {
	return v.GetString(key)
}

// GetInt 获取整数配置
func GetInt(key string) int {
	return v.GetInt(key)
}

// GetBool 获取布尔配置
func GetBool(key string) bool {
	return v.GetBool(key)
}

// GetDuration 获取时间间隔配置
func GetDuration(key string) time.Duration {
	return v.GetDuration(key)
}

// IsSet 检查配置项是否存在
func IsSet(key string) bool {
	return v.IsSet(key)
}

// Set 动态设置配置值
func Set(key string, value interface{}) {
	v.Set(key, value)
}
