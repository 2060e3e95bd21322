package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
	"github.com/wfunc/sas-edge-agent/internal/config"
	"github.com/wfunc/sas-edge-agent/internal/logger"
	"github.com/wfunc/sas-edge-agent/internal/orchestrator"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 退出码约定
const (
	exitOK          = 0 // 正常关闭
	exitConfigError = 2 // 致命配置错误
	exitHardware    = 3 // 不可恢复的硬件错误
)

func main() {
	// 命令行参数
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		showHelp    = flag.Bool("help", false, "显示帮助信息")
	)

	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(exitOK)
	}

	if *showHelp {
		printHelp()
		os.Exit(exitOK)
	}

	// 加载配置
	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(exitConfigError)
	}

	cfg := config.Get()

	// 初始化日志系统
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(exitConfigError)
	}
	defer logger.Cleanup()

	printStartInfo(cfg)

	// 装配代理
	agent, err := orchestrator.New(cfg)
	if err != nil {
		logger.Error("代理装配失败", zap.Error(err))
		os.Exit(exitCodeFor(err))
	}

	// 启动
	if err := agent.Start(); err != nil {
		logger.Error("代理启动失败", zap.Error(err))
		os.Exit(exitCodeFor(err))
	}

	// 监听配置变化（回调只记录新的日志级别，运行中的组件不受影响）
	config.Watch(func(newCfg *config.Config) {
		logger.Info("配置已更新", zap.String("log_level", newCfg.Log.Level))
	})

	// 等待退出信号
	waitForShutdown()

	// 优雅关闭
	if err := agent.Shutdown(); err != nil {
		logger.Error("代理关闭失败", zap.Error(err))
		os.Exit(exitHardware)
	}

	logger.Info("代理已安全退出")
}

// waitForShutdown 阻塞等待系统信号
func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGINT,  // Ctrl+C
		syscall.SIGTERM, // kill命令
		syscall.SIGQUIT, // Ctrl+\
	)

	sig := <-sigCh
	logger.Info("收到退出信号", zap.String("signal", sig.String()))
}

// exitCodeFor 错误到退出码的映射
func exitCodeFor(err error) int {
	switch agenterrors.GetCode(err) {
	case agenterrors.ConfigInvalid, agenterrors.JournalCorrupt:
		return exitConfigError
	case agenterrors.DeviceGone:
		return exitHardware
	default:
		return exitHardware
	}
}

// printVersion 打印版本信息
func printVersion() {
	fmt.Printf("SAS Edge Agent\n")
	fmt.Printf("版本:     %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交:  %s\n", GitCommit)
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("SAS Edge Agent - EGM与后端之间的边缘代理")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  sas-agent [选项]")
	fmt.Println()
	fmt.Println("选项:")
	fmt.Println("  -config string   配置文件路径 (默认 ./config/config.yaml)")
	fmt.Println("  -version         显示版本信息")
	fmt.Println("  -help            显示帮助信息")
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  SAS_AGENT_*      覆盖对应配置项，如 SAS_AGENT_SERIAL_PORT")
}

// printStartInfo 打印启动信息
func printStartInfo(cfg *config.Config) {
	logger.Info("SAS边缘代理启动中",
		zap.String("version", Version),
		zap.String("serial_port", cfg.Serial.Port),
		zap.Int("baud_rate", cfg.Serial.BaudRate),
		zap.Uint8("egm_address", cfg.Serial.Address),
		zap.String("db_driver", cfg.Database.Driver),
	)
}
