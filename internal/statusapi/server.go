// Package statusapi 提供本机诊断HTTP接口
// 只读的运行快照，供进程监管方探活和排障使用，
// 不是面向用户的管理界面。
package statusapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wfunc/sas-edge-agent/internal/config"
	"github.com/wfunc/sas-edge-agent/internal/logger"
)

// StatusProvider 运行快照的数据来源
// 由编排器实现，聚合各组件的只读状态。
type StatusProvider interface {
	LinkState() string
	LastPollAt() time.Time
	MailboxDepth() int
	JournalDepth() int
	JournalBytes() int64
	StoreDegraded() bool
	AFTInFlight() int
}

// Server 诊断HTTP服务
type Server struct {
	cfg      config.StatusAPIConfig
	provider StatusProvider
	srv      *http.Server
	logger   *zap.Logger
}

// NewServer 创建诊断服务
func NewServer(cfg config.StatusAPIConfig, provider StatusProvider) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	s := &Server{
		cfg:      cfg,
		provider: provider,
		logger:   logger.GetModuleLogger("statusapi"),
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealthz)
	router.GET("/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}

	return s
}

// Start 启动HTTP服务
func (s *Server) Start() {
	go func() {
		s.logger.Info("诊断接口已启动", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("诊断接口异常退出", zap.Error(err))
		}
	}()
}

// Shutdown 优雅关闭HTTP服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// handleHealthz 进程存活探针
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus 运行快照
func (s *Server) handleStatus(c *gin.Context) {
	lastPoll := s.provider.LastPollAt()
	var lastPollStr string
	if !lastPoll.IsZero() {
		lastPollStr = lastPoll.Format(time.RFC3339Nano)
	}

	c.JSON(http.StatusOK, gin.H{
		"link_state":     s.provider.LinkState(),
		"last_poll_at":   lastPollStr,
		"mailbox_depth":  s.provider.MailboxDepth(),
		"journal_depth":  s.provider.JournalDepth(),
		"journal_bytes":  s.provider.JournalBytes(),
		"store_degraded": s.provider.StoreDegraded(),
		"aft_in_flight":  s.provider.AFTInFlight(),
	})
}
