package store

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wfunc/sas-edge-agent/internal/agenterrors"
	"github.com/wfunc/sas-edge-agent/internal/config"
	"github.com/wfunc/sas-edge-agent/internal/logger"
)

// GormStore 基于gorm的远程存储参考实现
type GormStore struct {
	db         *gorm.DB
	meterTable string
	aftTable   string
}

// Open 按配置打开数据库连接
func Open(cfg *config.DatabaseConfig) (*GormStore, error) {
	var dialector gorm.Dialector

	// 根据配置选择数据库驱动
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, agenterrors.Newf(agenterrors.ConfigInvalid, "不支持的数据库驱动: %s", cfg.Driver)
	}

	// 配置GORM日志
	logLevel := gormlogger.Warn
	switch cfg.LogLevel {
	case "silent":
		logLevel = gormlogger.Silent
	case "error":
		logLevel = gormlogger.Error
	case "warn":
		logLevel = gormlogger.Warn
	case "info":
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(logLevel),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.StoreUnavailable, "连接数据库失败")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, agenterrors.Wrap(err, agenterrors.StoreUnavailable, "获取数据库实例失败")
	}

	// 设置连接池参数
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &GormStore{
		db:         db,
		meterTable: cfg.MeterTable,
		aftTable:   cfg.AFTTable,
	}

	if cfg.AutoMigrate {
		if err := s.migrate(); err != nil {
			return nil, err
		}
	}

	logger.Info("数据库连接成功",
		zap.String("driver", cfg.Driver),
		zap.String("meter_table", cfg.MeterTable),
		zap.String("aft_table", cfg.AFTTable))

	return s, nil
}

// migrate 创建数据表
func (s *GormStore) migrate() error {
	if err := s.db.Table(s.meterTable).AutoMigrate(&MeterChangeRow{}); err != nil {
		return agenterrors.Wrap(err, agenterrors.StoreWriteFailed, "迁移计数器表")
	}
	if err := s.db.Table(s.aftTable).AutoMigrate(&AFTResultRow{}); err != nil {
		return agenterrors.Wrap(err, agenterrors.StoreWriteFailed, "迁移AFT结果表")
	}
	if err := s.db.AutoMigrate(&GameMachine{}); err != nil {
		return agenterrors.Wrap(err, agenterrors.StoreWriteFailed, "迁移终端注册表")
	}
	return nil
}

// RecordMeterChange 写入一条计数器变化
// Sequence列上的唯一索引保证重放投递不产生重复行。
func (s *GormStore) RecordMeterChange(ctx context.Context, row *MeterChangeRow) error {
	start := time.Now()
	err := s.db.WithContext(ctx).Table(s.meterTable).Create(row).Error
	logger.LogStoreOperation("insert", s.meterTable, time.Since(start), err)
	if err != nil {
		if isDuplicate(err) {
			return nil
		}
		return agenterrors.Wrap(err, agenterrors.StoreWriteFailed)
	}
	return nil
}

// RecordAFTResult 写入一条AFT转账结果
func (s *GormStore) RecordAFTResult(ctx context.Context, row *AFTResultRow) error {
	start := time.Now()
	err := s.db.WithContext(ctx).Table(s.aftTable).Create(row).Error
	logger.LogStoreOperation("insert", s.aftTable, time.Since(start), err)
	if err != nil {
		if isDuplicate(err) {
			return nil
		}
		return agenterrors.Wrap(err, agenterrors.StoreWriteFailed)
	}
	return nil
}

// RegisterMachine 登记本终端，已存在时更新资产号
func (s *GormStore) RegisterMachine(ctx context.Context, m *GameMachine) error {
	var existing GameMachine
	err := s.db.WithContext(ctx).
		Where("pc_name = ? AND machine_id = ?", m.PCName, m.MachineID).
		First(&existing).Error

	if err == gorm.ErrRecordNotFound {
		if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
			return agenterrors.Wrap(err, agenterrors.StoreWriteFailed, "登记终端")
		}
		return nil
	}
	if err != nil {
		return agenterrors.Wrap(err, agenterrors.StoreUnavailable, "查询终端登记")
	}

	existing.AssetNumber = m.AssetNumber
	existing.SerialNumber = m.SerialNumber
	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		return agenterrors.Wrap(err, agenterrors.StoreWriteFailed, "更新终端登记")
	}
	m.ID = existing.ID
	return nil
}

// Ping 探测数据库连通性
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return agenterrors.Wrap(err, agenterrors.StoreUnavailable)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return agenterrors.Wrap(err, agenterrors.StoreUnavailable)
	}
	return nil
}

// Close 关闭数据库连接
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isDuplicate 判断是否为唯一键冲突
// 三种驱动的错误文本各不相同，只做保守匹配。
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "duplicate key value")
}
