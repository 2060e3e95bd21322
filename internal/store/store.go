// Package store 提供远程存储的参考实现
// 真正的后端存储是外部协作方，本包定义其接口并给出
// 基于gorm的可插拔适配器（sqlite/mysql/postgres），
// 供持久化队列端到端投递。表名可配置。
package store

import (
	"context"
	"time"
)

// MeterChangeRow 计数器变化行
type MeterChangeRow struct {
	ID             uint      `gorm:"primaryKey"`
	MachineAddress byte      `gorm:"index"`
	MeterCode      byte      `gorm:"index"`
	MeterName      string    `gorm:"size:64"`
	OldValue       uint64    `json:"old_value"`
	NewValue       uint64    `json:"new_value"`
	Suspect        bool      `json:"suspect"`
	ObservedAt     time.Time `gorm:"index"`
	Sequence       uint64    `gorm:"uniqueIndex"` // 幂等键：同一序号重放不产生重复行
	CreatedAt      time.Time
}

// AFTResultRow AFT转账结果行
type AFTResultRow struct {
	ID                 uint   `gorm:"primaryKey"`
	TransactionID      string `gorm:"size:20;index"`
	TransferType       byte
	CashableCents      uint64
	RestrictedCents    uint64
	NonRestrictedCents uint64
	AssetNumber        uint32
	State              string `gorm:"size:16"`
	StatusCode         byte
	StatusText         string `gorm:"size:64"`
	ObservedAt         time.Time
	Sequence           uint64 `gorm:"uniqueIndex"`
	CreatedAt          time.Time
}

// GameMachine 终端注册行
// 启动时登记主机名、机器ID和EGM资产号，便于后端区分机群中的各个代理。
type GameMachine struct {
	ID           uint   `gorm:"primaryKey"`
	Description  string `gorm:"size:128"`
	PCName       string `gorm:"size:64;index"`
	MachineID    string `gorm:"size:64;index"`
	AssetNumber  uint32
	SerialNumber string `gorm:"size:64"`
	Disable      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RemoteStore 远程存储接口
// 生产后端提供自己的实现；本包的GormStore是参考实现。
type RemoteStore interface {
	RecordMeterChange(ctx context.Context, row *MeterChangeRow) error
	RecordAFTResult(ctx context.Context, row *AFTResultRow) error
	RegisterMachine(ctx context.Context, m *GameMachine) error
	Ping(ctx context.Context) error
}
