// Package store persists invocation history with GORM.
// This package is internal and should not be imported by external projects.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/wikiflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 🗄️ 调用历史存储
// =============================================================================

// 调用状态
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Invocation 一次自然语言调用的留痕记录
type Invocation struct {
	ID               string    `gorm:"primaryKey;size:36" json:"id"`
	Prompt           string    `gorm:"type:text;not null" json:"prompt"`
	Answer           string    `gorm:"type:text" json:"answer,omitempty"`
	Status           string    `gorm:"size:16;index" json:"status"`
	ErrorMessage     string    `gorm:"type:text" json:"error_message,omitempty"`
	Iterations       int       `json:"iterations"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	DurationMS       int64     `json:"duration_ms"`
	CreatedAt        time.Time `gorm:"index" json:"created_at"`
}

// TableName 指定表名
func (Invocation) TableName() string { return "invocations" }

// Store 调用历史存储
type Store struct {
	db      *gorm.DB
	logger  *zap.Logger
	onQuery func(operation string, duration time.Duration)
}

// New 创建存储并迁移表结构。
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&Invocation{}); err != nil {
		return nil, err
	}
	logger.Info("invocation store initialized")
	return &Store{db: db, logger: logger.With(zap.String("component", "store"))}, nil
}

// OnQuery 注册查询耗时回调，供指标采集使用。
func (s *Store) OnQuery(hook func(operation string, duration time.Duration)) {
	s.onQuery = hook
}

func (s *Store) observe(operation string, start time.Time) {
	if s.onQuery != nil {
		s.onQuery(operation, time.Since(start))
	}
}

// Save 保存调用记录，ID 为空时生成 UUID。
func (s *Store) Save(ctx context.Context, inv *Invocation) error {
	defer s.observe("save", time.Now())
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(inv).Error; err != nil {
		s.logger.Error("save invocation failed", zap.String("id", inv.ID), zap.Error(err))
		return types.NewError(types.ErrInternalError, "save invocation").WithCause(err)
	}
	return nil
}

// List 按创建时间倒序返回最近的调用记录。
func (s *Store) List(ctx context.Context, limit, offset int) ([]Invocation, error) {
	defer s.observe("list", time.Now())
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var invocations []Invocation
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&invocations).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "list invocations").WithCause(err)
	}
	return invocations, nil
}

// Get 按 ID 返回调用记录。
func (s *Store) Get(ctx context.Context, id string) (*Invocation, error) {
	defer s.observe("get", time.Now())
	var inv Invocation
	err := s.db.WithContext(ctx).First(&inv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, "invocation not found")
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "get invocation").WithCause(err)
	}
	return &inv, nil
}

// Ping 验证数据库连接。
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// PoolStats 返回连接池状态（open, idle）。
func (s *Store) PoolStats() (open, idle int) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return 0, 0
	}
	stats := sqlDB.Stats()
	return stats.OpenConnections, stats.Idle
}
