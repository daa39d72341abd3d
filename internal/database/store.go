package database

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/codepod-dev/codepod/gateway"
)

// ChatInteraction is the persisted record of one successful provider chat.
type ChatInteraction struct {
	ID         uint   `gorm:"primaryKey"`
	RequestID  string `gorm:"size:64;uniqueIndex"`
	ProjectID  string `gorm:"size:64;index"`
	UserID     string `gorm:"size:64;index"`
	Provider   string `gorm:"size:32;index"`
	Model      string `gorm:"size:64"`
	Message    string
	Reply      string
	TokensUsed int
	Cost       float64
	LatencyMs  int64
	CreatedAt  time.Time
}

// ProviderUsage is one row of the per-provider aggregation.
type ProviderUsage struct {
	Provider     string  `json:"provider"`
	Interactions int64   `json:"interactions"`
	TokensUsed   int64   `json:"tokensUsed"`
	Cost         float64 `json:"cost"`
}

// Store persists gateway interactions. It satisfies the gateway's Store
// contract.
type Store struct {
	pool   *PoolManager
	logger *zap.Logger
}

// NewStore creates a store on top of an open pool.
func NewStore(pool *PoolManager, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		logger: logger.With(zap.String("component", "chat_store")),
	}
}

// SaveInteraction writes one interaction row.
func (s *Store) SaveInteraction(ctx context.Context, rec *gateway.Interaction) error {
	if rec == nil {
		return fmt.Errorf("interaction cannot be nil")
	}
	row := &ChatInteraction{
		RequestID:  rec.RequestID,
		ProjectID:  rec.ProjectID,
		UserID:     rec.UserID,
		Provider:   rec.Provider,
		Model:      rec.Model,
		Message:    rec.Message,
		Reply:      rec.Reply,
		TokensUsed: rec.TokensUsed,
		Cost:       rec.Cost,
		LatencyMs:  rec.LatencyMs,
	}
	if err := s.pool.DB().WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("save interaction: %w", err)
	}
	return nil
}

// ListInteractions returns the most recent interactions for a project,
// newest first.
func (s *Store) ListInteractions(ctx context.Context, projectID string, limit int) ([]ChatInteraction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []ChatInteraction
	q := s.pool.DB().WithContext(ctx).Order("created_at DESC").Limit(limit)
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	return rows, nil
}

// UsageByProvider aggregates interaction counts, tokens, and cost per
// provider.
func (s *Store) UsageByProvider(ctx context.Context) ([]ProviderUsage, error) {
	var rows []ProviderUsage
	err := s.pool.DB().WithContext(ctx).
		Model(&ChatInteraction{}).
		Select("provider, COUNT(*) AS interactions, SUM(tokens_used) AS tokens_used, SUM(cost) AS cost").
		Group("provider").
		Order("provider").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("usage by provider: %w", err)
	}
	return rows, nil
}
