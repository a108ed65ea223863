// Package ledger 会话账本：会话消息、阶段历史与最终结果的持久记录。
//
// 写入按会话 ID 串行化，不同标的的会话互不阻塞。存储后端通过 Store 接口注入，
// 提供内存与 sqlite 两种实现。
package ledger

import (
	"context"
	"errors"

	"github.com/run-bigpig/jcp-debate/internal/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionClosed   = errors.New("session already terminal")
)

// Store 账本存储后端，只负责读写，不做合并判断
type Store interface {
	CreateSession(ctx context.Context, s *models.Session) error
	// UpdateSession 只更新会话头：状态、结果、原因、更新时间
	UpdateSession(ctx context.Context, s *models.Session) error
	// GetSession 返回带消息和阶段历史的完整会话
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// ListSessions 返回标的下所有会话头，按更新时间倒序，不含消息
	ListSessions(ctx context.Context, subjectCode string) ([]*models.Session, error)
	// ListInProgress 返回所有标的下 in_progress 的会话头
	ListInProgress(ctx context.Context) ([]*models.Session, error)
	// GetMessage 不存在时返回 nil, nil
	GetMessage(ctx context.Context, sessionID, messageID string) (*models.Message, error)
	// PutMessage 插入或覆盖消息，覆盖时保持原有顺序
	PutMessage(ctx context.Context, sessionID string, msg models.Message) error
	AddPhase(ctx context.Context, sessionID string, rec models.PhaseRecord) error
	Close() error
}
