package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/run-bigpig/jcp-debate/internal/logger"
	"github.com/run-bigpig/jcp-debate/internal/models"
)

var log = logger.New("Ledger")

// Ledger 会话账本，会话状态的唯一可信来源
type Ledger struct {
	store Store
	now   func() int64

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// New 创建账本
func New(store Store) *Ledger {
	return &Ledger{
		store: store,
		now:   func() int64 { return time.Now().UnixMilli() },
		locks: make(map[string]*sessionLock),
	}
}

// Store 返回底层存储
func (l *Ledger) Store() Store {
	return l.store
}

// lock 获取会话级写锁，返回释放函数。无人持有时条目被回收。
func (l *Ledger) lock(sessionID string) func() {
	l.mu.Lock()
	sl, ok := l.locks[sessionID]
	if !ok {
		sl = &sessionLock{}
		l.locks[sessionID] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}

// Create 登记新会话，状态置为 in_progress
func (l *Ledger) Create(ctx context.Context, s *models.Session) error {
	if s.ID == "" || s.SubjectCode == "" {
		return fmt.Errorf("%w: session id and subject code are required", models.ErrProtocolViolation)
	}
	if _, err := models.ResolveRules(s.Mode); err != nil {
		return err
	}
	now := l.now()
	s.Status = models.StatusInProgress
	if s.CreatedAt == 0 {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	unlock := l.lock(s.ID)
	defer unlock()
	if err := l.store.CreateSession(ctx, s); err != nil {
		return fmt.Errorf("create session %s: %w", s.ID, err)
	}
	log.Debug("会话已创建: %s %s mode=%s", s.ID, s.SubjectCode, s.Mode)
	return nil
}

// Append 按消息 ID 幂等追加：
//   - 新 ID 直接插入
//   - 已存储的消息是终态时忽略
//   - 传入终态消息时以其为准
//   - 两条流式中间态按增量拼接
func (l *Ledger) Append(ctx context.Context, sessionID string, msg models.Message) error {
	return l.append(ctx, sessionID, msg, false, mergeDelta)
}

// Snapshot 写入流式消息的累积快照。快照内容必须以已存储内容为前缀，
// 否则视为乱序快照并忽略。
func (l *Ledger) Snapshot(ctx context.Context, sessionID string, msg models.Message) error {
	return l.append(ctx, sessionID, msg, false, mergeSnapshot)
}

// AppendFollowUp 追加追问消息，会话已结束时同样允许
func (l *Ledger) AppendFollowUp(ctx context.Context, sessionID string, msg models.Message) error {
	msg.FollowUp = true
	return l.append(ctx, sessionID, msg, true, mergeDelta)
}

// SnapshotFollowUp 追问消息的累积快照
func (l *Ledger) SnapshotFollowUp(ctx context.Context, sessionID string, msg models.Message) error {
	msg.FollowUp = true
	return l.append(ctx, sessionID, msg, true, mergeSnapshot)
}

type mergeFunc func(stored, incoming string) (string, bool)

func mergeDelta(stored, incoming string) (string, bool) {
	return stored + incoming, incoming != ""
}

func mergeSnapshot(stored, incoming string) (string, bool) {
	if !strings.HasPrefix(incoming, stored) {
		return stored, false
	}
	return incoming, len(incoming) > len(stored)
}

func (l *Ledger) append(ctx context.Context, sessionID string, msg models.Message, followUp bool, merge mergeFunc) error {
	if msg.ID == "" {
		return fmt.Errorf("%w: message id is required", models.ErrProtocolViolation)
	}
	unlock := l.lock(sessionID)
	defer unlock()

	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() && !followUp {
		return fmt.Errorf("append %s to %s: %w", msg.ID, sessionID, ErrSessionClosed)
	}

	stored, err := l.store.GetMessage(ctx, sessionID, msg.ID)
	if err != nil {
		return err
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = l.now()
	}

	next, changed := mergeMessage(stored, msg, merge)
	if !changed {
		return nil
	}
	if err := l.store.PutMessage(ctx, sessionID, next); err != nil {
		return err
	}
	return l.touch(ctx, sess)
}

// mergeMessage 返回合并后的消息以及是否有可观察的变化
func mergeMessage(stored *models.Message, in models.Message, merge mergeFunc) (models.Message, bool) {
	if stored == nil {
		return in, true
	}
	if !stored.IsStreaming {
		return *stored, false
	}

	next := *stored
	if in.Plan != nil {
		next.Plan = in.Plan
	}
	if in.Round != 0 {
		next.Round = in.Round
	}
	if !in.IsStreaming {
		next.Content = in.Content
		next.IsStreaming = false
		next.Interrupted = in.Interrupted
		if in.Timestamp != 0 {
			next.Timestamp = in.Timestamp
		}
		return next, true
	}

	content, grew := merge(stored.Content, in.Content)
	next.Content = content
	return next, grew || in.Plan != nil
}

// RecordPhase 记录阶段切换
func (l *Ledger) RecordPhase(ctx context.Context, sessionID string, rec models.PhaseRecord) error {
	unlock := l.lock(sessionID)
	defer unlock()

	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("record phase %s on %s: %w", rec.Phase, sessionID, ErrSessionClosed)
	}
	if rec.At == 0 {
		rec.At = l.now()
	}
	if err := l.store.AddPhase(ctx, sessionID, rec); err != nil {
		return err
	}
	return l.touch(ctx, sess)
}

// Complete 写入最终结果，会话置为 completed
func (l *Ledger) Complete(ctx context.Context, sessionID string, result models.Result) error {
	unlock := l.lock(sessionID)
	defer unlock()

	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("complete %s: %w", sessionID, ErrSessionClosed)
	}
	if err := l.finalizeStreaming(ctx, sess); err != nil {
		return err
	}
	sess.Status = models.StatusCompleted
	sess.Result = &result
	sess.Reason = result.Reason
	sess.UpdatedAt = l.now()
	if err := l.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	log.Info("会话完成: %s", sessionID)
	return nil
}

// MarkInterrupted 将进行中的会话标记为中断，已结束的会话保持不变。
// 仍在流式中的消息以当前内容定稿并标记为被打断。
func (l *Ledger) MarkInterrupted(ctx context.Context, sessionID, reason string) error {
	unlock := l.lock(sessionID)
	defer unlock()

	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != models.StatusInProgress {
		return nil
	}
	if err := l.finalizeStreaming(ctx, sess); err != nil {
		return err
	}
	sess.Status = models.StatusInterrupted
	sess.Reason = reason
	sess.UpdatedAt = l.now()
	if err := l.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	log.Warn("会话中断: %s, reason=%s", sessionID, reason)
	return nil
}

func (l *Ledger) finalizeStreaming(ctx context.Context, sess *models.Session) error {
	for _, msg := range sess.Messages {
		if !msg.IsStreaming {
			continue
		}
		msg.IsStreaming = false
		msg.Interrupted = true
		if err := l.store.PutMessage(ctx, sess.ID, msg); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) touch(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = l.now()
	return l.store.UpdateSession(ctx, sess)
}

// Get 读取完整会话
func (l *Ledger) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return l.store.GetSession(ctx, sessionID)
}

// List 列出标的下的会话头，最近更新的在前
func (l *Ledger) List(ctx context.Context, subjectCode string) ([]*models.Session, error) {
	return l.store.ListSessions(ctx, subjectCode)
}

// Latest 返回标的最近更新的会话，不限状态
func (l *Ledger) Latest(ctx context.Context, subjectCode string) (*models.Session, error) {
	return l.latest(ctx, subjectCode, func(*models.Session) bool { return true })
}

// LatestFinished 返回标的最近更新的已结束会话
func (l *Ledger) LatestFinished(ctx context.Context, subjectCode string) (*models.Session, error) {
	return l.latest(ctx, subjectCode, func(s *models.Session) bool { return s.Status.Terminal() })
}

// ListInProgress 列出所有进行中的会话头，用于启动时清理上次进程遗留的会话
func (l *Ledger) ListInProgress(ctx context.Context) ([]*models.Session, error) {
	return l.store.ListInProgress(ctx)
}

// GetLatestInProgress 返回标的最近更新的进行中会话，用于重连后提示恢复
func (l *Ledger) GetLatestInProgress(ctx context.Context, subjectCode string) (*models.Session, error) {
	return l.latest(ctx, subjectCode, func(s *models.Session) bool {
		return s.Status == models.StatusInProgress
	})
}

func (l *Ledger) latest(ctx context.Context, subjectCode string, match func(*models.Session) bool) (*models.Session, error) {
	heads, err := l.store.ListSessions(ctx, subjectCode)
	if err != nil {
		return nil, err
	}
	for _, h := range heads {
		if match(h) {
			return l.store.GetSession(ctx, h.ID)
		}
	}
	return nil, ErrSessionNotFound
}
