// Package meeting 会议编排：按模式驱动角色发言、推进阶段与轮次，
// 事件写入会话通道并同步落账。
package meeting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/run-bigpig/jcp-debate/internal/agent"
	"github.com/run-bigpig/jcp-debate/internal/ledger"
	"github.com/run-bigpig/jcp-debate/internal/logger"
	"github.com/run-bigpig/jcp-debate/internal/metrics"
	"github.com/run-bigpig/jcp-debate/internal/models"
	"github.com/run-bigpig/jcp-debate/internal/negotiator"
	"github.com/run-bigpig/jcp-debate/internal/pkg/ids"
	"github.com/run-bigpig/jcp-debate/internal/reconciler"
	"github.com/run-bigpig/jcp-debate/internal/stream"
)

var log = logger.New("Meeting")

// 错误定义
var (
	ErrUserCancelled    = errors.New("user-cancelled")
	ErrTimeout          = errors.New("timeout")
	ErrShutdown         = errors.New("shutdown")
	ErrShuttingDown     = errors.New("meeting service is shutting down")
	ErrSessionNotLive   = errors.New("session is not running")
	ErrSubjectRequired  = fmt.Errorf("%w: subject code is required", models.ErrProtocolViolation)
	ErrNotResumable     = fmt.Errorf("%w: session is not resumable", models.ErrProtocolViolation)
	ErrQuestionRequired = fmt.Errorf("%w: question is required", models.ErrProtocolViolation)
	ErrSessionBusy      = fmt.Errorf("%w: session is still running", models.ErrProtocolViolation)
)

// 中断原因
const (
	ReasonUserCancelled = "user-cancelled"
	ReasonTimeout       = "timeout"
	ReasonShutdown      = "shutdown"
)

// stopReason 主动结束的原因，不是主动结束时返回空
func stopReason(cause error) string {
	switch {
	case errors.Is(cause, ErrUserCancelled):
		return ReasonUserCancelled
	case errors.Is(cause, ErrShutdown):
		return ReasonShutdown
	}
	return ""
}

// CapabilityError 发言能力失败
type CapabilityError struct {
	Role models.Role
	Err  error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s: %v", e.Role, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// DefaultFinishedRetention 结束后的会话在内存中保留的时间，供迟到的客户端读取缓冲事件
const DefaultFinishedRetention = 2 * time.Minute

// Config 编排配置
type Config struct {
	SnapshotInterval  time.Duration
	FinishedRetention time.Duration
	// Rules 按模式覆盖默认规则，请求中的覆盖项优先
	Rules map[models.Mode]*models.RulesOverride
}

// Deps 编排依赖
type Deps struct {
	Capability agent.Capability
	Negotiator *negotiator.Negotiator
	Ledger     *ledger.Ledger
	Roster     *agent.Roster
	Metrics    *metrics.Metrics
}

// StartRequest 发起会议
type StartRequest struct {
	SubjectCode string
	SubjectName string
	Mode        string
	Query       string
	Rules       *models.RulesOverride
}

// Service 会议编排服务
type Service struct {
	deps Deps
	cfg  Config

	mu   sync.Mutex
	runs map[string]*run
	// followUps 进行中的追问，按所属会话 ID 索引，每个会话同时只有一个
	followUps map[string]*run
	closing   bool
}

// NewService 创建会议编排服务
func NewService(deps Deps, cfg Config) *Service {
	if deps.Roster == nil {
		deps.Roster = agent.NewRoster()
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = reconciler.DefaultSnapshotInterval
	}
	if cfg.FinishedRetention <= 0 {
		cfg.FinishedRetention = DefaultFinishedRetention
	}
	return &Service{
		deps:      deps,
		cfg:       cfg,
		runs:      make(map[string]*run),
		followUps: make(map[string]*run),
	}
}

// Ledger 会话账本
func (s *Service) Ledger() *ledger.Ledger {
	return s.deps.Ledger
}

// Start 登记会话并在后台开始会议，返回会话 ID。
// 非法模式同步拒绝，不会产生任何事件。
func (s *Service) Start(ctx context.Context, req StartRequest) (string, error) {
	return s.start(ctx, req, nil, "")
}

// Resume 以中断会话中已完成的发言为上下文，为同一标的和模式开启新会话
func (s *Service) Resume(ctx context.Context, sessionID string) (string, error) {
	prev, err := s.deps.Ledger.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !prev.Resumable() {
		return "", fmt.Errorf("%w: %s is %s", ErrNotResumable, sessionID, prev.Status)
	}
	rules := prev.Rules
	override := &models.RulesOverride{
		MaxTime:               &rules.MaxTime,
		MaxRounds:             &rules.MaxRounds,
		ManagerCanInterrupt:   &rules.ManagerCanInterrupt,
		RequireDataCollection: &rules.RequireDataCollection,
	}
	// 已有检索结果时不再重复收集
	seed := seedFromSession(prev)
	for _, e := range seed {
		if e.Role == models.RoleDataCollector {
			no := false
			override.RequireDataCollection = &no
			break
		}
	}
	return s.start(ctx, StartRequest{
		SubjectCode: prev.SubjectCode,
		SubjectName: prev.SubjectName,
		Mode:        string(prev.Mode),
		Rules:       override,
	}, seed, prev.ID)
}

func (s *Service) start(ctx context.Context, req StartRequest, seed []DiscussionEntry, resumedFrom string) (string, error) {
	mode, err := models.ParseMode(req.Mode)
	if err != nil {
		return "", err
	}
	if req.SubjectCode == "" {
		return "", ErrSubjectRequired
	}
	if s.isClosing() {
		return "", ErrShuttingDown
	}
	rules, err := models.ResolveRules(mode)
	if err != nil {
		return "", err
	}
	rules = rules.Apply(s.cfg.Rules[mode]).Apply(req.Rules)

	sess := &models.Session{
		ID:          ids.NewSessionID(),
		SubjectCode: req.SubjectCode,
		SubjectName: req.SubjectName,
		Mode:        mode,
		Rules:       rules,
		ResumedFrom: resumedFrom,
	}
	if err := s.deps.Ledger.Create(ctx, sess); err != nil {
		return "", err
	}

	r := s.newRun(sess, req.Query, seed, reconciler.Config{SnapshotInterval: s.cfg.SnapshotInterval})
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		if err := s.deps.Ledger.MarkInterrupted(context.WithoutCancel(ctx), sess.ID, ReasonShutdown); err != nil {
			log.Warn("标记会话中断失败 %s: %v", sess.ID, err)
		}
		return "", ErrShuttingDown
	}
	s.runs[sess.ID] = r
	s.mu.Unlock()
	s.deps.Metrics.SessionStarted(string(mode))
	log.Info("会议开始: %s %s(%s) mode=%s rounds=%d", sess.ID, sess.SubjectName, sess.SubjectCode, mode, rules.MaxRounds)

	go s.execute(context.WithoutCancel(ctx), r)
	return sess.ID, nil
}

func (s *Service) newRun(sess *models.Session, query string, seed []DiscussionEntry, rc reconciler.Config) *run {
	r := &run{
		session:   *sess,
		query:     query,
		channel:   stream.NewChannel(),
		rec:       reconciler.New(s.deps.Ledger, sess.ID, rc),
		moderator: NewModerator(s.deps.Roster, seed),
		done:      make(chan struct{}),
		startedAt: time.Now(),
		log:       log.With(sess.SubjectCode),
	}
	return r
}

func (s *Service) lookup(sessionID string) (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotLive, sessionID)
	}
	return r, nil
}

func (s *Service) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// live 返回会话上仍在运行的会议或追问，没有时返回 nil
func (s *Service) live(sessionID string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[sessionID]; ok && !r.isFinished() {
		return r
	}
	return s.followUps[sessionID]
}

// liveOnSubject 返回标的下仍在运行的会议或追问
func (s *Service) liveOnSubject(subjectCode string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.session.SubjectCode == subjectCode && !r.isFinished() {
			return r
		}
	}
	for _, r := range s.followUps {
		if r.session.SubjectCode == subjectCode {
			return r
		}
	}
	return nil
}

// retire 会话结束后延迟移出内存
func (s *Service) retire(r *run) {
	time.AfterFunc(s.cfg.FinishedRetention, func() {
		s.mu.Lock()
		delete(s.runs, r.session.ID)
		s.mu.Unlock()
	})
}

// Attach 接入会话的实时事件流，只允许一个消费者。
// 会话不在内存中或已断开过时返回错误，调用方应改读账本。
func (s *Service) Attach(sessionID string) (<-chan stream.Envelope, error) {
	r, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return r.channel.Attach()
}

// Detach 断开实时事件流，会议继续进行
func (s *Service) Detach(sessionID string) {
	if r, err := s.lookup(sessionID); err == nil {
		r.channel.Detach()
		r.log.Info("客户端断开: %s", sessionID)
	}
}

// Stop 强制结束会议或追问：不再安排新的发言，进行中的调用通过 ctx 中止。
// 会话已结束但仍在内存中时没有副作用。
func (s *Service) Stop(sessionID string) error {
	r := s.live(sessionID)
	if r == nil {
		_, err := s.lookup(sessionID)
		return err
	}
	r.log.Info("收到强制结束: %s", sessionID)
	r.stop(ErrUserCancelled)
	return nil
}

// Shutdown 停止接收新会议，以 shutdown 为原因结束所有进行中的会议与追问，
// 等到它们的终止事件落账后返回
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	var active []*run
	for _, r := range s.runs {
		if !r.isFinished() {
			active = append(active, r)
		}
	}
	for _, r := range s.followUps {
		active = append(active, r)
	}
	s.mu.Unlock()

	if len(active) == 0 {
		return nil
	}
	log.Info("正在结束 %d 个进行中的会话", len(active))
	for _, r := range active {
		r.stop(ErrShutdown)
	}
	for _, r := range active {
		select {
		case <-r.done:
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", r.session.ID, ctx.Err())
		}
	}
	return nil
}

// RecoverOrphans 把账本中没有运行实例的 in_progress 会话标记为中断，返回处理的数量。
// 上一个进程没能正常结束的会话会遗留为 in_progress，服务启动时调用。
func (s *Service) RecoverOrphans(ctx context.Context) (int, error) {
	heads, err := s.deps.Ledger.ListInProgress(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, h := range heads {
		if s.live(h.ID) != nil {
			continue
		}
		if err := s.deps.Ledger.MarkInterrupted(ctx, h.ID, reconciler.ReasonDisconnected); err != nil {
			return n, fmt.Errorf("interrupt orphan %s: %w", h.ID, err)
		}
		log.Warn("遗留会话已标记中断: %s %s", h.ID, h.SubjectCode)
		n++
	}
	return n, nil
}

// Wait 等待会议结束
func (s *Service) Wait(ctx context.Context, sessionID string) error {
	r, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Mention 用户插话，在下一个发言间隙生效
func (s *Service) Mention(sessionID, text string) error {
	r, err := s.lookup(sessionID)
	if err != nil {
		return err
	}
	mn := ParseMention(text, s.deps.Negotiator.HasSource)
	if mn.Text == "" && mn.kind != mentionRole {
		return fmt.Errorf("%w: empty mention", models.ErrProtocolViolation)
	}
	if !r.enqueue(mn) {
		return fmt.Errorf("%w: %s", ErrSessionNotLive, sessionID)
	}
	return nil
}

// ConfirmPlan 确认检索计划
func (s *Service) ConfirmPlan(planID string) (*models.SearchPlan, error) {
	return s.deps.Negotiator.Confirm(planID)
}

// CancelPlan 取消检索计划，之后不会再有该计划的事件
func (s *Service) CancelPlan(ctx context.Context, planID string) (*models.SearchPlan, error) {
	plan, err := s.deps.Negotiator.Cancel(planID)
	if err != nil {
		return nil, err
	}
	// 取消不产生事件，账本中的计划消息直接定稿
	if r, err := s.lookup(plan.SessionID); err == nil {
		r.recordPlan(ctx, plan)
	}
	return plan, nil
}
