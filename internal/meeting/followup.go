package meeting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/run-bigpig/jcp-debate/internal/ledger"
	"github.com/run-bigpig/jcp-debate/internal/models"
	"github.com/run-bigpig/jcp-debate/internal/pkg/ids"
	"github.com/run-bigpig/jcp-debate/internal/reconciler"
	"github.com/run-bigpig/jcp-debate/internal/stream"
)

// FollowUpRequest 追问
type FollowUpRequest struct {
	SubjectCode string
	SubjectName string
	Question    string
	// Context 客户端附带的背景，如引用的某段发言
	Context string
}

// FollowUpHandle 追问的会话与事件流
type FollowUpHandle struct {
	SessionID string
	Events    <-chan stream.Envelope

	channel *stream.Channel
}

// Detach 客户端离开时调用，追问继续执行并落账
func (h *FollowUpHandle) Detach() {
	h.channel.Detach()
}

// FollowUp 单次追问：一个角色发言，没有阶段与轮次事件，以 complete 或 error 结束。
// 问题与回答以追问身份追加到标的最近一个已结束的会话；标的还没有结束的会话时新建一个
// quick_analysis 会话。标的有会议或追问正在进行时返回 ErrSessionBusy。
// 追问可以用会话 ID 经 Stop 强制结束。
func (s *Service) FollowUp(ctx context.Context, req FollowUpRequest) (*FollowUpHandle, error) {
	if req.SubjectCode == "" {
		return nil, ErrSubjectRequired
	}
	if s.isClosing() {
		return nil, ErrShuttingDown
	}
	mn := ParseMention(req.Question, nil)
	question := strings.TrimSpace(mn.Text)
	if question == "" {
		return nil, ErrQuestionRequired
	}
	role := models.RoleManager
	if mn.kind == mentionRole {
		if p, ok := s.deps.Roster.Get(mn.Role); ok && p.Speaks && mn.Role != models.RoleDataCollector {
			role = mn.Role
		}
	}

	sess, owns, err := s.followUpSession(ctx, req)
	if err != nil {
		return nil, err
	}

	r := s.newRun(sess, question, seedFromSession(sess), reconciler.Config{
		FollowUp:         true,
		OwnsSession:      owns,
		SnapshotInterval: s.cfg.SnapshotInterval,
	})
	r.log = log.With("followup/" + sess.SubjectCode)
	events, err := r.channel.Attach()
	if err != nil {
		return nil, err
	}
	if err := s.registerFollowUp(r); err != nil {
		if owns {
			_ = s.deps.Ledger.MarkInterrupted(context.WithoutCancel(ctx), sess.ID, ReasonShutdown)
		}
		return nil, err
	}

	// 问题本身也记入账本
	asked := models.Message{ID: ids.NewMessageID(), Role: models.RoleUser, Content: question}
	if err := s.deps.Ledger.AppendFollowUp(ctx, sess.ID, asked); err != nil {
		r.log.Warn("记录追问问题失败: %v", err)
	}

	goal := "用户追问：" + question
	if req.Context != "" {
		goal = fmt.Sprintf("%s\n\n用户引用的内容：\n%s", goal, req.Context)
	}
	go s.executeFollowUp(context.WithoutCancel(ctx), r, role, goal)

	return &FollowUpHandle{SessionID: sess.ID, Events: events, channel: r.channel}, nil
}

func (s *Service) registerFollowUp(r *run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrShuttingDown
	}
	if _, ok := s.followUps[r.session.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionBusy, r.session.ID)
	}
	s.followUps[r.session.ID] = r
	return nil
}

func (s *Service) releaseFollowUp(r *run) {
	r.mu.Lock()
	r.finished = true
	r.mu.Unlock()
	s.mu.Lock()
	if s.followUps[r.session.ID] == r {
		delete(s.followUps, r.session.ID)
	}
	s.mu.Unlock()
}

// followUpSession 返回追问所属的会话，以及会话是否为本次新建。
// 进行中的会话只由会议编排写入，追问不会落到上面。
func (s *Service) followUpSession(ctx context.Context, req FollowUpRequest) (*models.Session, bool, error) {
	if r := s.liveOnSubject(req.SubjectCode); r != nil {
		return nil, false, fmt.Errorf("%w: %s", ErrSessionBusy, r.session.ID)
	}
	sess, err := s.deps.Ledger.LatestFinished(ctx, req.SubjectCode)
	if err == nil {
		return sess, false, nil
	}
	if !errors.Is(err, ledger.ErrSessionNotFound) {
		return nil, false, err
	}

	rules, err := models.ResolveRules(models.ModeQuickAnalysis)
	if err != nil {
		return nil, false, err
	}
	sess = &models.Session{
		ID:          ids.NewSessionID(),
		SubjectCode: req.SubjectCode,
		SubjectName: req.SubjectName,
		Mode:        models.ModeQuickAnalysis,
		Rules:       rules.Apply(s.cfg.Rules[models.ModeQuickAnalysis]),
	}
	if err := s.deps.Ledger.Create(ctx, sess); err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

func (s *Service) executeFollowUp(base context.Context, r *run, role models.Role, goal string) {
	defer close(r.done)
	defer s.releaseFollowUp(r)

	rules, _ := models.ResolveRules(models.ModeQuickAnalysis)
	rules = rules.Apply(s.cfg.Rules[models.ModeQuickAnalysis])
	ctx, cancel := r.cancellable(base)
	defer cancel(nil)
	ctx, cancelTimeout := context.WithTimeoutCause(ctx, rules.MaxTime, ErrTimeout)
	defer cancelTimeout()

	flushDone := make(chan struct{})
	go s.flushLoop(ctx, r, flushDone)
	msgID, content, err := s.turn(ctx, r, role, 0, goal)
	close(flushDone)

	switch {
	case err == nil:
		s.emit(ctx, r, stream.Complete(role, msgID, content))
		r.log.Info("追问完成: %s %s", r.session.ID, role)
	case errors.Is(context.Cause(ctx), ErrTimeout):
		s.emit(ctx, r, stream.Error(ReasonTimeout, nil, role))
	case stopReason(context.Cause(ctx)) != "":
		reason := stopReason(context.Cause(ctx))
		s.emit(ctx, r, stream.Error(reason, nil, role))
		r.log.Info("追问被结束: %s reason=%s", r.session.ID, reason)
	default:
		var ce *CapabilityError
		if errors.As(err, &ce) {
			s.emit(ctx, r, stream.Error(ce.Err.Error(), ce.Err, ce.Role))
		} else {
			s.emit(ctx, r, stream.Error(err.Error(), err, role))
		}
		r.log.Error("追问失败: %s: %v", r.session.ID, err)
	}
}
