package meeting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/run-bigpig/jcp-debate/internal/agent"
	"github.com/run-bigpig/jcp-debate/internal/logger"
	"github.com/run-bigpig/jcp-debate/internal/models"
	"github.com/run-bigpig/jcp-debate/internal/negotiator"
	"github.com/run-bigpig/jcp-debate/internal/pkg/ids"
	"github.com/run-bigpig/jcp-debate/internal/reconciler"
	"github.com/run-bigpig/jcp-debate/internal/stream"
)

// run 一场进行中的会议
type run struct {
	session   models.Session
	query     string
	channel   *stream.Channel
	rec       *reconciler.Reconciler
	moderator *Moderator
	done      chan struct{}
	startedAt time.Time
	log       *logger.Logger

	// emitMu 串行化发送与落账，保证账本顺序与通道顺序一致
	emitMu   sync.Mutex
	terminal bool

	mu       sync.Mutex
	cancel   context.CancelCauseFunc
	stopped  error
	mentions []Mention
	finished bool
}

// stop 以 cause 取消会议，运行前收到的取消在开始时生效
func (r *run) stop(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped == nil {
		r.stopped = cause
	}
	if r.cancel != nil {
		r.cancel(cause)
	}
}

func (r *run) isFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *run) enqueue(mn Mention) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false
	}
	r.mentions = append(r.mentions, mn)
	return true
}

func (r *run) drainMentions() []Mention {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.mentions
	r.mentions = nil
	return out
}

// emit 发送事件并同步落账。终止事件之后的事件被丢弃。
func (s *Service) emit(ctx context.Context, r *run, ev stream.Envelope) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.terminal {
		r.log.Warn("终止事件之后丢弃 %s", ev.Type)
		return
	}

	sent, err := r.channel.Send(ev)
	if err != nil {
		r.log.Warn("发送事件失败 %s: %v", ev.Type, err)
		sent = ev
	}
	if err := r.rec.Apply(context.WithoutCancel(ctx), sent); err != nil {
		r.log.Error("落账失败 %s: %v", ev.Type, err)
	}
	s.deps.Metrics.Event(string(ev.Type))

	if ev.Type.Terminal() {
		r.terminal = true
		r.channel.Close()
	}
}

// recordPlan 不经过事件通道直接定稿账本中的计划消息
func (r *run) recordPlan(ctx context.Context, plan *models.SearchPlan) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.terminal {
		return
	}
	if err := r.rec.Apply(ctx, stream.TaskPlan(plan)); err != nil {
		r.log.Warn("计划落账失败 %s: %v", plan.PlanID, err)
	}
}

func (s *Service) phase(ctx context.Context, r *run, phase models.Phase, round, maxRounds int) {
	r.log.Debug("阶段 %s round=%d/%d", phase, round, maxRounds)
	s.emit(ctx, r, stream.Phase(phase, round, maxRounds))
}

// cancellable 为 run 建立可取消的 ctx，开始前收到的 stop 立即生效
func (r *run) cancellable(base context.Context) (context.Context, context.CancelCauseFunc) {
	ctx, cancel := context.WithCancelCause(base)
	r.mu.Lock()
	r.cancel = cancel
	if r.stopped != nil {
		cancel(r.stopped)
	}
	r.mu.Unlock()
	return ctx, cancel
}

// execute 会议主流程，每场会议一个 goroutine
func (s *Service) execute(base context.Context, r *run) {
	defer close(r.done)
	defer s.retire(r)

	ctx, cancel := r.cancellable(base)
	defer cancel(nil)

	ctx, cancelTimeout := context.WithTimeoutCause(ctx, r.session.Rules.MaxTime, ErrTimeout)
	defer cancelTimeout()

	flushDone := make(chan struct{})
	go s.flushLoop(ctx, r, flushDone)

	result, err := s.drive(ctx, r)
	close(flushDone)
	s.finish(ctx, r, result, err)

	r.mu.Lock()
	r.finished = true
	r.mu.Unlock()
	s.deps.Negotiator.Forget(r.session.ID)
}

// flushLoop 定时把流式消息快照写入账本
func (s *Service) flushLoop(ctx context.Context, r *run, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.rec.Flush(context.WithoutCancel(ctx)); err != nil {
				r.log.Warn("快照失败: %v", err)
			}
		}
	}
}

func (s *Service) drive(ctx context.Context, r *run) (models.Result, error) {
	s.phase(ctx, r, models.PhaseStart, 0, 0)

	if r.session.Rules.RequireDataCollection {
		if err := s.collectData(ctx, r); err != nil {
			return models.Result{}, err
		}
	}

	switch r.session.Mode {
	case models.ModeParallel:
		return s.runParallel(ctx, r)
	case models.ModeRealtimeDebate:
		return s.runDebate(ctx, r)
	default:
		return s.runQuick(ctx, r)
	}
}

// finish 发出唯一的终止事件并记录指标
func (s *Service) finish(ctx context.Context, r *run, result models.Result, err error) {
	elapsed := time.Since(r.startedAt).Milliseconds()
	status := models.StatusCompleted

	cause := context.Cause(ctx)
	switch {
	case err == nil:
		result.ExecutionTime = elapsed
		s.phase(ctx, r, models.PhaseComplete, 0, 0)
		s.emit(ctx, r, stream.Result(result))
		r.log.Info("会议完成: %s 用时 %dms", r.session.ID, elapsed)

	case errors.Is(cause, ErrTimeout):
		if r.moderator.Completed() > 0 {
			partial := s.collectResult(r)
			partial.ExecutionTime = elapsed
			partial.Partial = true
			partial.Reason = ReasonTimeout
			s.emit(ctx, r, stream.Result(partial))
			r.log.Warn("会议超时，返回部分结果: %s", r.session.ID)
		} else {
			status = models.StatusInterrupted
			s.emit(ctx, r, stream.Error(ReasonTimeout, nil, ""))
			r.log.Warn("会议超时: %s", r.session.ID)
		}

	case stopReason(cause) != "":
		status = models.StatusInterrupted
		reason := stopReason(cause)
		s.emit(ctx, r, stream.Error(reason, nil, ""))
		r.log.Info("会议被结束: %s reason=%s", r.session.ID, reason)

	default:
		status = models.StatusInterrupted
		var ce *CapabilityError
		if errors.As(err, &ce) {
			s.emit(ctx, r, stream.Error(ce.Err.Error(), ce.Err, ce.Role))
		} else {
			s.emit(ctx, r, stream.Error(err.Error(), err, ""))
		}
		r.log.Error("会议失败: %s: %v", r.session.ID, err)
	}

	s.deps.Metrics.SessionFinished(string(r.session.Mode), string(status))
}

// collectResult 从会议记录汇总结果
func (s *Service) collectResult(r *run) models.Result {
	m := r.moderator
	res := models.Result{
		Bull:    m.Latest(models.RoleBull),
		Bear:    m.Latest(models.RoleBear),
		Manager: m.Latest(models.RoleManager),
		Quick:   m.Latest(models.RoleQuick),
	}
	res.Rating = ExtractRating(res.Manager)
	return res
}

// turn 一次发言：start、若干 chunk、end。失败时不发 end，由会议的 error 事件收尾。
func (s *Service) turn(ctx context.Context, r *run, role models.Role, round int, goal string) (msgID, content string, err error) {
	if err := context.Cause(ctx); err != nil {
		return "", "", err
	}
	req := agent.Request{
		Role:        role,
		SubjectCode: r.session.SubjectCode,
		SubjectName: r.session.SubjectName,
		Goal:        goal,
		Context:     r.moderator.BuildContext(),
	}

	msgID = ids.NewMessageID()
	s.emit(ctx, r, stream.AgentStart(role, msgID, round))

	var sb strings.Builder
	for delta, err := range s.deps.Capability.Stream(ctx, req) {
		if err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return "", "", cause
			}
			s.deps.Metrics.AgentTurn(string(role), "error")
			r.log.Error("%s 发言失败: %v", role, err)
			return "", "", &CapabilityError{Role: role, Err: err}
		}
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		s.emit(ctx, r, stream.AgentChunk(role, msgID, delta, round))
	}
	if cause := context.Cause(ctx); cause != nil {
		return "", "", cause
	}

	content = sb.String()
	s.emit(ctx, r, stream.AgentEnd(role, msgID, content, round))
	r.moderator.Record(role, round, content)
	s.deps.Metrics.AgentTurn(string(role), "ok")
	return msgID, content, nil
}

// silent 不产生事件地运行一次发言，用于数据收集员起草检索请求
func (s *Service) silent(ctx context.Context, r *run, role models.Role, goal string) (string, error) {
	req := agent.Request{
		Role:        role,
		SubjectCode: r.session.SubjectCode,
		SubjectName: r.session.SubjectName,
		Goal:        goal,
		Context:     r.moderator.BuildContext(),
	}
	var sb strings.Builder
	for delta, err := range s.deps.Capability.Stream(ctx, req) {
		if err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return "", cause
			}
			s.deps.Metrics.AgentTurn(string(role), "error")
			return "", &CapabilityError{Role: role, Err: err}
		}
		sb.WriteString(delta)
	}
	if cause := context.Cause(ctx); cause != nil {
		return "", cause
	}
	return sb.String(), nil
}

func (s *Service) topic(r *run) string {
	if r.query != "" {
		return r.query
	}
	return fmt.Sprintf("%s(%s) 后市怎么看", r.session.SubjectName, r.session.SubjectCode)
}

// runQuick 单个分析师快速分析
func (s *Service) runQuick(ctx context.Context, r *run) (models.Result, error) {
	s.phase(ctx, r, models.PhaseAnalyzing, 0, 0)
	_, content, err := s.turn(ctx, r, models.RoleQuick, 0, s.topic(r))
	if err != nil {
		return models.Result{}, err
	}
	return models.Result{Quick: content}, nil
}

// runParallel 多空并行，两边都结束后经理决策。
// 任一方失败时取消另一方，经理不会开始。
func (s *Service) runParallel(ctx context.Context, r *run) (models.Result, error) {
	s.phase(ctx, r, models.PhaseParallelAnalysis, 0, 0)

	pctx, pcancel := context.WithCancelCause(ctx)
	defer pcancel(nil)

	roles := []models.Role{models.RoleBull, models.RoleBear}
	errs := make([]error, len(roles))
	var wg sync.WaitGroup
	for i, role := range roles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			goal := fmt.Sprintf("围绕「%s」独立给出你的分析。", s.topic(r))
			if _, _, err := s.turn(pctx, r, role, 0, goal); err != nil {
				errs[i] = err
				pcancel(err)
			}
		}()
	}
	wg.Wait()

	// 优先报告发言失败本身，而不是被连带取消的一方
	var first error
	for _, err := range errs {
		var ce *CapabilityError
		if errors.As(err, &ce) {
			return models.Result{}, err
		}
		if err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		return models.Result{}, first
	}

	s.applyMentions(ctx, r)
	return s.decide(ctx, r)
}

// runDebate 多空按轮次辩论，经理可被 @ 提前介入
func (s *Service) runDebate(ctx context.Context, r *run) (models.Result, error) {
	maxRounds := r.session.Rules.MaxRounds
	for round := 1; round <= maxRounds; round++ {
		if s.applyMentions(ctx, r) {
			r.log.Info("经理提前介入，第 %d 轮未开始", round)
			break
		}
		s.phase(ctx, r, models.PhaseDebate, round, maxRounds)

		bullGoal := fmt.Sprintf("第%d轮：陈述看多观点并回应空方。", round)
		if round == 1 {
			bullGoal = fmt.Sprintf("第1轮：围绕「%s」陈述看多观点。", s.topic(r))
		}
		if _, _, err := s.turn(ctx, r, models.RoleBull, round, bullGoal); err != nil {
			return models.Result{}, err
		}
		if s.applyMentions(ctx, r) {
			r.log.Info("经理提前介入，第 %d 轮空方未发言", round)
			break
		}
		if _, _, err := s.turn(ctx, r, models.RoleBear, round, fmt.Sprintf("第%d轮：陈述看空观点并回应多方。", round)); err != nil {
			return models.Result{}, err
		}
	}
	return s.decide(ctx, r)
}

// decide 经理做最终决策
func (s *Service) decide(ctx context.Context, r *run) (models.Result, error) {
	s.phase(ctx, r, models.PhaseDecision, 0, 0)
	if _, _, err := s.turn(ctx, r, models.RoleManager, 0, "总结双方观点，给出结论和评级。"); err != nil {
		return models.Result{}, err
	}
	return s.collectResult(r), nil
}

// applyMentions 在发言间隙处理排队的插话，返回经理是否要求提前介入
func (s *Service) applyMentions(ctx context.Context, r *run) (interrupt bool) {
	for _, mn := range r.drainMentions() {
		switch mn.kind {
		case mentionSource:
			query := mn.Text
			if query == "" {
				query = r.session.SubjectName
			}
			if err := s.negotiate(ctx, r, mn.Text, fmt.Sprintf(`"%s" @%s`, query, mn.Source)); err != nil {
				r.log.Warn("插话检索失败: %v", err)
			}
		default:
			text := r.moderator.Note(mn)
			msgID := ids.NewMessageID()
			s.emit(ctx, r, stream.AgentStart(models.RoleUser, msgID, 0))
			s.emit(ctx, r, stream.AgentEnd(models.RoleUser, msgID, text, 0))
			if mn.Role == models.RoleManager && r.session.Rules.ManagerCanInterrupt {
				interrupt = true
			}
		}
	}
	return interrupt
}

// collectData 数据收集：数据收集员起草检索请求，计划经用户确认后执行。
// 用户取消或没有检索需求时直接进入下一阶段。
func (s *Service) collectData(ctx context.Context, r *run) error {
	s.phase(ctx, r, models.PhaseDataCollection, 0, 0)

	draft, err := s.silent(ctx, r, models.RoleDataCollector, fmt.Sprintf("议题：%s。列出辩论前需要检索的信息。", s.topic(r)))
	if err != nil {
		return err
	}
	err = s.negotiate(ctx, r, r.query, draft)
	if errors.Is(err, negotiator.ErrNoSearchRequest) {
		r.log.Info("数据收集员认为无需检索")
		return nil
	}
	return err
}

// negotiate 提出检索计划并阻塞等待用户决定。
// 执行失败时计划保持 executing 并等待重新确认，直到会议超时。
func (s *Service) negotiate(ctx context.Context, r *run, userQuery, request string) error {
	plan, err := s.deps.Negotiator.Propose(r.session.ID, r.session.SubjectCode, userQuery, request)
	if err != nil {
		return err
	}
	s.emit(ctx, r, stream.TaskPlan(plan))
	emit := func(ev stream.Envelope) { s.emit(ctx, r, ev) }

	for {
		p, err := s.deps.Negotiator.Await(ctx, plan.PlanID)
		if err != nil {
			return err
		}
		switch p.Status {
		case models.SearchCancelled, models.SearchCompleted:
			return nil
		}

		text, err := s.deps.Negotiator.Execute(ctx, plan.PlanID, emit)
		if err == nil {
			r.moderator.Record(models.RoleDataCollector, 0, text)
			return nil
		}
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		r.log.Warn("检索计划执行失败，等待重新确认: %v", err)
	}
}
