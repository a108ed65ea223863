// Package negotiator 检索计划协商：把数据收集员的检索请求变成待确认的计划，
// 用户确认后逐个任务调用检索能力，结果回流到会议上下文。
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/run-bigpig/jcp-debate/internal/logger"
	"github.com/run-bigpig/jcp-debate/internal/metrics"
	"github.com/run-bigpig/jcp-debate/internal/models"
	"github.com/run-bigpig/jcp-debate/internal/pkg/ids"
	"github.com/run-bigpig/jcp-debate/internal/search"
	"github.com/run-bigpig/jcp-debate/internal/stream"
)

var log = logger.New("Negotiator")

var (
	ErrPlanNotFound      = fmt.Errorf("%w: search plan not found", models.ErrProtocolViolation)
	ErrInvalidTransition = fmt.Errorf("%w: invalid search plan transition", models.ErrProtocolViolation)
	// ErrNoSearchRequest 数据收集员输出中没有可识别的检索请求
	ErrNoSearchRequest = errors.New("no search request in agent output")
)

// defaultEstimatedTime 数据源未登记时的预计耗时（秒）
const defaultEstimatedTime = 5

// Searcher 检索能力及数据源目录，search.Registry 满足该接口
type Searcher interface {
	search.Capability
	Lookup(name string) (search.Source, bool)
	DefaultSource(query string) string
}

// Emitter 事件发送函数，由会议编排提供
type Emitter func(stream.Envelope)

type planState struct {
	plan *models.SearchPlan
	// awaiting 计划等待用户决定：新提出的计划，或执行失败待重新确认
	awaiting bool
	changed  chan struct{}
}

// broadcast 唤醒所有 Await，调用方持有锁
func (st *planState) broadcast() {
	close(st.changed)
	st.changed = make(chan struct{})
}

// Negotiator 检索计划协商器
type Negotiator struct {
	searcher Searcher
	metrics  *metrics.Metrics

	mu    sync.Mutex
	plans map[string]*planState
}

// New 创建协商器，m 可为 nil
func New(searcher Searcher, m *metrics.Metrics) *Negotiator {
	return &Negotiator{
		searcher: searcher,
		metrics:  m,
		plans:    make(map[string]*planState),
	}
}

// Propose 解析检索请求并生成 pending 状态的计划
func (n *Negotiator) Propose(sessionID, subjectCode, userQuery, agentRequest string) (*models.SearchPlan, error) {
	reqs := parseRequests(agentRequest)
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSearchRequest, truncateString(agentRequest, 120))
	}

	plan := &models.SearchPlan{
		PlanID:      ids.NewPlanID(),
		SessionID:   sessionID,
		SubjectCode: subjectCode,
		UserQuery:   userQuery,
		Status:      models.SearchPending,
	}
	for i, r := range reqs {
		source := r.Source
		var src search.Source
		if source != "" {
			var ok bool
			if src, ok = n.searcher.Lookup(source); !ok {
				log.Warn("未知数据源提示 @%s，改用默认数据源", source)
				source = ""
			}
		}
		if source == "" {
			source = n.searcher.DefaultSource(r.Query)
			src, _ = n.searcher.Lookup(source)
		}

		est := defaultEstimatedTime
		if src != nil && src.EstimatedTime() > 0 {
			est = src.EstimatedTime()
		}
		desc := r.Description
		if desc == "" {
			desc = fmt.Sprintf("通过 %s 检索「%s」", source, r.Query)
		}
		plan.Tasks = append(plan.Tasks, models.SearchTask{
			ID:            fmt.Sprintf("task-%d", i+1),
			Source:        source,
			Query:         r.Query,
			Description:   desc,
			EstimatedTime: est,
		})
		plan.TotalEstimatedTime += est
	}

	n.mu.Lock()
	n.plans[plan.PlanID] = &planState{plan: plan, awaiting: true, changed: make(chan struct{})}
	n.mu.Unlock()

	log.Info("提出检索计划 %s: %d 个任务, 预计 %d 秒", plan.PlanID, len(plan.Tasks), plan.TotalEstimatedTime)
	return plan.Clone(), nil
}

// HasSource 数据源是否已登记
func (n *Negotiator) HasSource(name string) bool {
	_, ok := n.searcher.Lookup(name)
	return ok
}

// Get 查询计划当前状态
func (n *Negotiator) Get(planID string) (*models.SearchPlan, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return st.plan.Clone(), nil
}

// Confirm 确认计划：pending→executing；执行失败后的 executing 计划可重新确认
func (n *Negotiator) Confirm(planID string) (*models.SearchPlan, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}

	p := st.plan
	switch {
	case p.Status == models.SearchPending:
		p.Status = models.SearchExecuting
	case p.Status == models.SearchExecuting && st.awaiting:
		p.Error = ""
	default:
		return nil, fmt.Errorf("%w: confirm %s in status %s", ErrInvalidTransition, planID, p.Status)
	}
	st.awaiting = false
	st.broadcast()
	n.metrics.PlanDecision("confirm")
	log.Info("检索计划已确认: %s", planID)
	return p.Clone(), nil
}

// Cancel 取消计划，只允许 pending→cancelled，不触发任何检索
func (n *Negotiator) Cancel(planID string) (*models.SearchPlan, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	if !st.plan.Status.CanTransition(models.SearchCancelled) {
		return nil, fmt.Errorf("%w: cancel %s in status %s", ErrInvalidTransition, planID, st.plan.Status)
	}
	st.plan.Status = models.SearchCancelled
	st.awaiting = false
	st.broadcast()
	n.metrics.PlanDecision("cancel")
	log.Info("检索计划已取消: %s", planID)
	return st.plan.Clone(), nil
}

// Await 阻塞直到用户对计划做出决定或 ctx 结束。
// 一直 pending 的计划是合法状态，只有 ctx 能结束等待。
func (n *Negotiator) Await(ctx context.Context, planID string) (*models.SearchPlan, error) {
	for {
		n.mu.Lock()
		st, ok := n.plans[planID]
		if !ok {
			n.mu.Unlock()
			return nil, ErrPlanNotFound
		}
		if !st.awaiting {
			p := st.plan.Clone()
			n.mu.Unlock()
			return p, nil
		}
		changed := st.changed
		n.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

// Execute 依次执行已确认计划的任务。
// 全部成功时以 data_collector 身份发出 start/chunk/end 并置为 completed，
// 返回拼接后的检索结果；任一任务失败时计划保持 executing 并附带错误，
// 发出 task_plan 更新，等待重新确认。
func (n *Negotiator) Execute(ctx context.Context, planID string, emit Emitter) (string, error) {
	n.mu.Lock()
	st, ok := n.plans[planID]
	if !ok {
		n.mu.Unlock()
		return "", ErrPlanNotFound
	}
	if st.plan.Status != models.SearchExecuting || st.awaiting {
		status := st.plan.Status
		n.mu.Unlock()
		return "", fmt.Errorf("%w: execute %s in status %s", ErrInvalidTransition, planID, status)
	}
	plan := st.plan.Clone()
	n.mu.Unlock()

	emit(stream.TaskPlan(plan))

	var sb strings.Builder
	for _, task := range plan.Tasks {
		text, err := n.searcher.Search(ctx, task.Source, task.Query)
		if err != nil {
			if ctx.Err() != nil {
				return "", context.Cause(ctx)
			}
			n.metrics.SearchTask(task.Source, "error")
			log.Error("检索任务失败 %s/%s: %v", planID, task.ID, err)
			failed := n.fail(planID, fmt.Sprintf("%s 失败: %v", task.ID, err))
			if failed != nil {
				emit(stream.TaskPlan(failed))
			}
			return "", fmt.Errorf("search task %s: %w", task.ID, err)
		}
		n.metrics.SearchTask(task.Source, "ok")
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "【%s】%s\n%s", task.Source, task.Query, text)
	}
	result := sb.String()

	msgID := ids.NewMessageID()
	emit(stream.AgentStart(models.RoleDataCollector, msgID, 0))
	emit(stream.AgentChunk(models.RoleDataCollector, msgID, result, 0))
	emit(stream.AgentEnd(models.RoleDataCollector, msgID, result, 0))

	n.mu.Lock()
	st.plan.Status = models.SearchCompleted
	st.plan.Error = ""
	st.broadcast()
	done := st.plan.Clone()
	n.mu.Unlock()

	emit(stream.TaskPlan(done))
	log.Info("检索计划执行完成: %s", planID)
	return result, nil
}

// fail 记录执行错误，计划重新进入等待确认
func (n *Negotiator) fail(planID, msg string) *models.SearchPlan {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.plans[planID]
	if !ok {
		return nil
	}
	st.plan.Error = msg
	st.awaiting = true
	st.broadcast()
	return st.plan.Clone()
}

// Forget 清理会话的全部计划
func (n *Negotiator) Forget(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, st := range n.plans {
		if st.plan.SessionID == sessionID {
			delete(n.plans, id)
		}
	}
}

// truncateString 截断字符串用于日志输出
func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
