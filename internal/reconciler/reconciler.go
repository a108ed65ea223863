// Package reconciler 把事件流还原为账本中的会话状态。
//
// 会议编排同步调用 Apply，保证没有消费者时账本同样完整；
// 重连的客户端用同一套规则从事件流重建会话，重复事件不产生变化。
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/run-bigpig/jcp-debate/internal/ledger"
	"github.com/run-bigpig/jcp-debate/internal/logger"
	"github.com/run-bigpig/jcp-debate/internal/models"
	"github.com/run-bigpig/jcp-debate/internal/stream"
)

var log = logger.New("Reconciler")

var (
	ErrRoleAlreadyOpen = fmt.Errorf("%w: role already has an open message", models.ErrProtocolViolation)
	ErrNoOpenMessage   = fmt.Errorf("%w: no open message for chunk", models.ErrProtocolViolation)
	ErrAfterTerminal   = fmt.Errorf("%w: event after terminal event", models.ErrProtocolViolation)
	ErrUnexpectedData  = errors.New("unexpected event data")
)

// DefaultSnapshotInterval 流式消息快照间隔
const DefaultSnapshotInterval = 3 * time.Second

// ReasonDisconnected 事件流未以终止事件结束时的中断原因
const ReasonDisconnected = "disconnected"

// Config 重建配置
type Config struct {
	// FollowUp 追问模式：消息以追问身份追加，会话已结束时仍可写入
	FollowUp bool
	// OwnsSession 追问模式下会话是否为本次追问新建，新建的会话随追问一起结束
	OwnsSession      bool
	SnapshotInterval time.Duration
}

type openMessage struct {
	msg   models.Message
	dirty bool
}

// Reconciler 单会话事件重建器，可被多个生产者并发调用
type Reconciler struct {
	ledger    *ledger.Ledger
	sessionID string
	cfg       Config

	mu       sync.Mutex
	lastSeq  uint64
	open     map[models.Role]*openMessage
	terminal bool
}

// New 创建重建器
func New(l *ledger.Ledger, sessionID string, cfg Config) *Reconciler {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	return &Reconciler{
		ledger:    l,
		sessionID: sessionID,
		cfg:       cfg,
		open:      make(map[models.Role]*openMessage),
	}
}

// Terminal 是否已处理过终止事件
func (r *Reconciler) Terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

// Apply 应用一个事件。seq 不大于已处理序号的事件视为重复并忽略。
func (r *Reconciler) Apply(ctx context.Context, ev stream.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.Seq != 0 {
		if ev.Seq <= r.lastSeq {
			return nil
		}
		r.lastSeq = ev.Seq
	}
	if r.terminal {
		return fmt.Errorf("%s after terminal: %w", ev.Type, ErrAfterTerminal)
	}

	switch ev.Type {
	case stream.EventAgent:
		d, ok := ev.Data.(stream.AgentData)
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnexpectedData, ev.Data)
		}
		return r.applyAgent(ctx, d)

	case stream.EventTaskPlan:
		plan, ok := ev.Data.(*models.SearchPlan)
		if !ok || plan == nil {
			return fmt.Errorf("%w: %T", ErrUnexpectedData, ev.Data)
		}
		// 计划消息以计划 ID 为消息 ID，结束前保持流式以便后续状态覆盖
		done := plan.Status == models.SearchCompleted || plan.Status == models.SearchCancelled
		return r.put(ctx, models.Message{
			ID:          plan.PlanID,
			Role:        models.RoleDataCollector,
			IsStreaming: !done,
			Plan:        plan.Clone(),
		})

	case stream.EventPhase:
		d, ok := ev.Data.(stream.PhaseData)
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnexpectedData, ev.Data)
		}
		if r.cfg.FollowUp {
			return nil
		}
		return r.ledger.RecordPhase(ctx, r.sessionID, models.PhaseRecord{Phase: d.Phase, Round: d.Round, MaxRounds: d.MaxRounds})

	case stream.EventResult:
		res, ok := ev.Data.(models.Result)
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnexpectedData, ev.Data)
		}
		r.terminal = true
		if err := r.finalizeOpen(ctx); err != nil {
			return err
		}
		return r.ledger.Complete(ctx, r.sessionID, res)

	case stream.EventError:
		d, ok := ev.Data.(stream.ErrorData)
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnexpectedData, ev.Data)
		}
		r.terminal = true
		return r.interrupt(ctx, d.Reason)

	case stream.EventComplete:
		d, ok := ev.Data.(stream.CompleteData)
		if !ok {
			return fmt.Errorf("%w: %T", ErrUnexpectedData, ev.Data)
		}
		r.terminal = true
		if d.MessageID != "" {
			if om, ok := r.open[d.Agent]; ok && om.msg.ID == d.MessageID {
				delete(r.open, d.Agent)
			}
			if err := r.put(ctx, models.Message{ID: d.MessageID, Role: d.Agent, Content: d.Content}); err != nil {
				return err
			}
		}
		if err := r.finalizeOpen(ctx); err != nil {
			return err
		}
		if r.cfg.FollowUp && !r.cfg.OwnsSession {
			return nil
		}
		res := models.Result{}
		setRoleResult(&res, d.Agent, d.Content)
		return r.ledger.Complete(ctx, r.sessionID, res)
	}
	return fmt.Errorf("%w: unknown event type %q", models.ErrProtocolViolation, ev.Type)
}

func (r *Reconciler) applyAgent(ctx context.Context, d stream.AgentData) error {
	switch {
	case d.IsStart:
		if om, ok := r.open[d.Agent]; ok {
			return fmt.Errorf("%w: %s has %s, got %s", ErrRoleAlreadyOpen, d.Agent, om.msg.ID, d.MessageID)
		}
		msg := models.Message{ID: d.MessageID, Role: d.Agent, Round: d.Round, IsStreaming: true}
		r.open[d.Agent] = &openMessage{msg: msg}
		return r.put(ctx, msg)

	case d.IsChunk:
		om, ok := r.open[d.Agent]
		if !ok || om.msg.ID != d.MessageID {
			return fmt.Errorf("%w: %s/%s", ErrNoOpenMessage, d.Agent, d.MessageID)
		}
		om.msg.Content += d.Content
		om.dirty = true
		return nil

	case d.IsEnd:
		msg := models.Message{ID: d.MessageID, Role: d.Agent, Round: d.Round, Content: d.Content}
		if om, ok := r.open[d.Agent]; ok && om.msg.ID == d.MessageID {
			if msg.Content == "" {
				msg.Content = om.msg.Content
			}
			delete(r.open, d.Agent)
		}
		return r.put(ctx, msg)
	}
	return fmt.Errorf("%w: agent event without start/chunk/end flag", models.ErrProtocolViolation)
}

// put 写入账本，追问模式走追问通道
func (r *Reconciler) put(ctx context.Context, msg models.Message) error {
	if r.cfg.FollowUp {
		return r.ledger.AppendFollowUp(ctx, r.sessionID, msg)
	}
	return r.ledger.Append(ctx, r.sessionID, msg)
}

// finalizeOpen 以当前内容定稿所有未结束的消息，这些发言没有等到 agent:end，标记为被打断
func (r *Reconciler) finalizeOpen(ctx context.Context) error {
	for role, om := range r.open {
		msg := om.msg
		msg.IsStreaming = false
		msg.Interrupted = true
		if err := r.put(ctx, msg); err != nil {
			return err
		}
		delete(r.open, role)
	}
	return nil
}

func (r *Reconciler) interrupt(ctx context.Context, reason string) error {
	if err := r.finalizeOpen(ctx); err != nil {
		return err
	}
	if r.cfg.FollowUp && !r.cfg.OwnsSession {
		return nil
	}
	return r.ledger.MarkInterrupted(ctx, r.sessionID, reason)
}

// Flush 把有新增内容的流式消息以累积快照写入账本
func (r *Reconciler) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, om := range r.open {
		if !om.dirty {
			continue
		}
		var err error
		if r.cfg.FollowUp {
			err = r.ledger.SnapshotFollowUp(ctx, r.sessionID, om.msg)
		} else {
			err = r.ledger.Snapshot(ctx, r.sessionID, om.msg)
		}
		if err != nil {
			return err
		}
		om.dirty = false
	}
	return nil
}

// Close 事件流结束。未见终止事件时会话标记为中断。
func (r *Reconciler) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return nil
	}
	r.terminal = true
	log.Warn("事件流未正常结束: %s", r.sessionID)
	return r.interrupt(ctx, ReasonDisconnected)
}

// Consume 消费事件流直到通道关闭或 ctx 结束，期间定时快照流式消息。
// 单个事件应用失败只记录日志，不中断消费。
func (r *Reconciler) Consume(ctx context.Context, ch <-chan stream.Envelope) error {
	ticker := time.NewTicker(r.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return r.Close(ctx)
			}
			if err := r.Apply(ctx, ev); err != nil {
				log.Warn("应用事件失败 %s seq=%d: %v", ev.Type, ev.Seq, err)
			}
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				log.Warn("快照失败: %v", err)
			}
		case <-ctx.Done():
			if err := r.Flush(context.WithoutCancel(ctx)); err != nil {
				log.Warn("快照失败: %v", err)
			}
			return ctx.Err()
		}
	}
}

// setRoleResult 把发言内容写入结果中对应角色的字段
func setRoleResult(res *models.Result, role models.Role, content string) {
	switch role {
	case models.RoleBull:
		res.Bull = content
	case models.RoleBear:
		res.Bear = content
	case models.RoleManager:
		res.Manager = content
	default:
		res.Quick = content
	}
}
