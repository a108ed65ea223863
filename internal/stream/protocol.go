// Package stream 实现单会话有序事件通道及其线上协议。
//
// 每个事件是一个 {type, data} 信封，type 取值为 phase、agent、task_plan、
// result、error、complete 之一。字段名属于兼容面，不可随意更名。
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/run-bigpig/jcp-debate/internal/models"
)

// EventType 事件类型
type EventType string

const (
	EventPhase    EventType = "phase"
	EventAgent    EventType = "agent"
	EventTaskPlan EventType = "task_plan"
	EventResult   EventType = "result"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// Terminal 是否为终止事件
func (t EventType) Terminal() bool {
	return t == EventResult || t == EventError || t == EventComplete
}

// Envelope 事件信封，Seq 由通道按发送顺序分配，从 1 开始
type Envelope struct {
	Seq  uint64    `json:"seq,omitempty"`
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// PhaseData 阶段切换
type PhaseData struct {
	Phase     models.Phase `json:"phase"`
	Round     int          `json:"round,omitempty"`
	MaxRounds int          `json:"max_rounds,omitempty"`
}

// AgentData 发言事件：start / chunk / end 三选一
type AgentData struct {
	Agent     models.Role `json:"agent"`
	MessageID string      `json:"message_id"`
	Content   string      `json:"content"`
	Round     int         `json:"round,omitempty"`
	IsStart   bool        `json:"is_start"`
	IsEnd     bool        `json:"is_end"`
	IsChunk   bool        `json:"is_chunk"`
}

// ErrorData 错误事件
type ErrorData struct {
	Error  string      `json:"error"`
	Reason string      `json:"reason"`
	Agent  models.Role `json:"agent,omitempty"`
}

// CompleteData 追问结束事件
type CompleteData struct {
	MessageID string      `json:"message_id"`
	Agent     models.Role `json:"agent"`
	Content   string      `json:"content"`
}

// Phase 构造阶段事件
func Phase(phase models.Phase, round, maxRounds int) Envelope {
	return Envelope{Type: EventPhase, Data: PhaseData{Phase: phase, Round: round, MaxRounds: maxRounds}}
}

// AgentStart 构造发言开始事件
func AgentStart(role models.Role, messageID string, round int) Envelope {
	return Envelope{Type: EventAgent, Data: AgentData{Agent: role, MessageID: messageID, Round: round, IsStart: true}}
}

// AgentChunk 构造增量内容事件
func AgentChunk(role models.Role, messageID, delta string, round int) Envelope {
	return Envelope{Type: EventAgent, Data: AgentData{Agent: role, MessageID: messageID, Content: delta, Round: round, IsChunk: true}}
}

// AgentEnd 构造发言结束事件，content 为完整内容
func AgentEnd(role models.Role, messageID, content string, round int) Envelope {
	return Envelope{Type: EventAgent, Data: AgentData{Agent: role, MessageID: messageID, Content: content, Round: round, IsEnd: true}}
}

// TaskPlan 构造检索计划事件
func TaskPlan(plan *models.SearchPlan) Envelope {
	return Envelope{Type: EventTaskPlan, Data: plan.Clone()}
}

// Result 构造最终结果事件
func Result(res models.Result) Envelope {
	return Envelope{Type: EventResult, Data: res}
}

// Error 构造错误事件
func Error(reason string, err error, role models.Role) Envelope {
	msg := reason
	if err != nil {
		msg = err.Error()
	}
	return Envelope{Type: EventError, Data: ErrorData{Error: msg, Reason: reason, Agent: role}}
}

// Complete 构造追问完成事件
func Complete(role models.Role, messageID, content string) Envelope {
	return Envelope{Type: EventComplete, Data: CompleteData{MessageID: messageID, Agent: role, Content: content}}
}

// Decode 解析线上信封，data 还原为对应的具体类型
func Decode(raw []byte) (Envelope, error) {
	var wire struct {
		Seq  uint64          `json:"seq"`
		Type EventType       `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	env := Envelope{Seq: wire.Seq, Type: wire.Type}
	var err error
	switch wire.Type {
	case EventPhase:
		var d PhaseData
		err = json.Unmarshal(wire.Data, &d)
		env.Data = d
	case EventAgent:
		var d AgentData
		err = json.Unmarshal(wire.Data, &d)
		env.Data = d
	case EventTaskPlan:
		var d models.SearchPlan
		err = json.Unmarshal(wire.Data, &d)
		env.Data = &d
	case EventResult:
		var d models.Result
		err = json.Unmarshal(wire.Data, &d)
		env.Data = d
	case EventError:
		var d ErrorData
		err = json.Unmarshal(wire.Data, &d)
		env.Data = d
	case EventComplete:
		var d CompleteData
		err = json.Unmarshal(wire.Data, &d)
		env.Data = d
	default:
		return Envelope{}, fmt.Errorf("decode envelope: unknown type %q", wire.Type)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("decode %s data: %w", wire.Type, err)
	}
	return env, nil
}
