package models

import "fmt"

// Status 会话状态
type Status string

const (
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
)

// Terminal 是否为终态
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusInterrupted
}

// Role 发言角色（封闭枚举）
type Role string

const (
	RoleUser          Role = "user"
	RoleBull          Role = "bull"
	RoleBear          Role = "bear"
	RoleManager       Role = "manager"
	RoleDataCollector Role = "data_collector"
	RoleQuick         Role = "quick"
	RoleSystem        Role = "system"
)

// Roles 全部角色，按展示顺序
var Roles = []Role{RoleUser, RoleDataCollector, RoleBull, RoleBear, RoleManager, RoleQuick, RoleSystem}

// ParseRole 解析角色字符串
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: invalid role %q", ErrProtocolViolation, s)
}

// Session 一次辩论/分析会话
type Session struct {
	ID          string        `json:"id"`
	SubjectCode string        `json:"subjectCode"` // 标的代码，如 SH600519
	SubjectName string        `json:"subjectName"` // 标的名称
	Mode        Mode          `json:"mode"`
	Status      Status        `json:"status"`
	Rules       Rules         `json:"rules"`
	Messages    []Message     `json:"messages"`
	Phases      []PhaseRecord `json:"phases,omitempty"`
	Result      *Result       `json:"result,omitempty"`
	Reason      string        `json:"reason,omitempty"`      // 中断原因
	ResumedFrom string        `json:"resumedFrom,omitempty"` // 由哪个中断会话恢复而来
	CreatedAt   int64         `json:"createdAt"`
	UpdatedAt   int64         `json:"updatedAt"`
}

// Resumable 中断会话是否有可供恢复的已完成发言
func (s *Session) Resumable() bool {
	if s.Status != StatusInterrupted {
		return false
	}
	for _, m := range s.Messages {
		if m.Completed() && m.Role != RoleUser {
			return true
		}
	}
	return false
}

// Message 会话中的一条发言
type Message struct {
	ID          string      `json:"id"`
	Role        Role        `json:"role"`
	Content     string      `json:"content"`
	Round       int         `json:"round,omitempty"` // 仅 realtime_debate 模式
	IsStreaming bool        `json:"isStreaming"`
	Interrupted bool        `json:"interrupted,omitempty"` // 发言被打断，以已有内容定稿，不算完成
	Timestamp   int64       `json:"timestamp"`
	FollowUp    bool        `json:"followUp,omitempty"` // 追问子会话追加的消息
	Plan        *SearchPlan `json:"plan,omitempty"`     // data_collector 消息附带的检索计划
}

// Completed 是否为正常结束且有内容的发言
func (m Message) Completed() bool {
	return !m.IsStreaming && !m.Interrupted && m.Content != ""
}

// Result 会议最终结果
type Result struct {
	Bull          string `json:"bull,omitempty"`
	Bear          string `json:"bear,omitempty"`
	Manager       string `json:"manager,omitempty"`
	Quick         string `json:"quick,omitempty"`
	Rating        string `json:"rating,omitempty"`
	ExecutionTime int64  `json:"execution_time"` // 毫秒
	Partial       bool   `json:"partial,omitempty"`
	Reason        string `json:"reason,omitempty"`
}
