package meeting

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/text/width"

	"github.com/run-bigpig/jcp-debate/internal/agent"
	"github.com/run-bigpig/jcp-debate/internal/models"
)

// DiscussionEntry 会议记录条目
type DiscussionEntry struct {
	Round   int
	Role    models.Role
	Content string
}

// Moderator 会议主持：维护会议记录、拼接上下文、路由用户插话
type Moderator struct {
	roster *agent.Roster

	mu      sync.Mutex
	history []DiscussionEntry
}

// NewModerator 创建主持，seed 为恢复会话时带入的历史发言
func NewModerator(roster *agent.Roster, seed []DiscussionEntry) *Moderator {
	return &Moderator{roster: roster, history: append([]DiscussionEntry(nil), seed...)}
}

// Record 记录一次发言
func (m *Moderator) Record(role models.Role, round int, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, DiscussionEntry{Round: round, Role: role, Content: content})
}

// History 已有会议记录
func (m *Moderator) History() []DiscussionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DiscussionEntry(nil), m.history...)
}

// BuildContext 构建给下一位发言者的上下文
func (m *Moderator) BuildContext() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("【前面的发言】\n")
	for _, e := range m.history {
		name := m.roster.Name(e.Role)
		if e.Round > 0 {
			fmt.Fprintf(&sb, "- 第%d轮 %s：%s\n\n", e.Round, name, e.Content)
		} else {
			fmt.Fprintf(&sb, "- %s：%s\n\n", name, e.Content)
		}
	}
	return sb.String()
}

// Latest 角色最近一次发言
func (m *Moderator) Latest(role models.Role) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].Role == role {
			return m.history[i].Content
		}
	}
	return ""
}

// Completed 已完成发言的分析角色数量，数据收集与用户插话不计入
func (m *Moderator) Completed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.history {
		switch e.Role {
		case models.RoleBull, models.RoleBear, models.RoleManager, models.RoleQuick:
			n++
		}
	}
	return n
}

// mentionKind 插话指向
type mentionKind int

const (
	mentionNote   mentionKind = iota // 普通插话
	mentionRole                      // @ 了发言角色
	mentionSource                    // @ 了数据源，触发一次检索计划
)

// Mention 用户插话
type Mention struct {
	Text   string
	Role   models.Role
	Source string
	kind   mentionKind
}

var mentionPattern = regexp.MustCompile(`@([A-Za-z][\w:.\-]*)`)

// ParseMention 解析插话中的第一个 @目标。
// 目标是角色名时指向角色，是已登记的数据源时指向数据源，其余当作普通插话。
func ParseMention(raw string, isSource func(string) bool) Mention {
	text := strings.TrimSpace(width.Narrow.String(raw))
	m := Mention{Text: text, kind: mentionNote}

	match := mentionPattern.FindStringSubmatchIndex(text)
	if match == nil {
		return m
	}
	target := text[match[2]:match[3]]
	rest := strings.TrimSpace(text[:match[0]] + " " + text[match[1]:])

	if role, err := models.ParseRole(strings.ToLower(target)); err == nil && role != models.RoleUser && role != models.RoleSystem {
		m.Role = role
		m.Text = rest
		m.kind = mentionRole
		return m
	}
	if isSource != nil && isSource(target) {
		m.Source = target
		m.Text = rest
		m.kind = mentionSource
	}
	return m
}

// Note 把插话计入会议记录，返回展示文本
func (m *Moderator) Note(mn Mention) string {
	text := mn.Text
	if mn.Role != "" {
		text = strings.TrimSpace(fmt.Sprintf("@%s %s", m.roster.Name(mn.Role), mn.Text))
	}
	m.Record(models.RoleUser, 0, text)
	return text
}

// ratingPattern 经理结论中的评级行
var ratingPattern = regexp.MustCompile(`评级[:：]\s*(买入|增持|持有|减持|卖出)`)

// ExtractRating 从经理结论中提取评级，没有时返回空
func ExtractRating(content string) string {
	if m := ratingPattern.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	return ""
}

// seedFromSession 取中断会话中已完成的发言作为恢复上下文
func seedFromSession(s *models.Session) []DiscussionEntry {
	var out []DiscussionEntry
	for _, msg := range s.Messages {
		if !msg.Completed() || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		out = append(out, DiscussionEntry{Round: msg.Round, Role: msg.Role, Content: msg.Content})
	}
	return out
}
