package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrProtocolViolation 协议违规（非法模式、非法状态迁移等），在调用边界同步拒绝
var ErrProtocolViolation = errors.New("protocol violation")

// Mode 会议执行模式，创建时确定，之后不可变
type Mode string

const (
	ModeParallel       Mode = "parallel"        // 多空并行分析，经理最后决策
	ModeRealtimeDebate Mode = "realtime_debate" // 多空实时辩论，按轮次推进
	ModeQuickAnalysis  Mode = "quick_analysis"  // 单个分析师快速分析
)

// ParseMode 解析模式字符串
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeParallel, ModeRealtimeDebate, ModeQuickAnalysis:
		return m, nil
	}
	return "", fmt.Errorf("%w: invalid mode %q", ErrProtocolViolation, s)
}

// Rules 会议规则
type Rules struct {
	MaxTime               time.Duration `json:"maxTime"`               // 整场会议最长时间
	MaxRounds             int           `json:"maxRounds"`             // 最大辩论轮数
	ManagerCanInterrupt   bool          `json:"managerCanInterrupt"`   // 经理可中途介入
	RequireDataCollection bool          `json:"requireDataCollection"` // 辩论前需要数据收集
}

// RulesOverride 规则覆盖项，nil 表示沿用默认值
type RulesOverride struct {
	MaxTime               *time.Duration `json:"maxTime,omitempty"`
	MaxRounds             *int           `json:"maxRounds,omitempty"`
	ManagerCanInterrupt   *bool          `json:"managerCanInterrupt,omitempty"`
	RequireDataCollection *bool          `json:"requireDataCollection,omitempty"`
}

// defaultRules 各模式默认规则
var defaultRules = map[Mode]Rules{
	ModeParallel: {
		MaxTime:   5 * time.Minute,
		MaxRounds: 1,
	},
	ModeRealtimeDebate: {
		MaxTime:               10 * time.Minute,
		MaxRounds:             3,
		ManagerCanInterrupt:   true,
		RequireDataCollection: true,
	},
	ModeQuickAnalysis: {
		MaxTime:   2 * time.Minute,
		MaxRounds: 1,
	},
}

// ResolveRules 返回模式对应的默认规则
func ResolveRules(mode Mode) (Rules, error) {
	r, ok := defaultRules[mode]
	if !ok {
		return Rules{}, fmt.Errorf("%w: invalid mode %q", ErrProtocolViolation, mode)
	}
	return r, nil
}

// Apply 应用覆盖项，返回新的规则
func (r Rules) Apply(o *RulesOverride) Rules {
	if o == nil {
		return r
	}
	if o.MaxTime != nil && *o.MaxTime > 0 {
		r.MaxTime = *o.MaxTime
	}
	if o.MaxRounds != nil && *o.MaxRounds > 0 {
		r.MaxRounds = *o.MaxRounds
	}
	if o.ManagerCanInterrupt != nil {
		r.ManagerCanInterrupt = *o.ManagerCanInterrupt
	}
	if o.RequireDataCollection != nil {
		r.RequireDataCollection = *o.RequireDataCollection
	}
	return r
}

// Phase 会议阶段
type Phase string

const (
	PhaseStart            Phase = "start"
	PhaseDataCollection   Phase = "data_collection"
	PhaseParallelAnalysis Phase = "parallel_analysis"
	PhaseDebate           Phase = "debate"
	PhaseAnalyzing        Phase = "analyzing"
	PhaseDecision         Phase = "decision"
	PhaseComplete         Phase = "complete"
)

// PhaseRecord 阶段历史记录
type PhaseRecord struct {
	Phase     Phase `json:"phase"`
	Round     int   `json:"round,omitempty"`
	MaxRounds int   `json:"maxRounds,omitempty"`
	At        int64 `json:"at"`
}
