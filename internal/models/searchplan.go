package models

// SearchStatus 检索计划状态，只能前进：
// pending→executing→completed 或 pending→cancelled
type SearchStatus string

const (
	SearchPending   SearchStatus = "pending"
	SearchExecuting SearchStatus = "executing"
	SearchCompleted SearchStatus = "completed"
	SearchCancelled SearchStatus = "cancelled"
)

// CanTransition 判断状态迁移是否合法
func (s SearchStatus) CanTransition(to SearchStatus) bool {
	switch s {
	case SearchPending:
		return to == SearchExecuting || to == SearchCancelled
	case SearchExecuting:
		return to == SearchCompleted
	}
	return false
}

// SearchTask 单个检索任务
type SearchTask struct {
	ID            string `json:"id"`
	Source        string `json:"source"`
	Query         string `json:"query"`
	Description   string `json:"description"`
	EstimatedTime int    `json:"estimated_time"` // 秒
}

// SearchPlan 数据收集员提出的检索计划，需要用户确认后执行
type SearchPlan struct {
	PlanID             string       `json:"plan_id"`
	SessionID          string       `json:"session_id"`
	SubjectCode        string       `json:"subject_code"`
	UserQuery          string       `json:"user_query"`
	Tasks              []SearchTask `json:"tasks"`
	TotalEstimatedTime int          `json:"total_estimated_time"` // 秒
	Status             SearchStatus `json:"status"`
	Error              string       `json:"error,omitempty"` // 执行失败时的错误，状态仍为 executing
}

// Clone 深拷贝
func (p *SearchPlan) Clone() *SearchPlan {
	if p == nil {
		return nil
	}
	c := *p
	c.Tasks = append([]SearchTask(nil), p.Tasks...)
	return &c
}
