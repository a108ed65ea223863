// Package agent 定义发言角色的能力接口和角色分派表。
package agent

import (
	"context"
	"iter"

	"github.com/run-bigpig/jcp-debate/internal/models"
)

// Request 单次发言请求
type Request struct {
	Role        models.Role
	SubjectCode string
	SubjectName string
	// Goal 本次发言的任务
	Goal string
	// Context 前序发言、检索结果与用户插话
	Context string
}

// Capability 发言能力：按角色、任务和上下文产出文本增量流。
// 迭代正常结束即发言完成；出错时产出一个非 nil error 后结束。
type Capability interface {
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// Func 以函数实现 Capability
type Func func(ctx context.Context, req Request) iter.Seq2[string, error]

func (f Func) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return f(ctx, req)
}
