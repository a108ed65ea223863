// Package ids 生成会话、计划与消息 ID
package ids

import (
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

var (
	node     *snowflake.Node
	nodeOnce sync.Once
	nodeErr  error
)

// Init 初始化消息 ID 的 snowflake 节点，只有首次调用生效
func Init(nodeID int64) error {
	nodeOnce.Do(func() {
		node, nodeErr = snowflake.NewNode(nodeID)
	})
	return nodeErr
}

// NewMessageID 生成按时间递增、永不复用的消息 ID
func NewMessageID() string {
	if err := Init(1); err != nil {
		// 节点号 1 总是合法，只有 Init 传入越界节点号时才会到这里
		panic(err)
	}
	return node.Generate().String()
}

// NewSessionID 生成会话 ID
func NewSessionID() string {
	return uuid.NewString()
}

// NewPlanID 生成检索计划 ID
func NewPlanID() string {
	return "plan-" + uuid.NewString()
}
