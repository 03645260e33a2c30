package validate

import "time"

// TaskStatus 表示会话内当前任务的状态枚举。
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// transitions 是任务状态的合法迁移表。completed 为终态，failed 可经
// pending 重试。
var transitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskInProgress, TaskFailed},
	TaskInProgress: {TaskCompleted, TaskFailed},
	TaskCompleted:  {},
	TaskFailed:     {TaskPending},
}

// IsValidTaskStatus 检查给定状态是否为支持的枚举值。
func IsValidTaskStatus(status TaskStatus) bool {
	_, ok := transitions[status]
	return ok
}

// TaskTransition 判断 current → target 是否在迁移表中。
func TaskTransition(current, target TaskStatus) bool {
	allowed, ok := transitions[current]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == target {
			return true
		}
	}
	return false
}

// MessageSequence 判断消息时间戳序列是否单调不减。
func MessageSequence(timestamps []time.Time) bool {
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i].Before(timestamps[i-1]) {
			return false
		}
	}
	return true
}

// 智能体子状态必须包含的字段。
const requiredAgentStateKey = "status"

// AgentStatePatch 判断子状态补丁是否携带必需字段。
func AgentStatePatch(patch map[string]any) bool {
	if len(patch) == 0 {
		return false
	}
	_, ok := patch[requiredAgentStateKey]
	return ok
}
