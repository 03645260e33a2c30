// Package builtin 提供随进程内置的基础能力，作为发现机制的默认来源。
package builtin

import (
	"context"
	"fmt"

	"AgentRelay/internal/capability"
)

// Source 返回内置能力的静态发现来源。
func Source() *capability.StaticSource {
	return capability.NewStaticSource("builtin",
		capability.Candidate{Descriptor: echoDescriptor(), Invoke: echoInvoke},
	)
}

func echoDescriptor() capability.Descriptor {
	return capability.Descriptor{
		Name:        "echo",
		Description: "原样返回任务文本，用于连通性验证",
		Version:     "1.0.0",
		Parameters: []capability.Parameter{
			{Name: "task", Type: "string", Required: true, Description: "要回显的文本"},
		},
		Examples:     []string{`{"task": "ping"}`},
		Capabilities: []string{"utility"},
	}
}

func echoInvoke(_ context.Context, args map[string]any) (any, error) {
	task, ok := args["task"].(string)
	if !ok {
		return nil, fmt.Errorf("task 参数必须是字符串")
	}
	return task, nil
}
