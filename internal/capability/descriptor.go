package capability

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"

	xerrors "AgentRelay/internal/errors"
)

// Invoker 是能力的可调用入口。参数以结构化映射传入，返回值与错误
// 由调度器统一收敛到请求台账。
type Invoker func(ctx context.Context, args map[string]any) (any, error)

// Parameter 描述能力的一个参数。声明顺序即参数顺序。
type Parameter struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Required    bool   `json:"required" yaml:"required"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Descriptor 是一个能力的不可变元数据。注册之后不再修改，
// 同名重复注册会被拒绝而不是合并。
type Descriptor struct {
	Name         string      `json:"name" yaml:"name"`
	Description  string      `json:"description" yaml:"description"`
	Parameters   []Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Examples     []string    `json:"examples,omitempty" yaml:"examples,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Source       string      `json:"source,omitempty" yaml:"source,omitempty"`
	Version      string      `json:"version,omitempty" yaml:"version,omitempty"`
}

// 能力注册表的统一错误码。
const (
	CodeCapabilityDuplicate  xerrors.Code = "CAPABILITY_DUPLICATE"
	CodeCapabilityInvalid    xerrors.Code = "CAPABILITY_INVALID"
	CodeCapabilityNotFound   xerrors.Code = "CAPABILITY_NOT_FOUND"
	CodeCapabilityUnapproved xerrors.Code = "CAPABILITY_UNAPPROVED"
)

var (
	// ErrDuplicateCapability 表示同名能力已经注册。
	ErrDuplicateCapability = xerrors.New(CodeCapabilityDuplicate, "capability already registered")
	// ErrInvalidCapability 表示描述符或入口未通过校验。
	ErrInvalidCapability = xerrors.New(CodeCapabilityInvalid, "capability validation failed")
	// ErrCapabilityNotFound 表示指定能力不存在。
	ErrCapabilityNotFound = xerrors.New(CodeCapabilityNotFound, "capability not found")
	// ErrCapabilityUnapproved 表示能力已发现但尚未批准启用。
	ErrCapabilityUnapproved = xerrors.New(CodeCapabilityUnapproved, "capability not approved", xerrors.WithSeverity(xerrors.SeverityWarning))
)

func init() {
	xerrors.Register(CodeCapabilityDuplicate, xerrors.Attributes{
		Message:   "capability already registered",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCapabilityInvalid, xerrors.Attributes{
		Message:   "capability validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCapabilityNotFound, xerrors.Attributes{
		Message:   "capability not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCapabilityUnapproved, xerrors.Attributes{
		Message:   "capability not approved",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// 支持的参数类型。
var parameterTypes = map[string]struct{}{
	"string":  {},
	"integer": {},
	"number":  {},
	"boolean": {},
	"object":  {},
	"array":   {},
}

// Validate 检查描述符与入口是否满足注册约束。
func Validate(desc Descriptor, invoke Invoker) error {
	if strings.TrimSpace(desc.Name) == "" {
		return xerrors.Wrap(CodeCapabilityInvalid, ErrInvalidCapability, "能力名称不能为空")
	}
	if invoke == nil {
		return xerrors.Wrap(CodeCapabilityInvalid, ErrInvalidCapability,
			fmt.Sprintf("能力 %s 缺少可调用入口", desc.Name))
	}
	seen := make(map[string]struct{}, len(desc.Parameters))
	for _, param := range desc.Parameters {
		name := strings.TrimSpace(param.Name)
		if name == "" {
			return xerrors.Wrap(CodeCapabilityInvalid, ErrInvalidCapability,
				fmt.Sprintf("能力 %s 存在未命名参数", desc.Name))
		}
		if _, dup := seen[name]; dup {
			return xerrors.Wrap(CodeCapabilityInvalid, ErrInvalidCapability,
				fmt.Sprintf("能力 %s 参数 %s 重复声明", desc.Name, name))
		}
		seen[name] = struct{}{}
		if param.Type != "" {
			if _, ok := parameterTypes[param.Type]; !ok {
				return xerrors.Wrap(CodeCapabilityInvalid, ErrInvalidCapability,
					fmt.Sprintf("能力 %s 参数 %s 类型 %s 不受支持", desc.Name, name, param.Type))
			}
		}
		if param.Required && param.Default != nil {
			return xerrors.Wrap(CodeCapabilityInvalid, ErrInvalidCapability,
				fmt.Sprintf("能力 %s 参数 %s 不能同时为必填并携带默认值", desc.Name, name))
		}
	}
	return nil
}

// HasTag 判断描述符是否携带指定能力标签。
func (d Descriptor) HasTag(tag string) bool {
	for _, t := range d.Capabilities {
		if t == tag {
			return true
		}
	}
	return false
}

func cloneDescriptor(desc Descriptor) Descriptor {
	clone := desc
	if len(desc.Parameters) > 0 {
		clone.Parameters = append([]Parameter(nil), desc.Parameters...)
	}
	if len(desc.Examples) > 0 {
		clone.Examples = append([]string(nil), desc.Examples...)
	}
	if len(desc.Capabilities) > 0 {
		clone.Capabilities = append([]string(nil), desc.Capabilities...)
	}
	return clone
}

// IsDuplicate 判断错误是否为重复注册。
func IsDuplicate(err error) bool {
	return stdErrors.Is(err, ErrDuplicateCapability)
}
