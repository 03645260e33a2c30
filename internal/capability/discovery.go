package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "AgentRelay/internal/errors"
)

// Candidate 是发现阶段产出的 (描述符, 入口) 对。
type Candidate struct {
	Descriptor Descriptor
	Invoke     Invoker
}

// Source 抽象一个能力发现来源：返回零个或多个候选，
// 或让单个候选失败而不中断整体发现。
type Source interface {
	Name() string
	Capabilities(ctx context.Context) ([]Candidate, error)
}

// StaticSource 直接持有一组候选，供内置能力和测试使用。
type StaticSource struct {
	name       string
	candidates []Candidate
}

// NewStaticSource 创建静态发现来源。
func NewStaticSource(name string, candidates ...Candidate) *StaticSource {
	return &StaticSource{name: name, candidates: candidates}
}

// Name 返回来源名称。
func (s *StaticSource) Name() string { return s.name }

// Capabilities 返回静态候选列表。
func (s *StaticSource) Capabilities(context.Context) ([]Candidate, error) {
	out := make([]Candidate, len(s.candidates))
	copy(out, s.candidates)
	return out, nil
}

// manifest 是能力清单文件的结构。
type manifest struct {
	Capabilities []Descriptor `yaml:"capabilities"`
}

// ManifestSource 扫描目录中的 YAML 清单文件，把描述符与调用方
// 注册的入口绑定成候选。清单里没有对应入口的条目作废弃候选跳过。
type ManifestSource struct {
	dir      string
	invokers map[string]Invoker
}

// NewManifestSource 创建清单发现来源。invokers 把能力名映射到入口。
func NewManifestSource(dir string, invokers map[string]Invoker) *ManifestSource {
	bound := make(map[string]Invoker, len(invokers))
	for name, invoke := range invokers {
		if invoke != nil {
			bound[name] = invoke
		}
	}
	return &ManifestSource{dir: dir, invokers: bound}
}

// Name 返回来源名称。
func (s *ManifestSource) Name() string {
	return fmt.Sprintf("manifest:%s", s.dir)
}

// Capabilities 解析目录内的全部清单。单个文件解析失败会中止该文件，
// 但不影响其余文件。
func (s *ManifestSource) Capabilities(_ context.Context) ([]Candidate, error) {
	if strings.TrimSpace(s.dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "清单目录不能为空")
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取清单目录失败")
	}

	var candidates []Candidate
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(ent.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(s.dir, ent.Name())
		parsed, err := s.parseManifest(path)
		if err != nil {
			// 单个清单失败不中断整体发现，由注册表记录日志。
			continue
		}
		candidates = append(candidates, parsed...)
	}
	return candidates, nil
}

func (s *ManifestSource) parseManifest(path string) ([]Candidate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取清单 %s 失败", path))
	}
	var doc manifest
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("解析清单 %s 失败", path))
	}

	candidates := make([]Candidate, 0, len(doc.Capabilities))
	for _, desc := range doc.Capabilities {
		invoke, ok := s.invokers[desc.Name]
		if !ok {
			// 清单声明了能力但宿主没有提供入口，作为坏候选跳过。
			continue
		}
		if desc.Source == "" {
			desc.Source = path
		}
		candidates = append(candidates, Candidate{Descriptor: desc, Invoke: invoke})
	}
	return candidates, nil
}
