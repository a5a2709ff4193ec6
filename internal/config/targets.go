// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/tombee/proxyvisor/internal/supervisor"
	pverrors "github.com/tombee/proxyvisor/pkg/errors"
)

// TargetSpec is one PID file and the configuration sources it is launched from.
type TargetSpec struct {
	PIDFile string

	// Sources are file paths or doublestar glob patterns, in priority order.
	Sources []string
}

// Name derives the target name from the PID file base name.
func (t TargetSpec) Name() string {
	return supervisor.Target{PIDFile: t.PIDFile}.DisplayName()
}

// Targets is the "targets" mapping. Declaration order is preserved.
//
//	targets:
//	  /run/proxy-a.pid: /etc/proxy/a.cfg
//	  /run/proxy-b.pid: ["/etc/proxy/b/*.cfg", /etc/proxy/b.fallback.cfg]
type Targets []TargetSpec

// UnmarshalYAML decodes a mapping of PID file to one source or a list of sources.
func (t *Targets) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: targets must be a mapping of PID file to configuration sources", node.Line)
	}

	specs := make(Targets, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]

		spec := TargetSpec{PIDFile: expandHome(key.Value)}
		switch value.Kind {
		case yaml.ScalarNode:
			if value.Value != "" {
				spec.Sources = []string{value.Value}
			}
		case yaml.SequenceNode:
			if err := value.Decode(&spec.Sources); err != nil {
				return fmt.Errorf("line %d: sources of %s: %w", value.Line, key.Value, err)
			}
		default:
			return fmt.Errorf("line %d: sources of %s must be a path or a list of paths", value.Line, key.Value)
		}
		for j, src := range spec.Sources {
			spec.Sources[j] = expandHome(src)
		}
		specs = append(specs, spec)
	}

	*t = specs
	return nil
}

// MarshalYAML encodes the targets back into mapping form.
func (t Targets) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, spec := range t {
		var value yaml.Node
		if err := value.Encode(spec.Sources); err != nil {
			return nil, err
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: spec.PIDFile},
			&value,
		)
	}
	return node, nil
}

// ResolveSource returns the configuration file used to launch the target:
// the first source, in declaration order, that resolves to an existing file.
// Glob sources resolve to their lexically first match. When nothing resolves,
// the first source is returned unchanged so that the launch reports it as missing.
func (t TargetSpec) ResolveSource() string {
	for _, src := range t.Sources {
		if !hasMeta(src) {
			if info, err := os.Stat(src); err == nil && !info.IsDir() {
				return src
			}
			continue
		}

		matches, err := doublestar.FilepathGlob(src, doublestar.WithFilesOnly(), doublestar.WithFailOnIOErrors())
		if err != nil || len(matches) == 0 {
			continue
		}
		sort.Strings(matches)
		return matches[0]
	}

	if len(t.Sources) == 0 {
		return ""
	}
	return t.Sources[0]
}

// Resolve turns the configured target into a supervisor target.
func (t TargetSpec) Resolve() supervisor.Target {
	return supervisor.Target{
		Name:       t.Name(),
		ConfigPath: t.ResolveSource(),
		PIDFile:    t.PIDFile,
	}
}

// ResolveTargets resolves the configured targets, restricted to names when
// any are given. A name matches a target name or its PID file path.
func (c *Config) ResolveTargets(names ...string) ([]supervisor.Target, error) {
	specs := c.Targets
	if len(names) > 0 {
		var err error
		if specs, err = c.Targets.Select(names); err != nil {
			return nil, err
		}
	}

	targets := make([]supervisor.Target, len(specs))
	for i, spec := range specs {
		targets[i] = spec.Resolve()
	}
	return targets, nil
}

// Select returns the specs matching names, in the order the names are given.
func (t Targets) Select(names []string) (Targets, error) {
	selected := make(Targets, 0, len(names))
	for _, name := range names {
		found := false
		for _, spec := range t {
			if spec.Name() == name || filepath.Clean(spec.PIDFile) == filepath.Clean(name) {
				selected = append(selected, spec)
				found = true
				break
			}
		}
		if !found {
			return nil, &pverrors.NotFoundError{Resource: "target", ID: name}
		}
	}
	return selected, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}
