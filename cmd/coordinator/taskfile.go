package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/coordinator/internal/executor"
	"github.com/aristath/coordinator/internal/logging"
	"github.com/aristath/coordinator/internal/scheduler"
)

// taskSpec is one entry of a task graph file.
type taskSpec struct {
	ID           string            `yaml:"id"`
	Type         string            `yaml:"type"`
	Priority     int               `yaml:"priority"`
	Command      string            `yaml:"command"`
	Dir          string            `yaml:"dir"`
	Env          map[string]string `yaml:"env"`
	DependsOn    []string          `yaml:"depends_on"`
	Resources    []string          `yaml:"resources"`
	Capabilities []string          `yaml:"capabilities"`
	Timeout      time.Duration     `yaml:"timeout"`
	Agent        string            `yaml:"agent"` // empty lets the balancer choose
}

type taskFile struct {
	Tasks []taskSpec `yaml:"tasks"`
}

func readTaskFile(path string) ([]taskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	return parseTaskFile(data)
}

func parseTaskFile(data []byte) ([]taskSpec, error) {
	var f taskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing task file: %w", err)
	}
	seen := make(map[string]bool, len(f.Tasks))
	for i, t := range f.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task %d: id is required", i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("task %s: duplicate id", t.ID)
		}
		seen[t.ID] = true
	}
	for _, t := range f.Tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return nil, fmt.Errorf("task %s: unknown dependency %s", t.ID, dep)
			}
		}
	}
	return f.Tasks, nil
}

func (s taskSpec) task() *scheduler.Task {
	meta := map[string]string{}
	if s.Command != "" {
		meta[executor.MetaCommand] = s.Command
	}
	if s.Dir != "" {
		meta[executor.MetaDir] = s.Dir
	}
	for k, v := range s.Env {
		meta[executor.MetaEnvPref+k] = v
	}
	taskType := s.Type
	if taskType == "" {
		taskType = "shell"
	}
	return &scheduler.Task{
		ID:           s.ID,
		Type:         taskType,
		Priority:     s.Priority,
		Dependencies: append([]string(nil), s.DependsOn...),
		Resources:    append([]string(nil), s.Resources...),
		Capabilities: append([]string(nil), s.Capabilities...),
		Timeout:      s.Timeout,
		Metadata:     meta,
	}
}

// buildGraph loads specs into a dependency graph. Edges are added after
// every node exists, so file order does not matter and cycles survive for
// DetectCycles to report.
func buildGraph(specs []taskSpec) (*scheduler.DependencyGraph, error) {
	g := scheduler.NewDependencyGraph(logging.Nop())
	for _, s := range specs {
		if err := g.AddTask(&scheduler.Task{ID: s.ID}); err != nil {
			return nil, err
		}
	}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if err := g.AddDependency(s.ID, dep); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}
