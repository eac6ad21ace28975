// Package plan parses plan files and imports them into the store. A plan
// file is YAML: a name plus an ordered list of tasks with local ids and
// dependency references.
package plan

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskweave/internal/persistence"
)

// TaskDef is one task in a plan file. ID and DependsOn use file-local
// identifiers; Import maps them to store ids.
type TaskDef struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Acceptance  string   `yaml:"acceptance"`
	DependsOn   []string `yaml:"depends_on"`
}

// Document is a parsed plan file.
type Document struct {
	Name  string    `yaml:"name"`
	Tasks []TaskDef `yaml:"tasks"`
}

// Parse decodes and validates a plan document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse plan file: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ParseFile reads and parses a plan file from disk.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return Parse(data)
}

// Validate checks structural soundness: a name, at least one task, unique
// task ids, resolvable dependencies, and an acyclic dependency graph.
func (d *Document) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("plan has no name")
	}
	if len(d.Tasks) == 0 {
		return fmt.Errorf("plan %q has no tasks", d.Name)
	}

	seen := make(map[string]bool, len(d.Tasks))
	for _, t := range d.Tasks {
		if t.ID == "" {
			return fmt.Errorf("plan %q: task has empty id", d.Name)
		}
		if t.Title == "" {
			return fmt.Errorf("plan %q: task %s has empty title", d.Name, t.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("plan %q: duplicate task id %s", d.Name, t.ID)
		}
		seen[t.ID] = true
	}
	for _, t := range d.Tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("plan %q: task %s depends on unknown task %s", d.Name, t.ID, dep)
			}
		}
	}
	return checkAcyclic(d.Tasks)
}

// checkAcyclic runs a depth-first cycle check over the dependency graph.
func checkAcyclic(tasks []TaskDef) error {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.DependsOn
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(tasks))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("dependency cycle through task %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, t := range tasks {
		if err := visit(t.ID); err != nil {
			return err
		}
	}
	return nil
}

// Import persists the document as a new plan. File-local task ids are
// rewritten to store ids in dependency lists. Returns the new plan id.
func Import(ctx context.Context, store *persistence.Store, doc *Document) (string, error) {
	if err := doc.Validate(); err != nil {
		return "", err
	}

	planID, err := store.CreatePlan(ctx, doc.Name)
	if err != nil {
		return "", err
	}

	// Tasks must be created dependency-first so references resolve; the
	// acyclic graph guarantees the walk terminates.
	storeIDs := make(map[string]string, len(doc.Tasks))
	byID := make(map[string]TaskDef, len(doc.Tasks))
	for _, t := range doc.Tasks {
		byID[t.ID] = t
	}

	ordinal := 0
	var create func(t TaskDef) error
	create = func(t TaskDef) error {
		if _, exists := storeIDs[t.ID]; exists {
			return nil
		}
		deps := make([]string, 0, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if err := create(byID[dep]); err != nil {
				return err
			}
			deps = append(deps, storeIDs[dep])
		}
		ordinal++
		id, err := store.CreateTask(ctx, planID, persistence.TaskSpec{
			Ordinal:     ordinal,
			Title:       t.Title,
			Description: t.Description,
			Acceptance:  t.Acceptance,
			DependsOn:   deps,
		})
		if err != nil {
			return fmt.Errorf("create task %s: %w", t.ID, err)
		}
		storeIDs[t.ID] = id
		return nil
	}
	for _, t := range doc.Tasks {
		if err := create(t); err != nil {
			return "", err
		}
	}
	return planID, nil
}
