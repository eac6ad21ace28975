package plan

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/taskweave/internal/persistence"
)

const samplePlan = `
name: release prep
tasks:
  - id: schema
    title: migrate schema
    description: add the new column
  - id: api
    title: extend api
    depends_on: [schema]
  - id: docs
    title: update docs
    depends_on: [schema]
  - id: ship
    title: cut release
    depends_on: [api, docs]
`

func TestParse_ValidDocument(t *testing.T) {
	doc, err := Parse([]byte(samplePlan))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Name != "release prep" {
		t.Fatalf("name %q", doc.Name)
	}
	if len(doc.Tasks) != 4 {
		t.Fatalf("got %d tasks, want 4", len(doc.Tasks))
	}
	if len(doc.Tasks[3].DependsOn) != 2 {
		t.Fatalf("ship deps %v", doc.Tasks[3].DependsOn)
	}
}

func TestParse_RejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"no name", "tasks:\n  - id: a\n    title: x\n", "no name"},
		{"no tasks", "name: p\n", "no tasks"},
		{"empty id", "name: p\ntasks:\n  - title: x\n", "empty id"},
		{"empty title", "name: p\ntasks:\n  - id: a\n", "empty title"},
		{"duplicate id", "name: p\ntasks:\n  - id: a\n    title: x\n  - id: a\n    title: y\n", "duplicate task id"},
		{"unknown dep", "name: p\ntasks:\n  - id: a\n    title: x\n    depends_on: [ghost]\n", "unknown task"},
		{"cycle", "name: p\ntasks:\n  - id: a\n    title: x\n    depends_on: [b]\n  - id: b\n    title: y\n    depends_on: [a]\n", "cycle"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestImport_RewritesDependencyIDs(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	doc, err := Parse([]byte(samplePlan))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	planID, err := Import(ctx, store, doc)
	if err != nil {
		t.Fatalf("import: %v", err)
	}

	tasks, err := store.ListTasks(ctx, planID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("got %d tasks, want 4", len(tasks))
	}

	idByTitle := make(map[string]string)
	for _, task := range tasks {
		idByTitle[task.Title] = task.ID
	}
	for _, task := range tasks {
		if task.Title != "cut release" {
			continue
		}
		if len(task.DependsOn) != 2 {
			t.Fatalf("ship deps %v", task.DependsOn)
		}
		want := map[string]bool{idByTitle["extend api"]: true, idByTitle["update docs"]: true}
		for _, dep := range task.DependsOn {
			if !want[dep] {
				t.Fatalf("dep %s does not reference a store task id", dep)
			}
		}
	}

	// Dependencies come before dependents in ordinal order.
	ordinalByTitle := make(map[string]int)
	for _, task := range tasks {
		ordinalByTitle[task.Title] = task.Ordinal
	}
	if ordinalByTitle["migrate schema"] > ordinalByTitle["extend api"] {
		t.Fatal("dependency ordered after its dependent")
	}
}
