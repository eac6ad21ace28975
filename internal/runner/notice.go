package runner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Notice is a closed union of structured notifications the execution
// service emits during a run. The service side is loosely typed (JSON with
// a "kind" tag); DecodeNotice is the validating adapter at the boundary.
type Notice interface {
	noticeKind() string
}

// SubagentStarted reports that the service spawned a sub-agent.
type SubagentStarted struct {
	AgentID     string `json:"agent_id"`
	Description string `json:"description"`
}

// SubagentFinished reports that a sub-agent completed.
type SubagentFinished struct {
	AgentID string `json:"agent_id"`
	Success bool   `json:"success"`
}

// TodoItem is one entry of the service's working todo list.
type TodoItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// TodoUpdated carries the service's current todo list.
type TodoUpdated struct {
	Items []TodoItem `json:"items"`
}

func (SubagentStarted) noticeKind() string  { return "subagent_started" }
func (SubagentFinished) noticeKind() string { return "subagent_finished" }
func (TodoUpdated) noticeKind() string      { return "todo_updated" }

// Kind returns the wire tag of a notice.
func Kind(n Notice) string { return n.noticeKind() }

// noticeSchema constrains the loosely-typed payloads the service emits.
// Unknown kinds are rejected here rather than silently dropped downstream.
const noticeSchema = `{
	"type": "object",
	"required": ["kind"],
	"properties": {
		"kind": {"enum": ["subagent_started", "subagent_finished", "todo_updated"]}
	},
	"allOf": [
		{
			"if": {"properties": {"kind": {"const": "subagent_started"}}},
			"then": {
				"required": ["agent_id"],
				"properties": {
					"agent_id": {"type": "string", "minLength": 1},
					"description": {"type": "string"}
				}
			}
		},
		{
			"if": {"properties": {"kind": {"const": "subagent_finished"}}},
			"then": {
				"required": ["agent_id", "success"],
				"properties": {
					"agent_id": {"type": "string", "minLength": 1},
					"success": {"type": "boolean"}
				}
			}
		},
		{
			"if": {"properties": {"kind": {"const": "todo_updated"}}},
			"then": {
				"required": ["items"],
				"properties": {
					"items": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["text"],
							"properties": {
								"text": {"type": "string"},
								"done": {"type": "boolean"}
							}
						}
					}
				}
			}
		}
	]
}`

var compiledNoticeSchema = mustCompileNoticeSchema()

func mustCompileNoticeSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(noticeSchema))
	if err != nil {
		panic(fmt.Sprintf("unmarshal notice schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("notice.json", doc); err != nil {
		panic(fmt.Sprintf("add notice schema resource: %v", err))
	}
	schema, err := c.Compile("notice.json")
	if err != nil {
		panic(fmt.Sprintf("compile notice schema: %v", err))
	}
	return schema
}

// DecodeNotice validates a raw service payload against the notice schema and
// converts it into the closed Notice union.
func DecodeNotice(raw []byte) (Notice, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("notice is not valid JSON: %w", err)
	}
	if err := compiledNoticeSchema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("notice failed schema validation: %w", err)
	}

	var tag struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("decode notice kind: %w", err)
	}

	switch tag.Kind {
	case "subagent_started":
		var n SubagentStarted
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("decode subagent_started: %w", err)
		}
		return n, nil
	case "subagent_finished":
		var n SubagentFinished
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("decode subagent_finished: %w", err)
		}
		return n, nil
	case "todo_updated":
		var n TodoUpdated
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("decode todo_updated: %w", err)
		}
		return n, nil
	default:
		// Unreachable: the schema enum already rejected unknown kinds.
		return nil, fmt.Errorf("unknown notice kind %q", tag.Kind)
	}
}
