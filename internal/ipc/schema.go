package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// taskCommandSchemaJSON and taskEventSchemaJSON describe the envelope
// shape shared by every message in each direction: a "type"
// discriminator plus an arbitrary "payload" object whose own shape is
// checked by the per-kind Go structs during unmarshalling. The schema's
// job is the outer contract — reject anything that is not a JSON object
// with a known "type" string — not re-validate every payload field.
const taskCommandSchemaJSON = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {
			"type": "string",
			"enum": ["SetTaskContext", "StartNewTask", "CancelTask", "CloseTask"]
		},
		"payload": { "type": "object" }
	}
}`

const taskEventSchemaJSON = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {
			"type": "string",
			"enum": [
				"TaskContextConfirmation", "TaskStarted", "TaskTokenUsageUpdated",
				"TaskToolFailed", "TaskCompleted", "TaskAborted", "EvalPass", "EvalFail"
			]
		},
		"payload": { "type": "object" }
	}
}`

var (
	taskCommandSchema *jsonschema.Schema
	taskEventSchema   *jsonschema.Schema
)

func init() {
	taskCommandSchema = mustCompile("task_command.json", taskCommandSchemaJSON)
	taskEventSchema = mustCompile("task_event.json", taskEventSchemaJSON)
}

func mustCompile(resourceName, schemaJSON string) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		panic(fmt.Sprintf("ipc: invalid embedded schema %s: %v", resourceName, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		panic(fmt.Sprintf("ipc: add schema resource %s: %v", resourceName, err))
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		panic(fmt.Sprintf("ipc: compile schema %s: %v", resourceName, err))
	}
	return schema
}

// validateAgainst decodes raw as a generic document and checks it against
// schema, returning ErrProtocol (wrapped with the underlying cause) on
// failure.
func validateAgainst(schema *jsonschema.Schema, raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: invalid json: %v", ErrProtocol, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}
