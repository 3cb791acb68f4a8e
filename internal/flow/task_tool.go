package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/PersonaPipe/internal/models"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// Tool names exposed to the driver
const (
	ToolSetFields    = "set_fields"
	ToolAddToList    = "add_to_list"
	ToolAdvancePhase = "advance_phase"
	ToolCommitTask   = "commit_task"
	ToolLookupRecord = "lookup_record"
)

// Error codes reported in tool results
const (
	CodeNotFound            = "not_found"
	CodeStoreNotProvisioned = "store_not_provisioned"
	CodeInvalidField        = "invalid_field"
	CodeInvalidValue        = "invalid_value"
	CodeIllegalTransition   = "illegal_transition"
	CodePreconditionFailed  = "precondition_failed"
	CodeInvalidArguments    = "invalid_arguments"
	CodeUnknownTool         = "unknown_tool"
	CodeInternal            = "internal_error"
)

// ToolResult is the JSON payload returned to the model after a tool call.
type ToolResult struct {
	Status          string         `json:"status"`
	Phase           string         `json:"phase,omitempty"`
	Complete        bool           `json:"complete"`
	Missing         []string       `json:"missing,omitempty"`
	AllowedTriggers []string       `json:"allowed_triggers,omitempty"`
	Fields          map[string]any `json:"fields,omitempty"`
	Record          models.Record  `json:"record,omitempty"`
	Error           string         `json:"error,omitempty"`
	Message         string         `json:"message,omitempty"`
}

// JSON renders the result for a tool message.
func (r ToolResult) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		slog.Error("ToolResult.JSON: failed to encode tool result", "error", err)
		return fmt.Sprintf(`{"status":"error","error":%q}`, CodeInternal)
	}
	return string(data)
}

// ErrorCode maps a tracker or store error to its tool result code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrStoreNotProvisioned):
		return CodeStoreNotProvisioned
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidField):
		return CodeInvalidField
	case errors.Is(err, ErrInvalidValue):
		return CodeInvalidValue
	case errors.Is(err, ErrIllegalTransition):
		return CodeIllegalTransition
	case errors.Is(err, ErrPreconditionFailed):
		return CodePreconditionFailed
	default:
		return CodeInternal
	}
}

// TaskTool exposes the tracker to a language model as function tools.
type TaskTool struct {
	tracker *Tracker
}

// NewTaskTool creates a task tool bound to a tracker.
func NewTaskTool(tracker *Tracker) *TaskTool {
	slog.Debug("TaskTool.NewTaskTool: creating task tool", "hasTracker", tracker != nil)
	return &TaskTool{tracker: tracker}
}

// GetToolDefinitions returns the OpenAI tool definitions for a domain.
func (tt *TaskTool) GetToolDefinitions(d *Domain) []openai.ChatCompletionToolParam {
	properties := make(map[string]interface{}, len(d.Fields))
	var listFields []string
	for _, f := range d.Fields {
		properties[f.Name] = fieldSchema(f)
		if f.Kind.IsList() {
			listFields = append(listFields, f.Name)
		}
	}

	tools := []openai.ChatCompletionToolParam{
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        ToolSetFields,
				Description: openai.String(fmt.Sprintf("Record values the user stated for the %s task. Overwrites earlier values; an empty string unsets a field. Only pass fields the user actually gave.", d.Name)),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"fields": map[string]interface{}{
							"type":                 "object",
							"description":          "Field values keyed by field name",
							"properties":           properties,
							"additionalProperties": false,
						},
						"clear": map[string]interface{}{
							"type":        "array",
							"description": "Optional field names to unset",
							"items":       map[string]interface{}{"type": "string", "enum": d.FieldNames()},
						},
					},
					"required": []string{"fields"},
				},
			},
		},
	}

	if len(listFields) > 0 {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        ToolAddToList,
				Description: openai.String("Add entries to a list field without repeating the existing ones. Items already in a cart have their quantity increased."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"field": map[string]interface{}{
							"type":        "string",
							"enum":        listFields,
							"description": "The list field to extend",
						},
						"values": map[string]interface{}{
							"type":        "array",
							"description": "Entries to add: strings, or {name, quantity} objects for item lists",
						},
					},
					"required": []string{"field", "values"},
				},
			},
		})
	}

	if !d.Graph.Empty() {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        ToolAdvancePhase,
				Description: openai.String(fmt.Sprintf("Move the conversation to its next phase. Phases: %v. Only triggers allowed from the current phase succeed.", d.Graph.Phases)),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"trigger": map[string]interface{}{
							"type":        "string",
							"enum":        d.Graph.Triggers(),
							"description": "What just happened in the conversation",
						},
					},
					"required": []string{"trigger"},
				},
			},
		})
	}

	tools = append(tools, openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        ToolCommitTask,
			Description: openai.String("Save the finished task once every required field is set and the user confirmed it. Returns the saved record."),
			Parameters: shared.FunctionParameters{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	})

	if d.LookupStore != "" {
		tools = append(tools, openai.ChatCompletionToolParam{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        ToolLookupRecord,
				Description: openai.String(fmt.Sprintf("Look up one record in %s by its key.", d.LookupStore)),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"key": map[string]interface{}{
							"type":        "string",
							"description": "The record key, e.g. a user name or product id",
						},
					},
					"required": []string{"key"},
				},
			},
		})
	}
	return tools
}

func fieldSchema(f FieldSpec) map[string]interface{} {
	schema := map[string]interface{}{}
	if f.Description != "" {
		schema["description"] = f.Description
	}
	switch f.Kind {
	case KindString:
		schema["type"] = "string"
		if len(f.Enum) > 0 {
			schema["enum"] = f.Enum
		}
	case KindNumber:
		schema["type"] = "number"
	case KindBool:
		schema["type"] = "boolean"
	case KindStringList:
		items := map[string]interface{}{"type": "string"}
		if len(f.Enum) > 0 {
			items["enum"] = f.Enum
		}
		schema["type"] = "array"
		schema["items"] = items
	case KindItems:
		schema["type"] = "array"
		schema["items"] = map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name":     map[string]interface{}{"type": "string"},
				"quantity": map[string]interface{}{"type": "integer", "minimum": 1},
			},
			"required": []string{"name"},
		}
	}
	return schema
}

type setFieldsArgs struct {
	Fields map[string]any `json:"fields"`
	Clear  []string       `json:"clear"`
}

type addToListArgs struct {
	Field  string `json:"field"`
	Values any    `json:"values"`
}

type advancePhaseArgs struct {
	Trigger string `json:"trigger"`
}

type lookupRecordArgs struct {
	Key string `json:"key"`
}

// Execute runs one tool call against state. The result is always filled in;
// the returned error is the underlying failure, for logging and tests.
func (tt *TaskTool) Execute(ctx context.Context, state *TaskState, name string, args json.RawMessage) (ToolResult, error) {
	slog.Debug("TaskTool.Execute: executing tool", "tool", name, "domain", state.Domain().Name, "args", argsForLog(args))

	var (
		record models.Record
		err    error
	)
	switch name {
	case ToolSetFields:
		var a setFieldsArgs
		if err = decodeArgs(args, &a); err == nil {
			values := make(map[string]any, len(a.Fields)+len(a.Clear))
			for _, f := range a.Clear {
				values[f] = nil
			}
			for k, v := range a.Fields {
				values[k] = v
			}
			err = state.SetFields(values)
		}
	case ToolAddToList:
		var a addToListArgs
		if err = decodeArgs(args, &a); err == nil {
			err = state.AppendField(a.Field, a.Values)
		}
	case ToolAdvancePhase:
		var a advancePhaseArgs
		if err = decodeArgs(args, &a); err == nil {
			_, err = state.Advance(a.Trigger)
		}
	case ToolCommitTask:
		record, err = tt.tracker.Commit(ctx, state)
	case ToolLookupRecord:
		var a lookupRecordArgs
		if err = decodeArgs(args, &a); err == nil {
			record, err = tt.tracker.Lookup(ctx, state.Domain(), a.Key)
		}
	default:
		err = fmt.Errorf("unknown tool %q", name)
		slog.Warn("TaskTool.Execute: unknown tool", "tool", name)
		result := tt.result(state, nil)
		result.Status, result.Error, result.Message = "error", CodeUnknownTool, err.Error()
		return result, err
	}

	result := tt.result(state, record)
	if err != nil {
		var argErr *argumentsError
		result.Status = "error"
		if errors.As(err, &argErr) {
			result.Error = CodeInvalidArguments
		} else {
			result.Error = ErrorCode(err)
		}
		result.Message = err.Error()
		slog.Debug("TaskTool.Execute: tool reported error", "tool", name, "code", result.Error, "error", err)
		return result, err
	}
	slog.Info("TaskTool.Execute: tool succeeded", "tool", name, "domain", state.Domain().Name, "phase", result.Phase, "complete", result.Complete)
	return result, nil
}

func (tt *TaskTool) result(state *TaskState, record models.Record) ToolResult {
	snap := state.Snapshot()
	return ToolResult{
		Status:          "ok",
		Phase:           snap.Phase,
		Complete:        snap.Complete,
		Missing:         snap.Missing,
		AllowedTriggers: state.AllowedTriggers(),
		Fields:          snap.Fields,
		Record:          record,
	}
}

type argumentsError struct {
	cause error
}

func (e *argumentsError) Error() string { return "invalid tool arguments: " + e.cause.Error() }

func (e *argumentsError) Unwrap() error { return e.cause }

const argsLogLimit = 1024

// argsForLog compacts tool arguments to one line and caps their length.
func argsForLog(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		buf.Reset()
		buf.Write(bytes.TrimSpace(raw))
	}
	if buf.Len() > argsLogLimit {
		return string(buf.Bytes()[:argsLogLimit]) + "...(truncated)"
	}
	return buf.String()
}

// decodeArgs parses tool arguments keeping numbers as json.Number.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return &argumentsError{cause: err}
	}
	return nil
}
