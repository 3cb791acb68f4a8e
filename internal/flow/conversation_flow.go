package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

const (
	// maxToolRounds bounds the tool loop of a single user message.
	maxToolRounds = 10
	// maxHistoryMessages is how much dialogue is replayed to the model.
	maxHistoryMessages = 30
)

// ChatClient is the part of the GenAI client the dialogue loop needs.
type ChatClient interface {
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error)
}

// ConversationFlow is the reference driver: it relays user text to a language
// model and executes the model's tool calls against the session's task state.
type ConversationFlow struct {
	domain       *Domain
	tracker      *Tracker
	tool         *TaskTool
	sessions     *Sessions
	client       ChatClient
	systemPrompt string

	historyMu sync.Mutex
	history   map[string][]openai.ChatCompletionMessageParamUnion
}

// NewConversationFlow creates a driver for one domain.
func NewConversationFlow(d *Domain, tracker *Tracker, sessions *Sessions, client ChatClient, systemPrompt string) *ConversationFlow {
	slog.Debug("ConversationFlow.NewConversationFlow: creating conversation flow",
		"domain", d.Name, "hasClient", client != nil, "systemPromptLength", len(systemPrompt))
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt(d)
	}
	return &ConversationFlow{
		domain:       d,
		tracker:      tracker,
		tool:         NewTaskTool(tracker),
		sessions:     sessions,
		client:       client,
		systemPrompt: systemPrompt,
		history:      make(map[string][]openai.ChatCompletionMessageParamUnion),
	}
}

func defaultSystemPrompt(d *Domain) string {
	return fmt.Sprintf("You are the voice assistant for the %s task: %s Record what the user says with the tools, ask for whatever is still missing, and save the task once the user confirms.", d.Name, d.Description)
}

// StartSession creates the task state of a new conversation.
func (cf *ConversationFlow) StartSession(ctx context.Context, sessionID string) (*TaskState, error) {
	state, err := cf.tracker.Start(ctx, cf.domain)
	if err != nil {
		slog.Error("ConversationFlow.StartSession: failed to start task", "error", err, "sessionID", sessionID)
		return nil, err
	}
	cf.sessions.Begin(sessionID, state)
	return state, nil
}

// EndSession discards the conversation's state and history.
func (cf *ConversationFlow) EndSession(sessionID string) {
	cf.sessions.End(sessionID)
	cf.historyMu.Lock()
	delete(cf.history, sessionID)
	cf.historyMu.Unlock()
}

// ProcessMessage handles one user utterance and returns the reply.
func (cf *ConversationFlow) ProcessMessage(ctx context.Context, sessionID, userMessage string) (string, error) {
	slog.Debug("ConversationFlow.ProcessMessage: processing message", "sessionID", sessionID, "messageLength", len(userMessage))
	if cf.client == nil {
		slog.Error("ConversationFlow.ProcessMessage: genai client not initialized")
		return "", fmt.Errorf("genai client not initialized")
	}
	state, err := cf.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}

	messages, err := cf.buildMessages(sessionID, state, userMessage)
	if err != nil {
		return "", err
	}
	tools := cf.tool.GetToolDefinitions(cf.domain)

	reply, err := cf.handleToolLoop(ctx, sessionID, state, messages, tools)
	if err != nil {
		return "", err
	}
	cf.remember(sessionID, openai.UserMessage(userMessage), openai.AssistantMessage(reply))
	return reply, nil
}

// buildMessages assembles system prompt, current task state, history and the
// new user message.
func (cf *ConversationFlow) buildMessages(sessionID string, state *TaskState, userMessage string) ([]openai.ChatCompletionMessageParamUnion, error) {
	snapshot, err := json.Marshal(state.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("failed to encode task state: %w", err)
	}
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(cf.systemPrompt),
		openai.SystemMessage("CURRENT TASK STATE:\n" + string(snapshot)),
	}

	cf.historyMu.Lock()
	history := cf.history[sessionID]
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}
	messages = append(messages, history...)
	cf.historyMu.Unlock()

	return append(messages, openai.UserMessage(userMessage)), nil
}

func (cf *ConversationFlow) remember(sessionID string, msgs ...openai.ChatCompletionMessageParamUnion) {
	cf.historyMu.Lock()
	defer cf.historyMu.Unlock()
	history := append(cf.history[sessionID], msgs...)
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}
	cf.history[sessionID] = history
}

// handleToolLoop keeps calling the model until it produces a user-facing message.
func (cf *ConversationFlow) handleToolLoop(ctx context.Context, sessionID string, state *TaskState, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (string, error) {
	current := messages
	for round := 1; round <= maxToolRounds; round++ {
		resp, err := cf.client.GenerateWithTools(ctx, current, tools)
		if err != nil {
			slog.Error("ConversationFlow.handleToolLoop: tool generation failed", "error", err, "sessionID", sessionID, "round", round)
			return "", fmt.Errorf("failed to generate response with tools: %w", err)
		}
		slog.Debug("ConversationFlow.handleToolLoop: received tool response",
			"sessionID", sessionID, "round", round, "contentLength", len(resp.Content), "toolCallCount", len(resp.ToolCalls))

		if len(resp.ToolCalls) == 0 {
			if resp.Content != "" {
				return resp.Content, nil
			}
			slog.Warn("ConversationFlow.handleToolLoop: empty content and no tool calls", "sessionID", sessionID, "round", round)
			return "Sorry, could you say that again?", nil
		}

		current = cf.executeToolCalls(ctx, sessionID, state, resp, current)
		if resp.Content != "" {
			return resp.Content, nil
		}
	}
	slog.Warn("ConversationFlow.handleToolLoop: hit maximum tool rounds", "sessionID", sessionID, "maxRounds", maxToolRounds)
	return "I've updated your " + cf.domain.Name + " details.", nil
}

// executeToolCalls runs the calls and appends the assistant message and one
// tool message per call to the context.
func (cf *ConversationFlow) executeToolCalls(ctx context.Context, sessionID string, state *TaskState, resp *genai.ToolCallResponse, messages []openai.ChatCompletionMessageParamUnion) []openai.ChatCompletionMessageParamUnion {
	var names []string
	toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		names = append(names, tc.Function.Name)
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	slog.Info("ConversationFlow.executeToolCalls: executing tools", "sessionID", sessionID, "tools", strings.Join(names, ","))

	assistant := openai.ChatCompletionAssistantMessageParam{
		Content: openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(resp.Content),
		},
		ToolCalls: toolCalls,
	}
	messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

	for _, tc := range resp.ToolCalls {
		result, err := cf.tool.Execute(ctx, state, tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			slog.Debug("ConversationFlow.executeToolCalls: tool returned error", "sessionID", sessionID, "tool", tc.Function.Name, "code", result.Error)
		}
		messages = append(messages, openai.ToolMessage(result.JSON(), tc.ID))
	}
	return messages
}
