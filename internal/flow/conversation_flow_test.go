package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClient replays canned model responses and records each request.
type scriptedClient struct {
	responses []*genai.ToolCallResponse
	err       error
	calls     [][]openai.ChatCompletionMessageParamUnion
}

func (c *scriptedClient) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	c.calls = append(c.calls, messages)
	if c.err != nil {
		return nil, c.err
	}
	if len(c.responses) == 0 {
		return &genai.ToolCallResponse{}, nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func call(id, name, args string) genai.ToolCall {
	return genai.ToolCall{ID: id, Type: "function", Function: genai.FunctionCall{Name: name, Arguments: json.RawMessage(args)}}
}

func TestConversationFlow_ProcessMessageRunsTools(t *testing.T) {
	ctx := context.Background()
	tr, spy := newTestTracker(t)
	client := &scriptedClient{responses: []*genai.ToolCallResponse{
		{ToolCalls: []genai.ToolCall{call("c1", ToolSetFields, `{"fields":{"drinkType":"latte","size":"medium","milk":"oat"}}`)}},
		{ToolCalls: []genai.ToolCall{call("c2", ToolCommitTask, `{}`)}},
		{Content: "Your latte is on its way!"},
	}}
	cf := NewConversationFlow(orderDomain(), tr, NewSessions(), client, "")

	_, err := cf.StartSession(ctx, "s1")
	require.NoError(t, err)
	reply, err := cf.ProcessMessage(ctx, "s1", "A medium oat latte please")
	require.NoError(t, err)
	assert.Equal(t, "Your latte is on its way!", reply)
	assert.Equal(t, 1, spy.appends)

	require.Len(t, client.calls, 3)
	// system prompt, state, user message, then assistant + tool message per round
	assert.Len(t, client.calls[0], 3)
	assert.Len(t, client.calls[2], 7)

	state, err := cf.sessions.Get("s1")
	require.NoError(t, err)
	_, committed := state.Committed()
	assert.True(t, committed)

	// The next turn replays the previous exchange.
	client.responses = []*genai.ToolCallResponse{{Content: "Anything else?"}}
	_, err = cf.ProcessMessage(ctx, "s1", "thanks")
	require.NoError(t, err)
	assert.Len(t, client.calls[3], 5)
}

func TestConversationFlow_ToolErrorsAreReportedToModel(t *testing.T) {
	ctx := context.Background()
	tr, spy := newTestTracker(t)
	client := &scriptedClient{responses: []*genai.ToolCallResponse{
		{Content: "Let me save that.", ToolCalls: []genai.ToolCall{call("c1", ToolCommitTask, `{}`)}},
	}}
	cf := NewConversationFlow(orderDomain(), tr, NewSessions(), client, "custom prompt")
	_, err := cf.StartSession(ctx, "s1")
	require.NoError(t, err)

	reply, err := cf.ProcessMessage(ctx, "s1", "save it")
	require.NoError(t, err)
	assert.Equal(t, "Let me save that.", reply)
	assert.Zero(t, spy.mutations())
}

func TestConversationFlow_Errors(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)

	cf := NewConversationFlow(orderDomain(), tr, NewSessions(), &scriptedClient{}, "")
	_, err := cf.ProcessMessage(ctx, "missing", "hello")
	assert.True(t, errors.Is(err, ErrUnknownSession))

	failing := &scriptedClient{err: fmt.Errorf("rate limited")}
	cf = NewConversationFlow(orderDomain(), tr, NewSessions(), failing, "")
	_, err = cf.StartSession(ctx, "s1")
	require.NoError(t, err)
	_, err = cf.ProcessMessage(ctx, "s1", "hello")
	assert.ErrorContains(t, err, "rate limited")

	cf.EndSession("s1")
	_, err = cf.ProcessMessage(ctx, "s1", "hello")
	assert.True(t, errors.Is(err, ErrUnknownSession))
}

func TestConversationFlow_StopsAfterMaxToolRounds(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)
	client := &scriptedClient{}
	for i := 0; i < maxToolRounds+5; i++ {
		client.responses = append(client.responses, &genai.ToolCallResponse{
			ToolCalls: []genai.ToolCall{call(fmt.Sprintf("c%d", i), ToolSetFields, `{"fields":{"milk":"oat"}}`)},
		})
	}
	cf := NewConversationFlow(orderDomain(), tr, NewSessions(), client, "")
	_, err := cf.StartSession(ctx, "s1")
	require.NoError(t, err)

	reply, err := cf.ProcessMessage(ctx, "s1", "oat milk")
	require.NoError(t, err)
	assert.NotEmpty(t, reply)
	assert.Len(t, client.calls, maxToolRounds)
}

func TestSessionsConcurrentUse(t *testing.T) {
	tr, _ := newTestTracker(t)
	sessions := NewSessions()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			s, err := tr.Create(orderDomain(), nil)
			if err != nil {
				t.Error(err)
				return
			}
			sessions.Begin(id, s)
			got, err := sessions.Get(id)
			if err != nil || got != s {
				t.Errorf("session %s not registered", id)
			}
			if i%2 == 0 {
				sessions.End(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, sessions.Len())
	assert.Len(t, sessions.IDs(), 10)
	_, err := sessions.Get("s0")
	assert.True(t, errors.Is(err, ErrUnknownSession))
}
