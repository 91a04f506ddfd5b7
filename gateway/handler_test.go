package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/jsonrpc"
	"github.com/viant/mcp-protocol/schema"

	"github.com/nton2/stitch-mcp/tracker"
)

type fakeUpstream struct {
	send    func(method string, params interface{}) (*jsonrpc.Response, error)
	sendRaw func(request *jsonrpc.Request) (*jsonrpc.Response, error)
}

func (u *fakeUpstream) Send(ctx context.Context, method string, params interface{}) (*jsonrpc.Response, error) {
	return u.send(method, params)
}

func (u *fakeUpstream) SendRaw(ctx context.Context, request *jsonrpc.Request) (*jsonrpc.Response, error) {
	return u.sendRaw(request)
}

type fakeGenerations struct {
	generate func(projectId, prompt, deviceType, modelId string) (json.RawMessage, error)
	infos    map[string]*tracker.Info
	called   bool
}

func (g *fakeGenerations) Generate(ctx context.Context, projectId, prompt, deviceType, modelId string) (json.RawMessage, error) {
	g.called = true
	return g.generate(projectId, prompt, deviceType, modelId)
}

func (g *fakeGenerations) Info(id string) *tracker.Info {
	return g.infos[id]
}

func (g *fakeGenerations) ListAll() []*tracker.Info {
	var infos []*tracker.Info
	for _, info := range g.infos {
		infos = append(infos, info)
	}
	return infos
}

func toolListing(t *testing.T, names ...string) *jsonrpc.Response {
	var tools []schema.Tool
	for _, name := range names {
		tools = append(tools, schema.Tool{Name: name, InputSchema: schema.ToolInputSchema{Type: "object"}})
	}
	data, err := json.Marshal(&schema.ListToolsResult{Tools: tools})
	require.NoError(t, err)
	return &jsonrpc.Response{Result: data}
}

func discoveredHandler(t *testing.T, upstream *fakeUpstream, generations Generations) *Handler {
	if upstream.send == nil {
		upstream.send = func(method string, params interface{}) (*jsonrpc.Response, error) {
			return toolListing(t, generateToolName, "list_screens", "get_screen"), nil
		}
	}
	h := New(upstream, generations, nil)
	require.NoError(t, h.DiscoverTools(context.Background()))
	return h
}

func serve(t *testing.T, h *Handler, method string, params interface{}) *jsonrpc.Response {
	data, err := json.Marshal(params)
	require.NoError(t, err)
	request := &jsonrpc.Request{Jsonrpc: jsonrpc.Version, Method: method, Params: data, Id: 1}
	response := &jsonrpc.Response{}
	h.Serve(context.Background(), request, response)
	return response
}

func toolResult(t *testing.T, response *jsonrpc.Response) *schema.CallToolResult {
	require.Nil(t, response.Error)
	var result schema.CallToolResult
	require.NoError(t, json.Unmarshal(response.Result, &result))
	return &result
}

func TestDiscoverToolsErrors(t *testing.T) {
	testCases := []struct {
		description string
		send        func(method string, params interface{}) (*jsonrpc.Response, error)
		expect      string
	}{
		{
			description: "transport failure",
			send: func(string, interface{}) (*jsonrpc.Response, error) {
				return nil, errors.New("connection refused")
			},
			expect: "tool discovery failed",
		},
		{
			description: "upstream error",
			send: func(string, interface{}) (*jsonrpc.Response, error) {
				return &jsonrpc.Response{Error: jsonrpc.NewInternalError("boom", nil)}, nil
			},
			expect: "tool discovery failed",
		},
		{
			description: "empty catalogue",
			send: func(method string, params interface{}) (*jsonrpc.Response, error) {
				return toolListing(t), nil
			},
			expect: "no tools",
		},
	}
	for _, testCase := range testCases {
		h := New(&fakeUpstream{send: testCase.send}, &fakeGenerations{}, nil)
		err := h.DiscoverTools(context.Background())
		require.Error(t, err, testCase.description)
		assert.Contains(t, err.Error(), testCase.expect, testCase.description)
	}
}

func TestListToolsRemoteFirst(t *testing.T) {
	h := discoveredHandler(t, &fakeUpstream{}, &fakeGenerations{})
	response := serve(t, h, schema.MethodToolsList, &schema.ListToolsRequestParams{})
	require.Nil(t, response.Error)

	var listing schema.ListToolsResult
	require.NoError(t, json.Unmarshal(response.Result, &listing))
	require.Len(t, listing.Tools, 5)
	assert.Equal(t, generateToolName, listing.Tools[0].Name)
	assert.Equal(t, statusToolName, listing.Tools[3].Name)
	assert.Equal(t, listGenerationsToolName, listing.Tools[4].Name)
}

func TestInitialize(t *testing.T) {
	h := discoveredHandler(t, &fakeUpstream{}, &fakeGenerations{})
	response := serve(t, h, schema.MethodInitialize, &schema.InitializeRequestParams{
		ProtocolVersion: schema.LatestProtocolVersion,
		ClientInfo:      schema.Implementation{Name: "test", Version: "0.1"},
	})
	require.Nil(t, response.Error)

	var result schema.InitializeResult
	require.NoError(t, json.Unmarshal(response.Result, &result))
	assert.Equal(t, schema.LatestProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "stitch-mcp", result.ServerInfo.Name)
	require.NotNil(t, result.Capabilities.Tools)
	require.NotNil(t, result.Instructions)
}

func TestMethodNotFound(t *testing.T) {
	h := discoveredHandler(t, &fakeUpstream{}, &fakeGenerations{})
	response := serve(t, h, schema.MethodResourcesList, map[string]interface{}{})
	require.NotNil(t, response.Error)
	assert.Contains(t, response.Error.Message, "not found")
}

func TestCallGenerateMissingArguments(t *testing.T) {
	generations := &fakeGenerations{}
	h := discoveredHandler(t, &fakeUpstream{}, generations)

	for _, arguments := range []map[string]interface{}{
		{"prompt": "a login page"},
		{"projectId": "p1"},
		{"projectId": "p1", "prompt": "   "},
	} {
		result := toolResult(t, serve(t, h, schema.MethodToolsCall, &schema.CallToolRequestParams{
			Name:      generateToolName,
			Arguments: arguments,
		}))
		require.NotNil(t, result.IsError)
		assert.True(t, *result.IsError)
	}
	assert.False(t, generations.called)
}

func TestCallGenerateSuccess(t *testing.T) {
	generations := &fakeGenerations{
		generate: func(projectId, prompt, deviceType, modelId string) (json.RawMessage, error) {
			assert.Equal(t, "p1", projectId)
			assert.Equal(t, "a login page", prompt)
			assert.Equal(t, "phone", deviceType)
			return json.RawMessage(`{"content":[{"type":"text","text":"screen ready"}]}`), nil
		},
	}
	h := discoveredHandler(t, &fakeUpstream{}, generations)
	result := toolResult(t, serve(t, h, schema.MethodToolsCall, &schema.CallToolRequestParams{
		Name: generateToolName,
		Arguments: map[string]interface{}{
			"projectId": "p1", "prompt": "a login page", "deviceType": "phone",
		},
	}))
	assert.Nil(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "screen ready", result.Content[0].Text)
}

func TestCallGenerateFailure(t *testing.T) {
	generations := &fakeGenerations{
		generate: func(projectId, prompt, deviceType, modelId string) (json.RawMessage, error) {
			return nil, fmt.Errorf("generation ab12cd34: Polling failed: Timed out after 12 minutes of polling")
		},
	}
	h := discoveredHandler(t, &fakeUpstream{}, generations)
	result := toolResult(t, serve(t, h, schema.MethodToolsCall, &schema.CallToolRequestParams{
		Name:      generateToolName,
		Arguments: map[string]interface{}{"projectId": "p1", "prompt": "a page"},
	}))
	require.NotNil(t, result.IsError)
	assert.True(t, *result.IsError)
	assert.Contains(t, result.Content[0].Text, "ab12cd34")
}

func TestGenerationStatus(t *testing.T) {
	generations := &fakeGenerations{infos: map[string]*tracker.Info{
		"ab12cd34": {Id: "ab12cd34", Status: tracker.StatusPolling, Prompt: "a page"},
	}}
	h := discoveredHandler(t, &fakeUpstream{}, generations)

	result := toolResult(t, serve(t, h, schema.MethodToolsCall, &schema.CallToolRequestParams{
		Name:      statusToolName,
		Arguments: map[string]interface{}{"generationId": "ab12cd34"},
	}))
	assert.Nil(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, string(tracker.StatusPolling))

	missing := toolResult(t, serve(t, h, schema.MethodToolsCall, &schema.CallToolRequestParams{
		Name:      statusToolName,
		Arguments: map[string]interface{}{"generationId": "nope"},
	}))
	require.NotNil(t, missing.IsError)
	assert.Contains(t, missing.Content[0].Text, "unknown generation")
}

func TestForwardNormalization(t *testing.T) {
	testCases := []struct {
		description string
		sendRaw     func(request *jsonrpc.Request) (*jsonrpc.Response, error)
		isError     bool
		expectText  string
	}{
		{
			description: "content shaped result passes through",
			sendRaw: func(*jsonrpc.Request) (*jsonrpc.Response, error) {
				return &jsonrpc.Response{Result: json.RawMessage(`{"content":[{"type":"text","text":"listing"}]}`)}, nil
			},
			expectText: "listing",
		},
		{
			description: "bare JSON wrapped as text",
			sendRaw: func(*jsonrpc.Request) (*jsonrpc.Response, error) {
				return &jsonrpc.Response{Result: json.RawMessage(`{"screens":[]}`)}, nil
			},
			expectText: `{"screens":[]}`,
		},
		{
			description: "upstream error becomes IsError result",
			sendRaw: func(*jsonrpc.Request) (*jsonrpc.Response, error) {
				return &jsonrpc.Response{Error: jsonrpc.NewError(404, "screen not found", nil)}, nil
			},
			isError:    true,
			expectText: "Stitch API error (code 404): screen not found",
		},
		{
			description: "transport failure becomes IsError result",
			sendRaw: func(*jsonrpc.Request) (*jsonrpc.Response, error) {
				return nil, errors.New("connection reset")
			},
			isError:    true,
			expectText: "Stitch API request failed",
		},
	}
	for _, testCase := range testCases {
		h := discoveredHandler(t, &fakeUpstream{sendRaw: testCase.sendRaw}, &fakeGenerations{})
		result := toolResult(t, serve(t, h, schema.MethodToolsCall, &schema.CallToolRequestParams{
			Name:      "get_screen",
			Arguments: map[string]interface{}{"screenId": "aaa111"},
		}))
		if testCase.isError {
			require.NotNil(t, result.IsError, testCase.description)
			assert.True(t, *result.IsError, testCase.description)
		} else {
			assert.Nil(t, result.IsError, testCase.description)
		}
		require.Len(t, result.Content, 1, testCase.description)
		assert.Contains(t, result.Content[0].Text, testCase.expectText, testCase.description)
	}
}
