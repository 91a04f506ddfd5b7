// Package gateway exposes the Stitch upstream as an MCP server. It serves
// the remote tool catalogue plus two local tools for inspecting tracked
// generations, and routes generate_screen_from_text through the tracker so
// a dropped upstream connection does not lose the generation.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/viant/jsonrpc"
	"github.com/viant/jsonrpc/transport"
	"github.com/viant/jsonrpc/transport/server/stdio"
	"github.com/viant/mcp-protocol/schema"
	"go.uber.org/zap"

	"github.com/nton2/stitch-mcp/tracker"
)

const (
	generateToolName        = "generate_screen_from_text"
	statusToolName          = "generation_status"
	listGenerationsToolName = "list_generations"
)

// Upstream is the slice of proxy.Client the gateway depends on.
type Upstream interface {
	Send(ctx context.Context, method string, params interface{}) (*jsonrpc.Response, error)
	SendRaw(ctx context.Context, request *jsonrpc.Request) (*jsonrpc.Response, error)
}

// Generations is implemented by tracker.Tracker.
type Generations interface {
	Generate(ctx context.Context, projectId, prompt, deviceType, modelId string) (json.RawMessage, error)
	Info(id string) *tracker.Info
	ListAll() []*tracker.Info
}

// Handler implements transport.Handler over the Stitch upstream.
type Handler struct {
	upstream Upstream
	tracker  Generations
	logger   *zap.Logger
	info     schema.Implementation

	mux         sync.RWMutex
	remoteTools []schema.Tool
}

// New creates a gateway handler. Call DiscoverTools before serving.
func New(upstream Upstream, generations Generations, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		upstream: upstream,
		tracker:  generations,
		logger:   logger.Named("gateway"),
		info:     schema.Implementation{Name: "stitch-mcp", Version: "1.0.0"},
	}
}

// DiscoverTools fetches the upstream tool catalogue. The gateway refuses to
// serve an empty catalogue: a proxy with no tools is a misconfiguration, not
// a degraded mode.
func (h *Handler) DiscoverTools(ctx context.Context) error {
	response, err := h.upstream.Send(ctx, schema.MethodToolsList, &schema.ListToolsRequestParams{})
	if err != nil {
		return fmt.Errorf("tool discovery failed: %w", err)
	}
	if response.Error != nil {
		return fmt.Errorf("tool discovery failed: %v", response.Error.Message)
	}
	var listing schema.ListToolsResult
	if err := json.Unmarshal(response.Result, &listing); err != nil {
		return fmt.Errorf("tool discovery returned malformed listing: %w", err)
	}
	if len(listing.Tools) == 0 {
		return errors.New("upstream reported no tools")
	}
	h.mux.Lock()
	h.remoteTools = listing.Tools
	h.mux.Unlock()

	names := make([]string, 0, len(listing.Tools))
	for _, tool := range listing.Tools {
		names = append(names, tool.Name)
	}
	h.logger.Info("discovered upstream tools", zap.Strings("tools", names))
	return nil
}

// Serve handles incoming JSON-RPC requests
func (h *Handler) Serve(ctx context.Context, request *jsonrpc.Request, response *jsonrpc.Response) {
	if jsonrpc.Version != request.Jsonrpc {
		response.Error = jsonrpc.NewInvalidRequest("invalid JSON-RPC version", nil)
		return
	}
	switch request.Method {
	case schema.MethodInitialize:
		result, err := h.initialize(ctx, request)
		h.setResponse(response, result, err)
	case schema.MethodPing:
		h.setResponse(response, &schema.PingResult{}, nil)
	case schema.MethodToolsList:
		h.setResponse(response, h.listTools(), nil)
	case schema.MethodToolsCall:
		result, err := h.callTool(ctx, request)
		h.setResponse(response, result, err)
	default:
		response.Error = jsonrpc.NewMethodNotFound(fmt.Sprintf("method: %v not found", request.Method), request.Params)
	}
}

func (h *Handler) setResponse(response *jsonrpc.Response, result interface{}, rpcError *jsonrpc.Error) {
	if rpcError != nil {
		response.Error = rpcError
		return
	}
	var err error
	response.Result, err = json.Marshal(result)
	if err != nil {
		response.Error = jsonrpc.NewInternalError(err.Error(), []byte{})
	}
}

// OnNotification handles incoming JSON-RPC notifications
func (h *Handler) OnNotification(ctx context.Context, notification *jsonrpc.Notification) {
	h.logger.Debug("notification received", zap.String("method", notification.Method))
}

func (h *Handler) initialize(ctx context.Context, request *jsonrpc.Request) (*schema.InitializeResult, *jsonrpc.Error) {
	initRequest := schema.InitializeRequest{Method: schema.MethodInitialize}
	if len(request.Params) > 0 {
		if err := json.Unmarshal(request.Params, &initRequest.Params); err != nil {
			return nil, jsonrpc.NewInvalidParamsError(fmt.Sprintf("failed to parse: %v", err), request.Params)
		}
	}
	instructions := "Proxies the Google Stitch API with automatic retry and " +
		"connection-drop recovery. Long generations that outlive the upstream " +
		"connection are recovered by polling; check generation_status when a " +
		"call reports a timeout."
	return &schema.InitializeResult{
		ProtocolVersion: schema.LatestProtocolVersion,
		ServerInfo:      h.info,
		Capabilities:    schema.ServerCapabilities{Tools: &schema.ServerCapabilitiesTools{}},
		Instructions:    &instructions,
	}, nil
}

// listTools returns the remote catalogue followed by the local virtual tools.
func (h *Handler) listTools() *schema.ListToolsResult {
	h.mux.RLock()
	defer h.mux.RUnlock()
	tools := make([]schema.Tool, 0, len(h.remoteTools)+2)
	tools = append(tools, h.remoteTools...)
	tools = append(tools, virtualTools()...)
	return &schema.ListToolsResult{Tools: tools}
}

func (h *Handler) callTool(ctx context.Context, request *jsonrpc.Request) (*schema.CallToolResult, *jsonrpc.Error) {
	var params schema.CallToolRequestParams
	if err := json.Unmarshal(request.Params, &params); err != nil {
		return nil, jsonrpc.NewInvalidParamsError(fmt.Sprintf("failed to parse: %v", err), request.Params)
	}
	h.logger.Debug("tool call", zap.String("tool", params.Name))
	switch params.Name {
	case generateToolName:
		return h.callGenerate(ctx, &params), nil
	case statusToolName:
		return h.callStatus(&params), nil
	case listGenerationsToolName:
		return h.callListGenerations(), nil
	default:
		return h.forward(ctx, request), nil
	}
}

func (h *Handler) callGenerate(ctx context.Context, params *schema.CallToolRequestParams) *schema.CallToolResult {
	projectId, _ := params.Arguments["projectId"].(string)
	prompt, _ := params.Arguments["prompt"].(string)
	if strings.TrimSpace(projectId) == "" {
		return errorResult("projectId is required")
	}
	if strings.TrimSpace(prompt) == "" {
		return errorResult("prompt is required")
	}
	deviceType, _ := params.Arguments["deviceType"].(string)
	modelId, _ := params.Arguments["modelId"].(string)

	result, err := h.tracker.Generate(ctx, projectId, prompt, deviceType, modelId)
	if err != nil {
		return errorResult(err.Error())
	}
	return normalizeResult(result)
}

func (h *Handler) callStatus(params *schema.CallToolRequestParams) *schema.CallToolResult {
	id, _ := params.Arguments["generationId"].(string)
	if id == "" {
		return errorResult("generationId is required")
	}
	info := h.tracker.Info(id)
	if info == nil {
		return errorResult("unknown generation: " + id)
	}
	return jsonResult(info)
}

func (h *Handler) callListGenerations() *schema.CallToolResult {
	return jsonResult(map[string]interface{}{"generations": h.tracker.ListAll()})
}

// forward relays a tool call verbatim and normalizes whatever comes back so
// the client always sees a tool result, never a transport failure.
func (h *Handler) forward(ctx context.Context, request *jsonrpc.Request) *schema.CallToolResult {
	response, err := h.upstream.SendRaw(ctx, request)
	if err != nil {
		return errorResult(fmt.Sprintf("Stitch API request failed: %v", err))
	}
	if response.Error != nil {
		return errorResult(fmt.Sprintf("Stitch API error (code %d): %s", response.Error.Code, response.Error.Message))
	}
	return normalizeResult(response.Result)
}

// normalizeResult passes through results already shaped as tool content and
// wraps anything else as a JSON text block.
func normalizeResult(raw json.RawMessage) *schema.CallToolResult {
	var shaped schema.CallToolResult
	if err := json.Unmarshal(raw, &shaped); err == nil && len(shaped.Content) > 0 {
		return &shaped
	}
	return textResult(string(raw))
}

func textResult(text string) *schema.CallToolResult {
	return &schema.CallToolResult{
		Content: []schema.CallToolResultContentElem{{Type: "text", Text: text}},
	}
}

func jsonResult(value interface{}) *schema.CallToolResult {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult(err.Error())
	}
	return textResult(string(data))
}

func errorResult(message string) *schema.CallToolResult {
	isError := true
	result := textResult(message)
	result.IsError = &isError
	return result
}

// Stdio serves the handler over stdin/stdout.
func (h *Handler) Stdio(ctx context.Context) *stdio.Server {
	return stdio.New(ctx, func(ctx context.Context, t transport.Transport) transport.Handler {
		return h
	})
}

func virtualTools() []schema.Tool {
	statusDesc := "Check the status of a tracked screen generation by id. " +
		"Useful after a generation reported a timeout: the result may have " +
		"been recovered in the background."
	listDesc := "List all screen generations tracked in this session with their status."
	return []schema.Tool{
		{
			Name:        statusToolName,
			Description: &statusDesc,
			InputSchema: schema.ToolInputSchema{
				Type: "object",
				Properties: schema.ToolInputSchemaProperties{
					"generationId": map[string]interface{}{
						"type":        "string",
						"description": "Id returned in generation results and timeout messages",
					},
				},
				Required: []string{"generationId"},
			},
		},
		{
			Name:        listGenerationsToolName,
			Description: &listDesc,
			InputSchema: schema.ToolInputSchema{
				Type:       "object",
				Properties: schema.ToolInputSchemaProperties{},
			},
		},
	}
}
