package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/viant/jsonrpc"
	"go.uber.org/zap"

	"github.com/nton2/stitch-mcp/config"
)

// Runner pumps JSON-RPC lines between a local stdio client and the cloud
// gateway. Each line is forwarded concurrently; stdout writes are serialized
// so interleaved responses stay line-framed.
type Runner struct {
	client *Client
	cfg    *config.Config
	logger *zap.Logger
	in     io.Reader

	writeMux sync.Mutex
	out      io.Writer

	authMux    sync.Mutex
	authFailed bool
}

func NewRunner(cfg *config.Config, logger *zap.Logger, in io.Reader, out io.Writer) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{cfg: cfg, logger: logger.Named("runner"), in: in, out: out}
	r.client = NewClient(cfg, logger, r.writeLine)
	return r
}

// Run forwards stdin until EOF, then drains in-flight calls and closes the
// gateway session. Returns the process exit code: 1 when the gateway
// rejected our credentials, 0 otherwise.
func (r *Runner) Run(ctx context.Context) int {
	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var wg sync.WaitGroup
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		wg.Add(1)
		go func(line string) {
			defer wg.Done()
			r.forward(ctx, line)
		}(line)
		if r.hasAuthFailed() {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		r.logger.Error("stdin read failed", zap.Error(err))
	}

	wg.Wait()
	r.client.CloseSession(ctx)
	if r.hasAuthFailed() {
		return 1
	}
	return 0
}

func (r *Runner) forward(ctx context.Context, line string) {
	var request jsonrpc.Request
	if err := json.Unmarshal([]byte(line), &request); err != nil {
		r.writeResponse(&jsonrpc.Response{
			Jsonrpc: jsonrpc.Version,
			Error:   jsonrpc.NewParsingError("malformed JSON-RPC line: "+err.Error(), nil),
		})
		return
	}

	response, err := r.client.Send(ctx, &request)
	if err != nil {
		if bridgeErr, ok := err.(*Error); ok {
			if bridgeErr.Kind == KindAuth {
				r.markAuthFailed()
			}
			r.respondError(&request, bridgeErr.Code, bridgeErr.Message)
			return
		}
		r.respondError(&request, codeInternalError, err.Error())
		return
	}
	// lines without an id are notifications; the gateway reply, if any, is
	// not forwarded
	if request.Id == nil {
		return
	}
	r.writeResponse(response)
}

func (r *Runner) respondError(request *jsonrpc.Request, code int, message string) {
	if request.Id == nil {
		r.logger.Error("notification delivery failed", zap.String("method", request.Method), zap.String("error", message))
		return
	}
	r.writeResponse(&jsonrpc.Response{
		Jsonrpc: jsonrpc.Version,
		Id:      request.Id,
		Error:   jsonrpc.NewError(code, message, nil),
	})
}

func (r *Runner) writeResponse(response *jsonrpc.Response) {
	data, err := json.Marshal(response)
	if err != nil {
		r.logger.Error("response marshal failed", zap.Error(err))
		return
	}
	r.writeLine(data)
}

func (r *Runner) writeLine(payload []byte) {
	r.writeMux.Lock()
	defer r.writeMux.Unlock()
	if _, err := r.out.Write(append(payload, '\n')); err != nil {
		r.logger.Error("stdout write failed", zap.Error(err))
	}
}

func (r *Runner) markAuthFailed() {
	r.authMux.Lock()
	r.authFailed = true
	r.authMux.Unlock()
}

func (r *Runner) hasAuthFailed() bool {
	r.authMux.Lock()
	defer r.authMux.Unlock()
	return r.authFailed
}
