// Package tracker recovers screen generations from dropped upstream
// connections. Generation takes 2-10 minutes but the Stitch API drops the
// TCP connection after about a minute, so each tracked call snapshots the
// project's existing screens first, fires the generation, and on a transport
// failure polls the listing until a screen absent from the baseline appears.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/viant/jsonrpc"
	"github.com/viant/mcp-protocol/schema"
	"go.uber.org/zap"

	"github.com/nton2/stitch-mcp/config"
	"github.com/nton2/stitch-mcp/proxy"
)

const (
	generateToolName = "generate_screen_from_text"
	listToolName     = "list_screens"
	getToolName      = "get_screen"

	retentionWindow = 30 * time.Minute
	sweepInterval   = 5 * time.Minute
)

var screenIdPattern = regexp.MustCompile(`screens/([a-f0-9]+)`)

// Caller sends a JSON-RPC request upstream; satisfied by proxy.Client.
type Caller interface {
	Send(ctx context.Context, method string, params interface{}) (*jsonrpc.Response, error)
}

// Tracker owns the generation map and the claimed-screen set for one tenant
// session. The mutex around check-then-claim is what prevents two pollers on
// the same project from resolving to the same new screen.
type Tracker struct {
	caller Caller
	cfg    *config.Config
	logger *zap.Logger

	mux         sync.Mutex
	generations map[string]*Generation
	// claimed maps screen id to the generation that claimed it; entries are
	// released when the owning generation is evicted.
	claimed map[string]string

	cancel   context.CancelFunc
	stopOnce sync.Once
}

func New(caller Caller, cfg *config.Config, logger *zap.Logger) *Tracker {
	t := &Tracker{
		caller:      caller,
		cfg:         cfg,
		logger:      logger.Named("tracker"),
		generations: make(map[string]*Generation),
		claimed:     make(map[string]string),
	}
	sweepCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.sweepLoop(sweepCtx)
	return t
}

// Stop cancels the retention sweep. Safe to call multiple times.
func (t *Tracker) Stop() {
	t.stopOnce.Do(t.cancel)
}

// Generate runs one resilient screen generation and returns the raw result
// payload, either from the direct call or from polling recovery.
func (t *Tracker) Generate(ctx context.Context, projectId, prompt, deviceType, modelId string) (json.RawMessage, error) {
	gen := &Generation{
		Id:         uuid.NewString()[:8],
		ProjectId:  projectId,
		Prompt:     prompt,
		DeviceType: deviceType,
		ModelId:    modelId,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}
	t.mux.Lock()
	t.generations[gen.Id] = gen
	t.mux.Unlock()
	t.logger.Info("generation starting", zap.String("generation", gen.Id), zap.String("project", projectId))

	baseline, _, err := t.snapshotScreens(ctx, projectId)
	if err != nil {
		return nil, t.fail(gen, fmt.Sprintf("failed to snapshot screens: %v", err))
	}
	t.mux.Lock()
	gen.Baseline = baseline
	gen.Status = StatusFired
	t.mux.Unlock()
	t.logger.Info("baseline captured", zap.String("generation", gen.Id), zap.Int("screens", len(baseline)))

	result, err := t.fire(ctx, projectId, prompt, deviceType, modelId)
	if err == nil {
		// The connection survived the whole generation.
		t.complete(gen, result)
		return result, nil
	}
	if isDefiniteClientError(err) {
		return nil, t.fail(gen, fmt.Sprintf("Stitch API error: %v", err))
	}

	t.logger.Warn("connection dropped, entering polling mode",
		zap.String("generation", gen.Id), zap.Error(err))
	t.mux.Lock()
	gen.Status = StatusPolling
	t.mux.Unlock()

	// Give Stitch a moment to finish before the first listing.
	select {
	case <-time.After(t.cfg.InitialPollWait):
	case <-ctx.Done():
		return nil, t.fail(gen, ctx.Err().Error())
	}

	result, err = t.pollForNewScreen(ctx, gen)
	if err != nil {
		return nil, t.fail(gen, fmt.Sprintf("Polling failed: %v", err))
	}
	t.complete(gen, result)
	return result, nil
}

// Info returns the projection for one generation, or nil when unknown.
func (t *Tracker) Info(id string) *Info {
	t.mux.Lock()
	defer t.mux.Unlock()
	gen, ok := t.generations[id]
	if !ok {
		return nil
	}
	return gen.info(time.Now())
}

// ListAll returns projections of every tracked generation.
func (t *Tracker) ListAll() []*Info {
	t.mux.Lock()
	defer t.mux.Unlock()
	now := time.Now()
	infos := make([]*Info, 0, len(t.generations))
	for _, gen := range t.generations {
		infos = append(infos, gen.info(now))
	}
	return infos
}

func (t *Tracker) fire(ctx context.Context, projectId, prompt, deviceType, modelId string) (json.RawMessage, error) {
	arguments := map[string]interface{}{"projectId": projectId, "prompt": prompt}
	if deviceType != "" {
		arguments["deviceType"] = deviceType
	}
	if modelId != "" {
		arguments["modelId"] = modelId
	}
	response, err := t.caller.Send(ctx, schema.MethodToolsCall, &schema.CallToolRequestParams{
		Name:      generateToolName,
		Arguments: arguments,
	})
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, &proxy.StatusError{StatusCode: response.Error.Code, Body: response.Error.Message}
	}
	return response.Result, nil
}

// snapshotScreens lists the project's screens and returns both the id set
// and the ids in listing order.
func (t *Tracker) snapshotScreens(ctx context.Context, projectId string) (map[string]bool, []string, error) {
	response, err := t.caller.Send(ctx, schema.MethodToolsCall, &schema.CallToolRequestParams{
		Name:      listToolName,
		Arguments: map[string]interface{}{"projectId": projectId},
	})
	if err != nil {
		return nil, nil, err
	}
	if response.Error != nil {
		return nil, nil, response.Error
	}
	set := make(map[string]bool)
	var order []string
	collect := func(text string) {
		for _, match := range screenIdPattern.FindAllStringSubmatch(text, -1) {
			if id := match[1]; !set[id] {
				set[id] = true
				order = append(order, id)
			}
		}
	}
	content := gjson.GetBytes(response.Result, "content")
	if content.IsArray() {
		content.ForEach(func(_, item gjson.Result) bool {
			if text := item.Get("text"); text.Exists() {
				collect(text.String())
			} else {
				collect(item.Raw)
			}
			return true
		})
	} else {
		collect(string(response.Result))
	}
	return set, order, nil
}

func (t *Tracker) pollForNewScreen(ctx context.Context, gen *Generation) (json.RawMessage, error) {
	deadline := time.Now().Add(t.cfg.PollTimeout)
	poll := 0
	for time.Now().Before(deadline) {
		poll++
		t.logger.Info("polling for new screen", zap.String("generation", gen.Id), zap.Int("poll", poll))

		_, order, err := t.snapshotScreens(ctx, gen.ProjectId)
		if err != nil {
			// Transient listing failures must not abort the recovery.
			t.logger.Warn("poll error", zap.String("generation", gen.Id), zap.Error(err))
		} else if screenId := t.claimFirstNew(gen, order); screenId != "" {
			t.logger.Info("new screen detected", zap.String("generation", gen.Id), zap.String("screen", screenId))
			detail, err := t.fetchScreen(ctx, gen.ProjectId, screenId)
			if err != nil {
				t.logger.Warn("failed to fetch screen detail", zap.String("generation", gen.Id), zap.Error(err))
			} else {
				return detail, nil
			}
		}

		select {
		case <-time.After(t.cfg.PollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("Timed out after %.0f minutes of polling", t.cfg.PollTimeout.Minutes())
}

// claimFirstNew claims the first id in listing order that is neither in the
// generation's baseline nor already claimed. Check and claim happen under
// one lock so concurrent pollers cannot take the same screen.
func (t *Tracker) claimFirstNew(gen *Generation, order []string) string {
	t.mux.Lock()
	defer t.mux.Unlock()
	for _, id := range order {
		if gen.Baseline[id] {
			continue
		}
		if _, taken := t.claimed[id]; taken {
			continue
		}
		t.claimed[id] = gen.Id
		return id
	}
	return ""
}

func (t *Tracker) fetchScreen(ctx context.Context, projectId, screenId string) (json.RawMessage, error) {
	response, err := t.caller.Send(ctx, schema.MethodToolsCall, &schema.CallToolRequestParams{
		Name: getToolName,
		Arguments: map[string]interface{}{
			"projectId": projectId,
			"screenId":  screenId,
			"name":      fmt.Sprintf("projects/%s/screens/%s", projectId, screenId),
		},
	})
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, response.Error
	}
	return response.Result, nil
}

func (t *Tracker) complete(gen *Generation, result json.RawMessage) {
	t.mux.Lock()
	gen.Status = StatusCompleted
	gen.CompletedAt = time.Now()
	gen.Result = result
	elapsed := gen.CompletedAt.Sub(gen.CreatedAt)
	t.mux.Unlock()
	t.logger.Info("generation completed", zap.String("generation", gen.Id), zap.Duration("elapsed", elapsed))
}

func (t *Tracker) fail(gen *Generation, message string) error {
	t.mux.Lock()
	gen.Status = StatusFailed
	gen.CompletedAt = time.Now()
	gen.Err = message
	t.mux.Unlock()
	t.logger.Error("generation failed", zap.String("generation", gen.Id), zap.String("error", message))
	return fmt.Errorf("generation %s: %s", gen.Id, message)
}

// isDefiniteClientError reports a 4xx (other than 408) from the upstream:
// bad params or quota, where polling cannot help.
func isDefiniteClientError(err error) bool {
	status := proxy.HTTPStatus(err)
	return status >= 400 && status < 500 && status != 408
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.evictExpired(time.Now())
		}
	}
}

// evictExpired drops completed and failed generations past the retention
// window, releasing their claimed screens with them.
func (t *Tracker) evictExpired(now time.Time) {
	t.mux.Lock()
	defer t.mux.Unlock()
	evicted := make(map[string]bool)
	for id, gen := range t.generations {
		if gen.done() && !gen.CompletedAt.IsZero() && now.Sub(gen.CompletedAt) > retentionWindow {
			delete(t.generations, id)
			evicted[id] = true
		}
	}
	if len(evicted) == 0 {
		return
	}
	for screenId, genId := range t.claimed {
		if evicted[genId] {
			delete(t.claimed, screenId)
		}
	}
}
