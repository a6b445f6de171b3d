// Package gateway runs one chat completion request through admission,
// tier routing, the response cache, failover dispatch and the usage ledger.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"tiergate/internal/budget"
	"tiergate/internal/cache"
	"tiergate/internal/core"
	"tiergate/internal/observability"
	"tiergate/internal/projects"
	"tiergate/internal/routing"
	"tiergate/internal/usage"
)

// ledgerWriteTimeout bounds a record write, which outlives a cancelled caller.
const ledgerWriteTimeout = 10 * time.Second

// Dispatcher calls an ordered candidate list until one answers.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload []byte, models []string, requestID string) (*routing.Result, error)
}

// Admitter is the pre-admission budget check.
type Admitter interface {
	EstimateTokens(maxTokens *int) int64
	Admit(ctx context.Context, project *projects.Project, estimatedTokens int64) (*budget.Rejection, error)
}

// Config holds orchestrator settings.
type Config struct {
	// CacheEnabled turns response memoization on
	CacheEnabled bool

	// CacheTTL is the lifetime of stored documents (default: 24h)
	CacheTTL time.Duration
}

// Response is a successfully served document.
type Response struct {
	// Body is the downstream document, verbatim
	Body     []byte
	Tier     core.Tier
	Model    string
	CacheHit bool
}

// Service is the request pipeline. It keeps no per-request state and is
// safe for concurrent use.
type Service struct {
	router     *routing.TierRouter
	dispatcher Dispatcher
	cache      cache.ResponseCache
	guard      Admitter
	recorder   usage.Recorder
	config     Config
	now        func() time.Time
}

// NewService wires the pipeline. cache and guard may be nil to disable
// memoization and admission control.
func NewService(router *routing.TierRouter, dispatcher Dispatcher, responseCache cache.ResponseCache, guard Admitter, recorder usage.Recorder, cfg Config) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	return &Service{
		router:     router,
		dispatcher: dispatcher,
		cache:      responseCache,
		guard:      guard,
		recorder:   recorder,
		config:     cfg,
		now:        time.Now,
	}
}

// Process serves req for project. Every call that has a project writes
// exactly one ledger record, whether it succeeds or fails; failures are
// returned as *core.GatewayError after recording.
func (s *Service) Process(ctx context.Context, req *core.ChatRequest, project *projects.Project, requester core.Requester) (*Response, error) {
	if project == nil {
		return nil, core.NewInternalError("project not found in request context", nil)
	}
	if req == nil {
		return nil, core.NewInternalError("request payload is missing", nil)
	}

	start := s.now()
	if requester.RequestID == "" {
		requester.RequestID = uuid.NewString()
	}
	rc := &requestContext{req: req, project: project, requester: requester, start: start, tier: core.TierUnknown}

	if err := s.admit(ctx, rc); err != nil {
		return nil, s.fail(ctx, rc, err)
	}

	rc.tier = s.router.PickTier(req.Messages, requester.QualityHint)
	models := s.router.ModelsForTier(rc.tier)
	if len(models) == 0 {
		return nil, s.fail(ctx, rc, core.NewNoModelsAvailableError(rc.tier))
	}

	eligible := s.cacheEligible(req)
	key := cache.KeyForRequest(rc.tier, req)

	if eligible {
		if body, ok := s.cacheGet(ctx, key, requester.RequestID); ok {
			return s.succeed(ctx, rc, body, models[0], true), nil
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, s.fail(ctx, rc, core.NewInternalError("failed to encode downstream payload", err))
	}

	result, err := s.dispatcher.Dispatch(ctx, payload, models, requester.RequestID)
	if err != nil {
		return nil, s.fail(ctx, rc, err)
	}

	if eligible {
		s.cacheSet(ctx, key, result.Body, requester.RequestID)
	}

	return s.succeed(ctx, rc, result.Body, result.Model, false), nil
}

type requestContext struct {
	req       *core.ChatRequest
	project   *projects.Project
	requester core.Requester
	start     time.Time
	tier      core.Tier
}

func (s *Service) admit(ctx context.Context, rc *requestContext) error {
	if s.guard == nil {
		return nil
	}
	rejection, err := s.guard.Admit(ctx, rc.project, s.guard.EstimateTokens(rc.req.MaxTokens))
	if err != nil {
		var gwErr *core.GatewayError
		if errors.As(err, &gwErr) {
			return gwErr
		}
		return core.NewInternalError("failed to evaluate project budget", err)
	}
	if rejection != nil {
		return rejection.Err()
	}
	return nil
}

// cacheEligible reports whether req is deterministic enough to memoize:
// temperature explicitly 0 and not streaming.
func (s *Service) cacheEligible(req *core.ChatRequest) bool {
	if s.cache == nil || !s.config.CacheEnabled {
		return false
	}
	return req.Temperature != nil && *req.Temperature == 0 && !req.Stream
}

func (s *Service) cacheGet(ctx context.Context, key, requestID string) ([]byte, bool) {
	body, ok, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		observability.ObserveCacheLookup("error")
		slog.Warn("response cache read failed", "request_id", requestID, "error", err)
		return nil, false
	case !ok:
		observability.ObserveCacheLookup("miss")
		return nil, false
	default:
		observability.ObserveCacheLookup("hit")
		return body, true
	}
}

func (s *Service) cacheSet(ctx context.Context, key string, body []byte, requestID string) {
	if err := s.cache.Set(ctx, key, body, s.config.CacheTTL); err != nil {
		slog.Warn("response cache write failed", "request_id", requestID, "error", err)
	}
}

func (s *Service) succeed(ctx context.Context, rc *requestContext, body []byte, fallbackModel string, cacheHit bool) *Response {
	u := extractUsage(body)
	modelUsed := u.Model
	if modelUsed == "" {
		modelUsed = fallbackModel
	}

	rec := s.newRecord(rc)
	rec.ModelUsed = modelUsed
	rec.Provider = routing.ProviderForModel(modelUsed)
	rec.PromptTokens = u.PromptTokens
	rec.CompletionTokens = u.CompletionTokens
	rec.TotalTokens = u.TotalTokens
	rec.Cost = u.Cost
	rec.CacheHit = cacheHit
	rec.StatusCode = http.StatusOK
	s.record(ctx, rec)

	observability.ObserveRequest(string(rc.tier), http.StatusOK, s.now().Sub(rc.start))

	return &Response{Body: body, Tier: rc.tier, Model: modelUsed, CacheHit: cacheHit}
}

func (s *Service) fail(ctx context.Context, rc *requestContext, err error) error {
	gwErr := core.AsGatewayError(err)
	status := gwErr.HTTPStatusCode()

	rec := s.newRecord(rc)
	rec.StatusCode = status
	rec.ErrorType = string(gwErr.Type)
	s.record(ctx, rec)

	observability.ObserveRequest(string(rc.tier), status, s.now().Sub(rc.start))
	slog.Warn("request failed",
		"request_id", rc.requester.RequestID,
		"project_id", rc.project.ID,
		"tier", rc.tier,
		"status", status,
		"error", gwErr,
	)

	return gwErr
}

func (s *Service) newRecord(rc *requestContext) *usage.RequestRecord {
	now := s.now()
	latency := now.Sub(rc.start).Milliseconds()
	if latency < 0 {
		latency = 0
	}
	return &usage.RequestRecord{
		ID:             uuid.NewString(),
		RequestID:      rc.requester.RequestID,
		ProjectID:      rc.project.ID,
		UserID:         optional(rc.requester.UserID),
		APIKeyID:       optional(rc.requester.APIKeyID),
		Tier:           string(rc.tier),
		ModelRequested: rc.req.Model,
		LatencyMs:      latency,
		CreatedAt:      now.UTC(),
	}
}

// record writes rec on a context detached from the caller so that a
// disconnect does not lose the ledger entry. Failures are logged only.
func (s *Service) record(ctx context.Context, rec *usage.RequestRecord) {
	if s.recorder == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()
	if err := s.recorder.Record(writeCtx, rec); err != nil {
		slog.Error("failed to record request",
			"request_id", rec.RequestID,
			"project_id", rec.ProjectID,
			"error", err,
		)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
