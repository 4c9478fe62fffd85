// Package provider puts a cheap local model (ollama) and an expensive
// remote model behind one gateway per capability: embed, classify,
// escalate and chat. Embedding and classification always try local first
// and fall back to remote only when local is unavailable. Every call lands
// in the usage ledger of its workspace.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/lorekeeper/internal/chat"
	"github.com/stellarlinkco/lorekeeper/internal/config"
	"github.com/stellarlinkco/lorekeeper/internal/logging"
	"github.com/stellarlinkco/lorekeeper/internal/metrics"
)

// Capabilities as recorded in the usage ledger.
const (
	CapabilityEmbed    = "embed"
	CapabilityClassify = "classify"
	CapabilityEscalate = "classify_escalate"
	CapabilityChat     = "chat"
)

const (
	tierLocal  = "local"
	tierRemote = "remote"
	tierCache  = "cache"
)

type Embedding struct {
	Vector     []float32
	Model      string
	TokenCount int
}

// Verdict is the local classifier's answer. Confident false asks the caller
// to escalate.
type Verdict struct {
	IsKnowledge bool
	Confident   bool
	Confidence  float64
}

type Escalation struct {
	IsKnowledge    bool
	Confidence     float64
	SuggestedTitle string
}

type ChatRequest struct {
	System    string
	Messages  []model.Message
	Tools     []model.ToolDefinition
	MaxTokens int
	// Capability overrides the ledger label, e.g. "enrich_header".
	Capability string
}

type ChatResult struct {
	Content   string
	Message   model.Message
	ToolCalls []model.ToolCall
	Model     string
	Usage     model.Usage
	CostCents float64
}

// Options wires the gateway. Nil models and empty endpoints are treated as
// unavailable backends.
type Options struct {
	Ledger chat.UsageLedger
	Prices *PriceTable

	LocalBaseURL    string
	LocalModel      string
	LocalEmbedModel string
	LocalTimeout    time.Duration

	RemoteEmbedBaseURL string
	RemoteEmbedAPIKey  string
	RemoteEmbedModel   string
	EmbedBatchSize     int
	EmbedDimension     int
	EmbedTimeout       time.Duration
	EmbedCacheBytes    int64

	ChatModel       model.Model
	ChatModelName   string
	EscalationModel model.Model
	EscalationName  string

	Now    func() time.Time
	Logger *zerolog.Logger
}

type Gateway struct {
	ledger chat.UsageLedger
	prices *PriceTable
	cache  *embeddingCache
	now    func() time.Time
	log    zerolog.Logger

	local           *compatClient
	localModel      string
	localEmbedModel string

	remoteEmbed      *compatClient
	remoteEmbedModel string

	chatModel      model.Model
	chatName       string
	escalate       model.Model
	escalationName string
}

func New(opts Options) (*Gateway, error) {
	if opts.Ledger == nil {
		return nil, errors.New("provider: usage ledger is required")
	}
	cache, err := newEmbeddingCache(opts.EmbedCacheBytes)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		ledger:           opts.Ledger,
		prices:           opts.Prices,
		cache:            cache,
		now:              opts.Now,
		log:              logging.For("provider"),
		local:            newCompatClient(opts.LocalBaseURL, "", opts.LocalTimeout, opts.EmbedBatchSize, opts.EmbedDimension),
		localModel:       strings.TrimSpace(opts.LocalModel),
		localEmbedModel:  strings.TrimSpace(opts.LocalEmbedModel),
		remoteEmbed:      newCompatClient(opts.RemoteEmbedBaseURL, opts.RemoteEmbedAPIKey, opts.EmbedTimeout, opts.EmbedBatchSize, opts.EmbedDimension),
		remoteEmbedModel: strings.TrimSpace(opts.RemoteEmbedModel),
		chatModel:        opts.ChatModel,
		chatName:         opts.ChatModelName,
		escalate:         opts.EscalationModel,
		escalationName:   opts.EscalationName,
	}
	if g.prices == nil {
		g.prices = NewPriceTable(nil)
	}
	if g.now == nil {
		g.now = time.Now
	}
	if opts.Logger != nil {
		g.log = *opts.Logger
	}
	if g.escalate == nil {
		g.escalate, g.escalationName = g.chatModel, g.chatName
	}
	return g, nil
}

// NewFromConfig builds the gateway from the config file: ollama as the local
// tier, agentsdk-go providers as the remote tier.
func NewFromConfig(ctx context.Context, cfg *config.Config, ledger chat.UsageLedger) (*Gateway, error) {
	opts := Options{
		Ledger:             ledger,
		Prices:             NewPriceTable(cfg.Provider.Pricing),
		RemoteEmbedBaseURL: firstNonEmptyTrimmed(cfg.Embedding.BaseURL, openAIBaseURL(cfg)),
		RemoteEmbedAPIKey:  firstNonEmptyTrimmed(cfg.Embedding.APIKey, openAIKey(cfg)),
		RemoteEmbedModel:   cfg.Embedding.Model,
		EmbedBatchSize:     cfg.Embedding.BatchSize,
		EmbedDimension:     cfg.Embedding.Dimension,
		EmbedTimeout:       time.Duration(cfg.Embedding.TimeoutMs) * time.Millisecond,
		EmbedCacheBytes:    cfg.Embedding.CacheBytes,
	}
	if cfg.Local.Enabled {
		opts.LocalBaseURL = firstNonEmptyTrimmed(cfg.Local.BaseURL, config.DefaultLocalBaseURL)
		opts.LocalModel = cfg.Local.Model
		opts.LocalEmbedModel = cfg.Local.EmbedModel
		opts.LocalTimeout = time.Duration(cfg.Local.TimeoutMs) * time.Millisecond
	}

	if strings.TrimSpace(cfg.Provider.APIKey) != "" {
		chatName := firstNonEmptyTrimmed(cfg.Agent.Model, cfg.Provider.Model)
		chatTokens := cfg.Agent.MaxTokens
		if chatTokens <= 0 {
			chatTokens = cfg.Provider.MaxTokens
		}
		m, err := remoteModel(ctx, cfg, chatName, chatTokens)
		if err != nil {
			return nil, fmt.Errorf("create chat model: %w", err)
		}
		opts.ChatModel, opts.ChatModelName = m, chatName

		if name := strings.TrimSpace(cfg.Provider.EscalationModel); name != "" && name != chatName {
			m, err := remoteModel(ctx, cfg, name, cfg.Provider.MaxTokens)
			if err != nil {
				return nil, fmt.Errorf("create escalation model: %w", err)
			}
			opts.EscalationModel, opts.EscalationName = m, name
		}
	}
	return New(opts)
}

func remoteModel(ctx context.Context, cfg *config.Config, name string, maxTokens int) (model.Model, error) {
	var p model.Provider
	switch cfg.Provider.Type {
	case "openai":
		p = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: name,
			MaxTokens: maxTokens,
		}
	default: // "anthropic" or empty
		p = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: name,
			MaxTokens: maxTokens,
		}
	}
	return p.Model(ctx)
}

func openAIKey(cfg *config.Config) string {
	if cfg.Provider.Type == "openai" {
		return cfg.Provider.APIKey
	}
	return ""
}

func openAIBaseURL(cfg *config.Config) string {
	if cfg.Provider.Type != "openai" {
		return ""
	}
	return firstNonEmptyTrimmed(cfg.Provider.BaseURL, "https://api.openai.com")
}

func (g *Gateway) Close() {
	g.cache.close()
}

// Embed returns the vector for text, local tier first.
func (g *Gateway) Embed(ctx context.Context, workspaceID, text string) (*Embedding, error) {
	out, err := g.EmbedBatch(ctx, workspaceID, []string{text})
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

// EmbedBatch embeds texts in order. Cached vectors are served without a call;
// the rest go to one tier as a batch, chunked to the backend limit.
func (g *Gateway) EmbedBatch(ctx context.Context, workspaceID string, texts []string) ([]Embedding, error) {
	if len(texts) == 0 {
		return nil, errors.New("embed: empty texts")
	}
	normalized := make([]string, len(texts))
	for i, text := range texts {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil, fmt.Errorf("embed: empty text at index %d", i)
		}
		normalized[i] = trimmed
	}

	out := make([]Embedding, len(normalized))
	var missing []int
	for i, text := range normalized {
		if vec, m, ok := g.cached(text); ok {
			out[i] = Embedding{Vector: vec, Model: m}
			metrics.ProviderCalls.WithLabelValues(CapabilityEmbed, tierCache, "ok").Inc()
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	pending := make([]string, len(missing))
	for j, i := range missing {
		pending[j] = normalized[i]
	}

	vectors, modelName, tokens, err := g.embedTiers(ctx, workspaceID, pending)
	if err != nil {
		return nil, err
	}
	for j, i := range missing {
		out[i] = Embedding{Vector: vectors[j], Model: modelName, TokenCount: splitTokens(tokens, len(missing), j)}
		g.cache.put(modelName, pending[j], vectors[j])
	}
	return out, nil
}

func (g *Gateway) cached(text string) ([]float32, string, bool) {
	for _, m := range []string{g.localEmbedModel, g.remoteEmbedModel} {
		if vec, ok := g.cache.get(m, text); ok {
			return vec, m, true
		}
	}
	return nil, "", false
}

func (g *Gateway) embedTiers(ctx context.Context, workspaceID string, texts []string) ([][]float32, string, int, error) {
	vectors, tokens, err := g.local.embed(ctx, g.localEmbedModel, texts)
	if err == nil {
		metrics.ProviderCalls.WithLabelValues(CapabilityEmbed, tierLocal, "ok").Inc()
		g.record(ctx, workspaceID, CapabilityEmbed, tierLocal, g.localEmbedModel, tokens, 0)
		return vectors, g.localEmbedModel, tokens, nil
	}
	if !errors.Is(err, ErrUnavailable) && !errors.Is(err, errDimension) {
		metrics.ProviderCalls.WithLabelValues(CapabilityEmbed, tierLocal, "error").Inc()
		return nil, "", 0, err
	}
	metrics.ProviderFallbacks.WithLabelValues(CapabilityEmbed).Inc()
	g.log.Debug().Err(err).Msg("local embedding unusable, using remote")

	if err := g.checkBudget(ctx, workspaceID); err != nil {
		return nil, "", 0, err
	}
	vectors, tokens, err = g.remoteEmbed.embed(ctx, g.remoteEmbedModel, texts)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(CapabilityEmbed, tierRemote, "error").Inc()
		return nil, "", 0, err
	}
	metrics.ProviderCalls.WithLabelValues(CapabilityEmbed, tierRemote, "ok").Inc()
	g.record(ctx, workspaceID, CapabilityEmbed, tierRemote, g.remoteEmbedModel, tokens, 0)
	return vectors, g.remoteEmbedModel, tokens, nil
}

// Classify asks the local model. When the local tier is unavailable the
// remote model answers and its verdict is authoritative (Confident).
// Malformed local output is reported as not confident so the caller escalates.
func (g *Gateway) Classify(ctx context.Context, workspaceID, text string) (Verdict, error) {
	content, usage, err := g.local.completeJSON(ctx, g.localModel, classifySystem, text)
	if err == nil {
		metrics.ProviderCalls.WithLabelValues(CapabilityClassify, tierLocal, "ok").Inc()
		g.record(ctx, workspaceID, CapabilityClassify, tierLocal, g.localModel, usage.PromptTokens, usage.CompletionTokens)

		answer, perr := parseClassifyAnswer(content)
		if perr != nil {
			g.log.Warn().Err(perr).Str("workspace", workspaceID).Msg("local classifier returned malformed output")
			return Verdict{}, nil
		}
		return Verdict{
			IsKnowledge: *answer.IsKnowledge,
			Confident:   *answer.Confidence >= localConfidentAt,
			Confidence:  *answer.Confidence,
		}, nil
	}
	if errors.Is(err, errMalformed) {
		g.log.Warn().Err(err).Str("workspace", workspaceID).Msg("local classifier returned malformed output")
		return Verdict{}, nil
	}
	if !errors.Is(err, ErrUnavailable) {
		metrics.ProviderCalls.WithLabelValues(CapabilityClassify, tierLocal, "error").Inc()
		return Verdict{}, fmt.Errorf("classify: %w", err)
	}

	metrics.ProviderFallbacks.WithLabelValues(CapabilityClassify).Inc()
	g.log.Debug().Err(err).Msg("local classifier unavailable, using remote")
	esc, err := g.remoteClassify(ctx, workspaceID, CapabilityClassify, classifySystem, text)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{IsKnowledge: esc.IsKnowledge, Confident: true, Confidence: esc.Confidence}, nil
}

// ClassifyEscalate asks the remote model, with optional surrounding context.
func (g *Gateway) ClassifyEscalate(ctx context.Context, workspaceID, text, surrounding string) (Escalation, error) {
	return g.remoteClassify(ctx, workspaceID, CapabilityEscalate, escalateSystem, escalatePrompt(text, surrounding))
}

func (g *Gateway) remoteClassify(ctx context.Context, workspaceID, capability, system, prompt string) (Escalation, error) {
	res, err := g.complete(ctx, workspaceID, capability, g.escalate, g.escalationName, model.Request{
		System:   system,
		Messages: []model.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Escalation{}, err
	}

	answer, perr := parseClassifyAnswer(res.Content)
	if perr != nil {
		g.log.Warn().Err(perr).Str("workspace", workspaceID).Str("capability", capability).Msg("remote classifier returned malformed output")
		return Escalation{}, nil
	}
	return Escalation{
		IsKnowledge:    *answer.IsKnowledge,
		Confidence:     *answer.Confidence,
		SuggestedTitle: strings.TrimSpace(answer.SuggestedTitle),
	}, nil
}

// Chat runs one completion on the remote chat model, tools included.
func (g *Gateway) Chat(ctx context.Context, workspaceID string, req ChatRequest) (*ChatResult, error) {
	capability := req.Capability
	if capability == "" {
		capability = CapabilityChat
	}
	return g.complete(ctx, workspaceID, capability, g.chatModel, g.chatName, model.Request{
		System:    req.System,
		Messages:  req.Messages,
		Tools:     req.Tools,
		MaxTokens: req.MaxTokens,
	})
}

func (g *Gateway) complete(ctx context.Context, workspaceID, capability string, m model.Model, name string, req model.Request) (*ChatResult, error) {
	if m == nil {
		return nil, fmt.Errorf("%s: %w", capability, unavailable("remote model not configured"))
	}
	if err := g.checkBudget(ctx, workspaceID); err != nil {
		return nil, err
	}

	resp, err := m.Complete(ctx, req)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues(capability, tierRemote, "error").Inc()
		return nil, fmt.Errorf("%s: %w", capability, err)
	}
	metrics.ProviderCalls.WithLabelValues(capability, tierRemote, "ok").Inc()

	cost := g.record(ctx, workspaceID, capability, tierRemote, name, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	return &ChatResult{
		Content:   strings.TrimSpace(resp.Message.Content),
		Message:   resp.Message,
		ToolCalls: resp.Message.ToolCalls,
		Model:     name,
		Usage:     resp.Usage,
		CostCents: cost,
	}, nil
}

func (g *Gateway) checkBudget(ctx context.Context, workspaceID string) error {
	limit, ok, err := g.ledger.MonthlyLimitCents(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("load budget: %w", err)
	}
	if !ok {
		return nil
	}
	spent, err := g.ledger.MonthlySpendCents(ctx, workspaceID, g.now())
	if err != nil {
		return fmt.Errorf("load spend: %w", err)
	}
	if spent >= limit {
		g.log.Warn().Str("workspace", workspaceID).Float64("spent_cents", spent).Float64("limit_cents", limit).Msg("budget exceeded")
		return ErrBudgetExceeded
	}
	return nil
}

// record writes one ledger row. Local calls cost nothing. A ledger failure
// is logged and does not fail the call that already happened.
func (g *Gateway) record(ctx context.Context, workspaceID, capability, tier, modelName string, in, out int) float64 {
	cost := 0.0
	if tier == tierRemote {
		cost = g.prices.Cost(modelName, in, out)
		metrics.ProviderCostCents.WithLabelValues(modelName).Add(cost)
	}
	err := g.ledger.RecordUsage(context.WithoutCancel(ctx), chat.UsageRecord{
		WorkspaceID:  workspaceID,
		Model:        modelName,
		Capability:   capability,
		InputTokens:  in,
		OutputTokens: out,
		CostCents:    cost,
		CreatedAt:    g.now(),
	})
	if err != nil {
		g.log.Error().Err(err).Str("workspace", workspaceID).Msg("record usage")
	}
	return cost
}

// splitTokens spreads a batch token count over its items; the first items
// take the remainder.
func splitTokens(total, n, i int) int {
	if n <= 0 || total <= 0 {
		return 0
	}
	share := total / n
	if i < total%n {
		share++
	}
	return share
}
