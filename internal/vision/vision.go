// Package vision asks a vision model to read a chart screenshot and return
// a structured judgement. Responses are validated against a strict schema;
// a response that fails validation gets exactly one relaxed retry, and a
// second failure yields no analysis rather than an error.
package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"dextrend/internal/config"
	"dextrend/internal/ratelimit"
)

// Analysis is the validated model judgement for one chart.
type Analysis struct {
	TP1Probability        float64   `json:"tp1_probability"`
	SLBeforeTPProbability float64   `json:"sl_before_tp_probability"`
	TrendState            string    `json:"trend_state"`
	MomentumBias          string    `json:"momentum_bias"`
	QualityScoreDelta     float64   `json:"quality_score_delta"`
	Patterns              []Pattern `json:"patterns,omitempty"`
}

type Pattern struct {
	Name       string  `json:"name"`
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
}

var (
	validTrendStates = map[string]bool{"uptrend": true, "downtrend": true, "range": true, "transition": true}
	validDirections  = map[string]bool{"bullish": true, "bearish": true, "neutral": true}
)

// Validate enforces the schema ranges and enums.
func (a *Analysis) Validate() error {
	if a.TP1Probability < 0 || a.TP1Probability > 1 {
		return fmt.Errorf("tp1_probability %v out of [0,1]", a.TP1Probability)
	}
	if a.SLBeforeTPProbability < 0 || a.SLBeforeTPProbability > 1 {
		return fmt.Errorf("sl_before_tp_probability %v out of [0,1]", a.SLBeforeTPProbability)
	}
	if !validTrendStates[a.TrendState] {
		return fmt.Errorf("trend_state %q invalid", a.TrendState)
	}
	if !validDirections[a.MomentumBias] {
		return fmt.Errorf("momentum_bias %q invalid", a.MomentumBias)
	}
	if a.QualityScoreDelta < -20 || a.QualityScoreDelta > 20 {
		return fmt.Errorf("quality_score_delta %v out of [-20,20]", a.QualityScoreDelta)
	}
	if len(a.Patterns) > 3 {
		return fmt.Errorf("%d patterns, max 3", len(a.Patterns))
	}
	for _, p := range a.Patterns {
		if p.Name == "" || !validDirections[p.Direction] {
			return fmt.Errorf("pattern %q/%q invalid", p.Name, p.Direction)
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			return fmt.Errorf("pattern confidence %v out of [0,1]", p.Confidence)
		}
	}
	return nil
}

// Request identifies one chart analysis; the identity fields key the cache.
type Request struct {
	Symbol   string
	Chain    string
	Pair     string
	Tf       string
	Lookback int
	PNG      []byte
}

func (r Request) cacheKey() string {
	id := r.Symbol
	if id == "" {
		id = r.Chain
	}
	return fmt.Sprintf("%s|%s|%s|%d", id, r.Pair, r.Tf, r.Lookback)
}

type cacheEntry struct {
	analysis *Analysis
	expires  time.Time
}

// Client talks to an OpenAI-compatible vision endpoint.
type Client struct {
	cfg     config.VisionConfig
	http    *resty.Client
	limiter *ratelimit.TokenBucket
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

func New(cfg config.VisionConfig, logger *slog.Logger) *Client {
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Authorization", "Bearer "+cfg.APIKey).
		SetRetryCount(1).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err == nil && r.StatusCode() >= 500
		})
	return &Client{
		cfg:     cfg,
		http:    http,
		limiter: ratelimit.PerMinute(cfg.RequestsPerMin),
		logger:  logger.With("component", "vision"),
		cache:   make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Analyze returns the chart judgement, or (nil, nil) when the model output
// cannot be validated even after the relaxed retry. Rate-cap exhaustion also
// yields absent rather than an error so the pipeline proceeds unassisted.
func (c *Client) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	if !c.cfg.Enabled {
		return nil, nil
	}
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("vision: api key not configured")
	}

	key := req.cacheKey()
	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && c.now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.analysis, nil
	}
	c.mu.Unlock()

	if !c.limiter.TryTake() {
		c.logger.Debug("rate cap reached, skipping analysis", "pair", req.Pair)
		return nil, nil
	}

	analysis, err := c.ask(ctx, req, true)
	if err != nil {
		return nil, err
	}
	if analysis == nil {
		c.logger.Warn("strict response invalid, retrying relaxed", "pair", req.Pair)
		if analysis, err = c.ask(ctx, req, false); err != nil {
			return nil, err
		}
	}
	if analysis == nil {
		c.logger.Warn("vision response unusable after retry", "pair", req.Pair)
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{analysis: analysis, expires: c.now().Add(c.cfg.CacheTTL)}
	c.mu.Unlock()
	return analysis, nil
}

// ask performs one round trip. A nil, nil return means the response failed
// schema validation (retryable); transport errors are returned as errors.
func (c *Client) ask(ctx context.Context, req Request, strict bool) (*Analysis, error) {
	payload := c.buildPayload(req, strict)

	var response chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&response).
		Post("/v1/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("vision request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("vision request: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(response.Choices) == 0 {
		return nil, nil
	}

	content := stripFence(response.Choices[0].Message.Content)
	var analysis Analysis
	if err := json.Unmarshal([]byte(content), &analysis); err != nil {
		return nil, nil
	}
	if err := analysis.Validate(); err != nil {
		c.logger.Debug("schema validation failed", "err", err)
		return nil, nil
	}
	return &analysis, nil
}

const prompt = `You are reading a DEX token price chart screenshot. Judge the odds the price rises to the marked first take-profit level before falling to the stop level. Respond with a single JSON object with fields: tp1_probability (0..1), sl_before_tp_probability (0..1), trend_state (uptrend|downtrend|range|transition), momentum_bias (bullish|bearish|neutral), quality_score_delta (-20..20), patterns (array of at most 3 of {name, direction: bullish|bearish|neutral, confidence: 0..1}). No prose.`

func (c *Client) buildPayload(req Request, strict bool) map[string]any {
	payload := map[string]any{
		"model": c.cfg.Model,
		"messages": []map[string]any{{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": prompt},
				{"type": "image_url", "image_url": map[string]string{
					"url": "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.PNG),
				}},
			},
		}},
	}
	if strict {
		payload["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "chart_analysis",
				"strict": true,
				"schema": analysisSchema,
			},
		}
	} else {
		payload["response_format"] = map[string]any{"type": "json_object"}
	}
	return payload
}

var analysisSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required": []string{
		"tp1_probability", "sl_before_tp_probability",
		"trend_state", "momentum_bias", "quality_score_delta",
	},
	"properties": map[string]any{
		"tp1_probability":          map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"sl_before_tp_probability": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"trend_state":              map[string]any{"type": "string", "enum": []string{"uptrend", "downtrend", "range", "transition"}},
		"momentum_bias":            map[string]any{"type": "string", "enum": []string{"bullish", "bearish", "neutral"}},
		"quality_score_delta":      map[string]any{"type": "number", "minimum": -20, "maximum": 20},
		"patterns": map[string]any{
			"type":     "array",
			"maxItems": 3,
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"name", "direction", "confidence"},
				"properties": map[string]any{
					"name":       map[string]any{"type": "string"},
					"direction":  map[string]any{"type": "string", "enum": []string{"bullish", "bearish", "neutral"}},
					"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				},
			},
		},
	},
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// stripFence removes a markdown code fence if the model wrapped its JSON.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
