package council

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"escrowflow/ledger"
)

// HTTPJudgeConfig describes one model endpoint.
type HTTPJudgeConfig struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	// APIKeyHeader defaults to "Authorization" with a Bearer prefix.
	APIKeyHeader string `yaml:"api_key_header"`
	RatePerMin   int    `yaml:"rate_per_min"`
}

// HTTPJudge asks a remote multimodal model for a verdict over JSON.
type HTTPJudge struct {
	cfg     HTTPJudgeConfig
	client  *http.Client
	limiter *rate.Limiter
}

// textPaths lists where common model APIs put free-form output text.
var textPaths = []string{
	"output_text",
	"output.0.content.0.text",
	"choices.0.message.content",
	"content.0.text",
	"candidates.0.content.parts.0.text",
}

// NewHTTPJudge builds a judge. A nil client uses http.DefaultClient.
func NewHTTPJudge(cfg HTTPJudgeConfig, client *http.Client) *HTTPJudge {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 30
	}
	limit := rate.Every(time.Minute / time.Duration(cfg.RatePerMin))
	return &HTTPJudge{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (j *HTTPJudge) Name() string { return j.cfg.Name }

type judgeRequest struct {
	Model      string   `json:"model,omitempty"`
	Input      string   `json:"input"`
	Images     []string `json:"images"`
	Precedents []string `json:"precedents,omitempty"`
}

// Judge implements Judge.
func (j *HTTPJudge) Judge(ctx context.Context, contractText string, evidenceURLs []string, precedents []string) (Verdict, error) {
	if strings.TrimSpace(j.cfg.APIKey) == "" {
		return Verdict{}, ErrMissingCredentials
	}
	if err := j.limiter.Wait(ctx); err != nil {
		return Verdict{}, fmt.Errorf("council: %s: rate limit: %w", j.cfg.Name, err)
	}

	body, err := json.Marshal(judgeRequest{
		Model:      j.cfg.Model,
		Input:      contractText,
		Images:     evidenceURLs,
		Precedents: precedents,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("council: %s: encode request: %w", j.cfg.Name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("council: %s: build request: %w", j.cfg.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if header := strings.TrimSpace(j.cfg.APIKeyHeader); header != "" && !strings.EqualFold(header, "Authorization") {
		req.Header.Set(header, j.cfg.APIKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+j.cfg.APIKey)
	}

	resp, err := j.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("council: %s: call: %w", j.cfg.Name, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, fmt.Errorf("council: %s: read response: %w", j.cfg.Name, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Verdict{}, fmt.Errorf("council: %s: status %d: %w", j.cfg.Name, resp.StatusCode, ErrMissingCredentials)
	}
	if resp.StatusCode >= 300 {
		return Verdict{}, fmt.Errorf("council: %s: unexpected status %d", j.cfg.Name, resp.StatusCode)
	}
	return ParseVerdict(raw)
}

// ErrNoVerdict is returned when a response holds no recognizable verdict.
var ErrNoVerdict = errors.New("council: response contains no verdict")

// ParseVerdict extracts a verdict from a model response. The verdict may be
// the top-level object or JSON embedded in the model's text output.
func ParseVerdict(raw []byte) (Verdict, error) {
	if !gjson.ValidBytes(raw) {
		return Verdict{}, fmt.Errorf("%w: invalid json", ErrNoVerdict)
	}
	doc := gjson.ParseBytes(raw)
	if doc.Get("decision").Exists() {
		return verdictFrom(doc), nil
	}
	for _, path := range textPaths {
		text := doc.Get(path)
		if !text.Exists() || text.Type != gjson.String {
			continue
		}
		if embedded, ok := extractObject(text.String()); ok {
			inner := gjson.Parse(embedded)
			if inner.Get("decision").Exists() {
				return verdictFrom(inner), nil
			}
		}
	}
	return Verdict{}, ErrNoVerdict
}

func verdictFrom(doc gjson.Result) Verdict {
	v := Verdict{
		Decision:   ledger.Decision(strings.TrimSpace(doc.Get("decision").String())),
		Confidence: int(doc.Get("confidence").Int()),
		Reasoning:  doc.Get("reasoning").String(),
	}
	for _, fact := range doc.Get("observed_facts").Array() {
		if s := strings.TrimSpace(fact.String()); s != "" {
			v.ObservedFacts = append(v.ObservedFacts, s)
		}
	}
	if split := doc.Get("suggested_split"); split.IsObject() {
		v.SuggestedSplit = &ledger.Split{
			Provider: int(split.Get("provider").Int()),
			Client:   int(split.Get("client").Int()),
		}
	}
	return v
}

// extractObject returns the outermost {...} span of text, tolerating code
// fences around it.
func extractObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	candidate := text[start : end+1]
	if !gjson.Valid(candidate) {
		return "", false
	}
	return candidate, true
}
