// Package analyzer provides the Analyzer implementations used by the consumption pipeline.
package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"example.com/recommendation/internal/domain"
	"example.com/recommendation/internal/logging"
)

const maxResponseBytes = 1 << 20

// GenerativeConfig configures the generative model client.
type GenerativeConfig struct {
	// BaseURL is the models endpoint, e.g. https://generativelanguage.googleapis.com/v1beta/models.
	BaseURL string
	APIKey  string
	Model   string
	// RateLimit caps outgoing requests per second. Zero disables limiting.
	RateLimit float64
	// BreakerFailures is the number of consecutive transient failures that open the circuit.
	BreakerFailures uint32
	// BreakerCooldown is how long the circuit stays open before probing again.
	BreakerCooldown time.Duration
}

// GenerativeOption configures optional behaviour for the GenerativeAnalyzer.
type GenerativeOption func(*GenerativeAnalyzer)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) GenerativeOption {
	return func(a *GenerativeAnalyzer) {
		a.client = client
	}
}

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) GenerativeOption {
	return func(a *GenerativeAnalyzer) {
		a.logger = logger
	}
}

// GenerativeAnalyzer asks a hosted generative model to review an activity.
type GenerativeAnalyzer struct {
	cfg     GenerativeConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[domain.Recommendation]
	logger  zerolog.Logger
}

// NewGenerativeAnalyzer constructs a GenerativeAnalyzer.
func NewGenerativeAnalyzer(cfg GenerativeConfig, opts ...GenerativeOption) (*GenerativeAnalyzer, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("analyzer: base url is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("analyzer: model is required")
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	a := &GenerativeAnalyzer{
		cfg:    cfg,
		client: &http.Client{},
		logger: logging.Component("analyzer"),
	}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	name := "generative-analyzer"
	setBreakerState(name, gobreaker.StateClosed)
	a.breaker = gobreaker.NewCircuitBreaker[domain.Recommendation](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// A rejected payload says nothing about the health of the model endpoint.
		IsSuccessful: func(err error) bool {
			return err == nil || domain.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			setBreakerState(name, to)
		},
	})
	return a, nil
}

// Analyze implements domain.Analyzer.
func (a *GenerativeAnalyzer) Analyze(ctx context.Context, activity domain.Activity) (domain.Recommendation, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return domain.Recommendation{}, domain.NewTransientAnalysisError(fmt.Errorf("rate limit: %w", err))
		}
	}

	start := time.Now()
	rec, err := a.breaker.Execute(func() (domain.Recommendation, error) {
		return a.generate(ctx, activity)
	})
	recordAnalyzerCall(outcomeLabel(err), time.Since(start))
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.Recommendation{}, domain.NewTransientAnalysisError(fmt.Errorf("model endpoint unavailable: %w", err))
		}
		return domain.Recommendation{}, err
	}
	return rec, nil
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type analysisDocument struct {
	Analysis struct {
		Overall   string `json:"overall"`
		Pace      string `json:"pace"`
		HeartRate string `json:"heartRate"`
		Calories  string `json:"caloriesBurned"`
	} `json:"analysis"`
	Improvements []struct {
		Area           string `json:"area"`
		Recommendation string `json:"recommendation"`
	} `json:"improvements"`
	Suggestions []struct {
		Workout     string `json:"workout"`
		Description string `json:"description"`
	} `json:"suggestions"`
	Safety []string `json:"safety"`
}

func (a *GenerativeAnalyzer) generate(ctx context.Context, activity domain.Activity) (domain.Recommendation, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: BuildPrompt(activity)}}}},
	})
	if err != nil {
		return domain.Recommendation{}, domain.NewPermanentAnalysisError(fmt.Errorf("encode request: %w", err))
	}

	endpoint := fmt.Sprintf("%s/%s:generateContent", strings.TrimRight(a.cfg.BaseURL, "/"), url.PathEscape(a.cfg.Model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Recommendation{}, domain.NewPermanentAnalysisError(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("x-goog-api-key", a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return domain.Recommendation{}, domain.NewTransientAnalysisError(fmt.Errorf("call model: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.Recommendation{}, domain.NewTransientAnalysisError(fmt.Errorf("read response: %w", err))
	}
	if err := classifyStatus(resp.StatusCode, raw); err != nil {
		return domain.Recommendation{}, err
	}

	var envelope generateResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return domain.Recommendation{}, domain.NewPermanentAnalysisError(fmt.Errorf("decode response: %w", err))
	}
	if len(envelope.Candidates) == 0 || len(envelope.Candidates[0].Content.Parts) == 0 {
		return domain.Recommendation{}, domain.NewPermanentAnalysisError(errors.New("model returned no candidates"))
	}

	rec, err := ParseAnswer(envelope.Candidates[0].Content.Parts[0].Text)
	if err != nil {
		return domain.Recommendation{}, err
	}
	a.logger.Debug().Str("activity_id", activity.ID).Msg("model analysis received")
	return rec, nil
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return domain.NewTransientAnalysisError(fmt.Errorf("model status %d: %s", status, snippet(body)))
	default:
		return domain.NewPermanentAnalysisError(fmt.Errorf("model status %d: %s", status, snippet(body)))
	}
}

// ParseAnswer converts the model's text answer into a recommendation body.
// Answers may be wrapped in markdown code fences.
func ParseAnswer(text string) (domain.Recommendation, error) {
	cleaned := stripFences(text)
	if cleaned == "" {
		return domain.Recommendation{}, domain.NewPermanentAnalysisError(errors.New("empty model answer"))
	}

	var doc analysisDocument
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return domain.Recommendation{}, domain.NewPermanentAnalysisError(fmt.Errorf("parse model answer: %w", err))
	}

	rec := domain.Recommendation{
		Analysis:     joinSections(doc),
		Improvements: make([]string, 0, len(doc.Improvements)),
		Suggestions:  make([]string, 0, len(doc.Suggestions)),
		Safety:       make([]string, 0, len(doc.Safety)),
	}
	for _, imp := range doc.Improvements {
		rec.Improvements = appendLabelled(rec.Improvements, imp.Area, imp.Recommendation)
	}
	for _, s := range doc.Suggestions {
		rec.Suggestions = appendLabelled(rec.Suggestions, s.Workout, s.Description)
	}
	for _, s := range doc.Safety {
		if s = strings.TrimSpace(s); s != "" {
			rec.Safety = append(rec.Safety, s)
		}
	}

	if rec.Analysis == "" && len(rec.Improvements) == 0 && len(rec.Suggestions) == 0 {
		return domain.Recommendation{}, domain.NewPermanentAnalysisError(errors.New("model answer has no content"))
	}
	if len(rec.Improvements) == 0 {
		rec.Improvements = append(rec.Improvements, "No specific improvements provided")
	}
	if len(rec.Suggestions) == 0 {
		rec.Suggestions = append(rec.Suggestions, "No specific suggestions provided")
	}
	if len(rec.Safety) == 0 {
		rec.Safety = append(rec.Safety, "Always warm up before exercise", "Stay hydrated", "Listen to your body")
	}
	return rec, nil
}

func joinSections(doc analysisDocument) string {
	sections := []struct{ label, text string }{
		{"Overall", doc.Analysis.Overall},
		{"Pace", doc.Analysis.Pace},
		{"Heart Rate", doc.Analysis.HeartRate},
		{"Calories", doc.Analysis.Calories},
	}
	var b strings.Builder
	for _, s := range sections {
		text := strings.TrimSpace(s.text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(s.label)
		b.WriteString(": ")
		b.WriteString(text)
	}
	return b.String()
}

func appendLabelled(dst []string, label, text string) []string {
	label, text = strings.TrimSpace(label), strings.TrimSpace(text)
	switch {
	case label != "" && text != "":
		return append(dst, label+": "+text)
	case text != "":
		return append(dst, text)
	case label != "":
		return append(dst, label)
	default:
		return dst
	}
}

func stripFences(text string) string {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	return strings.TrimSpace(cleaned)
}

func snippet(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "rejected"
	case domain.IsPermanent(err):
		return "permanent"
	default:
		return "transient"
	}
}
