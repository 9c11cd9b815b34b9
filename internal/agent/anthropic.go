package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/guidesmith/internal/config"
	"github.com/fyrsmithlabs/guidesmith/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/guidesmith/internal/agent"

// errAPIKeyRequired is returned when no API key is configured.
var errAPIKeyRequired = errors.New("API key required")

// AnthropicConfig configures the Anthropic agent.
type AnthropicConfig struct {
	APIKey            string
	Model             string
	BaseURL           string
	MaxTokens         int64
	RequestsPerMinute int
	Timeout           time.Duration
	MaxRetries        int
	InitialBackoff    time.Duration
}

// AnthropicConfigFromSettings converts the user-facing agent settings.
func AnthropicConfigFromSettings(s config.AgentConfig) AnthropicConfig {
	return AnthropicConfig{
		APIKey:            s.APIKey.Value(),
		Model:             s.Model,
		BaseURL:           s.BaseURL,
		MaxTokens:         int64(s.MaxTokens),
		RequestsPerMinute: s.RequestsPerMinute,
		Timeout:           s.Timeout.Duration(),
		MaxRetries:        s.MaxRetries,
		InitialBackoff:    time.Second,
	}
}

// Anthropic implements Agent on the Anthropic Messages API.
type Anthropic struct {
	client  anthropic.Client
	model   anthropic.Model
	cfg     AnthropicConfig
	limiter *rate.Limiter
	logger  *logging.Logger

	tracer       trace.Tracer
	duration     metric.Float64Histogram
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
}

// AnthropicOption configures an Anthropic agent.
type AnthropicOption func(*Anthropic, *[]option.RequestOption)

// WithRequestOptions appends SDK request options, e.g. option.WithBaseURL
// in tests.
func WithRequestOptions(opts ...option.RequestOption) AnthropicOption {
	return func(_ *Anthropic, ro *[]option.RequestOption) { *ro = append(*ro, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) AnthropicOption {
	return func(a *Anthropic, _ *[]option.RequestOption) { a.logger = l }
}

// WithTelemetry sets the tracer and meter.
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) AnthropicOption {
	return func(a *Anthropic, _ *[]option.RequestOption) {
		a.tracer = tracer
		a.initMetrics(meter)
	}
}

// NewAnthropic creates an Anthropic agent.
func NewAnthropic(cfg AnthropicConfig, opts ...AnthropicOption) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or agent.api_key", errAPIKeyRequired)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60)
	}

	a := &Anthropic{
		model:   anthropic.Model(cfg.Model),
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logging.NewNop(),
		tracer:  otel.Tracer(instrumentationName),
	}
	a.initMetrics(otel.Meter(instrumentationName))

	// Retries are handled here so they are visible in spans and logs.
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.Timeout))
	}
	for _, opt := range opts {
		opt(a, &reqOpts)
	}
	a.client = anthropic.NewClient(reqOpts...)
	return a, nil
}

func (a *Anthropic) initMetrics(meter metric.Meter) {
	var err error
	a.duration, err = meter.Float64Histogram("guidesmith.agent.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil && a.logger != nil {
		a.logger.Warn(context.Background(), "failed to create agent duration histogram", zap.Error(err))
	}
	a.inputTokens, _ = meter.Int64Counter("guidesmith.agent.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	a.outputTokens, _ = meter.Int64Counter("guidesmith.agent.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"),
	)
}

// AnalyzeFailures asks the model for a diagnosis of the failing evals.
func (a *Anthropic) AnalyzeFailures(ctx context.Context, req AnalysisRequest) (Diagnosis, error) {
	prompt, err := renderAnalysis(req)
	if err != nil {
		return Diagnosis{}, fmt.Errorf("render analysis prompt: %w", err)
	}
	text, err := a.call(ctx, "agent.analyze", analyzerSystem, prompt)
	if err != nil {
		return Diagnosis{}, err
	}
	d, err := ParseDiagnosis(text)
	if err != nil {
		a.logger.Debug(ctx, "unparseable analysis", zap.String("response", text))
		return Diagnosis{}, err
	}
	return d, nil
}

// IncorporateFixes asks the model for the revised document.
func (a *Anthropic) IncorporateFixes(ctx context.Context, req IncorporationRequest) (string, error) {
	prompt, err := renderIncorporation(req)
	if err != nil {
		return "", fmt.Errorf("render incorporation prompt: %w", err)
	}
	text, err := a.call(ctx, "agent.incorporate", incorporatorSystem, prompt)
	if err != nil {
		return "", err
	}
	return UnwrapDocument(text), nil
}

// Simplify asks the model for one shorter variant of the document.
func (a *Anthropic) Simplify(ctx context.Context, req SimplificationRequest) (string, error) {
	prompt, err := renderSimplification(req)
	if err != nil {
		return "", fmt.Errorf("render simplification prompt: %w", err)
	}
	text, err := a.call(ctx, "agent.simplify", simplifierSystem, prompt)
	if err != nil {
		return "", err
	}
	return UnwrapDocument(text), nil
}

func (a *Anthropic) call(ctx context.Context, spanName, system, prompt string) (string, error) {
	ctx, span := a.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("model", string(a.model)),
	))
	defer span.End()

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.cfg.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	a.logger.Trace(ctx, "agent prompt", zap.String("span", spanName), zap.String("prompt", prompt))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.InitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(a.cfg.MaxRetries, 0))), ctx)

	attempts := 0
	text, err := backoff.RetryWithData(func() (string, error) {
		attempts++
		if err := a.limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(err)
		}

		start := time.Now()
		msg, err := a.client.Messages.New(ctx, params)
		ms := float64(time.Since(start).Milliseconds())
		modelAttr := metric.WithAttributes(attribute.String("model", string(a.model)), attribute.String("op", spanName))
		if a.duration != nil {
			a.duration.Record(ctx, ms, modelAttr)
		}
		if err != nil {
			if ctx.Err() != nil || !isRetryable(err) {
				return "", backoff.Permanent(err)
			}
			a.logger.Warn(ctx, "agent request failed, retrying", zap.Int("attempt", attempts), zap.Error(err))
			return "", err
		}

		if a.inputTokens != nil {
			a.inputTokens.Add(ctx, msg.Usage.InputTokens, modelAttr)
			a.outputTokens.Add(ctx, msg.Usage.OutputTokens, modelAttr)
		}
		span.SetAttributes(
			attribute.Int64("input_tokens", msg.Usage.InputTokens),
			attribute.Int64("output_tokens", msg.Usage.OutputTokens),
		)

		var sb strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		if sb.Len() == 0 {
			return "", backoff.Permanent(fmt.Errorf("%w: no text content in response", ErrMalformedOutput))
		}
		return sb.String(), nil
	}, policy)

	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%s after %d attempt(s): %w", spanName, attempts, err)
	}
	return text, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
