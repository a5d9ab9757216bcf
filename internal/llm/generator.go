package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ai-character-runtime/backend/pkg/logger"
	"ai-character-runtime/backend/pkg/resilience"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ErrResponseTimeout means the model did not answer within the turn's time budget.
// The turn may be retried; nothing was committed.
var ErrResponseTimeout = errors.New("response timeout")

// Request is one text-generation call
type Request struct {
	System      string
	Prompt      string
	Model       string
	Temperature float64
	MaxTokens   int
	// ContextTokens bounds the prompt; zero disables trimming
	ContextTokens int
	// Trim is applied to Prompt for this call only. nil uses TruncateTrim.
	Trim TrimStrategy
}

// TextGenerator is the opaque language-model service
type TextGenerator interface {
	GenerateText(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to TextGenerator
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// GenerateText implements TextGenerator
func (f GeneratorFunc) GenerateText(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Service bounds a generator with a timeout and a retry policy
type Service struct {
	generator TextGenerator
	timeout   time.Duration
	policy    resilience.RetryPolicy
	log       *logger.Logger
}

// NewService wraps generator. A zero timeout means 30 seconds.
func NewService(generator TextGenerator, timeout time.Duration, policy resilience.RetryPolicy, log *logger.Logger) *Service {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if policy.Retryable == nil {
		policy.Retryable = IsRetryable
	}
	if log == nil {
		log = logger.GetGlobal()
	}
	return &Service{generator: generator, timeout: timeout, policy: policy, log: log}
}

// GenerateText implements TextGenerator. The whole call, retries included,
// must finish within the timeout or it fails with ErrResponseTimeout.
func (s *Service) GenerateText(ctx context.Context, req Request) (string, error) {
	ctx, span := otel.Tracer("ai-character-runtime/llm").Start(ctx, "llm.GenerateText")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	if req.ContextTokens > 0 {
		trim := req.Trim
		if trim == nil {
			trim = TruncateTrim{}
		}
		req.Prompt = trim.Trim(req.Prompt, req.ContextTokens)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var text string
	err := resilience.Retry(callCtx, s.policy, s.log, func(ctx context.Context) error {
		out, err := s.generator.GenerateText(ctx, req)
		if err != nil {
			return err
		}
		text = out
		return nil
	})

	if err != nil {
		span.RecordError(err)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("model call exceeded %s: %w", s.timeout, ErrResponseTimeout)
		}
		return "", err
	}
	return text, nil
}

// IsRetryable classifies provider errors: throttling and server faults are
// transient, other API errors (bad key, bad request) are not.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return retryableStatus(oaErr.StatusCode)
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		return retryableStatus(anErr.StatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
