package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/rs/zerolog"
)

// ResponseCreator is the part of the OpenAI client the linker calls. *responses.ResponseService satisfies it.
type ResponseCreator interface {
	New(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) (*responses.Response, error)
}

// RetryPolicy bounds retries of transient API failures.
type RetryPolicy struct {
	Attempts  uint
	Delay     time.Duration
	MaxJitter time.Duration
}

// DefaultRetryPolicy retries rate limits and server errors three times.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 5 * time.Second, MaxJitter: 2 * time.Second}
}

// CallWithRetry creates a response, retrying rate limits, server errors and network failures.
func CallWithRetry(ctx context.Context, api ResponseCreator, params responses.ResponseNewParams, policy RetryPolicy) (*responses.Response, error) {
	if api == nil {
		return nil, errors.New("CallWithRetry: api is nil")
	}
	if policy.Attempts == 0 {
		policy = DefaultRetryPolicy()
	}
	log := zerolog.Ctx(ctx)
	resp, err := retry.DoWithData(
		func() (*responses.Response, error) {
			return api.New(ctx, params)
		},
		retry.Context(ctx),
		retry.Attempts(policy.Attempts),
		retry.Delay(policy.Delay),
		retry.MaxJitter(policy.MaxJitter),
		retry.RetryIf(IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Str("model", string(params.Model)).Msg("retrying model call")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("CallWithRetry: %w", err)
	}
	return resp, nil
}

// IsRetryable reports whether err is worth another attempt. API errors other than 408, 409, 429 and 5xx
// are permanent; anything else (network, timeouts) is retried. Context cancellation never is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
			return true
		}
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// GenerateSchema reflects T into a strict structured-output schema.
func GenerateSchema[T any]() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	schemaObj, err := schemaToMap(reflector.Reflect(v))
	if err != nil {
		panic(err)
	}
	ensureStrict(schemaObj)
	return schemaObj
}

func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	b, err := schema.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ensureStrict makes every object closed and every property required, as strict mode demands.
func ensureStrict(schema map[string]any) {
	props, _ := schema["properties"].(map[string]any)
	if t, _ := schema["type"].(string); t == "object" {
		schema["additionalProperties"] = false
		if len(props) > 0 {
			required := make([]string, 0, len(props))
			for name := range props {
				required = append(required, name)
			}
			slices.Sort(required)
			schema["required"] = required
		}
	}
	for _, p := range props {
		if pm, ok := p.(map[string]any); ok {
			ensureStrict(pm)
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		ensureStrict(items)
	}
}
