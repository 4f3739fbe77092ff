package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

type scriptedCreator struct {
	errs  []error
	calls int
}

func (s *scriptedCreator) New(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) (*responses.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return &responses.Response{ID: "resp_ok"}, nil
}

func apiError(status int) *openai.Error {
	return &openai.Error{
		StatusCode: status,
		Request:    httptest.NewRequest(http.MethodPost, "https://api.openai.com/v1/responses", nil),
		Response:   &http.Response{StatusCode: status},
	}
}

var fastPolicy = RetryPolicy{Attempts: 3, Delay: time.Millisecond, MaxJitter: time.Millisecond}

func TestCallWithRetry_RetriesTransientErrors(t *testing.T) {
	api := &scriptedCreator{errs: []error{apiError(http.StatusTooManyRequests), errors.New("connection reset")}}

	resp, err := CallWithRetry(context.Background(), api, responses.ResponseNewParams{Model: "gpt-test"}, fastPolicy)
	if err != nil {
		t.Fatalf("CallWithRetry: %v", err)
	}
	if resp.ID != "resp_ok" {
		t.Fatalf("resp.ID=%q", resp.ID)
	}
	if api.calls != 3 {
		t.Fatalf("calls=%d want 3", api.calls)
	}
}

func TestCallWithRetry_StopsOnPermanentError(t *testing.T) {
	api := &scriptedCreator{errs: []error{apiError(http.StatusBadRequest)}}

	if _, err := CallWithRetry(context.Background(), api, responses.ResponseNewParams{Model: "gpt-test"}, fastPolicy); err == nil {
		t.Fatalf("expected error")
	}
	if api.calls != 1 {
		t.Fatalf("calls=%d want 1", api.calls)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"rate limit", apiError(http.StatusTooManyRequests), true},
		{"server", apiError(http.StatusBadGateway), true},
		{"bad request", apiError(http.StatusBadRequest), false},
		{"unauthorized", apiError(http.StatusUnauthorized), false},
		{"network", errors.New("dial tcp: i/o timeout"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Fatalf("IsRetryable=%v want %v", got, tt.want)
			}
		})
	}
}

type identifierAnswer struct {
	Found       bool   `json:"found" jsonschema:"required"`
	Participant int    `json:"participant" jsonschema:"required"`
	Note        string `json:"note,omitempty"`
}

func TestGenerateSchema_StrictObject(t *testing.T) {
	s := GenerateSchema[identifierAnswer]()
	if s["additionalProperties"] != false {
		t.Fatalf("additionalProperties=%v", s["additionalProperties"])
	}
	req, ok := s["required"].([]string)
	if !ok {
		t.Fatalf("required=%T", s["required"])
	}
	want := []string{"found", "note", "participant"}
	if len(req) != len(want) {
		t.Fatalf("required=%v want %v", req, want)
	}
	for i := range want {
		if req[i] != want[i] {
			t.Fatalf("required=%v want %v", req, want)
		}
	}
}
