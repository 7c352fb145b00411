package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/credmux/credmux/pkg/translate"
)

// ErrorKind classifies gateway failures for HTTP mapping and retry
// decisions.
type ErrorKind int

const (
	KindTransientUpstream ErrorKind = iota
	KindPermanentCredential
	KindClientRequest
	KindPoolExhausted
	KindRefreshFailure
	KindUpstreamRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermanentCredential:
		return "permanent_credential"
	case KindClientRequest:
		return "client_request"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindRefreshFailure:
		return "refresh_failure"
	case KindUpstreamRateLimited:
		return "rate_limit_error"
	default:
		return "transient_upstream"
	}
}

type GatewayError struct {
	Kind    ErrorKind
	Message string
	Cause   error

	// RetryAfter carries the upstream reset hint for rate-limit errors.
	RetryAfter time.Time
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Cause }

func gwErr(kind ErrorKind, msg string, cause error) *GatewayError {
	return &GatewayError{Kind: kind, Message: msg, Cause: cause}
}

// httpStatusFor maps the taxonomy onto client-facing status codes. A dead
// credential never leaks its raw 403; the client sees the pool state.
func httpStatusFor(err error) int {
	var ge *GatewayError
	if !errors.As(err, &ge) {
		return http.StatusBadGateway
	}
	switch ge.Kind {
	case KindClientRequest:
		return http.StatusBadRequest
	case KindPoolExhausted:
		return http.StatusServiceUnavailable
	case KindUpstreamRateLimited:
		return http.StatusTooManyRequests
	case KindPermanentCredential, KindRefreshFailure, KindTransientUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

func errorMessage(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Message
	}
	return "upstream request failed"
}

// writeError renders the failure in the client's own wire format.
func writeError(w http.ResponseWriter, format translate.Format, err error) {
	status := httpStatusFor(err)
	w.Header().Set("Content-Type", "application/json")
	var ge *GatewayError
	if errors.As(err, &ge) && !ge.RetryAfter.IsZero() {
		if secs := int64(time.Until(ge.RetryAfter).Seconds()); secs > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
	}
	w.WriteHeader(status)
	_, _ = w.Write(errorBody(format, status, err))
}

func errorBody(format translate.Format, status int, err error) []byte {
	msg := errorMessage(err)
	var ge *GatewayError
	kind := KindTransientUpstream
	if errors.As(err, &ge) {
		kind = ge.Kind
	}
	switch format {
	case translate.FormatClaude:
		body, _ := json.Marshal(map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    claudeErrorType(kind),
				"message": msg,
			},
		})
		return body
	case translate.FormatGemini:
		body, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"code":    status,
				"message": msg,
				"status":  geminiErrorStatus(status),
			},
		})
		return body
	default:
		body, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"message": msg,
				"type":    kind.String(),
			},
		})
		return body
	}
}

func claudeErrorType(kind ErrorKind) string {
	switch kind {
	case KindClientRequest:
		return "invalid_request_error"
	case KindPoolExhausted:
		return "overloaded_error"
	case KindUpstreamRateLimited:
		return "rate_limit_error"
	default:
		return "api_error"
	}
}

func geminiErrorStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	default:
		return "INTERNAL"
	}
}
