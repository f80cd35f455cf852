// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// engineKey is the context key for propagating the synthesis engine name
	// into the HTTP transport.
	engineKey contextKey = "engine"
)

// CacheResult represents the outcome of an utterance cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Endpoint    string
	CacheResult CacheResult
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the utterance cache result for logging and metrics.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetEndpoint sets the endpoint name for logging and metrics.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// EngineFromContext retrieves the synthesis engine name from a context.
func EngineFromContext(ctx context.Context) string {
	if e, ok := ctx.Value(engineKey).(string); ok {
		return e
	}
	return ""
}

// WithEngineContext returns a context with the synthesis engine name stored.
// The instrumented transport reads it to attribute upstream requests.
func WithEngineContext(ctx context.Context, engine string) context.Context {
	return context.WithValue(ctx, engineKey, engine)
}
