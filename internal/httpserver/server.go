// Package httpserver implements the HTTP Transport (C10): a thin net/http
// front end that resolves each request against the route table, either
// serves a static JSON/reply route or a fast-path action directly, or hands
// the request to the dispatcher and translates the resulting value into an
// HTTP response.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/titanrun/titan/internal/domain"
	"github.com/titanrun/titan/internal/jsruntime"
	"github.com/titanrun/titan/internal/logging"
	"github.com/titanrun/titan/internal/metrics"
	"github.com/titanrun/titan/internal/observability"
	"github.com/titanrun/titan/internal/route"
)

// Dispatcher is the narrow surface the server needs from the worker
// pool/dispatcher, kept as an interface so handler tests can substitute a
// fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, data domain.RequestData) (*domain.StaticResponse, jsruntime.Result, error)
}

// Server wires the route table and dispatcher into a single http.Handler.
type Server struct {
	routes     *route.Table
	dispatcher Dispatcher
	maxBody    int64
}

// Option configures optional Server behavior.
type Option func(*Server)

// WithMaxBodySize bounds how much of a request body is read before the
// server gives up with a 413, protecting a worker from an unbounded read.
func WithMaxBodySize(n int64) Option {
	return func(s *Server) { s.maxBody = n }
}

// New builds a Server over a pre-built route table and dispatcher.
func New(routes *route.Table, dispatcher Dispatcher, opts ...Option) *Server {
	s := &Server{routes: routes, dispatcher: dispatcher, maxBody: 10 << 20}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := observability.StartServerSpan(r.Context(), "http.request")
	defer span.End()

	rt, params, ok := s.routes.Match(r.Method, r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch rt.Type {
	case domain.RouteJSON:
		writeRaw(w, http.StatusOK, "application/json", rt.StaticValue)
		return
	case domain.RouteReply:
		writeRaw(w, http.StatusOK, "text/plain", rt.StaticValue)
		return
	}

	data, err := buildRequestData(r, rt.ActionName, params, s.maxBody)
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	static, res, err := s.dispatcher.Dispatch(ctx, data)
	elapsed := time.Since(start)
	if err != nil {
		observability.SetSpanError(span, err)
		logging.Op().Error("dispatch failed", "action", rt.ActionName, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if static != nil {
		writeStatic(w, static)
		logRequest(r, rt.ActionName, http.StatusOK, elapsed, nil)
		metrics.Global().RecordRequest(rt.ActionName, elapsed.Milliseconds(), true, true)
		return
	}

	if res.Err != nil {
		observability.SetSpanError(span, res.Err)
		logging.Op().Error("action threw", "action", rt.ActionName, "error", res.Err)
		http.Error(w, res.Err.Error(), http.StatusInternalServerError)
		metrics.Global().RecordRequest(rt.ActionName, elapsed.Milliseconds(), false, false)
		return
	}

	status := writeValue(w, res.Value)
	writeServerTiming(w, res.Timings)
	logRequest(r, rt.ActionName, status, elapsed, res.Timings)
	metrics.Global().RecordRequest(rt.ActionName, elapsed.Milliseconds(), false, status < 500)
}

func buildRequestData(r *http.Request, actionName string, params map[string]string, maxBody int64) (domain.RequestData, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return domain.RequestData{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > maxBody {
		return domain.RequestData{}, fmt.Errorf("request body exceeds limit")
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	return domain.RequestData{
		ActionName: actionName,
		Method:     r.Method,
		Path:       r.URL.Path,
		Body:       body,
		Headers:    headers,
		Params:     params,
		Query:      query,
	}, nil
}

func writeRaw(w http.ResponseWriter, status int, contentType string, body []byte) {
	w.Header().Set("Server", "titan")
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write(body)
}

func writeStatic(w http.ResponseWriter, static *domain.StaticResponse) {
	w.Header().Set("Server", "titan")
	for k, v := range static.Headers {
		w.Header().Set(k, v)
	}
	if static.ContentType != "" {
		w.Header().Set("Content-Type", static.ContentType)
	}
	status := static.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(static.Body)
}

// writeValue translates an action's returned JS value into an HTTP
// response. A value shaped like {_isResponse:true,...} (built by
// t.response.*) drives status/headers/content-type explicitly; anything
// else is serialized as a plain application/json body.
func writeValue(w http.ResponseWriter, value interface{}) int {
	if m, ok := value.(map[string]interface{}); ok {
		if isResp, _ := m["_isResponse"].(bool); isResp {
			return writeStructuredResponse(w, m)
		}
	}
	status := http.StatusOK
	w.Header().Set("Server", "titan")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		logging.Op().Error("encode response failed", "error", err)
	}
	return status
}

func writeStructuredResponse(w http.ResponseWriter, m map[string]interface{}) int {
	w.Header().Set("Server", "titan")
	status := http.StatusOK
	switch v := m["status"].(type) {
	case int64:
		status = int(v)
	case float64:
		status = int(v)
	case int:
		status = v
	}

	if headers, ok := m["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				w.Header().Set(k, s)
			}
		}
	}

	contentType, _ := m["contentType"].(string)
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)

	if redirect, ok := m["redirect"].(string); ok && redirect != "" {
		w.Header().Set("Location", redirect)
		if status < 300 || status > 399 {
			status = http.StatusFound
		}
	}

	w.WriteHeader(status)

	switch body := m["body"].(type) {
	case string:
		w.Write([]byte(body))
	case []byte:
		w.Write(body)
	case nil:
	default:
		json.NewEncoder(w).Encode(body)
	}
	return status
}

func writeServerTiming(w http.ResponseWriter, timings []domain.Timing) {
	if len(timings) == 0 {
		return
	}
	parts := make([]string, 0, len(timings))
	for _, t := range timings {
		parts = append(parts, fmt.Sprintf("%s;dur=%s", sanitizeTimingLabel(t.Label), strconv.FormatFloat(t.Ms, 'f', 3, 64)))
	}
	w.Header().Set("Server-Timing", strings.Join(parts, ", "))
}

func sanitizeTimingLabel(label string) string {
	return strings.ReplaceAll(label, " ", "_")
}

func logRequest(r *http.Request, action string, status int, elapsed time.Duration, timings []domain.Timing) {
	logging.Op().Info("request served",
		"method", r.Method,
		"path", r.URL.Path,
		"action", action,
		"status", status,
		"duration_ms", float64(elapsed.Microseconds())/1000.0,
		"drift_count", len(timings),
	)
}
