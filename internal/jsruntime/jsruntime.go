// Package jsruntime implements the JS Isolate Worker (C5) and the Drift
// Engine (C8) it hosts. A Worker owns exactly one goja runtime and is
// driven by a single goroutine; no other goroutine may touch its runtime.
// Everything a worker needs to replay a suspended request deterministically
// — the drift counter, the per-request snapshot of it, and the completed
// drift memo — lives here.
package jsruntime

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dop251/goja"

	"github.com/titanrun/titan/internal/asyncexec"
	"github.com/titanrun/titan/internal/domain"
	"github.com/titanrun/titan/internal/extension"
	"github.com/titanrun/titan/internal/metrics"
	"github.com/titanrun/titan/internal/pkg/fsutil"
)

// suspendSentinel is thrown (as a plain JS string value) from the native
// drift binding to unwind JS execution when a drift first suspends. It is
// recognized by exact value at the top of executeAction and is never
// surfaced to the action or to the HTTP collaborator as an error.
const suspendSentinel = "\x00titan-suspend\x00"

// Result is what a completed (non-suspended) request delivers to its
// caller.
type Result struct {
	Value   interface{}
	Timings []domain.Timing
	Err     error
}

// requestCmd is a new request handed to the worker by the dispatcher.
type requestCmd struct {
	Data  domain.RequestData
	Reply chan Result
}

// resumeCmd is a completed drift delivered back to the worker that issued
// it. Resumes are produced by the worker's own asyncexec submissions, so
// this channel is private to the worker — nothing crosses a worker
// boundary.
type resumeCmd struct {
	DriftID    uint32
	Value      interface{}
	Err        string
	DurationMs float64
}

// reloadCmd asks the worker's own goroutine to (re-)compile an action's
// source, preserving the single-goroutine-owns-isolate invariant even
// when the invalidation bus triggers a reload after startup.
type reloadCmd struct {
	ActionName string
	Source     string
	Reply      chan error
}

// AuthAdapter is the thin bcrypt/JWT surface exposed to actions as
// t.password and t.jwt. Concrete implementations live in internal/auth.
type AuthAdapter interface {
	HashPassword(plain string) (string, error)
	VerifyPassword(plain, hash string) (bool, error)
	SignJWT(claims map[string]interface{}) (string, error)
	VerifyJWT(token string) (map[string]interface{}, error)
}

// Logger is the narrow logging surface t.log uses; it must never fail or
// block the action.
type Logger interface {
	ActionLog(workerID int, requestID uint32, action string, args []interface{})
}

// Worker owns one JS isolate (a goja.Runtime) and the per-isolate drift
// bookkeeping. It is constructed once and then driven exclusively by Run,
// called from the single goroutine that owns it.
type Worker struct {
	ID          int
	vm          *goja.Runtime
	projectRoot string
	executor    *asyncexec.Executor
	extensions  []*extension.Module
	auth        AuthAdapter
	logger      Logger

	requestCounter uint32
	driftCounter   uint32

	pendingRequests       map[uint32]chan Result
	activeRequests        map[uint32]domain.RequestData
	requestStartCounters  map[uint32]uint32
	driftToRequest        map[uint32]uint32
	completedDrifts       map[uint32]interface{}
	requestTimings        map[uint32][]domain.Timing
	currentRequestID      uint32

	actions map[string]goja.Callable
	tSurface *goja.Object

	resumeCh  chan resumeCmd
	reqCh     chan requestCmd
	reloadCh  chan reloadCmd
	queueCap int
}

// New constructs a Worker and injects the t surface plus every loaded
// extension's JS shim into its global object. The isolate is fully set up
// before New returns; Run then just drains commands.
func New(id int, projectRoot string, queueCap int, executor *asyncexec.Executor, extensions []*extension.Module, auth AuthAdapter, logger Logger) *Worker {
	w := &Worker{
		ID:                   id,
		vm:                   goja.New(),
		projectRoot:          projectRoot,
		executor:             executor,
		extensions:           extensions,
		auth:                 auth,
		logger:               logger,
		pendingRequests:      make(map[uint32]chan Result),
		activeRequests:       make(map[uint32]domain.RequestData),
		requestStartCounters: make(map[uint32]uint32),
		driftToRequest:       make(map[uint32]uint32),
		completedDrifts:      make(map[uint32]interface{}),
		requestTimings:       make(map[uint32][]domain.Timing),
		actions:              make(map[string]goja.Callable),
		resumeCh:             make(chan resumeCmd, queueCap),
		reqCh:                make(chan requestCmd, queueCap),
		reloadCh:             make(chan reloadCmd, 1),
		queueCap:             queueCap,
	}
	w.setupGlobals()
	w.setupExtensions()
	return w
}

// QueueCap reports the worker's inbound queue capacity.
func (w *Worker) QueueCap() int { return w.queueCap }

// TrySubmit attempts a non-blocking send of a new request; it is what the
// dispatcher calls before falling back to work stealing or a blocking
// send.
func (w *Worker) TrySubmit(data domain.RequestData, reply chan Result) bool {
	select {
	case w.reqCh <- requestCmd{Data: data, Reply: reply}:
		return true
	default:
		return false
	}
}

// Submit performs a blocking send, used only once every worker's queue has
// been tried and found full.
func (w *Worker) Submit(ctx context.Context, data domain.RequestData, reply chan Result) error {
	select {
	case w.reqCh <- requestCmd{Data: data, Reply: reply}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadAction compiles and evaluates one action's bundle source and records
// its callable entry point under actionName. Evaluation happens once per
// worker (each isolate needs its own copy of the compiled globals); a
// syntax or top-level execution error here is a BundleReadError, not a
// StaticAnalyzerFailure — this path only runs for actions the analyzer
// already decided are dynamic.
func (w *Worker) LoadAction(actionName, source string) error {
	if _, err := w.vm.RunString(source); err != nil {
		return fmt.Errorf("jsruntime: evaluate %s: %w", actionName, err)
	}
	fnVal := w.vm.Get(actionName)
	if fnVal == nil || goja.IsUndefined(fnVal) {
		if mod := w.vm.Get("module"); mod != nil && !goja.IsUndefined(mod) {
			if obj, ok := mod.(*goja.Object); ok {
				if exp := obj.Get("exports"); exp != nil {
					fnVal = exp
					if expObj, ok := exp.(*goja.Object); ok {
						if def := expObj.Get("default"); def != nil && !goja.IsUndefined(def) {
							fnVal = def
						}
					}
				}
			}
		}
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return fmt.Errorf("jsruntime: action %s did not export a callable function", actionName)
	}
	w.actions[actionName] = fn
	return nil
}

// Reload compiles a (possibly changed) action source on the worker's own
// goroutine, in response to the invalidation bus. It blocks until the
// reload completes or ctx is cancelled.
func (w *Worker) Reload(ctx context.Context, actionName, source string) error {
	reply := make(chan error, 1)
	select {
	case w.reloadCh <- reloadCmd{ActionName: actionName, Source: source, Reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains commands until ctx is done. Resumes are checked first on
// every iteration, ahead of new requests, matching the priority the
// original scheduler gives drift replies over fresh work.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case r := <-w.resumeCh:
			w.handleResume(r)
			continue
		default:
		}
		select {
		case r := <-w.resumeCh:
			w.handleResume(r)
		case c := <-w.reqCh:
			w.handleRequest(c)
		case rl := <-w.reloadCh:
			rl.Reply <- w.LoadAction(rl.ActionName, rl.Source)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) handleRequest(c requestCmd) {
	w.requestCounter++
	requestID := w.requestCounter
	c.Data.RequestID = requestID

	w.pendingRequests[requestID] = c.Reply
	w.activeRequests[requestID] = c.Data
	w.requestStartCounters[requestID] = w.driftCounter

	w.executeAction(requestID, c.Data)

	if _, stillPending := w.pendingRequests[requestID]; !stillPending {
		delete(w.activeRequests, requestID)
		delete(w.requestStartCounters, requestID)
	}
}

func (w *Worker) handleResume(r resumeCmd) {
	requestID, ok := w.driftToRequest[r.DriftID]
	if !ok {
		return
	}
	label := "drift"
	if r.Err != "" {
		label = "drift_error"
		w.requestTimings[requestID] = append(w.requestTimings[requestID], domain.Timing{Label: label, Ms: r.DurationMs})
		w.completedDrifts[r.DriftID] = map[string]interface{}{"error": r.Err}
	} else {
		w.requestTimings[requestID] = append(w.requestTimings[requestID], domain.Timing{Label: label, Ms: r.DurationMs})
		w.completedDrifts[r.DriftID] = r.Value
	}

	data, ok := w.activeRequests[requestID]
	if ok {
		w.driftCounter = w.requestStartCounters[requestID]
		metrics.RecordDriftReplay()
		w.executeAction(requestID, data)
	}

	if _, stillPending := w.pendingRequests[requestID]; !stillPending {
		delete(w.activeRequests, requestID)
		delete(w.requestStartCounters, requestID)
	}
}

// executeAction runs (or re-runs, on replay) the action named in data.
// It always frees the isolate for the next command by simply returning;
// callers decide whether the request is finished by checking
// pendingRequests afterwards.
func (w *Worker) executeAction(requestID uint32, data domain.RequestData) {
	fn, ok := w.actions[data.ActionName]
	if !ok {
		w.finish(requestID, Result{Err: fmt.Errorf("action %q not found", data.ActionName)})
		return
	}

	w.currentRequestID = requestID
	reqObj := w.buildRequestObject(data)

	start := time.Now()
	ret, err := fn(goja.Undefined(), reqObj)
	elapsed := time.Since(start)
	w.requestTimings[requestID] = append(w.requestTimings[requestID], domain.Timing{Label: "exec", Ms: float64(elapsed.Microseconds()) / 1000.0})

	if err != nil {
		if ex, ok := err.(*goja.Exception); ok {
			if s, ok := ex.Value().Export().(string); ok && s == suspendSentinel {
				return // suspended: request stays pending, isolate still frees
			}
		}
		w.finish(requestID, Result{Err: fmt.Errorf("action %s threw: %w", data.ActionName, err)})
		return
	}

	w.finish(requestID, Result{Value: ret.Export(), Timings: w.requestTimings[requestID]})
}

func (w *Worker) finish(requestID uint32, res Result) {
	reply, ok := w.pendingRequests[requestID]
	if !ok {
		return
	}
	if res.Timings == nil {
		res.Timings = w.requestTimings[requestID]
	}
	delete(w.pendingRequests, requestID)
	delete(w.requestTimings, requestID)
	for id, rid := range w.driftToRequest {
		if rid == requestID {
			delete(w.driftToRequest, id)
			delete(w.completedDrifts, id)
		}
	}
	select {
	case reply <- res:
	default:
		// caller dropped the reply handle (cancelled request); deliver is
		// best-effort, per the cancellation policy.
	}
}

func (w *Worker) buildRequestObject(data domain.RequestData) *goja.Object {
	obj := w.vm.NewObject()
	obj.Set("method", data.Method)
	obj.Set("path", data.Path)
	obj.Set("headers", data.Headers)
	obj.Set("params", data.Params)
	obj.Set("query", data.Query)
	obj.Set("__titan_request_id", data.RequestID)
	if data.Body != nil {
		ab := w.vm.NewArrayBuffer(data.Body)
		obj.Set("rawBody", w.vm.ToValue(ab))
	} else {
		obj.Set("rawBody", goja.Null())
	}
	return obj
}

func (w *Worker) canonicalRead(relPath string) (string, error) {
	path, err := fsutil.CanonicalizeUnder(w.projectRoot, relPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
