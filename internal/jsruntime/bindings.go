package jsruntime

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/titanrun/titan/internal/asyncexec"
	"github.com/titanrun/titan/internal/extension"
)

// setupGlobals injects the built-in `t` surface and the `drift`/`drift_batch`
// native bindings into the isolate's global object. This runs once per
// worker at construction time; every action loaded afterward shares it.
func (w *Worker) setupGlobals() {
	vm := w.vm

	t := vm.NewObject()
	t.Set("read", w.bindRead())
	t.Set("log", w.bindLog())
	t.Set("fetch", w.bindFetchDescriptor())

	response := vm.NewObject()
	response.Set("json", w.bindResponse("application/json", true))
	response.Set("text", w.bindResponse("text/plain", false))
	response.Set("html", w.bindResponse("text/html", false))
	t.Set("response", response)

	if w.auth != nil {
		jwt := vm.NewObject()
		jwt.Set("sign", w.bindJWTSign())
		jwt.Set("verify", w.bindJWTVerify())
		t.Set("jwt", jwt)

		password := vm.NewObject()
		password.Set("hash", w.bindPasswordHash())
		password.Set("verify", w.bindPasswordVerify())
		t.Set("password", password)
	}

	vm.Set("t", t)
	vm.Set("drift", w.bindDrift())
	vm.Set("drift_batch", w.bindDriftBatch())
	w.tSurface = t
}

// setupExtensions injects every loaded extension's JS shim, giving it a
// private native-call trampoline, and hangs its exports off t.<name>. A
// shim that fails to evaluate disables only that extension; it never
// prevents the worker from serving actions that don't use it.
func (w *Worker) setupExtensions() {
	for _, mod := range w.extensions {
		w.installExtension(mod)
	}
}

func (w *Worker) installExtension(mod *extension.Module) {
	vm := w.vm

	trampoline := func(call goja.FunctionCall) goja.Value {
		idx := int(call.Argument(0).ToInteger())
		var args []interface{}
		if arr, ok := call.Argument(1).Export().([]interface{}); ok {
			args = arr
		}
		result, err := mod.Invoke(idx, args)
		if err != nil {
			if w.logger != nil {
				w.logger.ActionLog(w.ID, w.currentRequestID, "extension:"+mod.Name, []interface{}{err.Error()})
			}
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(result)
	}

	moduleObj := vm.NewObject()
	exportsObj := vm.NewObject()
	moduleObj.Set("exports", exportsObj)
	vm.Set("module", moduleObj)
	vm.Set("exports", exportsObj)

	// The shim runs inside a function whose __titanNativeCall parameter is
	// this module's trampoline, so no other extension can replace it.
	wrapped, err := vm.RunString("(function(__titanNativeCall) {\n" + mod.ShimJS + "\n})")
	if err != nil {
		return // shim failed to evaluate; extension silently unavailable
	}
	shimFn, ok := goja.AssertFunction(wrapped)
	if !ok {
		return
	}
	if _, err := shimFn(goja.Undefined(), vm.ToValue(trampoline)); err != nil {
		return // shim failed to evaluate; extension silently unavailable
	}

	modVal := vm.Get("module")
	modObj, ok := modVal.(*goja.Object)
	if !ok {
		return
	}
	exports := modObj.Get("exports")
	if exports == nil || goja.IsUndefined(exports) {
		return
	}
	if w.tSurface != nil {
		w.tSurface.Set(mod.Name, exports)
	}
}

func (w *Worker) bindRead() func(string) string {
	return func(relPath string) string {
		content, err := w.canonicalRead(relPath)
		if err != nil {
			panic(w.vm.ToValue(err.Error()))
		}
		return content
	}
}

func (w *Worker) bindLog() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if w.logger == nil {
			return goja.Undefined()
		}
		args := make([]interface{}, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		action := ""
		if data, ok := w.activeRequests[w.currentRequestID]; ok {
			action = data.ActionName
		}
		w.logger.ActionLog(w.ID, w.currentRequestID, action, args)
		return goja.Undefined()
	}
}

// bindFetchDescriptor is sugar that builds a {kind:"fetch", ...} op
// descriptor object; it performs no I/O itself. Actions are expected to
// pass its result to drift().
func (w *Worker) bindFetchDescriptor() func(url string, opts map[string]interface{}) map[string]interface{} {
	return func(url string, opts map[string]interface{}) map[string]interface{} {
		desc := map[string]interface{}{"kind": "fetch", "url": url, "method": "GET"}
		if opts != nil {
			if m, ok := opts["method"].(string); ok {
				desc["method"] = m
			}
			if h, ok := opts["headers"]; ok {
				desc["headers"] = h
			}
			if b, ok := opts["body"].(string); ok {
				desc["body"] = b
			}
		}
		return desc
	}
}

func (w *Worker) bindResponse(contentType string, isJSON bool) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var body interface{}
		if len(call.Arguments) > 0 {
			body = call.Arguments[0].Export()
		}
		status := 200
		headers := map[string]interface{}{}
		redirect := ""
		if len(call.Arguments) > 1 {
			if opts, ok := call.Arguments[1].Export().(map[string]interface{}); ok {
				if s, ok := opts["status"].(int64); ok {
					status = int(s)
				} else if s, ok := opts["status"].(float64); ok {
					status = int(s)
				}
				if h, ok := opts["headers"].(map[string]interface{}); ok {
					headers = h
				}
				if r, ok := opts["redirect"].(string); ok {
					redirect = r
				}
			}
		}
		result := map[string]interface{}{
			"_isResponse": true,
			"status":      status,
			"headers":     headers,
			"body":        body,
			"contentType": contentType,
		}
		if redirect != "" {
			result["redirect"] = redirect
		}
		_ = isJSON
		return w.vm.ToValue(result)
	}
}

func (w *Worker) bindJWTSign() func(map[string]interface{}) string {
	return func(claims map[string]interface{}) string {
		token, err := w.auth.SignJWT(claims)
		if err != nil {
			panic(w.vm.ToValue(err.Error()))
		}
		return token
	}
}

func (w *Worker) bindJWTVerify() func(string) map[string]interface{} {
	return func(token string) map[string]interface{} {
		claims, err := w.auth.VerifyJWT(token)
		if err != nil {
			panic(w.vm.ToValue(err.Error()))
		}
		return claims
	}
}

func (w *Worker) bindPasswordHash() func(string) string {
	return func(plain string) string {
		hash, err := w.auth.HashPassword(plain)
		if err != nil {
			panic(w.vm.ToValue(err.Error()))
		}
		return hash
	}
}

func (w *Worker) bindPasswordVerify() func(string, string) bool {
	return func(plain, hash string) bool {
		ok, err := w.auth.VerifyPassword(plain, hash)
		if err != nil {
			panic(w.vm.ToValue(err.Error()))
		}
		return ok
	}
}

// bindDrift is the single most important native binding: it implements
// the record/replay protocol described for the drift engine. A hit in the
// completed-drift memo returns synchronously (we are replaying); a miss
// enqueues the op on the async executor and throws the suspend sentinel
// to unwind the action.
func (w *Worker) bindDrift() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(w.vm.NewTypeError("drift: missing operation descriptor"))
		}
		op, err := parseOp(call.Arguments[0].Export())
		if err != nil {
			panic(w.vm.NewTypeError("drift: %v", err))
		}
		return w.vm.ToValue(w.issueDrift(op))
	}
}

func (w *Worker) bindDriftBatch() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(w.vm.NewTypeError("drift_batch: missing operation array"))
		}
		raw, ok := call.Arguments[0].Export().([]interface{})
		if !ok {
			panic(w.vm.NewTypeError("drift_batch: expected an array"))
		}
		ops := make([]asyncexec.Op, 0, len(raw))
		for _, r := range raw {
			op, err := parseOp(r)
			if err != nil {
				panic(w.vm.NewTypeError("drift_batch: %v", err))
			}
			ops = append(ops, op)
		}
		return w.vm.ToValue(w.issueDrift(asyncexec.Op{Kind: asyncexec.OpBatch, Batch: ops}))
	}
}

// issueDrift assigns the next drift id, consults the memo, and either
// returns the memoized value or suspends. It panics with suspendSentinel
// on a miss; the panic is recovered at the goja.Callable boundary in
// executeAction and recognized there, not here.
func (w *Worker) issueDrift(op asyncexec.Op) interface{} {
	requestID := w.currentRequestID
	w.driftCounter++
	driftID := w.driftCounter
	w.driftToRequest[driftID] = requestID

	if result, ok := w.completedDrifts[driftID]; ok {
		return result
	}

	reply := make(chan asyncexec.Result, 1)
	w.executor.Submit(context.Background(), asyncexec.Request{
		DriftID:   driftID,
		RequestID: requestID,
		Op:        op,
		Reply:     reply,
	})
	go func() {
		res := <-reply
		select {
		case w.resumeCh <- resumeCmd{DriftID: res.DriftID, Value: res.Value, Err: res.Err, DurationMs: res.DurationMs}:
		default:
			// worker's resume queue is unexpectedly full; the drift
			// result is lost and the request will hang until an
			// operator notices, same as a crashed isolate would.
		}
	}()

	panic(w.vm.ToValue(suspendSentinel))
}

func parseOp(v interface{}) (asyncexec.Op, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return asyncexec.Op{}, fmt.Errorf("operation descriptor must be an object")
	}
	kind, _ := m["kind"].(string)
	switch asyncexec.OpKind(kind) {
	case asyncexec.OpFetch:
		f := &asyncexec.FetchOp{Method: "GET"}
		if s, ok := m["url"].(string); ok {
			f.URL = s
		}
		if s, ok := m["method"].(string); ok {
			f.Method = s
		}
		if b, ok := m["body"].(string); ok {
			f.Body = []byte(b)
		}
		if h, ok := m["headers"].(map[string]interface{}); ok {
			f.Headers = map[string]string{}
			for k, v := range h {
				if s, ok := v.(string); ok {
					f.Headers[k] = s
				}
			}
		}
		return asyncexec.Op{Kind: asyncexec.OpFetch, Fetch: f}, nil
	case asyncexec.OpDB:
		d := &asyncexec.DBOp{}
		if s, ok := m["query"].(string); ok {
			d.Query = s
		}
		if a, ok := m["args"].([]interface{}); ok {
			d.Args = a
		}
		return asyncexec.Op{Kind: asyncexec.OpDB, DB: d}, nil
	case asyncexec.OpFS:
		fs := &asyncexec.FSOp{}
		if s, ok := m["path"].(string); ok {
			fs.Path = s
		}
		return asyncexec.Op{Kind: asyncexec.OpFS, FS: fs}, nil
	default:
		return asyncexec.Op{}, fmt.Errorf("unknown op kind %q", kind)
	}
}
