// Package extension implements the native extension loader: it discovers
// extension manifests, dlopen's their declared shared libraries via
// purego, resolves each declared function's exported symbol, and exposes
// a typed trampoline that an isolate's JS shim calls into.
package extension

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/ebitengine/purego"
)

// Kind enumerates the marshaling strategy for one
// trampoline argument or return value.
type Kind string

const (
	KindString Kind = "string"
	KindF64    Kind = "f64"
	KindBool   Kind = "bool"
	KindJSON   Kind = "json"
	KindBuffer Kind = "buffer"
	KindVoid   Kind = "void"
)

func (k Kind) valid() bool {
	switch k {
	case KindString, KindF64, KindBool, KindJSON, KindBuffer, KindVoid:
		return true
	}
	return false
}

// Signature is the typed shape of one native function: its ordered
// parameter kinds and its return kind.
type Signature struct {
	Parameters []Kind `json:"parameters"`
	Result     Kind   `json:"result"`
}

// manifest is the on-disk shape of one extension's metadata file.
type manifest struct {
	Name   string `json:"name"`
	Main   string `json:"main"`
	Native *struct {
		Path      string `json:"path"`
		Functions map[string]struct {
			Symbol     string `json:"symbol"`
			Parameters []Kind `json:"parameters"`
			Result     Kind   `json:"result"`
		} `json:"functions"`
	} `json:"native"`
}

// nativeFunc is one resolved native function: its bound call and
// signature, stored at a flat index the JS shim passes to the native-call
// trampoline.
type nativeFunc struct {
	name      string
	signature Signature
	call      func(args []interface{}) (interface{}, error)
}

// Module is one loaded extension: its name, JS shim source, and the flat
// table of native functions its shim's wrappers dispatch into.
type Module struct {
	Name      string
	ShimJS    string
	Functions []nativeFunc
	indexOf   map[string]int
}

// FunctionIndex returns the flat-table index for jsName, used by the
// generated JS wrapper to call the single trampoline built-in with
// (index, argsArray).
func (m *Module) FunctionIndex(jsName string) (int, bool) {
	i, ok := m.indexOf[jsName]
	return i, ok
}

// FunctionNames returns the exported JS-visible names of every resolved
// native function, used by the admin control plane's ListExtensions
// introspection endpoint.
func (m *Module) FunctionNames() []string {
	out := make([]string, len(m.Functions))
	for i, fn := range m.Functions {
		out[i] = fn.name
	}
	return out
}

// Invoke marshals args according to the recorded signature and dispatches
// to the native function at index. Unsupported argument shapes are
// reported as an error, which the caller turns into a JS exception —
// never a crash.
func (m *Module) Invoke(index int, args []interface{}) (interface{}, error) {
	if index < 0 || index >= len(m.Functions) {
		return nil, fmt.Errorf("extension: invalid function index %d", index)
	}
	fn := m.Functions[index]
	if len(args) != len(fn.signature.Parameters) {
		return nil, fmt.Errorf("extension: %s expects %d arguments, got %d", fn.name, len(fn.signature.Parameters), len(args))
	}
	return fn.call(args)
}

// Loader discovers manifests under a set of roots and links their
// declared native libraries.
type Loader struct {
	Roots []string
}

// Load walks every root in order and loads every manifest file it finds.
// A library that fails to load or a function whose symbol can't be
// resolved disables only that extension; Load never returns an error for
// a single bad extension, it simply omits it and reports it to the
// onFailure callback for startup logging.
func (l *Loader) Load(onFailure func(name string, err error)) ([]*Module, error) {
	var modules []*Module
	for _, root := range l.Roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue // discovery roots are best-effort; a missing one is not fatal
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
				continue
			}
			path := filepath.Join(root, e.Name())
			mod, err := l.loadOne(path)
			if err != nil {
				onFailure(e.Name(), err)
				continue
			}
			modules = append(modules, mod)
		}
	}
	return modules, nil
}

func (l *Loader) loadOne(manifestPath string) (*Module, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("extension: read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("extension: parse manifest: %w", err)
	}
	if m.Name == "" || m.Main == "" {
		return nil, fmt.Errorf("extension: manifest missing name or main")
	}
	dir := filepath.Dir(manifestPath)
	shimSrc, err := os.ReadFile(filepath.Join(dir, m.Main))
	if err != nil {
		return nil, fmt.Errorf("extension: read shim: %w", err)
	}

	mod := &Module{Name: m.Name, ShimJS: string(shimSrc), indexOf: map[string]int{}}

	if m.Native != nil {
		libPath := m.Native.Path
		if !filepath.IsAbs(libPath) {
			libPath = filepath.Join(dir, libPath)
		}
		handle, err := purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			return nil, fmt.Errorf("extension: dlopen %s: %w", libPath, err)
		}
		for jsName, decl := range m.Native.Functions {
			sig := Signature{Parameters: decl.Parameters, Result: decl.Result}
			if !sig.Result.valid() {
				return nil, fmt.Errorf("extension: %s: invalid result kind %q", jsName, decl.Result)
			}
			for _, p := range sig.Parameters {
				if !p.valid() {
					return nil, fmt.Errorf("extension: %s: invalid parameter kind %q", jsName, p)
				}
			}
			sym, err := purego.Dlsym(handle, decl.Symbol)
			if err != nil {
				return nil, fmt.Errorf("extension: resolve symbol %s: %w", decl.Symbol, err)
			}
			call, err := bindTrampoline(sym, sig)
			if err != nil {
				return nil, err
			}
			mod.indexOf[jsName] = len(mod.Functions)
			mod.Functions = append(mod.Functions, nativeFunc{name: jsName, signature: sig, call: call})
		}
	}
	return mod, nil
}

// kindGoType maps a signature Kind to the concrete Go type that gives
// purego.RegisterFunc the right C ABI classification for it: float64
// lands in an XMM register, bool in a general-purpose register as a
// C _Bool, string through purego's built-in char* marshaling. json
// values cross as their string encoding. Buffer and void have no
// parameter-position representation and are handled separately.
var kindGoType = map[Kind]reflect.Type{
	KindString: reflect.TypeOf(""),
	KindJSON:   reflect.TypeOf(""),
	KindF64:    reflect.TypeOf(float64(0)),
	KindBool:   reflect.TypeOf(false),
}

// bindTrampoline produces a Go closure that marshals arguments per sig and
// calls the resolved native function pointer. purego.RegisterFunc decides
// the C calling convention from the reflected type of the function
// variable it's given, so bindTrampoline builds that type dynamically
// with reflect.FuncOf from sig's parameter and result kinds — a real
// float64 parameter is registered as a Go float64 parameter, a real bool
// result as a Go bool result, and so on — rather than forcing every call
// through a single func(string...) string shape regardless of the
// native function's actual return register and calling convention.
// Kinds with no fixed-width scalar representation (buffer) are rejected
// at load time instead of silently miscompiling the call.
func bindTrampoline(sym uintptr, sig Signature) (func(args []interface{}) (interface{}, error), error) {
	if len(sig.Parameters) > 3 {
		return nil, fmt.Errorf("extension: signature has too many parameters (%d, max 3)", len(sig.Parameters))
	}

	in := make([]reflect.Type, len(sig.Parameters))
	for i, p := range sig.Parameters {
		if p == KindBuffer {
			return nil, fmt.Errorf("extension: buffer parameters are not yet supported by the trampoline")
		}
		t, ok := kindGoType[p]
		if !ok {
			return nil, fmt.Errorf("extension: unsupported parameter kind %q", p)
		}
		in[i] = t
	}

	var out []reflect.Type
	switch sig.Result {
	case KindBuffer:
		return nil, fmt.Errorf("extension: buffer results are not yet supported by the trampoline")
	case KindVoid:
		// no return type
	default:
		t, ok := kindGoType[sig.Result]
		if !ok {
			return nil, fmt.Errorf("extension: unsupported result kind %q", sig.Result)
		}
		out = []reflect.Type{t}
	}

	fnPtr := reflect.New(reflect.FuncOf(in, out, false))
	purego.RegisterFunc(fnPtr.Interface(), sym)
	fn := fnPtr.Elem()

	return func(args []interface{}) (interface{}, error) {
		callArgs := make([]reflect.Value, len(sig.Parameters))
		for i, kind := range sig.Parameters {
			v, err := marshalArg(kind, args[i])
			if err != nil {
				return nil, err
			}
			callArgs[i] = v
		}
		results := fn.Call(callArgs)
		if sig.Result == KindVoid {
			return nil, nil
		}
		return convertResult(sig.Result, results[0])
	}, nil
}

// marshalArg renders one JS-side argument as the reflect.Value the
// registered trampoline's parameter type expects: strings and json
// pass through as Go strings, numbers and bools keep their native Go
// type so they land in the right register per the C ABI.
func marshalArg(kind Kind, v interface{}) (reflect.Value, error) {
	switch kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return reflect.Value{}, fmt.Errorf("extension: expected string argument")
		}
		return reflect.ValueOf(s), nil
	case KindF64:
		f, ok := v.(float64)
		if !ok {
			return reflect.Value{}, fmt.Errorf("extension: expected numeric argument")
		}
		return reflect.ValueOf(f), nil
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return reflect.Value{}, fmt.Errorf("extension: expected boolean argument")
		}
		return reflect.ValueOf(b), nil
	case KindJSON:
		encoded, err := json.Marshal(v)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("extension: encode json argument: %w", err)
		}
		return reflect.ValueOf(string(encoded)), nil
	default:
		return reflect.Value{}, fmt.Errorf("extension: unsupported parameter kind %q", kind)
	}
}

// convertResult unpacks the reflect.Value the trampoline call returned
// back into the interface{} shape Invoke's caller expects.
func convertResult(kind Kind, rv reflect.Value) (interface{}, error) {
	switch kind {
	case KindString:
		return rv.String(), nil
	case KindBool:
		return rv.Bool(), nil
	case KindF64:
		return rv.Float(), nil
	case KindJSON:
		var v interface{}
		if err := json.Unmarshal([]byte(rv.String()), &v); err != nil {
			return nil, fmt.Errorf("extension: result is not valid json: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("extension: unsupported return kind %q", kind)
	}
}
