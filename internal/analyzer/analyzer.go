// Package analyzer implements the static-action analyzer ("fast path"):
// it parses an action's JS source and attempts to prove that every
// t.response.{json,text,html} call (or, failing that, every return
// statement in the source, including those inside functions) yields the same constant value regardless of the
// request. When it can, the action never needs to enter the JS engine.
//
// The analyzer is deliberately conservative. Any construct it does not
// recognize is treated as a failure to prove constancy, not as an error:
// analysis failure simply means the action runs the normal dynamic path.
package analyzer

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/token"

	"github.com/titanrun/titan/internal/domain"
)

const maxDepth = 16

var mutatingMethods = map[string]bool{
	"push": true, "pop": true, "shift": true, "unshift": true,
	"splice": true, "sort": true, "reverse": true, "fill": true,
	"copyWithin": true, "set": true, "delete": true, "clear": true,
}

// value is the analyzer's internal constant representation, kept distinct
// from domain.StaticResponse until a full t.response.* call has been
// matched and its options parsed.
type value struct {
	kind  kind
	str   string
	num   float64
	boole bool
	obj   map[string]value
	arr   []value
}

type kind int

const (
	kNull kind = iota
	kString
	kNumber
	kBool
	kObject
	kArray
)

// symbol is a flat, whole-program record of one declared identifier: its
// initializer (from its first var declaration) and whether any write or
// mutation was found anywhere in the source. Only var declarations create
// entries: an identifier declared with let or const has no symbol, never
// resolves, and so is treated as non-constant. The flat (non
// lexically-scoped) table is intentionally conservative: a write to a
// same-named binding in an unrelated scope will needlessly invalidate a
// constant in another scope, but it will never let a real reassignment
// slip through undetected.
type symbol struct {
	initializer ast.Expression
	written     bool
	mutated     bool
}

type analysis struct {
	symbols map[string]*symbol
}

// Analyze parses src and, if every discoverable response value is
// provably constant and structurally identical, returns the serialized
// StaticResponse. ok is false for any parse failure, depth-cap overflow,
// or unrecognized construct — callers must treat that as "run dynamically"
// and never as a hard error.
func Analyze(actionName, src string) (resp *domain.StaticResponse, ok bool) {
	defer func() {
		if recover() != nil {
			resp, ok = nil, false
		}
	}()

	prog, err := parser.ParseFile(nil, actionName, src, 0)
	if err != nil {
		return nil, false
	}

	a := &analysis{symbols: map[string]*symbol{}}
	walkProgram(prog, func(n ast.Node) {
		if vs, ok := n.(*ast.VariableStatement); ok {
			for _, b := range vs.List {
				id, ok := b.Target.(*ast.Identifier)
				if !ok {
					continue
				}
				name := string(id.Name)
				if _, exists := a.symbols[name]; !exists {
					a.symbols[name] = &symbol{initializer: b.Initializer}
				}
			}
		}
	})
	walkProgram(prog, func(n ast.Node) {
		a.recordWrite(n)
	})

	values, found := a.collectResponseCalls(prog)
	if !found {
		values, found = a.collectPlainReturns(prog)
	}
	if !found || len(values) == 0 {
		return nil, false
	}
	first := values[0]
	for _, v := range values[1:] {
		if !valuesEqual(first, v) {
			return nil, false
		}
	}
	return toStaticResponse(first)
}

// recordWrite marks any symbol reassigned via "=" (or a compound
// assignment), or mutated via one of the well-known in-place array/object
// methods, member assignment, or `delete`.
func (a *analysis) recordWrite(n ast.Node) {
	switch e := n.(type) {
	case *ast.AssignExpression:
		if id, ok := e.Left.(*ast.Identifier); ok {
			if s := a.symbols[string(id.Name)]; s != nil {
				s.written = true
			}
			return
		}
		if name, ok := rootIdentifier(e.Left); ok {
			if s := a.symbols[name]; s != nil {
				s.mutated = true
			}
		}
	case *ast.UnaryExpression:
		if e.Operator == token.DELETE {
			if name, ok := rootIdentifier(e.Operand); ok {
				if s := a.symbols[name]; s != nil {
					s.mutated = true
				}
			}
		}
	case *ast.CallExpression:
		dot, ok := e.Callee.(*ast.DotExpression)
		if !ok {
			return
		}
		if !mutatingMethods[string(dot.Identifier.Name)] {
			return
		}
		if name, ok := rootIdentifier(dot.Left); ok {
			if s := a.symbols[name]; s != nil {
				s.mutated = true
			}
		}
	}
}

// rootIdentifier returns the identifier name at the root of a chain of
// member accesses (obj.a.b or obj[0].b), or false if the root isn't a bare
// identifier.
func rootIdentifier(e ast.Expression) (string, bool) {
	for {
		switch x := e.(type) {
		case *ast.Identifier:
			return string(x.Name), true
		case *ast.DotExpression:
			e = x.Left
		case *ast.BracketExpression:
			e = x.Left
		default:
			return "", false
		}
	}
}

// collectResponseCalls finds every call matching t.response.{json,text,html}(...)
// anywhere in the program and statically evaluates its payload argument.
func (a *analysis) collectResponseCalls(prog *ast.Program) ([]value, bool) {
	var out []value
	any := false
	walkProgram(prog, func(n ast.Node) {
		call, ok := n.(*ast.CallExpression)
		if !ok {
			return
		}
		method, ok := responseMethod(call.Callee)
		if !ok {
			return
		}
		any = true
		if len(call.ArgumentList) == 0 {
			out = append(out, value{kind: kNull})
			return
		}
		v, ok := a.eval(call.ArgumentList[0], 0)
		if !ok {
			out = append(out, value{kind: kString, str: "\x00__dynamic__"})
			return
		}
		resp := map[string]value{
			"__method": {kind: kString, str: method},
			"__body":   v,
		}
		if len(call.ArgumentList) > 1 {
			opts, ok := a.eval(call.ArgumentList[1], 0)
			if ok {
				resp["__opts"] = opts
			} else {
				resp["__body"] = value{kind: kString, str: "\x00__dynamic__"}
			}
		}
		out = append(out, value{kind: kObject, obj: resp})
	})
	return out, any
}

// responseMethod matches Callee against t.response.<m> and returns <m>.
func responseMethod(callee ast.Expression) (string, bool) {
	outer, ok := callee.(*ast.DotExpression)
	if !ok {
		return "", false
	}
	method := string(outer.Identifier.Name)
	if method != "json" && method != "text" && method != "html" {
		return "", false
	}
	inner, ok := outer.Left.(*ast.DotExpression)
	if !ok {
		return "", false
	}
	if string(inner.Identifier.Name) != "response" {
		return "", false
	}
	root, ok := inner.Left.(*ast.Identifier)
	if !ok || string(root.Name) != "t" {
		return "", false
	}
	return method, true
}

// collectPlainReturns falls back to bare `return <literal>;` statements
// when no t.response.* call was found, ignoring bundler boilerplate that
// returns {__esModule, __defProp, __copyProps}.
func (a *analysis) collectPlainReturns(prog *ast.Program) ([]value, bool) {
	var out []value
	any := false
	walkProgram(prog, func(n ast.Node) {
		ret, ok := n.(*ast.ReturnStatement)
		if !ok || ret.Argument == nil {
			return
		}
		if isBundlerBoilerplate(ret.Argument) {
			return
		}
		any = true
		v, ok := a.eval(ret.Argument, 0)
		if !ok {
			out = append(out, value{kind: kString, str: "\x00__dynamic__"})
			return
		}
		out = append(out, v)
	})
	return out, any
}

func isBundlerBoilerplate(e ast.Expression) bool {
	obj, ok := e.(*ast.ObjectLiteral)
	if !ok {
		return false
	}
	for _, p := range obj.Value {
		kp, ok := p.(*ast.PropertyKeyed)
		if !ok {
			return false
		}
		key, ok := kp.Key.(*ast.Identifier)
		if !ok {
			return false
		}
		switch string(key.Name) {
		case "__esModule", "__defProp", "__copyProps":
		default:
			return false
		}
	}
	return len(obj.Value) > 0
}

// eval performs the static evaluation of a single expression as described
// by the constant-propagation algorithm: literals evaluate to themselves,
// object/array literals evaluate recursively (spreads fail), identifiers
// resolve through the symbol table (any write or mutation fails),
// template literals concatenate, "+" does string or numeric combination,
// unary "-" negates a static number, and everything else fails.
func (a *analysis) eval(e ast.Expression, depth int) (value, bool) {
	if depth > maxDepth {
		return value{}, false
	}
	switch x := e.(type) {
	case *ast.StringLiteral:
		return value{kind: kString, str: string(x.Value)}, true
	case *ast.NumberLiteral:
		f, ok := toFloat(x.Value)
		if !ok {
			return value{}, false
		}
		return value{kind: kNumber, num: f}, true
	case *ast.BooleanLiteral:
		return value{kind: kBool, boole: x.Value}, true
	case *ast.NullLiteral:
		return value{kind: kNull}, true
	case *ast.ParenthesizedExpression:
		return a.eval(x.Expression, depth+1)
	case *ast.ObjectLiteral:
		obj := map[string]value{}
		for _, p := range x.Value {
			kp, ok := p.(*ast.PropertyKeyed)
			if !ok {
				return value{}, false // spread or accessor property
			}
			if kp.Computed {
				return value{}, false
			}
			var key string
			switch k := kp.Key.(type) {
			case *ast.Identifier:
				key = string(k.Name)
			case *ast.StringLiteral:
				key = string(k.Value)
			default:
				return value{}, false
			}
			v, ok := a.eval(kp.Value, depth+1)
			if !ok {
				return value{}, false
			}
			obj[key] = v
		}
		return value{kind: kObject, obj: obj}, true
	case *ast.ArrayLiteral:
		arr := make([]value, 0, len(x.Value))
		for _, el := range x.Value {
			if el == nil {
				arr = append(arr, value{kind: kNull})
				continue
			}
			if _, ok := el.(*ast.SpreadElement); ok {
				return value{}, false
			}
			v, ok := a.eval(el, depth+1)
			if !ok {
				return value{}, false
			}
			arr = append(arr, v)
		}
		return value{kind: kArray, arr: arr}, true
	case *ast.Identifier:
		s, found := a.symbols[string(x.Name)]
		if !found || s.written || s.mutated || s.initializer == nil {
			return value{}, false
		}
		return a.eval(s.initializer, depth+1)
	case *ast.TemplateLiteral:
		var out string
		for i, el := range x.Elements {
			out += el.Literal
			if i < len(x.Expressions) {
				v, ok := a.eval(x.Expressions[i], depth+1)
				if !ok || v.kind == kObject || v.kind == kArray {
					return value{}, false
				}
				out += stringify(v)
			}
		}
		return value{kind: kString, str: out}, true
	case *ast.BinaryExpression:
		if x.Operator != token.PLUS {
			return value{}, false
		}
		l, ok := a.eval(x.Left, depth+1)
		if !ok {
			return value{}, false
		}
		r, ok := a.eval(x.Right, depth+1)
		if !ok {
			return value{}, false
		}
		if l.kind == kString || r.kind == kString {
			return value{kind: kString, str: stringify(l) + stringify(r)}, true
		}
		if l.kind == kNumber && r.kind == kNumber {
			sum := l.num + r.num
			if math.IsNaN(sum) || math.IsInf(sum, 0) {
				return value{}, false
			}
			return value{kind: kNumber, num: sum}, true
		}
		return value{}, false
	case *ast.UnaryExpression:
		if x.Operator != token.MINUS {
			return value{}, false
		}
		v, ok := a.eval(x.Operand, depth+1)
		if !ok || v.kind != kNumber {
			return value{}, false
		}
		return value{kind: kNumber, num: -v.num}, true
	default:
		return value{}, false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func stringify(v value) string {
	switch v.kind {
	case kString:
		return v.str
	case kNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case kBool:
		if v.boole {
			return "true"
		}
		return "false"
	case kNull:
		return "null"
	default:
		return ""
	}
}

func valuesEqual(a, b value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case kString:
		return a.str == b.str
	case kNumber:
		return a.num == b.num
	case kBool:
		return a.boole == b.boole
	case kNull:
		return true
	case kArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !valuesEqual(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case kObject:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, av := range a.obj {
			bv, ok := b.obj[k]
			if !ok || !valuesEqual(av, bv) {
				return false
			}
		}
		return true
	}
	return false
}

// sentinel for "a sub-expression failed to evaluate but the call shape
// still matched" — propagated as an ordinary value so equality comparison
// naturally fails it against any other branch, rather than requiring a
// second failure channel through collectResponseCalls/collectPlainReturns.
const dynamicMarker = "\x00__dynamic__"

func toStaticResponse(v value) (*domain.StaticResponse, bool) {
	if v.kind == kString && v.str == dynamicMarker {
		return nil, false
	}
	obj := v.obj
	if obj == nil {
		// a bare literal return with no wrapping t.response.* call
		return serializeJSON(v)
	}
	method, ok := obj["__method"]
	if !ok {
		return serializeJSON(v)
	}
	body := obj["__body"]
	if body.kind == kString && body.str == dynamicMarker {
		return nil, false
	}
	status := 200
	headers := map[string]string{}
	if opts, ok := obj["__opts"]; ok && opts.kind == kObject {
		if s, ok := opts.obj["status"]; ok && s.kind == kNumber {
			status = int(s.num)
		}
		if h, ok := opts.obj["headers"]; ok && h.kind == kObject {
			for k, hv := range h.obj {
				if hv.kind != kString {
					return nil, false
				}
				lk := lower(k)
				if lk == "content-type" || lk == "server" {
					continue
				}
				headers[k] = hv.str
			}
		}
	}
	switch method.str {
	case "json":
		data, ok := jsonEncode(body)
		if !ok {
			return nil, false
		}
		return &domain.StaticResponse{Body: data, ContentType: "application/json", Status: status, Headers: headers}, true
	case "text":
		if body.kind != kString {
			return nil, false
		}
		return &domain.StaticResponse{Body: []byte(body.str), ContentType: "text/plain", Status: status, Headers: headers}, true
	case "html":
		if body.kind != kString {
			return nil, false
		}
		return &domain.StaticResponse{Body: []byte(body.str), ContentType: "text/html", Status: status, Headers: headers}, true
	}
	return nil, false
}

func serializeJSON(v value) (*domain.StaticResponse, bool) {
	data, ok := jsonEncode(v)
	if !ok {
		return nil, false
	}
	return &domain.StaticResponse{Body: data, ContentType: "application/json", Status: 200, Headers: map[string]string{}}, true
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 32
		}
	}
	return string(b)
}

func walkProgram(prog *ast.Program, visit func(ast.Node)) {
	for _, s := range prog.Body {
		walkStatement(s, visit)
	}
}

func walkStatement(s ast.Statement, visit func(ast.Node)) {
	if s == nil {
		return
	}
	visit(s)
	switch x := s.(type) {
	case *ast.BlockStatement:
		for _, st := range x.List {
			walkStatement(st, visit)
		}
	case *ast.ExpressionStatement:
		walkExpression(x.Expression, visit)
	case *ast.ReturnStatement:
		walkExpression(x.Argument, visit)
	case *ast.VariableStatement:
		for _, b := range x.List {
			walkExpression(b.Initializer, visit)
		}
	case *ast.IfStatement:
		walkExpression(x.Test, visit)
		walkStatement(x.Consequent, visit)
		walkStatement(x.Alternate, visit)
	case *ast.ForStatement:
		walkExpression(x.Test, visit)
		walkExpression(x.Update, visit)
		walkStatement(x.Body, visit)
	case *ast.ForInStatement:
		walkExpression(x.Source, visit)
		walkStatement(x.Body, visit)
	case *ast.WhileStatement:
		walkExpression(x.Test, visit)
		walkStatement(x.Body, visit)
	case *ast.DoWhileStatement:
		walkExpression(x.Test, visit)
		walkStatement(x.Body, visit)
	case *ast.FunctionDeclaration:
		if x.Function != nil {
			walkStatement(x.Function.Body, visit)
		}
	case *ast.TryStatement:
		walkStatement(x.Body, visit)
		if x.Catch != nil {
			walkStatement(x.Catch.Body, visit)
		}
		walkStatement(x.Finally, visit)
	case *ast.SwitchStatement:
		walkExpression(x.Discriminant, visit)
		for _, c := range x.Body {
			walkExpression(c.Test, visit)
			for _, st := range c.Consequent {
				walkStatement(st, visit)
			}
		}
	case *ast.ThrowStatement:
		walkExpression(x.Argument, visit)
	case *ast.LabelledStatement:
		walkStatement(x.Statement, visit)
	}
}

func walkExpression(e ast.Expression, visit func(ast.Node)) {
	if e == nil {
		return
	}
	visit(e)
	switch x := e.(type) {
	case *ast.CallExpression:
		walkExpression(x.Callee, visit)
		for _, a := range x.ArgumentList {
			walkExpression(a, visit)
		}
	case *ast.NewExpression:
		walkExpression(x.Callee, visit)
		for _, a := range x.ArgumentList {
			walkExpression(a, visit)
		}
	case *ast.AssignExpression:
		walkExpression(x.Left, visit)
		walkExpression(x.Right, visit)
	case *ast.BinaryExpression:
		walkExpression(x.Left, visit)
		walkExpression(x.Right, visit)
	case *ast.UnaryExpression:
		walkExpression(x.Operand, visit)
	case *ast.ConditionalExpression:
		walkExpression(x.Test, visit)
		walkExpression(x.Consequent, visit)
		walkExpression(x.Alternate, visit)
	case *ast.DotExpression:
		walkExpression(x.Left, visit)
	case *ast.BracketExpression:
		walkExpression(x.Left, visit)
		walkExpression(x.Member, visit)
	case *ast.ParenthesizedExpression:
		walkExpression(x.Expression, visit)
	case *ast.ObjectLiteral:
		for _, p := range x.Value {
			if kp, ok := p.(*ast.PropertyKeyed); ok {
				walkExpression(kp.Value, visit)
			}
		}
	case *ast.ArrayLiteral:
		for _, el := range x.Value {
			walkExpression(el, visit)
		}
	case *ast.SequenceExpression:
		for _, el := range x.Sequence {
			walkExpression(el, visit)
		}
	case *ast.TemplateLiteral:
		for _, el := range x.Expressions {
			walkExpression(el, visit)
		}
	case *ast.FunctionLiteral:
		walkStatement(x.Body, visit)
	}
}

func jsonEncode(v value) ([]byte, bool) {
	data, err := json.Marshal(toInterface(v))
	if err != nil {
		return nil, false
	}
	return data, true
}

func toInterface(v value) interface{} {
	switch v.kind {
	case kString:
		return v.str
	case kNumber:
		return v.num
	case kBool:
		return v.boole
	case kNull:
		return nil
	case kArray:
		out := make([]interface{}, len(v.arr))
		for i, e := range v.arr {
			out[i] = toInterface(e)
		}
		return out
	case kObject:
		out := make(map[string]interface{}, len(v.obj))
		for k, e := range v.obj {
			out[k] = toInterface(e)
		}
		return out
	}
	return nil
}
