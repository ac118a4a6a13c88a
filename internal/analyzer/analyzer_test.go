package analyzer

import "testing"

func TestAnalyzeConstantResponseJSON(t *testing.T) {
	src := `function handle(t) { return t.response.json({ok: true, count: 3}); }`
	resp, ok := Analyze("const-ping", src)
	if !ok {
		t.Fatal("expected analysis to prove constancy")
	}
	if resp.ContentType != "application/json" {
		t.Fatalf("content type = %q", resp.ContentType)
	}
	want := `{"count":3,"ok":true}`
	if string(resp.Body) != want {
		t.Fatalf("body = %s, want %s", resp.Body, want)
	}
}

func TestAnalyzeConstantBareReturn(t *testing.T) {
	src := `function handle(t) { return {status: "up"}; }`
	resp, ok := Analyze("bare", src)
	if !ok {
		t.Fatal("expected analysis to prove constancy")
	}
	if string(resp.Body) != `{"status":"up"}` {
		t.Fatalf("body = %s", resp.Body)
	}
}

func TestAnalyzeFailsOnRequestDependentValue(t *testing.T) {
	src := `function handle(t) { return t.response.json({id: t.query.id}); }`
	if _, ok := Analyze("dynamic", src); ok {
		t.Fatal("expected analysis to fail: value depends on request input")
	}
}

func TestAnalyzeFailsOnMutatedBinding(t *testing.T) {
	src := `
		let counter = 0;
		function handle(t) {
			counter = counter + 1;
			return t.response.json({n: counter});
		}
	`
	if _, ok := Analyze("mutated", src); ok {
		t.Fatal("expected analysis to fail: counter is reassigned")
	}
}

func TestAnalyzeFailsOnDivergentBranches(t *testing.T) {
	src := `
		function handle(t) {
			if (t.method === "GET") {
				return t.response.json({a: 1});
			}
			return t.response.json({a: 2});
		}
	`
	if _, ok := Analyze("branchy", src); ok {
		t.Fatal("expected analysis to fail: branches disagree")
	}
}

func TestAnalyzeFailsOnParseError(t *testing.T) {
	if _, ok := Analyze("broken", "function( {{{"); ok {
		t.Fatal("expected parse failure to report ok=false, not panic")
	}
}
