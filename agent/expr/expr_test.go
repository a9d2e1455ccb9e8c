package expr

import "testing"

func TestEvalComparisons(t *testing.T) {
	cases := []struct {
		name string
		src  string
		ctx  map[string]interface{}
		want bool
	}{
		{"number eq", "output.score == 3", map[string]interface{}{"output": map[string]interface{}{"score": 3.0}}, true},
		{"number lt", "output.score < 3", map[string]interface{}{"output": map[string]interface{}{"score": 3.0}}, false},
		{"string literal eq", "output.status == 'ok'", map[string]interface{}{"output": map[string]interface{}{"status": "ok"}}, true},
		{"and", "output.a == 1 and output.b == 2", map[string]interface{}{"output": map[string]interface{}{"a": 1.0, "b": 2.0}}, true},
		{"or", "output.a == 1 or output.a == 2", map[string]interface{}{"output": map[string]interface{}{"a": 2.0}}, true},
		{"not", "not (output.a == 1)", map[string]interface{}{"output": map[string]interface{}{"a": 2.0}}, true},
		{"lower method", "output.text.lower() == 'hi'", map[string]interface{}{"output": map[string]interface{}{"text": "HI"}}, true},
		{"contains method", "output.text.contains('needle')", map[string]interface{}{"output": map[string]interface{}{"text": "a needle in haystack"}}, true},
		{"error is null", "error == null", map[string]interface{}{"error": nil}, true},
		{"missing key", "output.missing == null", map[string]interface{}{"output": map[string]interface{}{}}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Eval(tc.src, tc.ctx)
			if err != nil {
				t.Fatalf("Eval(%q) error: %v", tc.src, err)
			}
			if got != tc.want {
				t.Errorf("Eval(%q) = %v, want %v", tc.src, got, tc.want)
			}
		})
	}
}

func TestEvalRejectsNonWhitelistedMethod(t *testing.T) {
	_, err := Eval("output.text.exec('rm -rf /')", map[string]interface{}{"output": map[string]interface{}{"text": "x"}})
	if err == nil {
		t.Fatal("expected error for non-whitelisted method, got nil")
	}
}

func TestEvalRejectsTrailingGarbage(t *testing.T) {
	_, err := Eval("true true", nil)
	if err == nil {
		t.Fatal("expected error for trailing input, got nil")
	}
}

func TestParseReuse(t *testing.T) {
	e, err := Parse("output.n > 0")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	for i, want := range []bool{false, true} {
		ctx := map[string]interface{}{"output": map[string]interface{}{"n": float64(i)}}
		v, err := e.eval(ctx)
		if err != nil {
			t.Fatalf("eval error: %v", err)
		}
		if v != want {
			t.Errorf("iteration %d: got %v want %v", i, v, want)
		}
	}
}
