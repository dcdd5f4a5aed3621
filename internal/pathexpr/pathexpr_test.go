package pathexpr

import "testing"

func mustCompile(t *testing.T, expr string) *Expression {
	t.Helper()
	e, err := Compile(expr)
	if err != nil {
		t.Fatalf("Compile(%q) unexpected error: %v", expr, err)
	}
	return e
}

func TestEvalBool_SubscriptionTopicPredicate(t *testing.T) {
	// Grounded on spec.md S6: the topic predicate used to gate a
	// "status became completed" trigger.
	expr := mustCompile(t, "(%previous.empty() or %previous.status != 'completed') and %current.status = 'completed'")

	cases := []struct {
		name     string
		previous map[string]interface{}
		current  map[string]interface{}
		want     bool
	}{
		{
			name:     "create (no previous), status planned",
			previous: nil,
			current:  map[string]interface{}{"status": "planned"},
			want:     false,
		},
		{
			name:     "update planned -> completed",
			previous: map[string]interface{}{"status": "planned"},
			current:  map[string]interface{}{"status": "completed"},
			want:     true,
		},
		{
			name:     "update completed -> completed (no-op, previous already complete)",
			previous: map[string]interface{}{"status": "completed"},
			current:  map[string]interface{}{"status": "completed"},
			want:     false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vars := map[string]interface{}{"current": tc.current, "previous": tc.previous}
			got, err := expr.EvalBool(vars)
			if err != nil {
				t.Fatalf("EvalBool: unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("EvalBool() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvalBool_EmptyAndExists(t *testing.T) {
	e := mustCompile(t, "%current.name.empty()")
	got, err := e.EvalBool(map[string]interface{}{"current": map[string]interface{}{}})
	if err != nil || !got {
		t.Fatalf("expected true for empty name, got %v err %v", got, err)
	}

	e2 := mustCompile(t, "%current.name.exists()")
	got2, err := e2.EvalBool(map[string]interface{}{"current": map[string]interface{}{"name": "Peter"}})
	if err != nil || !got2 {
		t.Fatalf("expected true for existing name, got %v err %v", got2, err)
	}
}

func TestCompileCached(t *testing.T) {
	c := NewCache()
	a, err := c.CompileCached("Encounter.statusPredicate", "%current.status = 'completed'")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := c.CompileCached("Encounter.statusPredicate", "%current.status = 'completed'")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Errorf("expected cached expression to be returned by identity")
	}
}

func TestCompile_InvalidExpression(t *testing.T) {
	if _, err := Compile("%current..."); err == nil {
		t.Errorf("expected an error for malformed expression")
	}
}
