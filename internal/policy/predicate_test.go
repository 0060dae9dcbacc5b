package policy

import (
	"testing"

	"github.com/signalsfoundry/dispatch-monitor/model"
)

func TestCompilePredicateEmptyUsesFallback(t *testing.T) {
	p, err := CompilePredicate("  ", NotCompleted)
	if err != nil {
		t.Fatalf("CompilePredicate: %v", err)
	}
	if !p(model.Fields{}) {
		t.Fatalf("fallback should admit an order with no status")
	}
	if p(model.Fields{"status": "completed"}) {
		t.Fatalf("fallback should reject completed orders")
	}
}

func TestCompilePredicateEvaluates(t *testing.T) {
	cases := []struct {
		expr string
		doc  model.Fields
		want bool
	}{
		{`doc.status != "completed"`, model.Fields{"status": "pending"}, true},
		{`doc.status != "completed"`, model.Fields{"status": "completed"}, false},
		{`doc.status != "completed"`, model.Fields{}, false}, // missing field excludes
		{`!has(doc.status) || doc.status != "completed"`, model.Fields{}, true},
		{`has(doc.online) && doc.online`, model.Fields{"online": true}, true},
		{`has(doc.online) && doc.online`, model.Fields{"online": false}, false},
		{`doc.fee > 1000`, model.Fields{"fee": 1500.0}, true},
		{`doc.pickup.lat > 16.0`, model.Fields{"pickup": map[string]any{"lat": 16.8, "lng": 96.1}}, true},
		{`doc.name`, model.Fields{"name": "not a bool"}, false},
	}
	for _, tc := range cases {
		p, err := CompilePredicate(tc.expr, IncludeAll)
		if err != nil {
			t.Fatalf("CompilePredicate(%q): %v", tc.expr, err)
		}
		if got := p(tc.doc); got != tc.want {
			t.Fatalf("%q on %v = %v, want %v", tc.expr, tc.doc, got, tc.want)
		}
	}
}

func TestCompilePredicateRejectsSyntaxErrors(t *testing.T) {
	if _, err := CompilePredicate(`doc.status ==`, IncludeAll); err == nil {
		t.Fatalf("expected a compile error")
	}
}
