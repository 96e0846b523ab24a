package predicate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aaron031291/grace/pkg/contracts"
)

func TestEval(t *testing.T) {
	ctx := map[string]any{
		"status":   "degraded",
		"replicas": 3,
		"rate":     0.25,
		"region":   "eu-west-1",
	}

	tests := []struct {
		name string
		p    contracts.Predicate
		want bool
	}{
		{"exists", contracts.Predicate{Key: "status", Op: "exists"}, true},
		{"default op is exists", contracts.Predicate{Key: "status"}, true},
		{"missing key fails", contracts.Predicate{Key: "ghost", Op: "exists"}, false},
		{"eq string", contracts.Predicate{Key: "status", Op: "eq", Value: "degraded"}, true},
		{"eq mismatch", contracts.Predicate{Key: "status", Op: "eq", Value: "healthy"}, false},
		{"eq cross type", contracts.Predicate{Key: "replicas", Op: "eq", Value: "3"}, true},
		{"ne", contracts.Predicate{Key: "status", Op: "ne", Value: "healthy"}, true},
		{"contains", contracts.Predicate{Key: "region", Op: "contains", Value: "west"}, true},
		{"gt", contracts.Predicate{Key: "replicas", Op: "gt", Value: 2}, true},
		{"gte boundary", contracts.Predicate{Key: "replicas", Op: "gte", Value: 3}, true},
		{"lt", contracts.Predicate{Key: "rate", Op: "lt", Value: 0.5}, true},
		{"lte fails above", contracts.Predicate{Key: "replicas", Op: "lte", Value: 2}, false},
		{"numeric against string number", contracts.Predicate{Key: "replicas", Op: "gt", Value: "1"}, true},
		{"numeric against non-number", contracts.Predicate{Key: "status", Op: "gt", Value: 1}, false},
		{"unknown op fails", contracts.Predicate{Key: "status", Op: "matches", Value: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Eval(tt.p, ctx))
		})
	}
}

func TestAll(t *testing.T) {
	ctx := map[string]any{"status": "degraded", "replicas": 3}

	assert.True(t, All(nil, ctx))
	assert.True(t, All([]contracts.Predicate{
		{Key: "status", Op: "eq", Value: "degraded"},
		{Key: "replicas", Op: "gte", Value: 2},
	}, ctx))
	assert.False(t, All([]contracts.Predicate{
		{Key: "status", Op: "eq", Value: "degraded"},
		{Key: "ghost", Op: "exists"},
	}, ctx))
}
