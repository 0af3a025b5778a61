package tools

import (
	"context"
	"testing"
)

func TestContextValues(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		get  func(context.Context) string
		want string
	}{
		{"session unset", context.Background(), SessionIDFromContext, ""},
		{"session round trip", WithSessionID(context.Background(), "sess-1"), SessionIDFromContext, "sess-1"},
		{"correlation unset", context.Background(), CorrelationIDFromContext, ""},
		{"correlation round trip", WithCorrelationID(context.Background(), "01J"), CorrelationIDFromContext, "01J"},
		{"keys do not collide", WithSessionID(context.Background(), "sess-1"), CorrelationIDFromContext, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.get(tt.ctx); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
