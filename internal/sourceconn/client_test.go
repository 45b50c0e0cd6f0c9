package sourceconn

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsTransportError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", status.Error(codes.Unavailable, "connection refused"), true},
		{"wrapped unavailable", fmt.Errorf("submit retry: %w", status.Error(codes.Unavailable, "transport closing")), true},
		{"not found is application-level", status.Error(codes.NotFound, "payload gone"), false},
		{"invalid argument is application-level", status.Error(codes.InvalidArgument, "bad order"), false},
		{"internal is application-level", status.Error(codes.Internal, "remote bug"), false},
		{"fallback sentinel", fmt.Errorf("call failed: %w", ErrSourceUnavailable), false},
		{"plain error", errors.New("unexpected"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransportError(tc.err); got != tc.want {
				t.Fatalf("IsTransportError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
