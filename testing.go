package staticdirserver

import (
	"testing"
)

// NewTest starts a server for the duration of a test. A bind failure fails
// the test immediately and the server is closed when the test finishes.
func NewTest(tb testing.TB, root string, opts ...Option) *Server {
	tb.Helper()
	s, err := New(root, opts...)
	if err != nil {
		tb.Fatalf("Failed to start static directory server: %v", err)
	}
	tb.Cleanup(func() {
		if err := s.Close(); err != nil {
			tb.Logf("Failed to close static directory server: %v", err)
		}
	})
	return s
}
