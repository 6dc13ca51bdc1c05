package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TryReceive returns the next value from c, or the zero value if c is
// closed. The test fails if ctx expires first.
//
// Must only be called from the goroutine running t.
func TryReceive[A any](ctx context.Context, t testing.TB, c <-chan A) A {
	t.Helper()
	a, _ := receive(ctx, t, c, "TryReceive")
	return a
}

// RequireReceive is like TryReceive but also fails the test when c is
// closed.
//
// Must only be called from the goroutine running t.
func RequireReceive[A any](ctx context.Context, t testing.TB, c <-chan A) A {
	t.Helper()
	a, ok := receive(ctx, t, c, "RequireReceive")
	if !ok {
		require.Fail(t, "RequireReceive: channel closed")
	}
	return a
}

func receive[A any](ctx context.Context, t testing.TB, c <-chan A, caller string) (A, bool) {
	t.Helper()
	select {
	case <-ctx.Done():
		require.Fail(t, caller+": context expired")
		var a A
		return a, false
	case a, ok := <-c:
		return a, ok
	}
}
