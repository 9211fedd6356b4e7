package retry

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// BenchmarkBackoff_ImmediateSuccess measures overhead when the first
// attempt succeeds (the common case).
func BenchmarkBackoff_ImmediateSuccess(b *testing.B) {
	bo := DialBackoff()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bo.Do(ctx, func(_ int) error { return nil }) //nolint:errcheck
	}
}

// BenchmarkBackoff_PermanentError measures early-exit overhead.
func BenchmarkBackoff_PermanentError(b *testing.B) {
	bo := DialBackoff()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bo.Do(ctx, func(_ int) error { //nolint:errcheck
			return Permanent(fmt.Errorf("fatal"))
		})
	}
}

// BenchmarkBreaker_ClosedPath measures the per-request cost on a
// healthy control link.
func BenchmarkBreaker_ClosedPath(b *testing.B) {
	br := NewBreaker(3, time.Second)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		br.Execute(func() error { return nil }) //nolint:errcheck
	}
}

// BenchmarkBreaker_OpenPath measures rejection while the link is down.
func BenchmarkBreaker_OpenPath(b *testing.B) {
	br := NewBreaker(1, time.Hour)
	br.Execute(func() error { return fmt.Errorf("fail") }) //nolint:errcheck
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		br.Execute(func() error { return nil }) //nolint:errcheck
	}
}

// BenchmarkJitter measures the jitter helper without backoff overhead.
func BenchmarkJitter(b *testing.B) {
	d := 100 * time.Millisecond
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = addJitter(d)
	}
}
