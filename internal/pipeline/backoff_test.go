package pipeline

import (
	"testing"
	"time"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	if b := backoffWithJitter(base, max, 0); b != base {
		t.Fatalf("retry 0 backoff = %s, want base", b)
	}

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > base {
		t.Fatalf("retry 1 backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*time.Second || b3 > 4*time.Second {
		t.Fatalf("retry 3 backoff out of range: %s", b3)
	}

	// Large retry counts are capped at max.
	for i := 0; i < 20; i++ {
		if b := backoffWithJitter(base, max, 30); b > max {
			t.Fatalf("capped backoff exceeded max: %s", b)
		}
	}
}
