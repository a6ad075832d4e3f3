package ratelimit

import (
	"testing"
	"time"
)

func TestAcquireConnection_TokenBucket(t *testing.T) {
	t.Parallel()

	l := New(Config{ConnectRPS: 1, ConnectBurst: 2})
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 2; i++ {
		if d := l.AcquireConnection("1.2.3.4", now); !d.Allowed {
			t.Fatalf("connect %d denied", i)
		}
	}
	d := l.AcquireConnection("1.2.3.4", now)
	if d.Allowed {
		t.Fatalf("third connect should be denied")
	}
	if d.Reason != ReasonRate || d.RetryAfter != 1 {
		t.Fatalf("reason=%q retry=%d", d.Reason, d.RetryAfter)
	}
	if d := l.AcquireConnection("5.6.7.8", now); !d.Allowed {
		t.Fatalf("other address should be allowed")
	}
	if d := l.AcquireConnection("1.2.3.4", now.Add(1500*time.Millisecond)); !d.Allowed {
		t.Fatalf("bucket should refill")
	}
}

func TestAcquireConnection_Concurrency(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxConnectionsPerAddress: 1})
	now := time.Now()

	first := l.AcquireConnection("1.2.3.4", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}
	second := l.AcquireConnection("1.2.3.4", now)
	if second.Allowed || second.Reason != ReasonConcurrency {
		t.Fatalf("second=%+v, want concurrency denial", second)
	}

	first.Permit.Release()
	first.Permit.Release()
	if third := l.AcquireConnection("1.2.3.4", now); !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
}

func TestAcquireConnection_BoundedEntries(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxEntries: 2, EntryTTL: time.Minute})
	now := time.Now()
	l.AcquireConnection("a", now)
	l.AcquireConnection("b", now)
	l.AcquireConnection("c", now.Add(2*time.Minute))
	if n := l.Len(); n > 2 {
		t.Fatalf("entries=%d, want <= 2", n)
	}
}

func TestNilLimiterAllows(t *testing.T) {
	t.Parallel()

	var l *Limiter
	d := l.AcquireConnection("x", time.Now())
	if !d.Allowed {
		t.Fatalf("nil limiter should allow")
	}
	d.Permit.Release()
}
