package limits

import "testing"

func TestByteLimitDefaultsPermissive(t *testing.T) {
	r := NewRegistry()
	if r.ByteLimit() != defaultByteLimit {
		t.Errorf("ByteLimit() = %d, want default %d", r.ByteLimit(), defaultByteLimit)
	}
}

func TestLatchByteLimitTightensAndFloors(t *testing.T) {
	r := NewRegistry()

	r.LatchByteLimit(540 * 1024)
	if r.ByteLimit() != 540*1024 {
		t.Errorf("ByteLimit() = %d, want %d", r.ByteLimit(), 540*1024)
	}

	// A looser candidate must not widen the ceiling back out.
	r.LatchByteLimit(700 * 1024)
	if r.ByteLimit() != 540*1024 {
		t.Errorf("ByteLimit() widened after looser latch: %d", r.ByteLimit())
	}

	// Below floor clamps to minByteLimit.
	r2 := NewRegistry()
	r2.LatchByteLimit(10)
	if r2.ByteLimit() != minByteLimit {
		t.Errorf("ByteLimit() = %d, want floor %d", r2.ByteLimit(), minByteLimit)
	}
}

func TestLatchTokenLimitMonotonicDecrease(t *testing.T) {
	r := NewRegistry()

	r.LatchTokenLimit("claude-sonnet-4.5", 190000)
	got, ok := r.TokenLimit("claude-sonnet-4.5")
	if !ok || got != 190000 {
		t.Fatalf("TokenLimit() = (%d, %v), want (190000, true)", got, ok)
	}

	// A higher report must never raise the latched limit.
	r.LatchTokenLimit("claude-sonnet-4.5", 199000)
	got, _ = r.TokenLimit("claude-sonnet-4.5")
	if got != 190000 {
		t.Errorf("TokenLimit() rose after higher latch: %d", got)
	}

	// A lower report tightens it further.
	r.LatchTokenLimit("claude-sonnet-4.5", 150000)
	got, _ = r.TokenLimit("claude-sonnet-4.5")
	if got != 150000 {
		t.Errorf("TokenLimit() = %d, want 150000", got)
	}
}

func TestTokenLimitUnknownModel(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.TokenLimit("unknown"); ok {
		t.Error("expected no entry for unknown model")
	}
}
