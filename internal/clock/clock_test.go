package clock

import "testing"

func TestFakeAdvance(t *testing.T) {
	f := NewFake(1000)
	if f.NowMs() != 1000 {
		t.Fatalf("NowMs() = %d, want 1000", f.NowMs())
	}

	f.Advance(500)
	if f.NowMs() != 1500 {
		t.Fatalf("NowMs() after Advance = %d, want 1500", f.NowMs())
	}

	f.Set(42)
	if f.NowMs() != 42 {
		t.Fatalf("NowMs() after Set = %d, want 42", f.NowMs())
	}
}

func TestRealNowMsIsPositive(t *testing.T) {
	var c Real
	if c.NowMs() <= 0 {
		t.Fatalf("NowMs() = %d, want > 0", c.NowMs())
	}
}
