package static

import (
	"context"
	"net/netip"
	"testing"
)

func TestNewAndBackends(t *testing.T) {
	p, err := New([]string{"10.0.0.5", "10.0.0.6"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := p.Backends()
	if len(got) != 2 {
		t.Fatalf("got %d backends, want 2", len(got))
	}
	if got[0].IP != netip.MustParseAddr("10.0.0.5") {
		t.Errorf("backend 0 = %s, want 10.0.0.5", got[0].IP)
	}
	if got[1].IP != netip.MustParseAddr("10.0.0.6") {
		t.Errorf("backend 1 = %s, want 10.0.0.6", got[1].IP)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNewRejectsInvalidAddr(t *testing.T) {
	if _, err := New([]string{"not-an-ip"}); err == nil {
		t.Fatal("expected error for invalid address")
	}
}
