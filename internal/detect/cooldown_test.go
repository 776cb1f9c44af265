package detect

import (
	"testing"
	"time"
)

func TestCooldownAllowsUnknownSymbol(t *testing.T) {
	c := NewCooldown(time.Minute)
	if !c.Allow("ACME") {
		t.Fatal("fresh symbol suppressed")
	}
	if c.Remaining("ACME") != 0 {
		t.Fatal("fresh symbol has remaining window")
	}
}

func TestCooldownSuppressesAfterMark(t *testing.T) {
	c := NewCooldown(5 * time.Minute)
	base := time.Unix(1_700_000_000, 0)
	now := base
	c.now = func() time.Time { return now }

	c.Mark("ACME")
	if c.Allow("ACME") {
		t.Fatal("allowed inside the window")
	}
	if c.Allow("OTHER") == false {
		t.Fatal("unrelated symbol suppressed")
	}

	now = base.Add(4 * time.Minute)
	if c.Allow("ACME") {
		t.Fatal("allowed before the window elapsed")
	}
	if got := c.Remaining("ACME"); got != time.Minute {
		t.Fatalf("remaining = %v, want 1m", got)
	}

	now = base.Add(5 * time.Minute)
	if !c.Allow("ACME") {
		t.Fatal("still suppressed after the window")
	}
}

func TestCooldownMarkSweepsExpired(t *testing.T) {
	c := NewCooldown(time.Minute)
	base := time.Unix(1_700_000_000, 0)
	now := base
	c.now = func() time.Time { return now }

	c.Mark("OLD")
	now = base.Add(2 * time.Minute)
	c.Mark("NEW")

	if _, ok := c.fired["OLD"]; ok {
		t.Fatal("expired entry not swept")
	}
	if _, ok := c.fired["NEW"]; !ok {
		t.Fatal("live entry swept")
	}
}
