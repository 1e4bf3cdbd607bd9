package limit

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDefaultTiers(t *testing.T) {
	t.Parallel()
	l := Default()

	if tier, n := l.BatchTier(); tier != TierLocation || n != 1 {
		t.Fatalf("batch tier = %s/%d", tier, n)
	}
	if tier, n := l.FixedTier(); tier != TierGSM || n != 1 {
		t.Fatalf("fixed tier = %s/%d", tier, n)
	}
	if tier, n := l.EventTier(); tier != TierNone || n != Unlimited {
		t.Fatalf("event tier = %s/%d", tier, n)
	}
	if l.BatchFrequency() != 0 || l.EventFrequency() != 0 {
		t.Fatalf("default frequencies should be zero")
	}
	if !l.IsAllowedForBatch("anywhere") || !l.IsAllowedForFixed("x") || !l.IsAllowedForEvent("y") {
		t.Fatalf("default limit must allow every location")
	}
}

func TestBuilderTiersAreExclusive(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		b    *Builder
		tier Tier
		max  int
	}{
		{"gsm", NewBuilder().MaxActiveBatchesPerInstance(3).MaxActiveBatchesPerGSM(2), TierGSM, 2},
		{"location overrides gsm", NewBuilder().MaxActiveBatchesPerGSM(2).MaxActiveBatchesPerLocation(4), TierLocation, 4},
		{"instance", NewBuilder().MaxActiveBatchesPerGSM(2).MaxActiveBatchesPerInstance(1), TierInstance, 1},
		{"unrestricted", NewBuilder().MaxActiveBatchesPerLocation(Unlimited), TierNone, Unlimited},
		{"negative normalized", NewBuilder().MaxActiveBatchesPerGSM(-7), TierNone, Unlimited},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l := tt.b.Build()
			tier, n := l.BatchTier()
			if tier != tt.tier || n != tt.max {
				t.Fatalf("got %s/%d, want %s/%d", tier, n, tt.tier, tt.max)
			}
			set := 0
			for _, v := range []int{l.MaxActiveBatchesPerGSM(), l.MaxActiveBatchesPerLocation(), l.MaxActiveBatchesPerInstance()} {
				if v != Unlimited {
					set++
				}
			}
			if set > 1 {
				t.Fatalf("more than one tier set: %s", l)
			}
		})
	}
}

func TestLocationPredicates(t *testing.T) {
	t.Parallel()
	l := NewBuilder().BatchLocations("A").FixedLocations("B", "C").EventLocations("D").Build()

	if !l.IsAllowedForBatch("A") || l.IsAllowedForBatch("B") {
		t.Fatalf("batch allow-list wrong")
	}
	if !l.IsAllowedForFixed("C") || l.IsAllowedForFixed("A") {
		t.Fatalf("fixed allow-list wrong")
	}
	if !l.IsAllowedForEvent("D") || l.IsAllowedForEvent("A") || !l.EventPinned() {
		t.Fatalf("event allow-list wrong")
	}
}

func TestBuildIsImmutable(t *testing.T) {
	t.Parallel()
	b := NewBuilder().BatchLocations("A")
	l := b.Build()
	b.BatchLocations("B").MaxActiveBatchesPerGSM(5)

	if !l.IsAllowedForBatch("A") || l.IsAllowedForBatch("B") {
		t.Fatalf("built limit changed after builder mutation")
	}
	locs := l.BatchLocations()
	locs[0] = "Z"
	if !l.IsAllowedForBatch("A") {
		t.Fatalf("accessor leaked internal slice")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()
	in := NewBuilder().
		BatchFrequency(30*time.Second).
		MaxActiveBatchesPerGSM(2).
		BatchLocations("A", "B").
		MaxActiveFixedPerLocation(3).
		MaxActiveEventsPerGSM(20).
		EventFrequency(time.Second).
		EventLocations("A").
		Build()

	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out ModuleLimit
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.String() != in.String() {
		t.Fatalf("round trip mismatch:\n in=%s\nout=%s", in, out)
	}
	if !out.IsAllowedForBatch("B") || out.IsAllowedForEvent("B") {
		t.Fatalf("locations lost in round trip")
	}
}

func TestUnmarshalMissingFieldsUseDefault(t *testing.T) {
	t.Parallel()
	var l ModuleLimit
	if err := json.Unmarshal([]byte(`{"eventFrequency":"2s"}`), &l); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tier, n := l.BatchTier(); tier != TierLocation || n != 1 {
		t.Fatalf("batch tier = %s/%d", tier, n)
	}
	if l.EventFrequency() != 2*time.Second {
		t.Fatalf("event frequency = %s", l.EventFrequency())
	}
}
