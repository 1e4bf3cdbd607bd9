// Package limit describes the admission policy attached to a module deployment.
//
// A ModuleLimit is immutable; build one with NewBuilder. For every execution
// model the quantity limits form exclusive tiers (GSM, location, instance):
// setting one tier clears the others, and evaluation picks the first tier that
// is set in that order.
package limit

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Unlimited on a max-active field means quantity is not restricted.
const Unlimited = -1

type Tier int

const (
	TierNone Tier = iota
	TierGSM
	TierLocation
	TierInstance
)

func (t Tier) String() string {
	switch t {
	case TierGSM:
		return "gsm"
	case TierLocation:
		return "location"
	case TierInstance:
		return "instance"
	default:
		return "none"
	}
}

type tiers struct {
	gsm, location, instance int
}

func (t tiers) eval() (Tier, int) {
	switch {
	case t.gsm != Unlimited:
		return TierGSM, t.gsm
	case t.location != Unlimited:
		return TierLocation, t.location
	case t.instance != Unlimited:
		return TierInstance, t.instance
	default:
		return TierNone, Unlimited
	}
}

type ModuleLimit struct {
	batchFrequency time.Duration
	batch          tiers
	batchLocations []string

	fixed          tiers
	fixedLocations []string

	event          tiers // instance tier unused
	eventFrequency time.Duration
	eventLocations []string
}

// Default is the policy of a module that declares none: one batch run per
// location per tick, one fixed copy per fleet, unrestricted events.
func Default() ModuleLimit {
	return ModuleLimit{
		batch: tiers{gsm: Unlimited, location: 1, instance: Unlimited},
		fixed: tiers{gsm: 1, location: Unlimited, instance: Unlimited},
		event: tiers{gsm: Unlimited, location: Unlimited, instance: Unlimited},
	}
}

func (l ModuleLimit) BatchFrequency() time.Duration   { return l.batchFrequency }
func (l ModuleLimit) MaxActiveBatchesPerGSM() int      { return l.batch.gsm }
func (l ModuleLimit) MaxActiveBatchesPerLocation() int { return l.batch.location }
func (l ModuleLimit) MaxActiveBatchesPerInstance() int { return l.batch.instance }
func (l ModuleLimit) BatchLocations() []string         { return slices.Clone(l.batchLocations) }
func (l ModuleLimit) MaxActiveFixedPerGSM() int        { return l.fixed.gsm }
func (l ModuleLimit) MaxActiveFixedPerLocation() int   { return l.fixed.location }
func (l ModuleLimit) MaxActiveFixedPerInstance() int   { return l.fixed.instance }
func (l ModuleLimit) FixedLocations() []string         { return slices.Clone(l.fixedLocations) }
func (l ModuleLimit) MaxActiveEventsPerGSM() int       { return l.event.gsm }
func (l ModuleLimit) MaxActiveEventsPerLocation() int  { return l.event.location }
func (l ModuleLimit) EventFrequency() time.Duration    { return l.eventFrequency }
func (l ModuleLimit) EventLocations() []string         { return slices.Clone(l.eventLocations) }

func (l ModuleLimit) BatchTier() (Tier, int) { return l.batch.eval() }
func (l ModuleLimit) FixedTier() (Tier, int) { return l.fixed.eval() }
func (l ModuleLimit) EventTier() (Tier, int) { return l.event.eval() }

func allowed(list []string, location string) bool {
	return len(list) == 0 || slices.Contains(list, location)
}

func (l ModuleLimit) IsAllowedForBatch(location string) bool {
	return allowed(l.batchLocations, location)
}

func (l ModuleLimit) IsAllowedForFixed(location string) bool {
	return allowed(l.fixedLocations, location)
}

func (l ModuleLimit) IsAllowedForEvent(location string) bool {
	return allowed(l.eventLocations, location)
}

// EventPinned reports whether events are restricted to specific locations.
func (l ModuleLimit) EventPinned() bool { return len(l.eventLocations) > 0 }

func (l ModuleLimit) String() string {
	bt, bm := l.BatchTier()
	ft, fm := l.FixedTier()
	et, em := l.EventTier()
	return fmt.Sprintf("batch=%s:%d/%s fixed=%s:%d event=%s:%d/%s",
		bt, bm, l.batchFrequency, ft, fm, et, em, l.eventFrequency)
}

// ---- builder ----

type Builder struct {
	l ModuleLimit
}

// NewBuilder starts from Default().
func NewBuilder() *Builder { return &Builder{l: Default()} }

func normalize(n int) int {
	if n < 0 {
		return Unlimited
	}
	return n
}

func (b *Builder) BatchFrequency(d time.Duration) *Builder {
	b.l.batchFrequency = max(d, 0)
	return b
}

func (b *Builder) MaxActiveBatchesPerGSM(n int) *Builder {
	b.l.batch = tiers{gsm: normalize(n), location: Unlimited, instance: Unlimited}
	return b
}

func (b *Builder) MaxActiveBatchesPerLocation(n int) *Builder {
	b.l.batch = tiers{gsm: Unlimited, location: normalize(n), instance: Unlimited}
	return b
}

func (b *Builder) MaxActiveBatchesPerInstance(n int) *Builder {
	b.l.batch = tiers{gsm: Unlimited, location: Unlimited, instance: normalize(n)}
	return b
}

func (b *Builder) BatchLocations(locs ...string) *Builder {
	b.l.batchLocations = slices.Clone(locs)
	return b
}

func (b *Builder) MaxActiveFixedPerGSM(n int) *Builder {
	b.l.fixed = tiers{gsm: normalize(n), location: Unlimited, instance: Unlimited}
	return b
}

func (b *Builder) MaxActiveFixedPerLocation(n int) *Builder {
	b.l.fixed = tiers{gsm: Unlimited, location: normalize(n), instance: Unlimited}
	return b
}

func (b *Builder) MaxActiveFixedPerInstance(n int) *Builder {
	b.l.fixed = tiers{gsm: Unlimited, location: Unlimited, instance: normalize(n)}
	return b
}

func (b *Builder) FixedLocations(locs ...string) *Builder {
	b.l.fixedLocations = slices.Clone(locs)
	return b
}

func (b *Builder) MaxActiveEventsPerGSM(n int) *Builder {
	b.l.event = tiers{gsm: normalize(n), location: Unlimited, instance: Unlimited}
	return b
}

func (b *Builder) MaxActiveEventsPerLocation(n int) *Builder {
	b.l.event = tiers{gsm: Unlimited, location: normalize(n), instance: Unlimited}
	return b
}

func (b *Builder) EventFrequency(d time.Duration) *Builder {
	b.l.eventFrequency = max(d, 0)
	return b
}

func (b *Builder) EventLocations(locs ...string) *Builder {
	b.l.eventLocations = slices.Clone(locs)
	return b
}

func (b *Builder) Build() ModuleLimit {
	out := b.l
	out.batchLocations = slices.Clone(b.l.batchLocations)
	out.fixedLocations = slices.Clone(b.l.fixedLocations)
	out.eventLocations = slices.Clone(b.l.eventLocations)
	return out
}

// ---- JSON ----

type wire struct {
	BatchFrequency              string   `json:"batchFrequency,omitempty"`
	MaxActiveBatchesPerGSM      int      `json:"maxActiveBatchesPerGSM"`
	MaxActiveBatchesPerLocation int      `json:"maxActiveBatchesPerLocation"`
	MaxActiveBatchesPerInstance int      `json:"maxActiveBatchesPerInstance"`
	BatchLocations              []string `json:"batchLocations,omitempty"`
	MaxActiveFixedPerGSM        int      `json:"maxActiveFixedPerGSM"`
	MaxActiveFixedPerLocation   int      `json:"maxActiveFixedPerLocation"`
	MaxActiveFixedPerInstance   int      `json:"maxActiveFixedPerInstance"`
	FixedLocations              []string `json:"fixedLocations,omitempty"`
	MaxActiveEventsPerGSM       int      `json:"maxActiveEventsPerGSM"`
	MaxActiveEventsPerLocation  int      `json:"maxActiveEventsPerLocation"`
	EventFrequency              string   `json:"eventFrequency,omitempty"`
	EventLocations              []string `json:"eventLocations,omitempty"`
}

func durString(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.String()
}

func (l ModuleLimit) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{
		BatchFrequency:              durString(l.batchFrequency),
		MaxActiveBatchesPerGSM:      l.batch.gsm,
		MaxActiveBatchesPerLocation: l.batch.location,
		MaxActiveBatchesPerInstance: l.batch.instance,
		BatchLocations:              l.batchLocations,
		MaxActiveFixedPerGSM:        l.fixed.gsm,
		MaxActiveFixedPerLocation:   l.fixed.location,
		MaxActiveFixedPerInstance:   l.fixed.instance,
		FixedLocations:              l.fixedLocations,
		MaxActiveEventsPerGSM:       l.event.gsm,
		MaxActiveEventsPerLocation:  l.event.location,
		EventFrequency:              durString(l.eventFrequency),
		EventLocations:              l.eventLocations,
	})
}

// UnmarshalJSON fills absent fields from Default().
func (l *ModuleLimit) UnmarshalJSON(b []byte) error {
	d := Default()
	w := wire{
		MaxActiveBatchesPerGSM:      d.batch.gsm,
		MaxActiveBatchesPerLocation: d.batch.location,
		MaxActiveBatchesPerInstance: d.batch.instance,
		MaxActiveFixedPerGSM:        d.fixed.gsm,
		MaxActiveFixedPerLocation:   d.fixed.location,
		MaxActiveFixedPerInstance:   d.fixed.instance,
		MaxActiveEventsPerGSM:       d.event.gsm,
		MaxActiveEventsPerLocation:  d.event.location,
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	bf, err := parseDur(w.BatchFrequency)
	if err != nil {
		return fmt.Errorf("batchFrequency: %w", err)
	}
	ef, err := parseDur(w.EventFrequency)
	if err != nil {
		return fmt.Errorf("eventFrequency: %w", err)
	}
	*l = ModuleLimit{
		batchFrequency: bf,
		batch:          tiers{normalize(w.MaxActiveBatchesPerGSM), normalize(w.MaxActiveBatchesPerLocation), normalize(w.MaxActiveBatchesPerInstance)},
		batchLocations: w.BatchLocations,
		fixed:          tiers{normalize(w.MaxActiveFixedPerGSM), normalize(w.MaxActiveFixedPerLocation), normalize(w.MaxActiveFixedPerInstance)},
		fixedLocations: w.FixedLocations,
		event:          tiers{normalize(w.MaxActiveEventsPerGSM), normalize(w.MaxActiveEventsPerLocation), Unlimited},
		eventFrequency: ef,
		eventLocations: w.EventLocations,
	}
	return nil
}

func parseDur(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return max(d, 0), nil
}
