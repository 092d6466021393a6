package reminder

import (
	"fmt"
	"sort"
	"time"
)

// Decision is what the Policy says should happen after a given number of
// fires.
type Decision struct {
	// Expire is set once the tier's offset sequence is exhausted.
	Expire bool
	// Offset is the next fire time relative to the reminder's due time.
	Offset time.Duration
}

// Policy maps a priority tier to its escalation cadence: an ordered
// sequence of offsets from the due time. It holds no mutable state.
type Policy struct {
	offsets map[Tier][]time.Duration
	grace   time.Duration
}

// NewPolicy builds a Policy from a tier → offsets table. Every tier must
// have at least one offset and offsets may not be negative.
func NewPolicy(table map[Tier][]time.Duration, grace time.Duration) (*Policy, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("escalation table is empty")
	}
	if grace < 0 {
		return nil, fmt.Errorf("expire grace must not be negative, got %s", grace)
	}

	p := &Policy{offsets: make(map[Tier][]time.Duration, len(table)), grace: grace}
	for tier, seq := range table {
		if tier == "" {
			return nil, fmt.Errorf("escalation table has an empty tier name")
		}
		if len(seq) == 0 {
			return nil, fmt.Errorf("tier %q has no offsets", tier)
		}
		for i, off := range seq {
			if off < 0 {
				return nil, fmt.Errorf("tier %q offset %d is negative (%s)", tier, i, off)
			}
		}
		p.offsets[tier] = append([]time.Duration(nil), seq...)
	}
	return p, nil
}

// PolicyFromMinutes builds a Policy from the configuration form of the
// table, where offsets are whole minutes.
func PolicyFromMinutes(table map[string][]int, grace time.Duration) (*Policy, error) {
	converted := make(map[Tier][]time.Duration, len(table))
	for name, mins := range table {
		seq := make([]time.Duration, len(mins))
		for i, m := range mins {
			seq[i] = time.Duration(m) * time.Minute
		}
		converted[Tier(name)] = seq
	}
	return NewPolicy(converted, grace)
}

// DefaultPolicy returns the stock cadence.
func DefaultPolicy() *Policy {
	p, err := PolicyFromMinutes(map[string][]int{
		string(TierCritical):  {0, 5, 10, 15, 20},
		string(TierImportant): {0, 15, 30},
		string(TierNormal):    {0, 60},
		string(TierOptional):  {0},
	}, 0)
	if err != nil {
		panic(err)
	}
	return p
}

// Known reports whether tier is configured.
func (p *Policy) Known(tier Tier) bool {
	_, ok := p.offsets[tier]
	return ok
}

// Tiers returns the configured tier names in sorted order.
func (p *Policy) Tiers() []Tier {
	tiers := make([]Tier, 0, len(p.offsets))
	for t := range p.offsets {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}

// Attempts returns the number of fires a tier allows before expiring.
func (p *Policy) Attempts(tier Tier) int {
	return len(p.offsets[tier])
}

// Grace is how long a reminder waits for acknowledgement after its last
// fire before it expires.
func (p *Policy) Grace() time.Duration {
	return p.grace
}

// Next returns the decision for a reminder of the given tier that has
// already fired fireCount times.
func (p *Policy) Next(tier Tier, fireCount int) (Decision, error) {
	seq, ok := p.offsets[tier]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidPriority, tier)
	}
	if fireCount < 0 {
		fireCount = 0
	}
	if fireCount >= len(seq) {
		return Decision{Expire: true}, nil
	}
	return Decision{Offset: seq[fireCount]}, nil
}

// NextFireAt resolves Next against a due time. ok is false when the
// reminder should expire instead of firing again.
func (p *Policy) NextFireAt(tier Tier, due time.Time, fireCount int) (at time.Time, ok bool, err error) {
	d, err := p.Next(tier, fireCount)
	if err != nil || d.Expire {
		return time.Time{}, false, err
	}
	return due.Add(d.Offset), true, nil
}
