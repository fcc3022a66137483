package payout

import (
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type Tier struct {
	MinCount int
	Percent  decimal.Decimal
}

// TierTable is the protocol fee schedule keyed by a player's cumulative
// character count in one match. Rates never increase with the count.
type TierTable struct {
	tiers []Tier
}

func NewTierTable(tiers ...Tier) (TierTable, error) {
	sorted := append([]Tier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinCount < sorted[j].MinCount })

	for i, t := range sorted {
		if t.MinCount < 1 {
			return TierTable{}, eris.Errorf("tier count must be >= 1, got %d", t.MinCount)
		}
		if t.Percent.IsNegative() || t.Percent.GreaterThan(hundred) {
			return TierTable{}, eris.Errorf("tier %d percent %s outside [0,100]", t.MinCount, t.Percent)
		}
		if i > 0 {
			prev := sorted[i-1]
			if prev.MinCount == t.MinCount {
				return TierTable{}, eris.Errorf("duplicate tier %d", t.MinCount)
			}
			if t.Percent.GreaterThan(prev.Percent) {
				return TierTable{}, eris.Errorf("tier %d rate %s is above tier %d rate %s", t.MinCount, t.Percent, prev.MinCount, prev.Percent)
			}
		}
	}
	return TierTable{tiers: sorted}, nil
}

// ParseTierTable reads "count:percent" pairs separated by commas,
// e.g. "1:10,2:8,3:6".
func ParseTierTable(s string) (TierTable, error) {
	var tiers []Tier
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			return TierTable{}, eris.Errorf("malformed tier %q", part)
		}
		count, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return TierTable{}, eris.Wrapf(err, "malformed tier count %q", key)
		}
		pct, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return TierTable{}, eris.Wrapf(err, "malformed tier percent %q", value)
		}
		tiers = append(tiers, Tier{MinCount: count, Percent: pct})
	}
	if len(tiers) == 0 {
		return TierTable{}, eris.New("tier table is empty")
	}
	return NewTierTable(tiers...)
}

func (t *TierTable) UnmarshalText(text []byte) error {
	parsed, err := ParseTierTable(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t TierTable) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t TierTable) String() string {
	parts := make([]string, 0, len(t.tiers))
	for _, tier := range t.tiers {
		parts = append(parts, strconv.Itoa(tier.MinCount)+":"+tier.Percent.String())
	}
	return strings.Join(parts, ",")
}

func (t TierTable) Empty() bool {
	return len(t.tiers) == 0
}

// Tier returns the tier applying to count: the highest tier whose MinCount is
// not above count, or the first tier when count is below every key.
func (t TierTable) Tier(count int) Tier {
	if len(t.tiers) == 0 {
		return Tier{}
	}
	chosen := t.tiers[0]
	for _, tier := range t.tiers {
		if tier.MinCount > count {
			break
		}
		chosen = tier
	}
	return chosen
}

// Fee is the protocol fee owed on amount by a join that brings the player's
// cumulative count to count.
func (t TierTable) Fee(amount decimal.Decimal, count int) decimal.Decimal {
	return amount.Mul(t.Tier(count).Percent).Div(hundred)
}
