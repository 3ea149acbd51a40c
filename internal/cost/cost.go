// Package cost holds the experiment's cost tables. Both lookups are pure;
// out-of-range inputs are coerced into valid ranges instead of rejected.
package cost

import "github.com/shopspring/decimal"

// buckets is the number of discrete cost tiers for option B.
const buckets = 5

type table struct {
	a int64
	b [buckets]int64
}

// Each participant type pays a fixed cost for A and a stepped cost for B
// that falls as more peers choose A.
var typeCost = map[int]table{
	1: {a: 4, b: [buckets]int64{4, 3, 2, 1, 0}},
	2: {a: 4, b: [buckets]int64{8, 6, 4, 2, 0}},
	3: {a: 8, b: [buckets]int64{4, 3, 2, 1, 0}},
	4: {a: 8, b: [buckets]int64{8, 6, 4, 2, 0}},
	5: {a: 32, b: [buckets]int64{24, 18, 12, 6, 0}},
	6: {a: 32, b: [buckets]int64{64, 48, 32, 16, 0}},
}

func tableFor(ptype int) table {
	t, ok := typeCost[ptype]
	if !ok {
		return typeCost[1]
	}
	return t
}

// OfA returns the cost of choosing option A for the given participant type.
func OfA(ptype int) decimal.Decimal {
	return decimal.NewFromInt(tableFor(ptype).a)
}

// OfB returns the cost of choosing option B given how many of the other n-1
// participants chose A. The fraction of peers on A selects one of five tiers;
// the tier index rounds half up. That rounding rule decides which tier a
// participant pays and must not change.
func OfB(ptype, othersA, n int) decimal.Decimal {
	t := tableFor(ptype)

	if n < 1 {
		n = 1
	}
	if othersA < 0 {
		othersA = 0
	}
	if othersA > n-1 {
		othersA = n - 1
	}

	if n <= 1 {
		return decimal.NewFromInt(t.b[0])
	}

	frac := float64(othersA) / float64(n-1)
	x := frac * buckets
	col := int(x + 0.5)
	if col < 1 {
		col = 1
	}
	if col > buckets {
		col = buckets
	}

	return decimal.NewFromInt(t.b[col-1])
}
