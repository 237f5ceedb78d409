package strategy

import "sort"

// Order returns a copy of ops with capital-freeing operations first. Each
// group is sorted by descending amount; ties keep their input order.
func Order(ops []Operation) []Operation {
	freeing := make([]Operation, 0, len(ops))
	consuming := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if op.Action.FreesCapital() {
			freeing = append(freeing, op)
		} else {
			consuming = append(consuming, op)
		}
	}

	byAmountDesc := func(group []Operation) {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Amount.GreaterThan(group[j].Amount)
		})
	}
	byAmountDesc(freeing)
	byAmountDesc(consuming)

	return append(freeing, consuming...)
}
