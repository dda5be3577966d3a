// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fqstats

import (
	"sort"
)

// n50 returns the largest length L such that reads of length >= L
// account for at least half of all bases. The second return value is
// false if there are no bases.
func n50(hist map[int]int64) (int, bool) {
	lengths := make([]int, 0, len(hist))
	var total int64
	for length, count := range hist {
		if length <= 0 || count <= 0 {
			continue
		}
		lengths = append(lengths, length)
		total += int64(length) * count
	}
	if total == 0 {
		return 0, false
	}
	sort.Sort(sort.Reverse(sort.IntSlice(lengths)))
	var sum int64
	for _, length := range lengths {
		sum += int64(length) * hist[length]
		if 2*sum >= total {
			return length, true
		}
	}
	// unreachable: the last iteration brings sum up to total
	return lengths[len(lengths)-1], true
}
