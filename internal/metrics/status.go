package metrics

import "sort"

// StatusBucket is one protocol/status-code cell of a scenario's outcome
// breakdown.
type StatusBucket struct {
	Protocol string
	Code     string
	Count    int
}

// FlattenStatusBuckets converts a nested protocol->code count map into rows
// sorted by descending count, then protocol/code for stable output.
func FlattenStatusBuckets(buckets map[string]map[string]int) []StatusBucket {
	if len(buckets) == 0 {
		return nil
	}
	rows := make([]StatusBucket, 0, len(buckets))
	for protocol, codes := range buckets {
		for code, count := range codes {
			rows = append(rows, StatusBucket{Protocol: protocol, Code: code, Count: count})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		if rows[i].Protocol != rows[j].Protocol {
			return rows[i].Protocol < rows[j].Protocol
		}
		return rows[i].Code < rows[j].Code
	})
	return rows
}
