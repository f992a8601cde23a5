// Package scheduler turns the register ranges a polling cycle needs into batched
// reads and executes them with per-range fallback.
package scheduler

import (
	"sort"

	"github.com/resident-x/go-sunsynk/internal/domain"
)

// DefaultMaxBatch applies when no batch size is given. Small enough for
// constrained RS485 adapters.
const DefaultMaxBatch = 8

// Plan merges ranges into the fewest read requests that respect maxBatch.
// Holding ranges are planned before input ranges and the two never merge.
// Neighbouring ranges merge when the unrequested gap between them is at most
// allowGap registers and the merged span still fits maxBatch. A range longer
// than maxBatch is split into consecutive requests.
func Plan(ranges []domain.RegisterRange, maxBatch, allowGap int) []domain.ReadRequest {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	if allowGap < 0 {
		allowGap = 0
	}

	var requests []domain.ReadRequest
	for _, kind := range []domain.RegisterKind{domain.KindHolding, domain.KindInput} {
		requests = append(requests, planKind(ranges, kind, maxBatch, allowGap)...)
	}
	return requests
}

func planKind(ranges []domain.RegisterRange, kind domain.RegisterKind, maxBatch, allowGap int) []domain.ReadRequest {
	part := make([]domain.RegisterRange, 0, len(ranges))
	for _, r := range ranges {
		if r.Kind == kind && r.Count > 0 {
			part = append(part, r)
		}
	}
	sort.Slice(part, func(i, j int) bool {
		if part[i].Start != part[j].Start {
			return part[i].Start < part[j].Start
		}
		return part[i].Count > part[j].Count
	})

	var (
		requests []domain.ReadRequest
		open     bool
		start    int
		end      int
	)
	emit := func(from, to int) {
		requests = append(requests, domain.ReadRequest{Start: uint16(from), Count: uint16(to - from + 1), Kind: kind})
	}

	for _, r := range part {
		rs, re := int(r.Start), r.End()

		if open {
			gap := rs - end - 1
			merged := end
			if re > merged {
				merged = re
			}
			if gap <= allowGap && merged-start+1 <= maxBatch {
				end = merged
				continue
			}
			emit(start, end)
		}

		for re-rs+1 > maxBatch {
			emit(rs, rs+maxBatch-1)
			rs += maxBatch
		}
		start, end, open = rs, re, true
	}
	if open {
		emit(start, end)
	}
	return requests
}

// Group maps every range to the indexes of the requests that cover it, in
// address order. A range covered by a single request maps to that request
// alone; a split range maps to its consecutive parts. Ranges not covered
// are absent from the map.
func Group(ranges []domain.RegisterRange, requests []domain.ReadRequest) map[domain.RegisterRange][]int {
	groups := make(map[domain.RegisterRange][]int, len(ranges))

	for _, r := range ranges {
		if idx := coveringRequest(r, requests); idx >= 0 {
			groups[r] = []int{idx}
			continue
		}

		var parts []int
		next := int(r.Start)
		for next <= r.End() {
			idx := -1
			for i, q := range requests {
				if q.Kind == r.Kind && int(q.Start) <= next && next <= q.End() {
					idx = i
					break
				}
			}
			if idx < 0 {
				parts = nil
				break
			}
			parts = append(parts, idx)
			next = requests[idx].End() + 1
		}
		if parts != nil {
			groups[r] = parts
		}
	}
	return groups
}

func coveringRequest(r domain.RegisterRange, requests []domain.ReadRequest) int {
	for i, q := range requests {
		if q.Covers(r) {
			return i
		}
	}
	return -1
}

// assemble extracts the words of r from the replies of the requests in parts.
// It fails when any part has no reply.
func assemble(r domain.RegisterRange, parts []int, requests []domain.ReadRequest, replies [][]uint16) ([]uint16, bool) {
	values := make([]uint16, 0, r.Count)
	next := int(r.Start)
	for _, idx := range parts {
		reply := replies[idx]
		if reply == nil {
			return nil, false
		}
		q := requests[idx]
		last := q.End()
		if last > r.End() {
			last = r.End()
		}
		from, to := next-int(q.Start), last-int(q.Start)+1
		if to > len(reply) {
			return nil, false
		}
		values = append(values, reply[from:to]...)
		next = last + 1
	}
	return values, len(values) == int(r.Count)
}
