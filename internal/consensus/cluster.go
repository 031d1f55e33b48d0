package consensus

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/smallbiznis/arbiter/internal/money"
)

const maxOptions = 3

var optionLabels = [maxOptions]string{"A", "B", "C"}

// candidate is a validated proposal tagged with the role that produced it.
type candidate struct {
	role       string
	refundBps  int
	vendorBps  int
	hasVendor  bool
	title      string
	rationale  string
	keyFactors []string
}

type cluster struct {
	members  []candidate
	centroid int
	weight   int
}

// medianBps returns the median; even-sized inputs take the mean of the two
// middle values rounded half-up.
func medianBps(values []int) int {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int(nil), values...)
	sort.Ints(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid] + 1) / 2
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// ToleranceBps converts a tolerance in percentage points to basis points.
func ToleranceBps(percent float64) int {
	if percent <= 0 {
		return 0
	}
	return int(math.Floor(percent*100 + 0.5))
}

// buildClusters groups candidates sorted by refund; a candidate joins the
// current cluster while it is within tolerance of that cluster's first member.
// Neighbouring clusters whose centroids end up within tolerance are merged.
func buildClusters(cands []candidate, toleranceBps int) []cluster {
	sorted := append([]candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].refundBps < sorted[j].refundBps })

	var out []cluster
	for _, c := range sorted {
		if n := len(out); n > 0 && c.refundBps-out[n-1].members[0].refundBps <= toleranceBps {
			out[n-1].members = append(out[n-1].members, c)
			continue
		}
		out = append(out, cluster{members: []candidate{c}})
	}
	for i := range out {
		out[i].summarize()
	}

	for i := 0; i+1 < len(out); {
		if out[i+1].centroid-out[i].centroid > toleranceBps {
			i++
			continue
		}
		out[i].members = append(out[i].members, out[i+1].members...)
		out[i].summarize()
		out = append(out[:i+1], out[i+2:]...)
		if i > 0 {
			i--
		}
	}
	return out
}

func (cl *cluster) summarize() {
	roles := map[string]struct{}{}
	values := make([]int, 0, len(cl.members))
	for _, m := range cl.members {
		roles[m.role] = struct{}{}
		values = append(values, m.refundBps)
	}
	cl.weight = len(roles)
	cl.centroid = medianBps(values)
}

// clusterOptions turns validated candidates into exactly three labelled options
// with a single recommendation.
func clusterOptions(cands []candidate, toleranceBps int) []Option {
	if len(cands) == 0 {
		return nil
	}
	all := make([]int, 0, len(cands))
	for _, c := range cands {
		all = append(all, c.refundBps)
	}
	overall := medianBps(all)

	clusters := buildClusters(cands, toleranceBps)
	sort.SliceStable(clusters, func(i, j int) bool {
		return rankBefore(clusters[i].weight, clusters[i].centroid, clusters[j].weight, clusters[j].centroid, overall)
	})
	if len(clusters) > maxOptions {
		clusters = clusters[:maxOptions]
	}

	options := make([]Option, 0, maxOptions)
	for _, cl := range clusters {
		options = append(options, optionFromCluster(cl))
	}
	options = synthesize(options)

	sort.SliceStable(options, func(i, j int) bool { return options[i].RefundBps < options[j].RefundBps })
	for i := range options {
		options[i].Label = optionLabels[i]
	}

	best := -1
	for i := range options {
		if options[i].Synthesized {
			continue
		}
		if best < 0 || rankBefore(options[i].Weight, options[i].RefundBps, options[best].Weight, options[best].RefundBps, overall) {
			best = i
		}
	}
	if best >= 0 {
		options[best].Recommended = true
	}
	return options
}

// rankBefore orders by weight, then distance to the overall median, then lower refund.
func rankBefore(weightA, refundA, weightB, refundB, median int) bool {
	if weightA != weightB {
		return weightA > weightB
	}
	da, db := absInt(refundA-median), absInt(refundB-median)
	if da != db {
		return da < db
	}
	return refundA < refundB
}

func optionFromCluster(cl cluster) Option {
	rep := cl.members[0]
	for _, m := range cl.members[1:] {
		if absInt(m.refundBps-cl.centroid) < absInt(rep.refundBps-cl.centroid) {
			rep = m
		}
	}

	var vendorValues []int
	for _, m := range cl.members {
		if m.hasVendor {
			vendorValues = append(vendorValues, m.vendorBps)
		}
	}
	vendor := money.FullBps - cl.centroid
	if len(vendorValues) > 0 {
		if v := medianBps(vendorValues); v < vendor {
			vendor = v
		}
	}

	var rationale []string
	var factors []string
	seen := map[string]struct{}{}
	for _, m := range cl.members {
		if r := strings.TrimSpace(m.rationale); r != "" {
			rationale = append(rationale, fmt.Sprintf("[%s] %s", m.role, r))
		}
		for _, f := range m.keyFactors {
			key := strings.ToLower(strings.TrimSpace(f))
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			factors = append(factors, strings.TrimSpace(f))
		}
	}

	title := strings.TrimSpace(rep.title)
	if title == "" {
		title = fmt.Sprintf("%s%% refund to customer", formatPercent(cl.centroid))
	}
	return Option{
		Title:      title,
		RefundBps:  cl.centroid,
		VendorBps:  vendor,
		Reasoning:  strings.Join(rationale, "\n"),
		KeyFactors: factors,
		Weight:     cl.weight,
	}
}

// synthesize pads options up to three using 0%, 100% and gap midpoints,
// picking each time the candidate farthest from every existing option.
func synthesize(options []Option) []Option {
	for len(options) < maxOptions {
		existing := make([]int, 0, len(options))
		for _, o := range options {
			existing = append(existing, o.RefundBps)
		}
		sort.Ints(existing)

		candidates := []int{0, money.FullBps}
		for i := 1; i < len(existing); i++ {
			candidates = append(candidates, (existing[i-1]+existing[i]+1)/2)
		}

		bestValue, bestDistance := -1, 0
		for _, c := range candidates {
			d := minDistance(c, existing)
			if d == 0 {
				continue
			}
			if d > bestDistance || (d == bestDistance && c < bestValue) {
				bestValue, bestDistance = c, d
			}
		}
		if bestValue < 0 {
			break
		}
		options = append(options, Option{
			Title:       fmt.Sprintf("%s%% refund to customer", formatPercent(bestValue)),
			RefundBps:   bestValue,
			VendorBps:   money.FullBps - bestValue,
			Reasoning:   "No specialist proposed a split in this range; offered as an alternative for comparison.",
			Synthesized: true,
		})
	}
	return options
}

func minDistance(v int, existing []int) int {
	best := math.MaxInt
	for _, e := range existing {
		if d := absInt(v - e); d < best {
			best = d
		}
	}
	return best
}

func formatPercent(bps int) string {
	if bps%100 == 0 {
		return fmt.Sprintf("%d", bps/100)
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", money.BpsToPercent(bps)), "0"), ".")
}
