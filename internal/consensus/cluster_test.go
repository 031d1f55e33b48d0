package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cand(role string, refundBps int) candidate {
	return candidate{role: role, refundBps: refundBps, vendorBps: 10000 - refundBps}
}

func TestMedianBps(t *testing.T) {
	assert.Equal(t, 0, medianBps(nil))
	assert.Equal(t, 6000, medianBps([]int{9000, 5000, 6000}))
	assert.Equal(t, 1500, medianBps([]int{1000, 2000}))
	assert.Equal(t, 2, medianBps([]int{1, 2}))
}

func TestClusterOptionsGroupsWithinTolerance(t *testing.T) {
	options := clusterOptions([]candidate{
		cand("policy", 2000), cand("policy", 5000),
		cand("reasoning", 2500), cand("reasoning", 5500),
		cand("context", 3000), cand("context", 8000),
	}, 1000)

	require.Len(t, options, 3)
	assert.Equal(t, "A", options[0].Label)
	assert.Equal(t, 2500, options[0].RefundBps)
	assert.Equal(t, 3, options[0].Weight)
	assert.True(t, options[0].Recommended)

	assert.Equal(t, "B", options[1].Label)
	assert.Equal(t, 5250, options[1].RefundBps)
	assert.Equal(t, 2, options[1].Weight)
	assert.False(t, options[1].Recommended)

	assert.Equal(t, "C", options[2].Label)
	assert.Equal(t, 8000, options[2].RefundBps)
	assert.Equal(t, 1, options[2].Weight)
}

func TestClusterOptionsSynthesizesMissingOptions(t *testing.T) {
	options := clusterOptions([]candidate{
		cand("policy", 4000), cand("reasoning", 4200), cand("context", 4500),
	}, 1000)

	require.Len(t, options, 3)
	assert.Equal(t, 0, options[0].RefundBps)
	assert.True(t, options[0].Synthesized)
	assert.Equal(t, 4200, options[1].RefundBps)
	assert.True(t, options[1].Recommended)
	assert.Equal(t, 10000, options[2].RefundBps)
	assert.True(t, options[2].Synthesized)
	assert.Equal(t, 0, options[2].VendorBps)
}

func TestClusterOptionsRecommendationTieBreaks(t *testing.T) {
	options := clusterOptions([]candidate{
		cand("policy", 2000), cand("policy", 7000),
		cand("reasoning", 2200), cand("reasoning", 7200),
	}, 1000)

	require.Len(t, options, 3)
	assert.Equal(t, 2100, options[0].RefundBps)
	assert.True(t, options[0].Recommended)
	assert.Equal(t, 7100, options[1].RefundBps)
	assert.False(t, options[1].Recommended)
	assert.True(t, options[2].Synthesized)
}

func TestClusterOptionsKeepsTopThreeByWeight(t *testing.T) {
	options := clusterOptions([]candidate{
		cand("policy", 0), cand("reasoning", 100),
		cand("policy", 3000),
		cand("policy", 6000), cand("reasoning", 6000), cand("context", 6000),
		cand("context", 9500),
	}, 1000)

	require.Len(t, options, 3)
	refunds := []int{options[0].RefundBps, options[1].RefundBps, options[2].RefundBps}
	// 0-100 (w2) and 6000 (w3) are kept; 3000 is nearer the median (6000) than 9500.
	assert.Equal(t, []int{50, 3000, 6000}, refunds)
	assert.True(t, options[2].Recommended)
}

func TestClusterOptionsMergesNearbyCentroids(t *testing.T) {
	options := clusterOptions([]candidate{
		cand("policy", 4000), cand("reasoning", 5000), cand("context", 5100),
	}, 1000)

	require.Len(t, options, 3)
	var real []Option
	for _, o := range options {
		if !o.Synthesized {
			real = append(real, o)
		}
	}
	require.Len(t, real, 1)
	assert.Equal(t, 5000, real[0].RefundBps)
	assert.Equal(t, 3, real[0].Weight)
	assert.True(t, real[0].Recommended)
}

func TestBuildClustersKeepsDistantCentroids(t *testing.T) {
	clusters := buildClusters([]candidate{
		cand("policy", 2000), cand("reasoning", 2500), cand("context", 4000),
	}, 1000)

	require.Len(t, clusters, 2)
	assert.Equal(t, 2250, clusters[0].centroid)
	assert.Equal(t, 4000, clusters[1].centroid)
}

func TestClusterOptionsCapsVendorShare(t *testing.T) {
	c := candidate{role: "policy", refundBps: 3000, vendorBps: 6500, hasVendor: true}
	options := clusterOptions([]candidate{c}, 1000)
	for _, o := range options {
		if o.RefundBps == 3000 {
			assert.Equal(t, 6500, o.VendorBps)
		}
	}
}

func TestToleranceBps(t *testing.T) {
	assert.Equal(t, 1000, ToleranceBps(10))
	assert.Equal(t, 0, ToleranceBps(-1))
	assert.Equal(t, 250, ToleranceBps(2.5))
}
