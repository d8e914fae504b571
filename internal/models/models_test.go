package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findings(critical, high, medium, low, info int) []Finding {
	var out []Finding
	add := func(n int, sev Severity) {
		for i := 0; i < n; i++ {
			out = append(out, Finding{Type: "security", Severity: sev, Title: string(sev)})
		}
	}
	add(critical, SeverityCritical)
	add(high, SeverityHigh)
	add(medium, SeverityMedium)
	add(low, SeverityLow)
	add(info, SeverityInfo)
	return out
}

func TestRiskScore(t *testing.T) {
	cases := []struct {
		name   string
		counts [5]int
		want   int
	}{
		{"no findings", [5]int{0, 0, 0, 0, 0}, 0},
		{"one critical", [5]int{1, 0, 0, 0, 0}, 30},
		{"four critical capped", [5]int{4, 0, 0, 0, 0}, 100},
		{"mixed", [5]int{0, 1, 2, 3, 4}, 15 + 14 + 9 + 4},
		{"info only", [5]int{0, 0, 0, 0, 7}, 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := tc.counts
			require.Equal(t, tc.want, RiskScore(findings(c[0], c[1], c[2], c[3], c[4])))
		})
	}
}

func TestRiskScoreIgnoresUnknownSeverity(t *testing.T) {
	require.Equal(t, 3, RiskScore([]Finding{{Severity: "bogus"}, {Severity: SeverityLow}}))
}

func TestExecutionID(t *testing.T) {
	id := ExecutionID("acme/payments", 42, "0123456789abcdef0123456789abcdef01234567")
	require.Equal(t, "acme-payments-42-0123456", id)
	require.Equal(t, id, ExecutionID("acme/payments", 42, "0123456ffffffffffffffff"))
	require.Equal(t, "acme-web-1-abc", ExecutionID("acme/web", 1, "abc"))
}

func TestCanTransition(t *testing.T) {
	path := []ExecutionStatus{StatusPending, StatusAnalyzing, StatusCompleted, StatusDeploying, StatusDeployed}
	for i := 1; i < len(path); i++ {
		assert.True(t, CanTransition(path[i-1], path[i]), "%s -> %s", path[i-1], path[i])
		assert.False(t, CanTransition(path[i], path[i-1]), "%s -> %s", path[i], path[i-1])
	}

	for _, s := range []ExecutionStatus{StatusPending, StatusAnalyzing, StatusCompleted, StatusDeploying} {
		assert.True(t, CanTransition(s, StatusFailed), "%s -> failed", s)
	}
	assert.False(t, CanTransition(StatusDeployed, StatusFailed))
	assert.False(t, CanTransition(StatusFailed, StatusDeploying))
	assert.False(t, CanTransition(StatusDeployed, StatusDeploying))
	assert.True(t, StatusDeployed.IsTerminal())
	assert.False(t, StatusCompleted.IsTerminal())
}

func TestExecutionStatusFor(t *testing.T) {
	s, ok := ExecutionStatusFor(DeploymentDeployed)
	require.True(t, ok)
	require.Equal(t, StatusDeployed, s)

	_, ok = ExecutionStatusFor("inactive")
	require.False(t, ok)
}
