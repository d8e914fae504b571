package services

import (
	"fmt"
	"strings"

	"github.com/prguard/engine/internal/models"
)

const commentMarker = "<!-- prguard -->"

var severityOrder = []models.Severity{
	models.SeverityCritical,
	models.SeverityHigh,
	models.SeverityMedium,
	models.SeverityLow,
	models.SeverityInfo,
}

// RiskLevel names the band score falls in relative to the gate thresholds.
func RiskLevel(score, autoApprove, deploy int) string {
	switch {
	case score < autoApprove:
		return "low"
	case score < deploy:
		return "moderate"
	default:
		return "high"
	}
}

// RenderFindingsComment renders the summary posted after every analysis.
func RenderFindingsComment(headSHA string, score int, findings []models.Finding, autoApprove, deploy int) string {
	var b strings.Builder
	b.WriteString(commentMarker + "\n")
	b.WriteString("## Risk assessment\n\n")
	fmt.Fprintf(&b, "Commit `%s` scored **%d/100** (%s risk).\n\n", shortSHA(headSHA), score, RiskLevel(score, autoApprove, deploy))

	if len(findings) == 0 {
		b.WriteString("No findings.\n")
	} else {
		counts := models.CountBySeverity(findings)
		parts := make([]string, 0, len(severityOrder))
		for _, s := range severityOrder {
			if counts[s] > 0 {
				parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
			}
		}
		fmt.Fprintf(&b, "%d findings: %s.\n\n", len(findings), strings.Join(parts, ", "))
		b.WriteString("| Severity | Type | Finding |\n")
		b.WriteString("|---|---|---|\n")
		for _, f := range findings {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", f.Severity, escapeCell(f.Type), escapeCell(f.Title))
		}
		for _, f := range findings {
			if f.Description == "" && f.Suggestion == "" {
				continue
			}
			fmt.Fprintf(&b, "\n<details><summary>%s</summary>\n\n", escapeCell(f.Title))
			if f.Description != "" {
				b.WriteString(f.Description + "\n")
			}
			if f.Suggestion != "" {
				fmt.Fprintf(&b, "\nSuggestion: %s\n", f.Suggestion)
			}
			b.WriteString("\n</details>\n")
		}
	}

	fmt.Fprintf(&b, "\nAuto-approve below %d, deploy below %d.\n", autoApprove, deploy)
	return b.String()
}

// RenderCompletionComment renders the note posted when a deployment finishes.
func RenderCompletionComment(e *models.Execution) string {
	env := e.DeploymentEnvironment
	if env == "" {
		env = "the target environment"
	}
	var b strings.Builder
	b.WriteString(commentMarker + "\n")
	switch e.DeploymentStatus {
	case models.DeploymentDeployed:
		fmt.Fprintf(&b, "Deployment of `%s` to %s succeeded.\n", shortSHA(e.HeadSHA), env)
	default:
		fmt.Fprintf(&b, "Deployment of `%s` to %s failed.\n", shortSHA(e.HeadSHA), env)
	}
	if e.DeploymentMessage != "" {
		fmt.Fprintf(&b, "\n> %s\n", e.DeploymentMessage)
	}
	return b.String()
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func escapeCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}
