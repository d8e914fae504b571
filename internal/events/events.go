// Package events defines the domain events exchanged over the bus.
package events

import (
	"time"

	"github.com/prguard/engine/internal/models"
)

// Event sources.
const (
	SourceWebhook  = "prguard.webhook"
	SourceAnalyzer = "prguard.analyzer"
	SourceGate     = "prguard.gate"
	SourceExecutor = "prguard.executor"
)

// Event types.
const (
	TypePROpened           = "pr.opened"
	TypePRSynchronize      = "pr.synchronize"
	TypePRReopened         = "pr.reopened"
	TypeAnalysisComplete   = "analysis.complete"
	TypeDeploymentApproved = "deployment_approved"
	TypeDeploymentStatus   = "deployment.status"
)

// PRType returns the event type published for a pull request action.
func PRType(action string) string {
	return "pr." + action
}

// PullRequest identifies the pull request head commit an execution belongs to.
type PullRequest struct {
	ExecutionID  string `json:"executionId" validate:"required"`
	RepoFullName string `json:"repoFullName" validate:"required"`
	PRNumber     int    `json:"prNumber" validate:"gt=0"`
	HeadSHA      string `json:"headSha" validate:"required"`
	BaseSHA      string `json:"baseSha,omitempty"`
	Author       string `json:"author,omitempty"`
	Title        string `json:"title,omitempty"`
}

// PREvent is published by the gateway for every accepted pull request action.
type PREvent struct {
	PullRequest
	Action     string `json:"action"`
	DeliveryID string `json:"deliveryId,omitempty"`
}

// AnalysisMetadata describes how an analysis result was produced.
type AnalysisMetadata struct {
	Cached       bool `json:"cached"`
	FindingCount int  `json:"findingCount"`
}

// AnalysisComplete carries the risk assessment for an execution.
type AnalysisComplete struct {
	ExecutionID  string           `json:"executionId" validate:"required"`
	RepoFullName string           `json:"repoFullName" validate:"required"`
	PRNumber     int              `json:"prNumber" validate:"gt=0"`
	HeadSHA      string           `json:"headSha" validate:"required"`
	RiskScore    int              `json:"riskScore" validate:"gte=0,lte=100"`
	Findings     []models.Finding `json:"findings"`
	Metadata     AnalysisMetadata `json:"metadata"`
}

// DeploymentApproved is dispatched once per execution by the gate's bus strategy.
type DeploymentApproved struct {
	PullRequest
	DeploymentEnvironment string    `json:"deploymentEnvironment"`
	DeploymentStrategy    string    `json:"deploymentStrategy"`
	ApprovedAt            time.Time `json:"approvedAt"`
}

// DeploymentStatus reports deployment progress, from the executor or from an
// inbound deployment_status webhook.
type DeploymentStatus struct {
	ExecutionID           string `json:"executionId" validate:"required"`
	RepoFullName          string `json:"repoFullName,omitempty"`
	PRNumber              int    `json:"prNumber,omitempty"`
	DeploymentStatus      string `json:"deploymentStatus" validate:"required,oneof=deploying deployed failed"`
	DeploymentEnvironment string `json:"deploymentEnvironment,omitempty"`
	DeploymentStrategy    string `json:"deploymentStrategy,omitempty"`
	Message               string `json:"message,omitempty"`
}
