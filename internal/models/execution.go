package models

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// ExecutionStatus is the lifecycle state of an execution record.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusAnalyzing ExecutionStatus = "analyzing"
	StatusCompleted ExecutionStatus = "completed"
	StatusDeploying ExecutionStatus = "deploying"
	StatusDeployed  ExecutionStatus = "deployed"
	StatusFailed    ExecutionStatus = "failed"
)

// predecessors lists, for each status, the states a record may be in when that
// status is written. Writing a status onto itself is allowed so redeliveries stay
// idempotent.
var predecessors = map[ExecutionStatus][]ExecutionStatus{
	StatusPending:   {StatusPending},
	StatusAnalyzing: {StatusPending, StatusAnalyzing},
	StatusCompleted: {StatusAnalyzing, StatusCompleted},
	StatusDeploying: {StatusCompleted, StatusDeploying},
	StatusDeployed:  {StatusDeploying, StatusDeployed},
	StatusFailed:    {StatusPending, StatusAnalyzing, StatusCompleted, StatusDeploying, StatusFailed},
}

// Predecessors returns the statuses from which s may be entered.
func (s ExecutionStatus) Predecessors() []ExecutionStatus {
	return predecessors[s]
}

// CanTransition reports whether a record in status from may move to to.
func CanTransition(from, to ExecutionStatus) bool {
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further analysis or deployment transition leaves s.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusDeployed || s == StatusFailed
}

// Deployment sub-lifecycle values stored in DeploymentStatus.
const (
	DeploymentDeploying = "deploying"
	DeploymentDeployed  = "deployed"
	DeploymentFailed    = "failed"
)

// ExecutionStatusFor maps a deployment status onto the record status that moves with it.
func ExecutionStatusFor(deploymentStatus string) (ExecutionStatus, bool) {
	switch deploymentStatus {
	case DeploymentDeploying:
		return StatusDeploying, true
	case DeploymentDeployed:
		return StatusDeployed, true
	case DeploymentFailed:
		return StatusFailed, true
	}
	return "", false
}

// Execution is one analysis-and-optional-deployment attempt for a PR head commit.
type Execution struct {
	ExecutionID  string `gorm:"type:varchar(255);primaryKey" json:"executionId"`
	RepoFullName string `gorm:"type:varchar(255);not null;index:idx_executions_repo_pr,priority:1;index:idx_executions_repo_time,priority:1" json:"repoFullName"`
	PRNumber     int    `gorm:"not null;index:idx_executions_repo_pr,priority:2" json:"prNumber"`
	HeadSHA      string `gorm:"type:varchar(64);not null" json:"headSha"`
	BaseSHA      string `gorm:"type:varchar(64)" json:"baseSha"`
	Author       string `gorm:"type:varchar(255)" json:"author"`
	Title        string `gorm:"type:text" json:"title"`

	Status    ExecutionStatus              `gorm:"type:varchar(32);not null;index" json:"status"`
	RiskScore *int                         `json:"riskScore,omitempty"`
	Findings  datatypes.JSONSlice[Finding] `json:"findings,omitempty"`

	DeploymentStatus      string     `gorm:"type:varchar(32)" json:"deploymentStatus,omitempty"`
	DeploymentEnvironment string     `gorm:"type:varchar(64)" json:"deploymentEnvironment,omitempty"`
	DeploymentStrategy    string     `gorm:"type:varchar(32)" json:"deploymentStrategy,omitempty"`
	DeploymentApprovedAt  *time.Time `json:"deploymentApprovedAt,omitempty"`
	DeploymentStartedAt   *time.Time `json:"deploymentStartedAt,omitempty"`
	DeploymentCompletedAt *time.Time `json:"deploymentCompletedAt,omitempty"`
	DeploymentMessage     string     `gorm:"type:text" json:"deploymentMessage,omitempty"`

	Timestamp time.Time `gorm:"column:created_at;not null;index;index:idx_executions_repo_time,priority:2" json:"timestamp"`
	UpdatedAt time.Time `gorm:"not null" json:"updatedAt"`
	ExpiresAt time.Time `gorm:"not null;index" json:"ttl"`
}

func (Execution) TableName() string { return "executions" }

// ExecutionID derives the deterministic identifier for a PR head commit, so
// redeliveries for the same commit collide on the primary key.
func ExecutionID(repoFullName string, prNumber int, headSHA string) string {
	short := headSHA
	if len(short) > 7 {
		short = short[:7]
	}
	return fmt.Sprintf("%s-%d-%s", strings.ReplaceAll(repoFullName, "/", "-"), prNumber, short)
}
