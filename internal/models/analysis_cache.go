package models

import (
	"time"

	"gorm.io/datatypes"
)

// AnalysisCache holds a previous analysis result keyed by the diff content hash.
type AnalysisCache struct {
	ContentHash string                       `gorm:"type:varchar(64);primaryKey" json:"contentHash"`
	Findings    datatypes.JSONSlice[Finding] `json:"findings"`
	RiskScore   int                          `gorm:"not null" json:"riskScore"`
	CreatedAt   time.Time                    `gorm:"not null" json:"createdAt"`
	ExpiresAt   time.Time                    `gorm:"not null;index" json:"ttl"`
}

func (AnalysisCache) TableName() string { return "analysis_cache" }
