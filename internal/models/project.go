package models

import "time"

// Project represents a tracked repository wired into the dashboard.
type Project struct {
	ID              string
	Name            string
	RepoURL         string
	WebhookURL      string
	OrgID           string // agent API organization, empty means the configured default
	DefaultBranch   string
	AutoMerge       bool
	AutoConfirmPlan bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
