package models

import "time"

// DeploymentAction is the lifecycle operation a deployment record describes.
type DeploymentAction string

const (
	ActionCreate  DeploymentAction = "create"
	ActionRefresh DeploymentAction = "refresh"
	ActionDelete  DeploymentAction = "delete"
)

// DeploymentStatus is the outcome of a lifecycle operation.
type DeploymentStatus string

const (
	DeploymentSuccess  DeploymentStatus = "success"
	DeploymentDegraded DeploymentStatus = "degraded"
	DeploymentFailed   DeploymentStatus = "failed"
)

// Deployment is one row of deployment history.
type Deployment struct {
	ID            string           `json:"id"`
	Project       string           `json:"project"`
	Action        DeploymentAction `json:"action"`
	Trigger       string           `json:"trigger"`
	Status        DeploymentStatus `json:"status"`
	Error         string           `json:"error,omitempty"`
	InstallStatus string           `json:"install_status,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
}

// Duration returns how long the operation took.
func (d *Deployment) Duration() time.Duration {
	if d.FinishedAt.IsZero() {
		return 0
	}
	return d.FinishedAt.Sub(d.StartedAt)
}
