package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultBranch is the branch fetched when none is given.
const DefaultBranch = "main"

// Project is the persisted record of one deployed project.
//
// SourceURL and Branch are fixed at creation. Refresh only touches the
// timestamps and counters.
type Project struct {
	Name          string    `json:"name"`
	SourceURL     string    `json:"repo_url"`
	Branch        string    `json:"branch"`
	WorkspacePath string    `json:"path"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_update"`
	DeployCount   int       `json:"deploy_count"`
	UpdateCount   int       `json:"update_count"`
}

// legacyTimeLayout is how older store files wrote timestamps, in local time.
const legacyTimeLayout = "2006-01-02 15:04:05"

// UnmarshalJSON accepts RFC 3339 timestamps as well as the legacy
// "2006-01-02 15:04:05" layout.
func (p *Project) UnmarshalJSON(data []byte) error {
	type plain Project
	aux := struct {
		*plain
		CreatedAt     flexTime `json:"created_at"`
		LastUpdatedAt flexTime `json:"last_update"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.CreatedAt = aux.CreatedAt.Time
	p.LastUpdatedAt = aux.LastUpdatedAt.Time
	return nil
}

type flexTime struct{ time.Time }

func (t *flexTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, legacyTimeLayout} {
		if v, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

// Clone returns a copy that is safe to hand to callers.
func (p *Project) Clone() *Project {
	c := *p
	return &c
}

// WorkspaceMetrics are computed on demand by walking a workspace.
type WorkspaceMetrics struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// ProjectView is a project record optionally enriched with live metrics.
type ProjectView struct {
	*Project
	Metrics *WorkspaceMetrics `json:"metrics,omitempty"`
}

// UnmarshalJSON decodes the flattened record and its metrics. Without it the
// embedded Project's decoder would be promoted and drop Metrics.
func (v *ProjectView) UnmarshalJSON(data []byte) error {
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var extra struct {
		Metrics *WorkspaceMetrics `json:"metrics"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	v.Project = &p
	v.Metrics = extra.Metrics
	return nil
}
