package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProject_UnmarshalLegacyTimestamp(t *testing.T) {
	var p Project
	err := json.Unmarshal([]byte(`{"repo_url":"https://github.com/a/b","branch":"main","path":"/srv/b","last_update":"2024-03-01 09:30:00"}`), &p)
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/a/b", p.SourceURL)
	assert.Equal(t, "/srv/b", p.WorkspacePath)
	assert.True(t, p.CreatedAt.IsZero())
	assert.True(t, time.Date(2024, 3, 1, 9, 30, 0, 0, time.Local).Equal(p.LastUpdatedAt))
}

func TestProject_RoundTripsRFC3339(t *testing.T) {
	in := Project{
		Name:          "demo",
		SourceURL:     "https://github.com/a/demo",
		Branch:        "main",
		CreatedAt:     time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
		LastUpdatedAt: time.Date(2026, 10, 19, 13, 0, 0, 0, time.UTC),
		DeployCount:   1,
		UpdateCount:   2,
	}
	data, err := json.Marshal(&in)
	require.NoError(t, err)

	var out Project
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.True(t, in.LastUpdatedAt.Equal(out.LastUpdatedAt))
	assert.Equal(t, in.UpdateCount, out.UpdateCount)
}

func TestProject_RejectsGarbageTimestamp(t *testing.T) {
	var p Project
	err := json.Unmarshal([]byte(`{"last_update":"yesterday"}`), &p)
	assert.Error(t, err)
}

func TestProjectView_UnmarshalKeepsMetrics(t *testing.T) {
	var v ProjectView
	err := json.Unmarshal([]byte(`{"name":"demo","branch":"main","metrics":{"files":2,"bytes":20}}`), &v)
	require.NoError(t, err)

	require.NotNil(t, v.Project)
	assert.Equal(t, "demo", v.Name)
	require.NotNil(t, v.Metrics)
	assert.Equal(t, 2, v.Metrics.Files)
	assert.Equal(t, int64(20), v.Metrics.Bytes)
}
