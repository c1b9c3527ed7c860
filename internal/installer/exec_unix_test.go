//go:build !windows

package installer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExecRunner_RealCommands(t *testing.T) {
	dir := workspaceWith(t, "requirements.txt")

	ok := New(Options{Manifests: []Manifest{{File: "requirements.txt", Command: []string{"true"}}}})
	assert.Equal(t, Installed, ok.Install(context.Background(), dir).Status)

	fail := New(Options{Manifests: []Manifest{{File: "requirements.txt", Command: []string{"false"}}}})
	assert.Equal(t, Failed, fail.Install(context.Background(), dir).Status)

	slow := New(Options{
		Manifests: []Manifest{{File: "requirements.txt", Command: []string{"sleep", "5"}}},
		Timeout:   50 * time.Millisecond,
	})
	start := time.Now()
	assert.Equal(t, TimedOut, slow.Install(context.Background(), dir).Status)
	assert.Less(t, time.Since(start), 4*time.Second)
}
