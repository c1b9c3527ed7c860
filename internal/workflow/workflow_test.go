package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/dm/internal/deploy"
	"github.com/joescharf/dm/internal/deploy/deploytest"
	"github.com/joescharf/dm/internal/fetch"
	"github.com/joescharf/dm/internal/store"
)

const operator = "1001"

func newTestMachine(t *testing.T, opts Options) (*Machine, *deploy.Orchestrator, *deploytest.FakeFetcher) {
	t.Helper()
	dir := t.TempDir()
	fs, err := store.NewFileStore(filepath.Join(dir, "projects.json"), nil)
	require.NoError(t, err)

	fetcher := deploytest.NewFakeFetcher(deploytest.TwoFileTree())
	fetcher.RejectHosts = []string{"unsupported.example"}
	o, err := deploy.New(deploy.Options{
		Store:       fs,
		Fetcher:     fetcher,
		Installer:   deploytest.NewFakeInstaller(),
		ProjectsDir: filepath.Join(dir, "projects"),
	})
	require.NoError(t, err)
	return New(o, opts), o, fetcher
}

func start(t *testing.T, m *Machine) {
	t.Helper()
	r := m.Handle(context.Background(), operator, Input{Intent: IntentDeployStart})
	require.Equal(t, StageAwaitingName, r.Stage)
}

func TestTextWithoutSessionIsIgnored(t *testing.T) {
	m, o, _ := newTestMachine(t, Options{})

	r := m.Handle(context.Background(), operator, Input{Text: "hello"})
	assert.True(t, r.Ignored)
	assert.NoError(t, r.Err)
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, o.List(false))
}

func TestUnsupportedHostKeepsStage(t *testing.T) {
	m, o, fetcher := newTestMachine(t, Options{})
	start(t, m)

	r := m.Handle(context.Background(), operator, Input{Text: "x"})
	assert.Equal(t, StageAwaitingSourceURL, r.Stage)

	r = m.Handle(context.Background(), operator, Input{Text: "https://unsupported.example/alice/x"})
	assert.True(t, r.Retryable)
	assert.Equal(t, StageAwaitingSourceURL, r.Stage)
	assert.Equal(t, deploy.KindFetch, r.Kind)
	assert.Equal(t, fetch.UnsupportedHost, fetch.KindOf(r.Err))

	s, ok := m.Session(operator)
	require.True(t, ok)
	assert.Equal(t, StageAwaitingSourceURL, s.Stage)
	assert.Empty(t, o.List(false))
	assert.Equal(t, 0, fetcher.Calls())

	r = m.Handle(context.Background(), operator, Input{Text: "https://codehost.example/alice/x"})
	assert.False(t, r.Retryable)
	assert.Equal(t, StageAwaitingBranch, r.Stage)
	assert.Contains(t, r.Message, "main")
}

func TestFullFlowCreatesProject(t *testing.T) {
	m, o, _ := newTestMachine(t, Options{})
	start(t, m)
	ctx := context.Background()

	m.Handle(ctx, operator, Input{Text: "  demo "})
	m.Handle(ctx, operator, Input{Text: "https://codehost.example/alice/demo"})
	r := m.Handle(ctx, operator, Input{Text: "release"})

	require.NoError(t, r.Err)
	assert.True(t, r.Done)
	assert.Equal(t, Stage(""), r.Stage)
	require.NotNil(t, r.Outcome)
	assert.Equal(t, "release", r.Outcome.Project.Branch)
	assert.Contains(t, r.Message, "deployed demo")
	assert.Equal(t, 0, m.Len())

	rec, err := o.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, "https://codehost.example/alice/demo", rec.SourceURL)
}

func TestUseDefaultBranch(t *testing.T) {
	m, o, _ := newTestMachine(t, Options{})
	ctx := context.Background()

	r := m.Handle(ctx, operator, Input{Intent: IntentUseDefaultBranch})
	assert.True(t, r.Ignored)

	start(t, m)
	r = m.Handle(ctx, operator, Input{Intent: IntentUseDefaultBranch})
	assert.True(t, r.Retryable)
	assert.Equal(t, StageAwaitingName, r.Stage)

	m.Handle(ctx, operator, Input{Text: "demo"})
	m.Handle(ctx, operator, Input{Text: "https://codehost.example/alice/demo"})
	r = m.Handle(ctx, operator, Input{Intent: IntentUseDefaultBranch})
	require.NoError(t, r.Err)
	assert.True(t, r.Done)

	rec, err := o.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, "main", rec.Branch)
}

func TestNameRejections(t *testing.T) {
	m, o, _ := newTestMachine(t, Options{})
	ctx := context.Background()
	_, err := o.Create(ctx, "taken", "https://codehost.example/alice/taken", "")
	require.NoError(t, err)
	start(t, m)

	r := m.Handle(ctx, operator, Input{Text: "   "})
	assert.True(t, r.Retryable)
	assert.Equal(t, deploy.KindValidation, r.Kind)
	assert.Equal(t, StageAwaitingName, r.Stage)

	r = m.Handle(ctx, operator, Input{Text: "taken"})
	assert.True(t, r.Retryable)
	assert.Equal(t, deploy.KindAlreadyExists, r.Kind)
	assert.Equal(t, StageAwaitingName, r.Stage)

	r = m.Handle(ctx, operator, Input{Text: "fresh"})
	assert.Equal(t, StageAwaitingSourceURL, r.Stage)
}

func TestCreateFailureConsumesSession(t *testing.T) {
	m, o, fetcher := newTestMachine(t, Options{})
	ctx := context.Background()
	fetcher.SetErr(&fetch.Error{Kind: fetch.DownloadFailed, Err: errors.New("HTTP 404")})
	start(t, m)

	m.Handle(ctx, operator, Input{Text: "demo"})
	m.Handle(ctx, operator, Input{Text: "https://codehost.example/alice/demo"})
	r := m.Handle(ctx, operator, Input{Text: "missing-branch"})

	assert.True(t, r.Done)
	require.Error(t, r.Err)
	assert.Equal(t, deploy.KindFetch, r.Kind)
	assert.Contains(t, r.Message, "failed")
	assert.Equal(t, 0, m.Len())
	assert.False(t, o.Exists("demo"))

	r = m.Handle(ctx, operator, Input{Text: "main"})
	assert.True(t, r.Ignored, "operator must restart the flow")
}

func TestCancelFromAnyStage(t *testing.T) {
	m, _, _ := newTestMachine(t, Options{})
	ctx := context.Background()

	r := m.Handle(ctx, operator, Input{Intent: IntentCancel})
	assert.Equal(t, "Nothing to cancel.", r.Message)

	for _, inputs := range [][]string{nil, {"demo"}, {"demo", "https://codehost.example/alice/demo"}} {
		start(t, m)
		for _, text := range inputs {
			m.Handle(ctx, operator, Input{Text: text})
		}
		r := m.Handle(ctx, operator, Input{Intent: IntentCancel})
		assert.Equal(t, "Deploy cancelled.", r.Message)
		_, ok := m.Session(operator)
		assert.False(t, ok)
	}
}

func TestStartResetsSession(t *testing.T) {
	m, _, _ := newTestMachine(t, Options{})
	start(t, m)
	m.Handle(context.Background(), operator, Input{Text: "demo"})
	start(t, m)

	s, ok := m.Session(operator)
	require.True(t, ok)
	assert.Equal(t, StageAwaitingName, s.Stage)
	assert.Empty(t, s.Name)
}

func TestSessionsArePerOperator(t *testing.T) {
	m, _, _ := newTestMachine(t, Options{})
	ctx := context.Background()
	m.Handle(ctx, "a", Input{Intent: IntentDeployStart})
	m.Handle(ctx, "b", Input{Intent: IntentDeployStart})
	m.Handle(ctx, "a", Input{Text: "alpha"})

	sa, _ := m.Session("a")
	sb, _ := m.Session("b")
	assert.Equal(t, StageAwaitingSourceURL, sa.Stage)
	assert.Equal(t, StageAwaitingName, sb.Stage)
	assert.Equal(t, 2, m.Len())
}

func TestOperatorAllowlist(t *testing.T) {
	m, _, _ := newTestMachine(t, Options{Operators: []string{"1001"}})

	r := m.Handle(context.Background(), "2002", Input{Intent: IntentDeployStart})
	assert.ErrorIs(t, r.Err, ErrUnauthorized)
	assert.Equal(t, 0, m.Len())
	assert.True(t, m.Allowed("1001"))
	assert.False(t, m.Allowed("2002"))
}

func TestUnknownIntent(t *testing.T) {
	m, _, _ := newTestMachine(t, Options{})
	r := m.Handle(context.Background(), operator, Input{Intent: "launch"})
	assert.True(t, r.Retryable)
	assert.Equal(t, deploy.KindValidation, r.Kind)
}

func TestSessionConsumedOnce(t *testing.T) {
	m, o, fetcher := newTestMachine(t, Options{})
	ctx := context.Background()
	start(t, m)
	m.Handle(ctx, operator, Input{Text: "demo"})
	m.Handle(ctx, operator, Input{Text: "https://codehost.example/alice/demo"})

	var wg sync.WaitGroup
	replies := make([]Reply, 4)
	for i := range replies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replies[i] = m.Handle(ctx, operator, Input{Text: "main"})
		}()
	}
	wg.Wait()

	done := 0
	for _, r := range replies {
		if r.Done {
			done++
			continue
		}
		assert.True(t, r.Ignored)
	}
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, fetcher.Calls())
	assert.True(t, o.Exists("demo"))
}
