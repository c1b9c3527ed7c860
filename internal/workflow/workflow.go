// Package workflow drives the multi-turn deploy conversation: collect a
// name, then a source URL, then a branch, then create the project.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/dm/internal/deploy"
)

// Stage is the piece of input a session is waiting for.
type Stage string

const (
	StageAwaitingName      Stage = "awaiting_name"
	StageAwaitingSourceURL Stage = "awaiting_source_url"
	StageAwaitingBranch    Stage = "awaiting_branch"
)

// Intent is a button press, as opposed to free text.
type Intent string

const (
	IntentDeployStart      Intent = "deploy_start"
	IntentCancel           Intent = "cancel"
	IntentUseDefaultBranch Intent = "use_default_branch"
)

// ErrUnauthorized is returned for operators outside the allowlist.
var ErrUnauthorized = errors.New("operator is not allowed to deploy")

// Input is one message from an operator. Intent wins over Text.
type Input struct {
	Text   string `json:"text,omitempty"`
	Intent Intent `json:"intent,omitempty"`
}

// Session is the partially collected Create request of one operator.
type Session struct {
	Operator  string    `json:"operator"`
	Stage     Stage     `json:"stage"`
	Name      string    `json:"name,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Reply tells the transport what to show the operator.
type Reply struct {
	// Stage is the session's stage after the input, or "" when no session
	// remains.
	Stage   Stage  `json:"stage,omitempty"`
	Message string `json:"message"`
	// Retryable marks rejected input; the session stays where it was.
	Retryable bool `json:"retryable,omitempty"`
	// Ignored is set for free text that arrives with no session.
	Ignored bool `json:"ignored,omitempty"`
	// Done is set once Create has been attempted.
	Done    bool            `json:"done,omitempty"`
	Outcome *deploy.Outcome `json:"outcome,omitempty"`
	Kind    deploy.Kind     `json:"kind,omitempty"`
	Err     error           `json:"-"`
}

// Deployer is the part of the orchestrator the conversation needs.
type Deployer interface {
	ValidateName(name string) error
	ValidateSource(sourceURL string) error
	Exists(name string) bool
	DefaultBranch() string
	Create(ctx context.Context, name, sourceURL, branch string) (*deploy.Outcome, error)
}

// Options configures a Machine.
type Options struct {
	// Operators, when non-empty, is the allowlist of operator identities.
	Operators []string
	Now       func() time.Time
	Logger    *slog.Logger
}

// Machine holds one session per operator. It is safe for concurrent use.
type Machine struct {
	deployer  Deployer
	operators map[string]bool
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New returns a Machine creating projects through d.
func New(d Deployer, opts Options) *Machine {
	m := &Machine{
		deployer: d,
		now:      opts.Now,
		logger:   opts.Logger,
		sessions: make(map[string]*Session),
	}
	if len(opts.Operators) > 0 {
		m.operators = make(map[string]bool, len(opts.Operators))
		for _, op := range opts.Operators {
			m.operators[strings.TrimSpace(op)] = true
		}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Allowed reports whether operator may use the workflow.
func (m *Machine) Allowed(operator string) bool {
	return m.operators == nil || m.operators[operator]
}

// Session returns a copy of operator's session.
func (m *Machine) Session(operator string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[operator]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Len returns the number of open sessions.
func (m *Machine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Handle advances operator's session by one input.
func (m *Machine) Handle(ctx context.Context, operator string, in Input) Reply {
	if !m.Allowed(operator) {
		m.logger.Warn("workflow: rejected operator", "operator", operator)
		return Reply{Message: "You are not allowed to deploy.", Err: ErrUnauthorized}
	}

	switch in.Intent {
	case IntentDeployStart:
		return m.start(operator)
	case IntentCancel:
		return m.cancel(operator)
	case IntentUseDefaultBranch:
		return m.useDefaultBranch(ctx, operator)
	case "":
		return m.text(ctx, operator, strings.TrimSpace(in.Text))
	default:
		return Reply{Message: fmt.Sprintf("Unknown action %q.", in.Intent), Retryable: true, Kind: deploy.KindValidation}
	}
}

func (m *Machine) start(operator string) Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[operator] = &Session{Operator: operator, Stage: StageAwaitingName, StartedAt: m.now()}
	return Reply{Stage: StageAwaitingName, Message: "Send the project name."}
}

func (m *Machine) cancel(operator string) Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[operator]; !ok {
		return Reply{Message: "Nothing to cancel."}
	}
	delete(m.sessions, operator)
	return Reply{Message: "Deploy cancelled."}
}

func (m *Machine) useDefaultBranch(ctx context.Context, operator string) Reply {
	m.mu.Lock()
	s, ok := m.sessions[operator]
	if !ok {
		m.mu.Unlock()
		return Reply{Ignored: true, Message: "No deploy in progress."}
	}
	if s.Stage != StageAwaitingBranch {
		stage := s.Stage
		m.mu.Unlock()
		return Reply{Stage: stage, Retryable: true, Message: "The default branch can only be chosen at the branch step."}
	}
	delete(m.sessions, operator)
	m.mu.Unlock()

	return m.complete(ctx, *s, m.deployer.DefaultBranch())
}

func (m *Machine) text(ctx context.Context, operator, text string) Reply {
	m.mu.Lock()
	s, ok := m.sessions[operator]
	if !ok {
		m.mu.Unlock()
		return Reply{Ignored: true}
	}

	switch s.Stage {
	case StageAwaitingName:
		defer m.mu.Unlock()
		if err := m.deployer.ValidateName(text); err != nil {
			return retry(s.Stage, err)
		}
		if m.deployer.Exists(text) {
			return Reply{
				Stage:     s.Stage,
				Retryable: true,
				Kind:      deploy.KindAlreadyExists,
				Message:   fmt.Sprintf("A project named %q already exists. Send another name.", text),
			}
		}
		s.Name = text
		s.Stage = StageAwaitingSourceURL
		return Reply{Stage: s.Stage, Message: fmt.Sprintf("Project %s. Send the repository URL.", text)}

	case StageAwaitingSourceURL:
		defer m.mu.Unlock()
		if err := m.deployer.ValidateSource(text); err != nil {
			return retry(s.Stage, err)
		}
		s.SourceURL = text
		s.Stage = StageAwaitingBranch
		return Reply{
			Stage:   s.Stage,
			Message: fmt.Sprintf("Send the branch to deploy, or use the default (%s).", m.deployer.DefaultBranch()),
		}

	default:
		delete(m.sessions, operator)
		m.mu.Unlock()
		branch := text
		if branch == "" {
			branch = m.deployer.DefaultBranch()
		}
		return m.complete(ctx, *s, branch)
	}
}

// complete runs Create for a session that has already been removed from
// the table, so a session is consumed exactly once.
func (m *Machine) complete(ctx context.Context, s Session, branch string) Reply {
	ctx = deploy.WithTrigger(ctx, deploy.TriggerChat)
	out, err := m.deployer.Create(ctx, s.Name, s.SourceURL, branch)
	if err != nil {
		m.logger.Info("workflow: deploy failed", "operator", s.Operator, "project", s.Name, "error", err)
		return Reply{
			Done:    true,
			Kind:    deploy.KindOf(err),
			Err:     err,
			Message: fmt.Sprintf("Deploy of %s failed: %v. Start again to retry.", s.Name, err),
		}
	}
	return Reply{Done: true, Outcome: out, Message: out.Summary()}
}

func retry(stage Stage, err error) Reply {
	return Reply{Stage: stage, Retryable: true, Kind: deploy.KindOf(err), Err: err, Message: err.Error()}
}
