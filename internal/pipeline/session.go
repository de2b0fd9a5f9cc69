package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ironsheep/pillcount/internal/failure"
	"github.com/ironsheep/pillcount/internal/log"
	"github.com/ironsheep/pillcount/internal/present"
)

// Status is the presentation state of a Session.
type Status int

const (
	StatusIdle Status = iota
	StatusProcessing
	StatusReady
	StatusFailed
)

var statusNames = map[Status]string{
	StatusIdle:       "idle",
	StatusProcessing: "processing",
	StatusReady:      "ready",
	StatusFailed:     "failed",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// MarshalText encodes the status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrClosed is returned by Capture after Close.
var ErrClosed = errors.New("session closed")

// Runner executes one pipeline run. *Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, data []byte, params Params, progress ProgressFunc) (*Outcome, error)
}

// State is a snapshot of a Session.
type State struct {
	Status  Status   `json:"status"`
	Outcome *Outcome `json:"outcome,omitempty"`
	Err     error    `json:"-"`
}

// Session tracks the current result of one presenting view.
type Session struct {
	id        string
	runner    Runner
	presenter *present.Presenter
	logger    *slog.Logger

	mu      sync.Mutex
	token   string
	cancel  context.CancelFunc
	status  Status
	outcome *Outcome
	lastErr error
	closed  bool
}

// NewSession creates an idle session presenting through presenter.
func NewSession(id string, runner Runner, presenter *present.Presenter, logger *slog.Logger) *Session {
	if logger == nil {
		logger = log.L()
	}
	return &Session{
		id:        id,
		runner:    runner,
		presenter: presenter,
		logger:    logger.With("session", id),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Presenter returns the session's presenter.
func (s *Session) Presenter() *present.Presenter {
	return s.presenter
}

// Capture runs the pipeline on data and presents the result. Starting a
// capture cancels any capture still in flight; a run that has been
// superseded returns a Canceled failure and never acquires a handle.
func (s *Session) Capture(ctx context.Context, data []byte, params Params, progress ProgressFunc) (*Outcome, error) {
	token := params.Token
	if token == "" {
		token = uuid.NewString()
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, failure.New(failure.Canceled, "capture", ErrClosed)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.token = token
	s.cancel = cancel
	s.status = StatusProcessing
	s.lastErr = nil
	s.mu.Unlock()

	s.logger.Debug("capture started", "token", token, "bytes", len(data))

	report := monotonic(progress)
	out, err := s.runner.Run(runCtx, data, params, report)
	if err != nil {
		return nil, s.fail(token, err)
	}

	report(StepPresenting, "Preparing result")
	artifact, err := s.presenter.Encode(out.Result, out.Count)
	if err != nil {
		return nil, s.fail(token, failure.New(failure.Internal, "present", err))
	}

	s.mu.Lock()
	if s.token != token {
		s.mu.Unlock()
		s.logger.Debug("discarding superseded run", "token", token)
		return nil, failure.Newf(failure.Canceled, "capture", "run %s superseded", token)
	}
	s.presenter.Commit(artifact)
	out.Token = token
	out.Artifact = artifact.ID
	s.outcome = out
	s.status = StatusReady
	s.cancel = nil
	s.mu.Unlock()

	report(StepDone, "Done")
	return out, nil
}

// fail records err for a current run. Errors from superseded runs are
// reported as Canceled and leave the session untouched.
func (s *Session) fail(token string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != token {
		if failure.Is(err, failure.Canceled) {
			return err
		}
		return failure.New(failure.Canceled, "capture", err)
	}
	s.status = StatusFailed
	s.lastErr = err
	s.cancel = nil
	s.logger.Warn("capture failed", "kind", failure.KindOf(err), "error", err)
	return err
}

// Retake discards the current result and cancels any capture in flight. The
// current handle is released exactly once.
func (s *Session) Retake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// Close tears the session down. Later captures fail with ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	s.closed = true
}

// reset must be called with mu held.
func (s *Session) reset() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.token = ""
	s.status = StatusIdle
	s.outcome = nil
	s.lastErr = nil
	s.presenter.Close()
}

// Token returns the token of the run in flight or, once it is committed, of
// the presented run. It is empty after Retake.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Status: s.status, Outcome: s.outcome, Err: s.lastErr}
}
