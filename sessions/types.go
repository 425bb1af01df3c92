package sessions

import (
	"context"
	"sync"

	"github.com/Desarso/nbassist/models"
)

// UI is the user-facing side of a session.
type UI interface {
	// PromptAPIKey asks the user for an API key. An empty result means the
	// user declined.
	PromptAPIKey(ctx context.Context) (string, error)
	// ShowError reports a failure to the user.
	ShowError(message string)
	// SetGenerating switches between the Generate and Stop affordances.
	SetGenerating(generating bool)
}

// TraceRecorder records state machine transitions. *stores.GORMTraceStore
// satisfies it.
type TraceRecorder interface {
	RecordTransition(ctx context.Context, rec models.TransitionRecord) error
}

// Session is the mutable state of one notebook's assistant. It is shared by
// the controller, the driver and UI callbacks arriving on other goroutines.
type Session struct {
	mu sync.Mutex

	apiKey  string
	backend models.Backend

	// generating is true from Start until the loop terminates.
	generating bool
	// running is true while a submitted code cell has not finished.
	running         bool
	cancelRequested bool
	state           State
	// gen identifies the current generation loop; Start increments it.
	gen             uint64
	lastCall        *models.FunctionCall
	lastErr         error

	turnCancel context.CancelFunc
	done       chan struct{}
}

// NewSession creates an idle session, optionally with a preset API key.
func NewSession(apiKey string) *Session {
	done := make(chan struct{})
	close(done)
	return &Session{apiKey: apiKey, state: StateIdle, done: done}
}

func (s *Session) APIKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiKey
}

// SetAPIKey stores a key and drops any client built with the previous one.
func (s *Session) SetAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key != s.apiKey {
		s.backend = nil
	}
	s.apiKey = key
}

// ClearCredentials forgets the API key and the client built from it.
func (s *Session) ClearCredentials() {
	s.mu.Lock()
	s.apiKey = ""
	s.backend = nil
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Generating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generating
}

func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastFunctionCall returns the most recent run_code call, if any.
func (s *Session) LastFunctionCall() *models.FunctionCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastCall == nil {
		return nil
	}
	fc := *s.lastCall
	return &fc
}

// Err returns the error that ended the last generation, if it failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ConsumeCancel reports whether a stop was requested and clears the request.
func (s *Session) ConsumeCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	requested := s.cancelRequested
	s.cancelRequested = false
	return requested
}

// Controls reports which affordance the UI should show.
func (s *Session) Controls() models.Controls {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.Controls{
		GenerateVisible: !s.generating,
		StopVisible:     s.generating,
		State:           s.state.String(),
	}
}

// Done returns a channel closed when the current generation loop ends.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked(gen)
}

// currentLocked reports whether generation gen is still running; s.mu must
// be held.
func (s *Session) currentLocked(gen uint64) bool {
	return s.generating && s.gen == gen
}

// apply moves the state machine; s.mu must be held.
func (s *Session) applyLocked(t Trigger) (from, to State, err error) {
	from = s.state
	to, err = Transition(from, t)
	if err != nil {
		return from, from, err
	}
	s.state = to
	return from, to, nil
}

// finishLocked ends the generation loop; s.mu must be held. It returns the
// loop's done channel, or nil if the loop had already ended. The caller
// closes it once the UI has been told.
func (s *Session) finishLocked() chan struct{} {
	if !s.generating {
		return nil
	}
	s.generating = false
	s.running = false
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	return s.done
}
