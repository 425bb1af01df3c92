package sessions

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/Desarso/nbassist/models"
	"github.com/Desarso/nbassist/notebook"
	"go.uber.org/zap"
)

// Controller exposes Generate and Stop for one notebook and chains turns on
// kernel idle signals. Only one generation runs per notebook at a time.
type Controller struct {
	session *Session
	host    notebook.Host
	ui      UI
	factory models.BackendFactory
	driver  *Driver
	logger  *zap.Logger

	// turnMu keeps turns from overlapping.
	turnMu      sync.Mutex
	wg          sync.WaitGroup
	unsubscribe func()
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSession uses an existing session, for example one holding a preset key.
func WithSession(s *Session) Option {
	return func(c *Controller) {
		if s != nil {
			c.session = s
		}
	}
}

// WithTracer records every state transition.
func WithTracer(t TraceRecorder) Option {
	return func(c *Controller) { c.driver.tracer = t }
}

// WithModel overrides the backend's default model.
func WithModel(model string) Option {
	return func(c *Controller) { c.driver.model = model }
}

// WithNotebookID labels traces and logs.
func WithNotebookID(id string) Option {
	return func(c *Controller) { c.driver.notebookID = id }
}

// NewController wires a session to host. ui may be nil.
func NewController(host notebook.Host, ui UI, factory models.BackendFactory, opts ...Option) *Controller {
	if ui == nil {
		ui = nopUI{}
	}
	c := &Controller{
		session: NewSession(""),
		host:    host,
		ui:      ui,
		factory: factory,
		driver:  &Driver{host: host},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.driver.session = c.session
	c.driver.logger = c.logger.Named("driver")
	if c.driver.notebookID != "" {
		c.logger = c.logger.With(zap.String("notebook_id", c.driver.notebookID))
		c.driver.logger = c.driver.logger.With(zap.String("notebook_id", c.driver.notebookID))
	}
	c.unsubscribe = host.SubscribeKernelIdle(c.onKernelIdle)
	return c
}

func (c *Controller) Session() *Session { return c.session }

// Controls reports the current affordance visibility.
func (c *Controller) Controls() models.Controls { return c.session.Controls() }

// StartGeneratingCode starts a generation from the active cell's prompt. It
// returns once the first turn is scheduled.
func (c *Controller) StartGeneratingCode(ctx context.Context) error {
	if c.session.Generating() {
		return ErrAlreadyRunning
	}

	key := c.session.APIKey()
	if key == "" {
		entered, err := c.ui.PromptAPIKey(ctx)
		if err != nil {
			return err
		}
		key = strings.TrimSpace(entered)
		if key == "" {
			c.ui.ShowError(ErrMissingAPIKey.Error())
			return ErrMissingAPIKey
		}
		c.session.SetAPIKey(key)
	}

	if err := c.ensureBackend(key); err != nil {
		return err
	}

	prompt, err := c.host.ActiveCellSource(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(prompt) == "" {
		c.ui.ShowError(ErrMissingPrompt.Error())
		return ErrMissingPrompt
	}

	s := c.session
	s.mu.Lock()
	if s.generating {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.generating = true
	s.gen++
	gen := s.gen
	s.running = false
	s.cancelRequested = false
	s.lastCall = nil
	s.lastErr = nil
	s.done = make(chan struct{})
	s.mu.Unlock()

	c.logger.Info("generation started")
	c.ui.SetGenerating(true)

	if err := c.host.ChangeActiveCellType(ctx, models.CellMarkdown); err != nil {
		c.fail(gen, err)
		return err
	}
	if err := c.host.RunActiveCell(ctx); err != nil {
		c.fail(gen, err)
		return err
	}

	c.schedule(TriggerStart)
	return nil
}

// StopGeneratingCode cancels the generation. The in-flight stream is
// abandoned, no further turn starts and the Generate affordance returns
// immediately.
func (c *Controller) StopGeneratingCode() {
	s := c.session
	s.mu.Lock()
	if !s.generating {
		s.mu.Unlock()
		return
	}
	s.cancelRequested = true
	from, to, err := s.applyLocked(TriggerStop)
	done := s.finishLocked()
	s.mu.Unlock()

	if err == nil {
		c.logger.Info("generation stopped", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	c.ui.SetGenerating(false)
	close(done)
}

// Wait blocks until the current generation has ended.
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.session.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops any generation, detaches from the kernel and waits for
// scheduled turns to return.
func (c *Controller) Close() {
	c.StopGeneratingCode()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.wg.Wait()
}

func (c *Controller) ensureBackend(key string) error {
	s := c.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != nil {
		return nil
	}
	if c.factory == nil {
		return &AgentError{Message: "no completion backend configured", Fatal: true}
	}
	backend, err := c.factory(key)
	if err != nil {
		berr := &BackendError{Err: err}
		if berr.IsAuth() {
			s.apiKey = ""
		}
		c.ui.ShowError(err.Error())
		return berr
	}
	s.backend = backend
	return nil
}

func (c *Controller) onKernelIdle() {
	s := c.session
	s.mu.Lock()
	if !s.generating || !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	c.schedule(TriggerKernelIdle)
}

func (c *Controller) schedule(trigger Trigger) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runTurn(trigger)
	}()
}

func (c *Controller) runTurn(trigger Trigger) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	s := c.session
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	if !s.generating {
		s.mu.Unlock()
		return
	}
	gen := s.gen
	s.turnCancel = cancel
	s.mu.Unlock()

	err := c.driver.runTurn(ctx, gen, trigger)

	s.mu.Lock()
	// A stop, or a stop followed by a new start, ends this turn's generation.
	stopped := !s.currentLocked(gen)
	terminal := !s.state.Active()
	if !stopped {
		s.turnCancel = nil
	}
	s.mu.Unlock()

	switch {
	case stopped || errors.Is(err, errStopped):
		c.logger.Debug("turn ended after stop")
	case err != nil:
		c.fail(gen, err)
	case terminal:
		c.finish(gen)
	}
}

// finish ends generation gen successfully.
func (c *Controller) finish(gen uint64) {
	s := c.session
	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}
	done := s.finishLocked()
	s.mu.Unlock()
	if done != nil {
		c.logger.Info("generation finished")
		c.ui.SetGenerating(false)
		close(done)
	}
}

// fail ends generation gen with err, reporting it to the user. Credential
// failures clear the stored key and client. A generation that already ended
// is left alone.
func (c *Controller) fail(gen uint64, err error) {
	s := c.session
	tn := turnRef{gen: gen}
	if terr := applyTransition(s, c.driver.tracer, c.driver.logger, c.driver.notebookID, tn, TriggerFail, map[string]any{"error": err.Error()}); terr != nil {
		c.logger.Debug("failure after generation ended", zap.Error(err))
		return
	}

	s.mu.Lock()
	if !s.currentLocked(gen) {
		s.mu.Unlock()
		return
	}
	if IsAuthError(err) {
		s.apiKey = ""
		s.backend = nil
	}
	s.cancelRequested = false
	s.lastErr = err
	done := s.finishLocked()
	s.mu.Unlock()

	c.logger.Error("generation failed", zap.Error(err))
	c.ui.ShowError(err.Error())
	if done != nil {
		c.ui.SetGenerating(false)
		close(done)
	}
}

type nopUI struct{}

func (nopUI) PromptAPIKey(context.Context) (string, error) { return "", nil }
func (nopUI) ShowError(string)                            {}
func (nopUI) SetGenerating(bool)                          {}
