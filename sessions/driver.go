package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Desarso/nbassist/models"
	"github.com/Desarso/nbassist/notebook"
	"github.com/Desarso/nbassist/stream"
	"github.com/Desarso/nbassist/transcript"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// errStopped ends a turn that lost the race with StopGeneratingCode.
var errStopped = errors.New("generation stopped")

// Driver runs single generation turns against a notebook host.
type Driver struct {
	host       notebook.Host
	session    *Session
	tracer     TraceRecorder
	logger     *zap.Logger
	model      string
	notebookID string
}

// NewDriver creates a driver. tracer may be nil.
func NewDriver(host notebook.Host, session *Session, tracer TraceRecorder, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{host: host, session: session, tracer: tracer, logger: logger.Named("driver")}
}

// RunTurn performs one generate, insert and execute cycle. trigger is
// TriggerStart for the first turn and TriggerKernelIdle for continuations.
// A nil error with a terminal session state means the loop is over; with
// StateAwaitingExecution the loop resumes on the next kernel idle signal.
func (d *Driver) RunTurn(ctx context.Context, trigger Trigger) error {
	d.session.mu.Lock()
	gen := d.session.gen
	d.session.mu.Unlock()
	return d.runTurn(ctx, gen, trigger)
}

// runTurn runs a turn on behalf of generation gen. Once gen is no longer the
// session's current generation every step returns errStopped.
func (d *Driver) runTurn(ctx context.Context, gen uint64, trigger Trigger) error {
	turnID := uuid.New().String()
	log := d.logger.With(zap.String("turn_id", turnID))
	tn := turnRef{id: turnID, gen: gen}

	if err := d.transition(tn, trigger, nil); err != nil {
		return err
	}

	d.session.mu.Lock()
	backend := d.session.backend
	d.session.mu.Unlock()
	if backend == nil {
		return &AgentError{Message: "no completion backend configured", Fatal: true}
	}

	msgs, err := transcript.Build(d.host, d.host.ActiveCellIndex())
	if err != nil {
		return fmt.Errorf("build transcript: %w", err)
	}
	if err := transcript.Validate(msgs); err != nil {
		return fmt.Errorf("build transcript: %w", err)
	}

	if err := d.host.InsertCellBelow(ctx); err != nil {
		return err
	}
	if err := d.host.ChangeActiveCellType(ctx, models.CellMarkdown); err != nil {
		return err
	}
	if err := d.host.ReplaceSelection(ctx, transcript.AssistantMarker+"\n"); err != nil {
		return err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Debug("requesting completion", zap.Int("messages", len(msgs)))
	events, errs := backend.StreamCompletion(streamCtx, models.CompletionRequest{
		Model:        d.model,
		Messages:     msgs,
		Functions:    []models.FunctionDeclaration{models.RunCodeDeclaration()},
		FunctionCall: "auto",
	})

	sink := &turnSink{driver: d, turn: tn}
	res, err := stream.NewRouter(sink, d.session, d.logger).Route(streamCtx, events, errs)
	if err != nil {
		if sink.err != nil || errors.Is(err, errStopped) {
			return err
		}
		if !d.session.isCurrent(gen) {
			// Stopped, and possibly restarted, while the stream was open.
			return errStopped
		}
		return &BackendError{Err: err}
	}
	if res.Cancelled {
		log.Info("turn cancelled")
		return errStopped
	}

	if res.FunctionArgs == "" {
		if !sink.began {
			if err := d.host.RunActiveCellAndInsertBelow(ctx); err != nil {
				return err
			}
		}
		return d.transition(tn, TriggerNoCode, nil)
	}

	code, ok := parseRunCode(res.FunctionArgs)
	if !ok {
		// Lenient fallback: the raw argument text goes into the cell as is.
		log.Warn("function arguments are not a run_code object, using raw text",
			zap.String("arguments", res.FunctionArgs))
		code = res.FunctionArgs
	}
	if err := d.host.SetActiveCellSource(ctx, code); err != nil {
		return err
	}

	d.session.mu.Lock()
	if !d.session.currentLocked(gen) {
		d.session.mu.Unlock()
		return errStopped
	}
	d.session.lastCall = &models.FunctionCall{Name: res.FunctionName, Arguments: res.FunctionArgs}
	d.session.running = true
	d.session.mu.Unlock()

	if err := d.transition(tn, TriggerCodeReady, map[string]any{"code": code}); err != nil {
		return err
	}
	if err := d.host.RunActiveCell(ctx); err != nil {
		d.session.mu.Lock()
		d.session.running = false
		d.session.mu.Unlock()
		return err
	}
	return nil
}

// parseRunCode extracts the cell source from run_code arguments. Shell code
// gets a cell magic so the kernel runs it with the shell.
func parseRunCode(args string) (string, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(args), &obj); err != nil {
		return "", false
	}
	code, ok := obj["code"].(string)
	if !ok {
		return "", false
	}
	if lang, _ := obj["language"].(string); lang == models.LanguageShell {
		code = "%%sh\n" + code
	}
	return code, true
}

// turnRef identifies a turn and the generation it belongs to.
type turnRef struct {
	id  string
	gen uint64
}

// transition applies t to the session and records it.
func (d *Driver) transition(tn turnRef, t Trigger, details map[string]any) error {
	return applyTransition(d.session, d.tracer, d.logger, d.notebookID, tn, t, details)
}

// applyTransition moves the state machine for tn's generation. Triggers are
// refused with errStopped once that generation has ended.
func applyTransition(s *Session, tracer TraceRecorder, logger *zap.Logger, notebookID string, tn turnRef, t Trigger, details map[string]any) error {
	s.mu.Lock()
	if !s.currentLocked(tn.gen) {
		s.mu.Unlock()
		return errStopped
	}
	from, to, err := s.applyLocked(t)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	logger.Debug("state transition",
		zap.String("turn_id", tn.id),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Stringer("trigger", t))

	if tracer != nil {
		rec := models.TransitionRecord{
			NotebookID: notebookID,
			TurnID:     tn.id,
			From:       from.String(),
			To:         to.String(),
			Trigger:    t.String(),
			Details:    details,
			At:         time.Now(),
		}
		if err := tracer.RecordTransition(context.Background(), rec); err != nil {
			logger.Warn("failed to record transition", zap.Error(err))
		}
	}
	return nil
}

// turnSink routes stream output into the notebook for one turn.
type turnSink struct {
	driver    *Driver
	turn      turnRef
	narrating bool
	began     bool
	err       error
}

func (s *turnSink) WriteNarrative(ctx context.Context, text string) error {
	if !s.narrating {
		s.narrating = true
		if err := s.driver.transition(s.turn, TriggerNarrative, nil); err != nil {
			return s.fail(err)
		}
	}
	if err := s.driver.host.ReplaceSelection(ctx, text); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *turnSink) BeginFunctionCall(ctx context.Context, name string) error {
	s.began = true
	if err := s.driver.transition(s.turn, TriggerFunctionCall, map[string]any{"function": name}); err != nil {
		return s.fail(err)
	}
	host := s.driver.host
	if err := host.RunActiveCellAndInsertBelow(ctx); err != nil {
		return s.fail(err)
	}
	if err := host.ChangeActiveCellType(ctx, models.CellCode); err != nil {
		return s.fail(err)
	}
	if err := host.AwaitCellReady(ctx); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *turnSink) fail(err error) error {
	s.err = err
	return err
}
