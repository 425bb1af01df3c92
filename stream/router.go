// Package stream routes an incremental completion stream into notebook cells.
package stream

import (
	"context"
	"strings"

	"github.com/Desarso/nbassist/models"
	"go.uber.org/zap"
)

// Mode is the router's current destination for incoming text.
type Mode int

const (
	ModeNarrative Mode = iota
	ModeFunctionCall
)

// Canceller exposes the one-shot stop request of a session. ConsumeCancel
// reports whether a stop was requested and clears the request.
type Canceller interface {
	ConsumeCancel() bool
}

// Sink receives routed output.
type Sink interface {
	// WriteNarrative appends narrative text to the assistant's markdown cell.
	WriteNarrative(ctx context.Context, text string) error
	// BeginFunctionCall is called once, before any argument text is buffered,
	// when the stream switches to function-call mode.
	BeginFunctionCall(ctx context.Context, name string) error
}

// Result is what one streamed response produced.
type Result struct {
	Narrative    string
	FunctionName string
	// FunctionArgs is the buffered argument text after RepairJSON. Empty when
	// the model made no function call.
	FunctionArgs string
	Cancelled    bool
}

// Router consumes one response stream. A Router is single-use.
type Router struct {
	sink      Sink
	canceller Canceller
	logger    *zap.Logger

	mode      Mode
	narrative strings.Builder
	args      strings.Builder
	name      string
}

func NewRouter(sink Sink, canceller Canceller, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{sink: sink, canceller: canceller, logger: logger.Named("router")}
}

// Mode reports the current routing mode.
func (r *Router) Mode() Mode { return r.mode }

// Route drains events until the stream ends, fails, or the session asks to
// stop. A stop is not an error: it returns a Result with Cancelled set and
// the buffers left unfinalized.
func (r *Router) Route(ctx context.Context, events <-chan models.StreamEvent, errs <-chan error) (Result, error) {
	for {
		if r.canceller.ConsumeCancel() {
			return r.cancelled(), nil
		}

		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				break
			}
			if r.canceller.ConsumeCancel() {
				return r.cancelled(), nil
			}
			if ev.Kind == models.EventEnd {
				return r.finish(), nil
			}
			if err := r.handle(ctx, ev); err != nil {
				return Result{}, err
			}

		case err, ok := <-errs:
			if ok && err != nil {
				r.logger.Debug("stream error", zap.Error(err))
				return Result{}, err
			}
			if !ok {
				errs = nil
			}

		case <-ctx.Done():
			if r.canceller.ConsumeCancel() {
				return r.cancelled(), nil
			}
			return Result{}, ctx.Err()
		}

		if events == nil && errs == nil {
			return r.finish(), nil
		}
	}
}

func (r *Router) handle(ctx context.Context, ev models.StreamEvent) error {
	switch ev.Kind {
	case models.EventFunctionArgs:
		if r.mode == ModeNarrative {
			r.mode = ModeFunctionCall
			r.name = ev.Name
			if r.name == "" {
				r.name = models.RunCodeFunction
			}
			r.logger.Debug("switching to function call mode", zap.String("function", r.name))
			if err := r.sink.BeginFunctionCall(ctx, r.name); err != nil {
				return err
			}
		}
		text := ev.Text
		if text == "\r\n" {
			text = "\n"
		}
		r.args.WriteString(text)

	case models.EventNarrative:
		if r.mode == ModeFunctionCall {
			// Narrative after the call started has no cell to go to.
			r.logger.Debug("dropping narrative text after function call", zap.Int("bytes", len(ev.Text)))
			return nil
		}
		if ev.Text == "" {
			return nil
		}
		r.narrative.WriteString(ev.Text)
		return r.sink.WriteNarrative(ctx, ev.Text)
	}
	return nil
}

func (r *Router) finish() Result {
	res := Result{Narrative: r.narrative.String()}
	if r.args.Len() > 0 {
		res.FunctionName = r.name
		res.FunctionArgs = RepairJSON(r.args.String())
	}
	return res
}

func (r *Router) cancelled() Result {
	r.logger.Debug("stream cancelled", zap.Int("buffered", r.args.Len()))
	return Result{Narrative: r.narrative.String(), FunctionName: r.name, Cancelled: true}
}
