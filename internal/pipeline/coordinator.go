// Package pipeline turns one successful capture into an indexed document.
//
// A run is strictly sequential: scanning, interpret, clean, processing,
// store, then the terminal click event. The first failing stage aborts the
// run and becomes a single error event; no partial document is stored.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scanstream/backend/internal/logging"
	"github.com/scanstream/backend/internal/scan"
	"github.com/scanstream/backend/internal/telemetry"
)

// Stage names, as reported to the telemetry recorder.
const (
	StageInterpret = "interpret"
	StageClean     = "clean"
	StageStore     = "store"
)

var ErrCaptureFailed = errors.New("pipeline: capture unit is not successful")

// Interpreter extracts raw text from a captured image.
type Interpreter interface {
	Interpret(ctx context.Context, location string) (string, error)
}

// Cleaner normalizes raw text.
type Cleaner interface {
	Clean(ctx context.Context, text string) (string, error)
}

// Indexer persists documents.
type Indexer interface {
	Store(ctx context.Context, doc scan.Document) error
}

// Emitter delivers progress events. Broadcast must have handed the event to
// every observer before it returns.
type Emitter interface {
	Broadcast(ev scan.Event)
}

// Outcome is the result of one run. Event is the terminal event to send to
// the originator and broadcast. Document is set only when it was stored.
type Outcome struct {
	Event    scan.Event
	Document *scan.Document
	Err      error
}

// Coordinator runs captures through the stages. It holds no per-run state
// and may be shared, but one session drives it one capture at a time.
type Coordinator struct {
	interpreter  Interpreter
	cleaner      Cleaner
	indexer      Indexer
	emitter      Emitter
	recorder     telemetry.Recorder
	stageTimeout time.Duration
	logger       *logging.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithRecorder(r telemetry.Recorder) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithStageTimeout bounds each collaborator call. Zero means no bound.
func WithStageTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.stageTimeout = d }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(interpreter Interpreter, cleaner Cleaner, indexer Indexer, emitter Emitter, opts ...Option) *Coordinator {
	c := &Coordinator{
		interpreter: interpreter,
		cleaner:     cleaner,
		indexer:     indexer,
		emitter:     emitter,
		recorder:    telemetry.Nop{},
		logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "pipeline")
	return c
}

// Run processes unit. It never returns an error out of band: any failure is
// folded into Outcome.Event as a structured error.
func (c *Coordinator) Run(ctx context.Context, unit scan.CaptureUnit) Outcome {
	if !unit.Success {
		return Outcome{Event: scan.CaptureFailed(unit.Err), Err: ErrCaptureFailed}
	}
	seq := unit.Sequence

	c.emitter.Broadcast(scan.Scanning(seq))

	var raw string
	err := c.stage(ctx, StageInterpret, func(ctx context.Context) error {
		var err error
		raw, err = c.interpreter.Interpret(ctx, unit.Location)
		return err
	})
	if err != nil {
		return c.fail(unit, err)
	}

	var cleaned string
	err = c.stage(ctx, StageClean, func(ctx context.Context) error {
		var err error
		cleaned, err = c.cleaner.Clean(ctx, raw)
		return err
	})
	if err != nil {
		return c.fail(unit, err)
	}

	c.emitter.Broadcast(scan.Processing(seq))

	doc := scan.Document{Sequence: seq, Text: cleaned, Location: unit.Location}
	err = c.stage(ctx, StageStore, func(ctx context.Context) error {
		return c.indexer.Store(ctx, doc)
	})
	if err != nil {
		return c.fail(unit, err)
	}

	c.logger.Info("page indexed", "page", seq, "raw_len", len(raw), "clean_len", len(cleaned))
	return Outcome{Event: scan.Click(seq, raw), Document: &doc}
}

func (c *Coordinator) fail(unit scan.CaptureUnit, err error) Outcome {
	c.logger.Error("pipeline failed", "page", unit.Sequence, "file_path", unit.Location, "error", err)
	return Outcome{Event: scan.ProcessFailed(unit.Location, err), Err: err}
}

func (c *Coordinator) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if c.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.stageTimeout)
		defer cancel()
	}

	started := time.Now()
	err := fn(ctx)
	c.recorder.ObserveStage(name, time.Since(started), err)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
