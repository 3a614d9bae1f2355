// Package pipeline runs one NFT mint from a submitted name and description to
// a confirmed token: generate an image, publish it with its metadata, mint the
// metadata URI.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"aimint/internal/chain"
	"aimint/internal/inference"
	"aimint/internal/logging"
	"aimint/internal/storage"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "aimint/internal/pipeline"

type ImageGenerator interface {
	Generate(ctx context.Context, description string) (inference.Image, error)
}

type ContentPublisher interface {
	Publish(ctx context.Context, image inference.Image, name, description string) (storage.Metadata, error)
}

type MintExecutor interface {
	Mint(ctx context.Context, uri string, conn *chain.Connection) (chain.Receipt, error)
}

// Outcome is the terminal result of a run. State is Confirmed or Failed.
type Outcome struct {
	RunID    string
	State    State
	Request  MintRequest
	Image    *inference.Image
	Metadata *storage.Metadata
	Receipt  *chain.Receipt
	Err      *StageError
}

func (o Outcome) Confirmed() bool {
	return o.State == Confirmed
}

// MetadataURI is set once publishing succeeded, even if minting later failed.
func (o Outcome) MetadataURI() string {
	if o.Metadata == nil {
		return ""
	}
	return o.Metadata.URI
}

func (o Outcome) Error() error {
	if o.Err == nil {
		return nil
	}
	return o.Err
}

type Option func(*Pipeline)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logging.OrNop(logger) }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) { p.tracer = tp.Tracer(tracerName) }
}

// WithObserver adds an observer notified for every run.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observers = append(p.observers, o) }
}

type Pipeline struct {
	generator ImageGenerator
	publisher ContentPublisher
	minter    MintExecutor
	observers []Observer
	tracer    trace.Tracer
	logger    *zap.Logger
	newID     func() string
}

func New(generator ImageGenerator, publisher ContentPublisher, minter MintExecutor, opts ...Option) (*Pipeline, error) {
	if generator == nil || publisher == nil || minter == nil {
		return nil, errors.New("pipeline requires a generator, a publisher and a minter")
	}
	p := &Pipeline{
		generator: generator,
		publisher: publisher,
		minter:    minter,
		tracer:    otel.GetTracerProvider().Tracer(tracerName),
		logger:    zap.NewNop(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run executes one mint synchronously. It never retries and stops at the
// first failing stage; results of earlier stages are kept in the outcome.
// Observers passed here are notified for this run only.
func (p *Pipeline) Run(ctx context.Context, conn *chain.Connection, name, description string, observers ...Observer) Outcome {
	all := make(multiObserver, 0, len(p.observers)+len(observers))
	all = append(all, p.observers...)
	all = append(all, observers...)

	r := &run{
		pipeline: p,
		id:       p.newID(),
		state:    Idle,
		observer: all,
	}
	r.logger = p.logger.With(zap.String("run_id", r.id))

	ctx, span := p.tracer.Start(ctx, "mint.run", trace.WithAttributes(attribute.String("run.id", r.id)))
	defer span.End()

	out := r.execute(ctx, conn, name, description)
	span.SetAttributes(attribute.String("run.state", string(out.State)))
	if out.Err != nil {
		span.SetAttributes(attribute.String("run.failed_stage", string(out.Err.Stage)))
		span.SetStatus(codes.Error, out.Err.Error())
	}
	return out
}

type run struct {
	pipeline *Pipeline
	id       string
	state    State
	observer Observer
	logger   *zap.Logger
}

func (r *run) execute(ctx context.Context, conn *chain.Connection, name, description string) Outcome {
	p := r.pipeline
	out := Outcome{RunID: r.id}

	var req MintRequest
	err := r.stage(ctx, Validating, func(context.Context) error {
		var err error
		if req, err = NewMintRequest(name, description); err != nil {
			return err
		}
		if conn == nil {
			return fmt.Errorf("%w: no connection to mint with", chain.ErrNoWallet)
		}
		return nil
	})
	if err != nil {
		return r.fail(out, Validating, err)
	}
	out.Request = req

	var image inference.Image
	err = r.stage(ctx, Generating, func(ctx context.Context) error {
		var err error
		image, err = p.generator.Generate(ctx, req.Description())
		return err
	})
	if err != nil {
		return r.fail(out, Generating, err)
	}
	out.Image = &image
	r.observer.OnImage(r.id, image)

	var metadata storage.Metadata
	err = r.stage(ctx, Publishing, func(ctx context.Context) error {
		var err error
		metadata, err = p.publisher.Publish(ctx, image, req.Name(), req.Description())
		return err
	})
	if err != nil {
		return r.fail(out, Publishing, err)
	}
	out.Metadata = &metadata

	var receipt chain.Receipt
	err = r.stage(ctx, Minting, func(ctx context.Context) error {
		var err error
		receipt, err = p.minter.Mint(ctx, metadata.URI, conn)
		return err
	})
	if err != nil {
		return r.fail(out, Minting, err)
	}
	out.Receipt = &receipt

	r.advance(Confirmed)
	out.State = Confirmed
	r.logger.Info("mint confirmed",
		zap.String("tx_hash", receipt.TxHash.Hex()),
		zap.Uint64("block", receipt.BlockNumber),
		zap.String("metadata_uri", metadata.URI),
	)
	return out
}

func (r *run) stage(ctx context.Context, stage State, fn func(context.Context) error) error {
	r.advance(stage)

	ctx, span := r.pipeline.tracer.Start(ctx, "pipeline."+strings.ToLower(string(stage)))
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	r.observer.OnStage(r.id, stage, elapsed, err)
	r.logger.Debug("stage finished", zap.String("stage", string(stage)), zap.Duration("elapsed", elapsed), zap.Error(err))
	return err
}

func (r *run) fail(out Outcome, stage State, err error) Outcome {
	stageErr := &StageError{Stage: stage, Err: err}
	r.advance(Failed)
	out.State = Failed
	out.Err = stageErr
	r.logger.Warn("mint failed",
		zap.String("stage", string(stage)),
		zap.String("category", stageErr.Category()),
		zap.String("metadata_uri", out.MetadataURI()),
		zap.Error(err),
	)
	return out
}

func (r *run) advance(next State) {
	if !canAdvance(r.state, next) {
		panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", r.state, next))
	}
	r.state = next
	r.observer.OnState(r.id, next)
}
