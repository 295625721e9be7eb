package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/interfaces"
	"github.com/m-mizutani/parley/pkg/metrics"
	"github.com/m-mizutani/parley/pkg/model"
	"github.com/m-mizutani/parley/pkg/repository"
	"github.com/m-mizutani/parley/pkg/usecase/history"
	"github.com/m-mizutani/parley/pkg/utils/logging"
)

// MaxMessageLength bounds the user content of one turn, in runes
const MaxMessageLength = 32000

// Orchestrator drives chat turns. It holds no per-request state and is safe
// for concurrent use.
type Orchestrator struct {
	resolver interfaces.IdentityResolver
	repo     repository.Repository
	llm      interfaces.LLM

	loadTimeout time.Duration
	locker      interfaces.TurnLocker
	admission   interfaces.Admission
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Option func(*Orchestrator)

// WithLoadTimeout bounds the history read of every turn. Zero leaves it to
// the store.
func WithLoadTimeout(d time.Duration) Option {
	return func(x *Orchestrator) {
		x.loadTimeout = d
	}
}

// WithTurnLock serializes turns of the same conversation. The lock is held
// from before the history is loaded until Stream returns.
func WithTurnLock(locker interfaces.TurnLocker) Option {
	return func(x *Orchestrator) {
		x.locker = locker
	}
}

// WithAdmission screens every message after the ownership check and before
// anything is stored
func WithAdmission(admission interfaces.Admission) Option {
	return func(x *Orchestrator) {
		x.admission = admission
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(x *Orchestrator) {
		x.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(x *Orchestrator) {
		x.now = now
	}
}

func New(resolver interfaces.IdentityResolver, repo repository.Repository, llm interfaces.LLM, opts ...Option) *Orchestrator {
	x := &Orchestrator{
		resolver: resolver,
		repo:     repo,
		llm:      llm,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// SendInput is the payload of one chat turn
type SendInput struct {
	ConversationID model.ConversationID `json:"conversation_id"`
	Message        string               `json:"message"`
}

func (x SendInput) Validate() error {
	return validation.ValidateStruct(&x,
		validation.Field(&x.ConversationID, validation.Required),
		validation.Field(&x.Message, validation.Required, validation.RuneLength(1, MaxMessageLength)),
	)
}

// Turn is one chat exchange after its user message was stored. It is owned
// by a single request.
type Turn struct {
	orchestrator *Orchestrator
	identity     *model.Identity
	history      *history.History
	turns        []model.Turn
	message      string
	release      func()

	mu    sync.Mutex
	state State
}

// Begin authenticates the credential, checks ownership, loads the history
// view and durably appends the user message. Errors returned here happen
// before any output is produced.
func (x *Orchestrator) Begin(ctx context.Context, credential string, input SendInput) (*Turn, error) {
	identity, err := x.resolver.Resolve(ctx, credential)
	if err != nil {
		if !errors.Is(err, model.ErrUnauthenticated) {
			err = model.Categorize(model.ErrUnauthenticated, err)
		}
		return nil, failedAt(StateAuthenticating, goerr.Wrap(err, "failed to resolve identity"))
	}

	return x.begin(ctx, identity, input)
}

// BeginAs is Begin for a caller whose identity is already resolved
func (x *Orchestrator) BeginAs(ctx context.Context, identity *model.Identity, input SendInput) (*Turn, error) {
	if identity == nil || identity.UID == "" {
		return nil, failedAt(StateAuthenticating, goerr.Wrap(model.ErrUnauthenticated, "identity is required"))
	}
	return x.begin(ctx, identity, input)
}

func (x *Orchestrator) begin(ctx context.Context, identity *model.Identity, input SendInput) (_ *Turn, err error) {
	logger := logging.From(ctx)
	state := StateAuthorizing
	defer func() {
		if err != nil {
			err = failedAt(state, err)
		}
	}()

	if err := input.Validate(); err != nil {
		return nil, goerr.Wrap(model.Categorize(model.ErrValidation, err), "invalid chat input")
	}

	h, err := history.Open(ctx, x.repo, input.ConversationID, identity.UID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrAccessDenied) {
			logger.Info("conversation access rejected",
				"conversation_id", input.ConversationID,
				"user_id", identity.UID,
				"error", err,
			)
			return nil, goerr.Wrap(model.ErrNotFound, "conversation not found or access denied")
		}
		return nil, err
	}

	if x.admission != nil {
		if err := x.admission.Admit(ctx, identity, input.ConversationID, input.Message); err != nil {
			if errors.Is(err, model.ErrRejected) {
				logger.Info("message rejected",
					"conversation_id", input.ConversationID,
					"user_id", identity.UID,
					"error", err,
				)
				x.metrics.TurnRejected()
				return nil, goerr.Wrap(model.Categorize(model.ErrValidation, err), "message not admitted")
			}
			return nil, goerr.Wrap(err, "failed to evaluate admission")
		}
	}

	state = StateLoadingHistory
	release := func() {}
	if x.locker != nil {
		unlock, err := x.locker.Lock(ctx, input.ConversationID)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to acquire turn lock")
		}
		release = unlock
	}
	handedOff := false
	defer func() {
		if !handedOff {
			release()
		}
	}()

	loadCtx := ctx
	if x.loadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, x.loadTimeout)
		defer cancel()
	}

	turns, err := h.LoadTurns(loadCtx)
	if err != nil {
		if !errors.Is(err, model.ErrStorage) {
			err = model.Categorize(model.ErrStorage, err)
		}
		return nil, goerr.Wrap(err, "failed to load history")
	}

	if _, err := h.AppendTurn(ctx, model.RoleUser, input.Message); err != nil {
		return nil, err
	}

	logger.Debug("turn started",
		"conversation_id", input.ConversationID,
		"user_id", identity.UID,
		"history_length", len(turns),
	)

	handedOff = true
	return &Turn{
		orchestrator: x,
		identity:     identity,
		history:      h,
		turns:        turns,
		message:      input.Message,
		release:      sync.OnceFunc(release),
		state:        StateLoadingHistory,
	}, nil
}

func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Turn) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// Release frees the turn lock without streaming. Stream calls it itself.
func (t *Turn) Release() { t.release() }

func (t *Turn) Identity() *model.Identity             { return t.identity }
func (t *Turn) ConversationID() model.ConversationID { return t.history.ConversationID() }

// Stream submits the history view and the user message to the LLM and hands
// every fragment to emit in production order. The complete response is
// appended as the assistant turn only when the sequence ends without error.
// An emit error or ctx cancellation stops pulling fragments and nothing is
// stored. Stream must be called once.
func (t *Turn) Stream(ctx context.Context, emit func(fragment string) error) error {
	x := t.orchestrator
	logger := logging.From(ctx).With(
		"conversation_id", t.ConversationID(),
		"user_id", t.identity.UID,
	)
	defer t.release()
	started := x.now()

	t.setState(StateGenerating)

	var response strings.Builder
	var fragments int
	for fragment, err := range x.llm.Stream(ctx, t.turns, t.message) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			t.setState(StateError)
			x.metrics.TurnFinished(metrics.OutcomeCanceled, x.now().Sub(started))
			logger.Info("turn canceled by caller", "fragments", fragments)
			return goerr.Wrap(ctxErr, "turn canceled")
		}

		if err != nil {
			t.setState(StateError)
			x.metrics.TurnFinished(metrics.OutcomeUpstream, x.now().Sub(started))
			logger.Error("LLM stream failed", "error", err, "fragments", fragments)
			return goerr.Wrap(model.Categorize(model.ErrUpstream, err), "LLM stream failed")
		}

		t.setState(StateStreaming)
		if err := emit(fragment); err != nil {
			t.setState(StateError)
			x.metrics.TurnFinished(metrics.OutcomeCanceled, x.now().Sub(started))
			logger.Info("caller stopped receiving fragments", "error", err, "fragments", fragments)
			return goerr.Wrap(err, "failed to emit fragment")
		}

		response.WriteString(fragment)
		fragments++
		x.metrics.FragmentStreamed()
	}

	// A source that stops quietly on cancellation ends the range without an
	// error, leaving a truncated response.
	if ctxErr := ctx.Err(); ctxErr != nil {
		t.setState(StateError)
		x.metrics.TurnFinished(metrics.OutcomeCanceled, x.now().Sub(started))
		logger.Info("turn canceled by caller", "fragments", fragments)
		return goerr.Wrap(ctxErr, "turn canceled")
	}

	t.setState(StatePersisting)

	if response.Len() == 0 {
		t.setState(StateDone)
		x.metrics.TurnFinished(metrics.OutcomeEmpty, x.now().Sub(started))
		logger.Warn("LLM produced no content, assistant turn not stored")
		return nil
	}

	// The sequence completed before any cancellation, so a disconnect from
	// here on must not abort the write.
	persistCtx := context.WithoutCancel(ctx)
	if _, err := t.history.AppendTurn(persistCtx, model.RoleAssistant, response.String()); err != nil {
		t.setState(StateError)
		x.metrics.PersistFailed()
		x.metrics.TurnFinished(metrics.OutcomePersistError, x.now().Sub(started))
		logger.Error("assistant turn lost after successful stream",
			"error", err,
			"response_length", response.Len(),
		)
		if !errors.Is(err, model.ErrStorage) {
			err = model.Categorize(model.ErrStorage, err)
		}
		return goerr.Wrap(err, "failed to persist assistant turn")
	}

	t.setState(StateDone)
	x.metrics.TurnFinished(metrics.OutcomeDone, x.now().Sub(started))
	logger.Debug("turn completed", "fragments", fragments)
	return nil
}
