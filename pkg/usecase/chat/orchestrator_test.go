package chat_test

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/parley/pkg/auth"
	"github.com/m-mizutani/parley/pkg/metrics"
	"github.com/m-mizutani/parley/pkg/model"
	"github.com/m-mizutani/parley/pkg/policy"
	"github.com/m-mizutani/parley/pkg/repository"
	"github.com/m-mizutani/parley/pkg/usecase/chat"
	"github.com/prometheus/client_golang/prometheus"
)

// mockLLM yields fragments in order and, if failAt >= 0, an error at that
// position instead of the fragment.
type mockLLM struct {
	fragments []string
	failAt    int

	history []model.Turn
	message string
	pulled  int
}

func newMockLLM(fragments ...string) *mockLLM {
	return &mockLLM{fragments: fragments, failAt: -1}
}

func (m *mockLLM) Stream(ctx context.Context, history []model.Turn, message string) iter.Seq2[string, error] {
	m.history = history
	m.message = message
	return func(yield func(string, error) bool) {
		for i, fragment := range m.fragments {
			m.pulled++
			if i == m.failAt {
				yield("", goerr.New("model overloaded"))
				return
			}
			if !yield(fragment, nil) {
				return
			}
		}
	}
}

// failingRepo rejects assistant appends
type failingRepo struct {
	repository.Repository
}

func (r *failingRepo) AppendMessage(ctx context.Context, msg *model.Message) error {
	if msg.Role == model.RoleAssistant {
		return goerr.Wrap(model.ErrStorage, "write rejected")
	}
	return r.Repository.AppendMessage(ctx, msg)
}

type fixture struct {
	repo    *repository.Memory
	conv    *model.Conversation
	resolve *auth.Static
}

func setup(t *testing.T) *fixture {
	t.Helper()
	repo := repository.NewMemory()
	conv := model.NewConversation("alice", "Trip planning", time.Now())
	gt.NoError(t, repo.CreateConversation(context.Background(), conv))

	return &fixture{
		repo:    repo,
		conv:    conv,
		resolve: auth.NewStatic(model.Identity{UID: "alice", Email: "alice@example.com"}),
	}
}

func collect(out *[]string) func(string) error {
	return func(fragment string) error {
		*out = append(*out, fragment)
		return nil
	}
}

func TestTripPlanning(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	llm := newMockLLM("Try ", "Iceland", " in July.")
	reg := prometheus.NewRegistry()
	orch := chat.New(f.resolve, f.repo, llm, chat.WithMetrics(metrics.New(reg)))

	turn, err := orch.Begin(ctx, "any-token", chat.SendInput{
		ConversationID: f.conv.ID,
		Message:        "Where should I go in July?",
	})
	gt.NoError(t, err)
	gt.Equal(t, turn.State(), chat.StateLoadingHistory)
	gt.Equal(t, turn.Identity().UID, "alice")

	// user turn is durable before generation starts
	msgs, err := f.repo.ListMessages(ctx, f.conv.ID)
	gt.NoError(t, err)
	gt.A(t, msgs).Length(1)
	gt.Equal(t, msgs[0].Role, model.RoleUser)

	var received []string
	gt.NoError(t, turn.Stream(ctx, collect(&received)))
	gt.Equal(t, turn.State(), chat.StateDone)
	gt.Equal(t, received, []string{"Try ", "Iceland", " in July."})
	gt.Equal(t, llm.message, "Where should I go in July?")
	gt.A(t, llm.history).Length(0)

	msgs, err = f.repo.ListMessages(ctx, f.conv.ID)
	gt.NoError(t, err)
	gt.A(t, msgs).Length(2)
	gt.Equal(t, msgs[1].Role, model.RoleAssistant)
	gt.Equal(t, msgs[1].Content, "Try Iceland in July.")

	conv, err := f.repo.GetConversation(ctx, f.conv.ID)
	gt.NoError(t, err)
	gt.Equal(t, conv.MessageCount, int64(2))
	gt.Equal(t, *conv.LastMessage, "Try Iceland in July.")

	gt.Equal(t, counterValue(t, reg, "parley_stream_fragments_total"), 3.0)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	gt.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestHistoryIsPassedToLLM(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	first := newMockLLM("Try Iceland.")
	turn, err := chat.New(f.resolve, f.repo, first).Begin(ctx, "t", chat.SendInput{ConversationID: f.conv.ID, Message: "Where?"})
	gt.NoError(t, err)
	gt.NoError(t, turn.Stream(ctx, func(string) error { return nil }))

	second := newMockLLM("Pack a jacket.")
	turn, err = chat.New(f.resolve, f.repo, second).Begin(ctx, "t", chat.SendInput{ConversationID: f.conv.ID, Message: "What to pack?"})
	gt.NoError(t, err)
	gt.NoError(t, turn.Stream(ctx, func(string) error { return nil }))

	gt.Equal(t, second.history, []model.Turn{
		{Role: model.RoleUser, Content: "Where?"},
		{Role: model.RoleAssistant, Content: "Try Iceland."},
	})
	gt.Equal(t, second.message, "What to pack?")
}

func TestStreamFailureDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	llm := newMockLLM("Try ", "Ice", "land")
	llm.failAt = 2

	turn, err := chat.New(f.resolve, f.repo, llm).Begin(ctx, "t", chat.SendInput{ConversationID: f.conv.ID, Message: "Where?"})
	gt.NoError(t, err)

	var received []string
	err = turn.Stream(ctx, collect(&received))
	gt.True(t, errors.Is(err, model.ErrUpstream))
	gt.Equal(t, turn.State(), chat.StateError)
	gt.Equal(t, received, []string{"Try ", "Ice"})

	msgs, err := f.repo.ListMessages(ctx, f.conv.ID)
	gt.NoError(t, err)
	gt.A(t, msgs).Length(1)
	gt.Equal(t, msgs[0].Role, model.RoleUser)
}

func TestEmitFailureStopsStream(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	llm := newMockLLM("a", "b", "c", "d")

	turn, err := chat.New(f.resolve, f.repo, llm).Begin(ctx, "t", chat.SendInput{ConversationID: f.conv.ID, Message: "hi"})
	gt.NoError(t, err)

	gone := errors.New("client gone")
	err = turn.Stream(ctx, func(fragment string) error {
		if fragment == "b" {
			return gone
		}
		return nil
	})
	gt.True(t, errors.Is(err, gone))
	gt.Equal(t, llm.pulled, 2)

	msgs, err := f.repo.ListMessages(ctx, f.conv.ID)
	gt.NoError(t, err)
	gt.A(t, msgs).Length(1)
}

func TestCancellationStopsStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := setup(t)
	llm := newMockLLM("a", "b", "c", "d")

	turn, err := chat.New(f.resolve, f.repo, llm).Begin(ctx, "t", chat.SendInput{ConversationID: f.conv.ID, Message: "hi"})
	gt.NoError(t, err)

	err = turn.Stream(ctx, func(fragment string) error {
		if fragment == "b" {
			cancel()
		}
		return nil
	})
	gt.True(t, errors.Is(err, context.Canceled))
	gt.Equal(t, llm.pulled, 3)

	msgs, err := f.repo.ListMessages(context.Background(), f.conv.ID)
	gt.NoError(t, err)
	gt.A(t, msgs).Length(1)
}

// quietLLM yields fragments until ctx is done, then ends the sequence
// without reporting an error.
type quietLLM struct {
	fragments []string
}

func (m *quietLLM) Stream(ctx context.Context, history []model.Turn, message string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, fragment := range m.fragments {
			if ctx.Err() != nil {
				return
			}
			if !yield(fragment, nil) {
				return
			}
		}
	}
}

func TestQuietCancellationDoesNotPersist(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := setup(t)
	reg := prometheus.NewRegistry()
	llm := &quietLLM{fragments: []string{"Try ", "Iceland", " in July."}}
	orch := chat.New(f.resolve, f.repo, llm, chat.WithMetrics(metrics.New(reg)))

	turn, err := orch.Begin(ctx, "t", chat.SendInput{ConversationID: f.conv.ID, Message: "Where should I go?"})
	gt.NoError(t, err)

	var received []string
	err = turn.Stream(ctx, func(fragment string) error {
		received = append(received, fragment)
		cancel()
		return nil
	})
	gt.True(t, errors.Is(err, context.Canceled))
	gt.Equal(t, turn.State(), chat.StateError)
	gt.Equal(t, received, []string{"Try "})

	msgs, err := f.repo.ListMessages(context.Background(), f.conv.ID)
	gt.NoError(t, err)
	gt.A(t, msgs).Length(1)
	gt.Equal(t, msgs[0].Role, model.RoleUser)

	families, err := reg.Gather()
	gt.NoError(t, err)
	var outcome string
	for _, family := range families {
		if family.GetName() == "parley_turns_total" {
			outcome = family.GetMetric()[0].GetLabel()[0].GetValue()
		}
	}
	gt.Equal(t, outcome, metrics.OutcomeCanceled)
}

func TestEmptyResponse(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	turn, err := chat.New(f.resolve, f.repo, newMockLLM()).Begin(ctx, "t", chat.SendInput{ConversationID: f.conv.ID, Message: "hi"})
	gt.NoError(t, err)
	gt.NoError(t, turn.Stream(ctx, func(string) error { return nil }))
	gt.Equal(t, turn.State(), chat.StateDone)

	conv, err := f.repo.GetConversation(ctx, f.conv.ID)
	gt.NoError(t, err)
	gt.Equal(t, conv.MessageCount, int64(1))
}

func TestPersistFailure(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	reg := prometheus.NewRegistry()
	repo := &failingRepo{Repository: f.repo}

	turn, err := chat.New(f.resolve, repo, newMockLLM("ok"), chat.WithMetrics(metrics.New(reg))).
		Begin(ctx, "t", chat.SendInput{ConversationID: f.conv.ID, Message: "hi"})
	gt.NoError(t, err)

	var received []string
	err = turn.Stream(ctx, collect(&received))
	gt.True(t, errors.Is(err, model.ErrStorage))
	gt.Equal(t, turn.State(), chat.StateError)
	gt.Equal(t, received, []string{"ok"})

	gt.Equal(t, counterValue(t, reg, "parley_turn_persist_failures_total"), 1.0)
}

func TestBeginRejections(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	mallory := model.NewConversation("mallory", "secret", time.Now())
	gt.NoError(t, f.repo.CreateConversation(ctx, mallory))

	t.Run("unauthenticated", func(t *testing.T) {
		orch := chat.New(auth.NewStatic(model.Identity{}), f.repo, newMockLLM())
		_, err := orch.Begin(ctx, "", chat.SendInput{ConversationID: f.conv.ID, Message: "hi"})
		gt.True(t, errors.Is(err, model.ErrUnauthenticated))
	})

	t.Run("empty message", func(t *testing.T) {
		_, err := chat.New(f.resolve, f.repo, newMockLLM()).Begin(ctx, "t", chat.SendInput{ConversationID: f.conv.ID})
		gt.True(t, errors.Is(err, model.ErrValidation))
	})

	t.Run("too long message", func(t *testing.T) {
		_, err := chat.New(f.resolve, f.repo, newMockLLM()).Begin(ctx, "t", chat.SendInput{
			ConversationID: f.conv.ID,
			Message:        strings.Repeat("x", chat.MaxMessageLength+1),
		})
		gt.True(t, errors.Is(err, model.ErrValidation))
	})

	t.Run("missing and foreign conversations look the same", func(t *testing.T) {
		orch := chat.New(f.resolve, f.repo, newMockLLM())

		_, missing := orch.Begin(ctx, "t", chat.SendInput{ConversationID: model.NewConversationID(), Message: "hi"})
		_, foreign := orch.Begin(ctx, "t", chat.SendInput{ConversationID: mallory.ID, Message: "hi"})

		gt.True(t, errors.Is(missing, model.ErrNotFound))
		gt.True(t, errors.Is(foreign, model.ErrNotFound))
		gt.False(t, errors.Is(foreign, model.ErrAccessDenied))
		gt.Equal(t, missing.Error(), foreign.Error())

		msgs, err := f.repo.ListMessages(ctx, mallory.ID)
		gt.NoError(t, err)
		gt.A(t, msgs).Length(0)
	})

	t.Run("nil identity", func(t *testing.T) {
		_, err := chat.New(f.resolve, f.repo, newMockLLM()).BeginAs(ctx, nil, chat.SendInput{ConversationID: f.conv.ID, Message: "hi"})
		gt.True(t, errors.Is(err, model.ErrUnauthenticated))
	})
}

func TestBeginFailedState(t *testing.T) {
	ctx := context.Background()

	testCases := map[string]struct {
		begin func(f *fixture) error
		state chat.State
		is    error
	}{
		"unresolved credential": {
			begin: func(f *fixture) error {
				_, err := chat.New(auth.NewStatic(model.Identity{}), f.repo, newMockLLM()).
					Begin(ctx, "", chat.SendInput{ConversationID: f.conv.ID, Message: "hi"})
				return err
			},
			state: chat.StateAuthenticating,
			is:    model.ErrUnauthenticated,
		},
		"missing conversation": {
			begin: func(f *fixture) error {
				_, err := chat.New(f.resolve, f.repo, newMockLLM()).
					Begin(ctx, "t", chat.SendInput{ConversationID: model.NewConversationID(), Message: "hi"})
				return err
			},
			state: chat.StateAuthorizing,
			is:    model.ErrNotFound,
		},
		"lock unavailable": {
			begin: func(f *fixture) error {
				_, err := chat.New(f.resolve, f.repo, newMockLLM(), chat.WithTurnLock(&countingLocker{fail: true})).
					Begin(ctx, "t", chat.SendInput{ConversationID: f.conv.ID, Message: "hi"})
				return err
			},
			state: chat.StateLoadingHistory,
			is:    model.ErrStorage,
		},
		"user message not stored": {
			begin: func(f *fixture) error {
				_, err := chat.New(f.resolve, &rejectingUserRepo{Repository: f.repo}, newMockLLM()).
					Begin(ctx, "t", chat.SendInput{ConversationID: f.conv.ID, Message: "hi"})
				return err
			},
			state: chat.StateLoadingHistory,
			is:    model.ErrStorage,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			err := tc.begin(setup(t))
			gt.True(t, errors.Is(err, tc.is))

			state, ok := chat.FailedState(err)
			gt.True(t, ok)
			gt.Equal(t, state, tc.state)
		})
	}

	t.Run("no state on unrelated errors", func(t *testing.T) {
		_, ok := chat.FailedState(goerr.New("other"))
		gt.False(t, ok)
	})
}

func TestStateString(t *testing.T) {
	gt.Equal(t, chat.StateLoadingHistory.String(), "LOADING_HISTORY")
	gt.True(t, chat.StateDone.Terminal())
	gt.True(t, chat.StateError.Terminal())
	gt.False(t, chat.StateStreaming.Terminal())
	gt.Equal(t, chat.State(99).String(), "UNKNOWN")
}

type countingLocker struct {
	locked   int
	released int
	fail     bool
}

func (l *countingLocker) Lock(ctx context.Context, id model.ConversationID) (func(), error) {
	if l.fail {
		return nil, goerr.Wrap(model.ErrStorage, "lock unavailable")
	}
	l.locked++
	return func() { l.released++ }, nil
}

func TestTurnLock(t *testing.T) {
	ctx := context.Background()

	t.Run("held until stream ends", func(t *testing.T) {
		f := setup(t)
		locker := &countingLocker{}
		orch := chat.New(f.resolve, f.repo, newMockLLM("ok"), chat.WithTurnLock(locker))

		turn, err := orch.Begin(ctx, "t", chat.SendInput{ConversationID: f.conv.ID, Message: "hi"})
		gt.NoError(t, err)
		gt.Equal(t, locker.locked, 1)
		gt.Equal(t, locker.released, 0)

		gt.NoError(t, turn.Stream(ctx, func(string) error { return nil }))
		gt.Equal(t, locker.released, 1)

		turn.Release()
		gt.Equal(t, locker.released, 1)
	})

	t.Run("released when begin fails", func(t *testing.T) {
		f := setup(t)
		locker := &countingLocker{}
		repo := &rejectingUserRepo{Repository: f.repo}
		orch := chat.New(f.resolve, repo, newMockLLM("ok"), chat.WithTurnLock(locker))

		_, err := orch.Begin(ctx, "t", chat.SendInput{ConversationID: f.conv.ID, Message: "hi"})
		gt.True(t, errors.Is(err, model.ErrStorage))
		gt.Equal(t, locker.locked, 1)
		gt.Equal(t, locker.released, 1)
	})

	t.Run("lock failure", func(t *testing.T) {
		f := setup(t)
		orch := chat.New(f.resolve, f.repo, newMockLLM("ok"), chat.WithTurnLock(&countingLocker{fail: true}))

		_, err := orch.Begin(ctx, "t", chat.SendInput{ConversationID: f.conv.ID, Message: "hi"})
		gt.True(t, errors.Is(err, model.ErrStorage))

		msgs, err := f.repo.ListMessages(ctx, f.conv.ID)
		gt.NoError(t, err)
		gt.A(t, msgs).Length(0)
	})
}

// rejectingUserRepo rejects every append
type rejectingUserRepo struct {
	repository.Repository
}

func (r *rejectingUserRepo) AppendMessage(ctx context.Context, msg *model.Message) error {
	return goerr.Wrap(model.ErrStorage, "write rejected")
}

func TestAdmission(t *testing.T) {
	ctx := context.Background()
	admission, err := policy.NewFromModules(ctx, "chat.rego", `package chat

deny contains "no shouting" if {
	upper(input.message) == input.message
}
`)
	gt.NoError(t, err)

	t.Run("rejected message is not stored", func(t *testing.T) {
		f := setup(t)
		reg := prometheus.NewRegistry()
		llm := newMockLLM("ok")
		orch := chat.New(f.resolve, f.repo, llm, chat.WithAdmission(admission), chat.WithMetrics(metrics.New(reg)))

		_, err := orch.Begin(ctx, "t", chat.SendInput{ConversationID: f.conv.ID, Message: "HELLO"})
		gt.True(t, errors.Is(err, model.ErrValidation))
		gt.True(t, errors.Is(err, model.ErrRejected))

		msgs, err := f.repo.ListMessages(ctx, f.conv.ID)
		gt.NoError(t, err)
		gt.A(t, msgs).Length(0)
		gt.Equal(t, counterValue(t, reg, "parley_turns_total"), 1.0)
	})

	t.Run("admitted message proceeds", func(t *testing.T) {
		f := setup(t)
		orch := chat.New(f.resolve, f.repo, newMockLLM("ok"), chat.WithAdmission(admission))

		turn, err := orch.Begin(ctx, "t", chat.SendInput{ConversationID: f.conv.ID, Message: "hello"})
		gt.NoError(t, err)
		gt.NoError(t, turn.Stream(ctx, func(string) error { return nil }))
	})

	t.Run("ownership is checked first", func(t *testing.T) {
		f := setup(t)
		bob := auth.NewStatic(model.Identity{UID: "bob"})
		orch := chat.New(bob, f.repo, newMockLLM("ok"), chat.WithAdmission(admission))

		_, err := orch.Begin(ctx, "t", chat.SendInput{ConversationID: f.conv.ID, Message: "HELLO"})
		gt.True(t, errors.Is(err, model.ErrNotFound))
		gt.False(t, errors.Is(err, model.ErrRejected))
	})
}
