package interfaces

import (
	"context"
	"io"
	"iter"

	"github.com/m-mizutani/parley/pkg/model"
)

// IdentityResolver turns an opaque bearer credential into a verified identity.
// It fails closed with model.ErrUnauthenticated.
type IdentityResolver interface {
	Resolve(ctx context.Context, credential string) (*model.Identity, error)
}

// IdentityAdmin is the account management side of the external identity service
type IdentityAdmin interface {
	// CreateUser registers a new account. Returns model.ErrEmailExists if the email is taken.
	CreateUser(ctx context.Context, email, password, displayName string) (*model.User, error)

	// RevokeTokens invalidates every token issued to uid before now
	RevokeTokens(ctx context.Context, uid string) error

	// AccountState returns the revocation watermark and the disabled flag of uid
	AccountState(ctx context.Context, uid string) (*model.AccountState, error)
}

// LLM is the inference collaborator. The returned sequence yields text
// fragments in production order and always terminates; it may yield nothing.
// A non-nil error ends the sequence.
type LLM interface {
	Stream(ctx context.Context, history []model.Turn, message string) iter.Seq2[string, error]
}

// Archive stores conversation transcripts before they are deleted
type Archive interface {
	Put(ctx context.Context, key string) (io.WriteCloser, error)
}

// TurnLocker serializes chat turns of one conversation across processes.
// The returned release function must be called exactly once.
type TurnLocker interface {
	Lock(ctx context.Context, id model.ConversationID) (release func(), err error)
}

// Admission decides whether a chat message may enter a conversation. A
// rejection is reported as model.ErrRejected.
type Admission interface {
	Admit(ctx context.Context, identity *model.Identity, id model.ConversationID, message string) error
}
