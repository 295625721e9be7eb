package auth

import (
	"context"

	"github.com/m-mizutani/parley/pkg/interfaces"
	"github.com/m-mizutani/parley/pkg/model"
)

// Static resolves every credential to one fixed identity. It backs operator
// tools that act on behalf of a known uid and must never face the network.
type Static struct {
	identity model.Identity
}

var _ interfaces.IdentityResolver = (*Static)(nil)

func NewStatic(identity model.Identity) *Static {
	return &Static{identity: identity}
}

func (s *Static) Resolve(ctx context.Context, credential string) (*model.Identity, error) {
	if s.identity.UID == "" {
		return nil, unauthenticated("static identity has no uid")
	}
	identity := s.identity
	return &identity, nil
}
