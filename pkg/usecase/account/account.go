package account

import (
	"context"
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/interfaces"
	"github.com/m-mizutani/parley/pkg/model"
	"github.com/m-mizutani/parley/pkg/repository"
	"github.com/m-mizutani/parley/pkg/utils/logging"
)

// MinPasswordLength is the shortest password the identity service accepts
const MinPasswordLength = 6

// Account passes registration and logout through to the identity service
type Account struct {
	admin interfaces.IdentityAdmin
	repo  repository.Repository
}

func New(admin interfaces.IdentityAdmin, repo repository.Repository) *Account {
	return &Account{admin: admin, repo: repo}
}

type RegisterInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

func (x RegisterInput) Validate() error {
	return validation.ValidateStruct(&x,
		validation.Field(&x.Email, validation.Required, is.EmailFormat),
		validation.Field(&x.Password, validation.Required, validation.RuneLength(MinPasswordLength, 0)),
		validation.Field(&x.DisplayName, validation.RuneLength(0, 100)),
	)
}

// Register creates the account and its profile document. A taken email
// returns model.ErrEmailExists.
func (x *Account) Register(ctx context.Context, input RegisterInput) (*model.User, error) {
	if err := input.Validate(); err != nil {
		return nil, goerr.Wrap(model.Categorize(model.ErrValidation, err), "invalid registration")
	}

	user, err := x.admin.CreateUser(ctx, input.Email, input.Password, input.DisplayName)
	if err != nil {
		if errors.Is(err, model.ErrEmailExists) {
			return nil, err
		}
		return nil, goerr.Wrap(err, "failed to create user")
	}

	if err := x.repo.PutUser(ctx, user); err != nil {
		return nil, goerr.Wrap(err, "failed to store user profile", goerr.V("uid", user.UID))
	}

	logging.From(ctx).Info("user registered", "uid", user.UID)
	return user, nil
}

// Logout revokes every token issued to the identity
func (x *Account) Logout(ctx context.Context, identity *model.Identity) error {
	if identity == nil || identity.UID == "" {
		return goerr.Wrap(model.ErrUnauthenticated, "identity is required")
	}

	if err := x.admin.RevokeTokens(ctx, identity.UID); err != nil {
		return goerr.Wrap(err, "failed to logout", goerr.V("uid", identity.UID))
	}

	logging.From(ctx).Info("user logged out", "uid", identity.UID)
	return nil
}
