package adapter

import (
	"context"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/interfaces"
	"github.com/m-mizutani/parley/pkg/model"
	"google.golang.org/api/option"
)

// Firebase is the account management side of Firebase Authentication
type Firebase struct {
	client *auth.Client
}

var _ interfaces.IdentityAdmin = (*Firebase)(nil)

func NewFirebase(ctx context.Context, projectID string, opts ...option.ClientOption) (*Firebase, error) {
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to initialize firebase app", goerr.V("project_id", projectID))
	}

	client, err := app.Auth(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firebase auth client")
	}

	return &Firebase{client: client}, nil
}

func (f *Firebase) CreateUser(ctx context.Context, email, password, displayName string) (*model.User, error) {
	params := (&auth.UserToCreate{}).
		Email(email).
		Password(password).
		DisplayName(displayName)

	record, err := f.client.CreateUser(ctx, params)
	if err != nil {
		if auth.IsEmailAlreadyExists(err) {
			return nil, goerr.Wrap(model.ErrEmailExists, "email already registered", goerr.V("email", email))
		}
		return nil, goerr.Wrap(model.Categorize(model.ErrUpstream, err), "failed to create firebase user")
	}

	user := &model.User{
		UID:         record.UID,
		Email:       record.Email,
		DisplayName: record.DisplayName,
		IsActive:    !record.Disabled,
	}
	if meta := record.UserMetadata; meta != nil {
		user.CreatedAt = time.UnixMilli(meta.CreationTimestamp).UTC()
		if meta.LastLogInTimestamp > 0 {
			user.LastLogin = time.UnixMilli(meta.LastLogInTimestamp).UTC()
		}
	}
	return user, nil
}

func (f *Firebase) RevokeTokens(ctx context.Context, uid string) error {
	if err := f.client.RevokeRefreshTokens(ctx, uid); err != nil {
		return goerr.Wrap(model.Categorize(model.ErrUpstream, err), "failed to revoke refresh tokens", goerr.V("uid", uid))
	}
	return nil
}

func (f *Firebase) AccountState(ctx context.Context, uid string) (*model.AccountState, error) {
	record, err := f.client.GetUser(ctx, uid)
	if err != nil {
		if auth.IsUserNotFound(err) {
			return nil, goerr.Wrap(model.ErrNotFound, "firebase user not found", goerr.V("uid", uid))
		}
		return nil, goerr.Wrap(model.Categorize(model.ErrUpstream, err), "failed to get firebase user", goerr.V("uid", uid))
	}

	state := &model.AccountState{Disabled: record.Disabled}
	if record.TokensValidAfterMillis > 0 {
		state.TokensValidAfter = time.UnixMilli(record.TokensValidAfterMillis).UTC()
	}
	return state, nil
}
