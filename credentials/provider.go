package credentials

import (
	"context"
	"fmt"

	"github.com/vinayprograms/replykit/state"
)

// State keys holding the live social API credentials.
const (
	KeyAccessToken  = "social.access_token"
	KeyRefreshToken = "social.refresh_token"
	KeyUserID       = "social.user_id"
)

// Credentials authorize calls to the social API on behalf of the bot account.
type Credentials struct {
	AccessToken string
	UserID      string
}

// Provider returns the current credentials, or (nil, nil) when none are
// configured or the access token has lapsed.
type Provider interface {
	GetCredentials(ctx context.Context) (*Credentials, error)
}

// StateProvider reads credentials written by the Refresher, falling back to
// static values from the credentials file.
type StateProvider struct {
	store  state.Store
	static SocialCreds
}

func NewStateProvider(store state.Store, static SocialCreds) *StateProvider {
	return &StateProvider{store: store, static: static}
}

func (p *StateProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	token, err := p.lookup(ctx, KeyAccessToken, p.static.AccessToken)
	if err != nil {
		return nil, err
	}
	userID, err := p.lookup(ctx, KeyUserID, p.static.UserID)
	if err != nil {
		return nil, err
	}
	if token == "" || userID == "" {
		return nil, nil
	}
	return &Credentials{AccessToken: token, UserID: userID}, nil
}

func (p *StateProvider) lookup(ctx context.Context, key, fallback string) (string, error) {
	e, err := p.store.Get(ctx, key)
	if err == state.ErrNotFound {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return string(e.Value), nil
}

// Static always returns the same credentials. Handy for the CLI and tests.
type Static struct {
	Creds *Credentials
}

func (s Static) GetCredentials(context.Context) (*Credentials, error) {
	return s.Creds, nil
}
