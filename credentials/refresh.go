package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	rkerrors "github.com/vinayprograms/replykit/errors"
	"github.com/vinayprograms/replykit/logging"
	"github.com/vinayprograms/replykit/state"
)

const (
	DefaultTokenURL = "https://api.twitter.com/2/oauth2/token"

	// Access tokens are cached this much shorter than their lifetime.
	expirySkew = 30 * time.Second

	// Used when the token endpoint omits expires_in.
	defaultTokenLifetime = 2 * time.Hour
)

// RefreshConfig identifies the OAuth client.
type RefreshConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string

	// RefreshToken seeds the first refresh when none is stored yet.
	RefreshToken string

	// HTTPClient overrides the client used for the token call.
	HTTPClient *http.Client
}

// Refresher exchanges the refresh token for a new access token and stores
// both in the state store.
type Refresher struct {
	store  state.Store
	cfg    RefreshConfig
	logger *logging.Logger
	now    func() time.Time
}

func NewRefresher(store state.Store, cfg RefreshConfig, logger *logging.Logger) *Refresher {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Refresher{
		store:  store,
		cfg:    cfg,
		logger: logger.WithComponent("credentials"),
		now:    time.Now,
	}
}

// RefreshResult reports what a refresh wrote.
type RefreshResult struct {
	ExpiresIn      time.Duration
	RotatedRefresh bool
}

// Refresh runs one refresh_token grant. The access token is stored with a TTL
// slightly under its lifetime; a new refresh token, if issued, replaces the
// stored one.
func (r *Refresher) Refresh(ctx context.Context) (*RefreshResult, error) {
	refreshToken, err := r.currentRefreshToken(ctx)
	if err != nil {
		return nil, err
	}
	if refreshToken == "" || r.cfg.ClientID == "" || r.cfg.ClientSecret == "" {
		return nil, rkerrors.InvalidInput("missing client id, client secret or refresh token")
	}

	conf := &oauth2.Config{
		ClientID:     r.cfg.ClientID,
		ClientSecret: r.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  r.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	if r.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.cfg.HTTPClient)
	}

	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyTokenError(err)
	}

	lifetime := defaultTokenLifetime
	if !tok.Expiry.IsZero() {
		lifetime = tok.Expiry.Sub(r.now())
	}
	ttl := lifetime - expirySkew
	if ttl <= 0 {
		ttl = time.Second
	}
	if _, err := r.store.Put(ctx, KeyAccessToken, []byte(tok.AccessToken), ttl); err != nil {
		return nil, fmt.Errorf("store access token: %w", err)
	}

	res := &RefreshResult{ExpiresIn: lifetime}
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if _, err := r.store.Put(ctx, KeyRefreshToken, []byte(tok.RefreshToken), 0); err != nil {
			return nil, fmt.Errorf("store refresh token: %w", err)
		}
		res.RotatedRefresh = true
	}

	r.logger.Info("token_refreshed", map[string]interface{}{
		"expires_in": lifetime.Round(time.Second).String(),
		"rotated":    res.RotatedRefresh,
	})
	return res, nil
}

func (r *Refresher) currentRefreshToken(ctx context.Context) (string, error) {
	e, err := r.store.Get(ctx, KeyRefreshToken)
	if err == state.ErrNotFound {
		return r.cfg.RefreshToken, nil
	}
	if err != nil {
		return "", fmt.Errorf("read refresh token: %w", err)
	}
	return string(e.Value), nil
}

func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return rkerrors.FromHTTPStatus(re.Response.StatusCode, "token refresh failed",
			rkerrors.WithCause(err))
	}
	return rkerrors.Wrap(err, "token refresh failed")
}
