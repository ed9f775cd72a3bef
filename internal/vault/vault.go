package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jmhodges/clock"
	"golang.org/x/oauth2"

	"github.com/dukerupert/chime/internal/model"
	"github.com/dukerupert/chime/internal/store"
)

// Vault stores one provider grant per user, AES-GCM encrypted under the
// server secret. Decrypt failures are treated as "not connected": the user
// re-runs the consent flow instead of the engine failing hard.
type Vault struct {
	secret string
	creds  *store.CredentialStore
	oauth  *oauth2.Config
	clk    clock.Clock
	logger *slog.Logger
}

func New(secret string, creds *store.CredentialStore, oauth *oauth2.Config, clk clock.Clock, logger *slog.Logger) *Vault {
	return &Vault{
		secret: secret,
		creds:  creds,
		oauth:  oauth,
		clk:    clk,
		logger: logger.With("component", "vault"),
	}
}

// SaveCredentials encrypts and persists a user's grant, replacing any
// previous one.
func (v *Vault) SaveCredentials(userID int64, c model.Credentials) error {
	plain, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	blob, err := Seal(v.secret, plain)
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}
	return v.creds.Save(userID, blob)
}

// Credentials returns the user's decrypted grant, or nil when the user is
// not connected. A blob that no longer decrypts (rotated secret, corrupt
// row) is logged and reported as not connected.
func (v *Vault) Credentials(userID int64) (*model.Credentials, error) {
	blob, err := v.creds.Get(userID)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}

	plain, err := Open(v.secret, blob)
	if err != nil {
		v.logger.Warn("stored credentials do not decrypt, treating as not connected",
			"user_id", userID, "error", err)
		return nil, nil
	}

	var c model.Credentials
	if err := json.Unmarshal(plain, &c); err != nil {
		v.logger.Warn("stored credentials do not parse, treating as not connected",
			"user_id", userID, "error", err)
		return nil, nil
	}
	return &c, nil
}

// Connected reports whether the user has a usable grant.
func (v *Vault) Connected(userID int64) (bool, error) {
	c, err := v.Credentials(userID)
	if err != nil {
		return false, err
	}
	return c != nil, nil
}

// Delete removes the user's grant.
func (v *Vault) Delete(userID int64) error {
	return v.creds.Delete(userID)
}

// AuthURL builds the provider consent URL for the connect flow. Offline
// access with forced consent guarantees a refresh token on the callback.
func (v *Vault) AuthURL(state string) string {
	return v.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange trades the callback code for a grant. A response without a
// refresh token cannot survive token expiry, so it is rejected and the user
// is asked to redo consent.
func (v *Vault) Exchange(ctx context.Context, code string) (*model.Credentials, error) {
	tok, err := v.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("provider returned no refresh token; re-consent required")
	}
	return &model.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scopes:       v.oauth.Scopes,
	}, nil
}

// TokenSource returns a source that refreshes the user's grant as needed and
// persists every refreshed token before handing it out. Returns nil when the
// user is not connected.
func (v *Vault) TokenSource(ctx context.Context, userID int64) (oauth2.TokenSource, error) {
	c, err := v.Credentials(userID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}

	tok := &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
	}
	return &persistingSource{
		userID: userID,
		vault:  v,
		src:    v.oauth.TokenSource(ctx, tok),
		last:   tok,
	}, nil
}
