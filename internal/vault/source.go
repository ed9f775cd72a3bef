package vault

import (
	"sync"

	"golang.org/x/oauth2"

	"github.com/dukerupert/chime/internal/model"
)

// persistingSource wraps the library's refreshing source and writes any
// refreshed token back to the vault before returning it, so a process
// restart never loses a rotated access token.
type persistingSource struct {
	userID int64
	vault  *Vault
	src    oauth2.TokenSource

	mu   sync.Mutex
	last *oauth2.Token
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if s.last != nil && tok.AccessToken == s.last.AccessToken {
		return tok, nil
	}

	// Providers may omit the refresh token on refresh responses; keep the
	// one we already hold.
	refresh := tok.RefreshToken
	if refresh == "" && s.last != nil {
		refresh = s.last.RefreshToken
	}

	c := model.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		Expiry:       tok.Expiry,
	}
	if err := s.vault.SaveCredentials(s.userID, c); err != nil {
		return nil, err
	}
	s.last = tok
	return tok, nil
}
