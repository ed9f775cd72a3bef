package vault

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// stateTTL bounds how long a consent flow may sit between redirect and
// callback.
const stateTTL = 10 * time.Minute

type stateClaims struct {
	UserID int64 `json:"uid"`
	jwt.RegisteredClaims
}

// IssueState mints the signed state token that rides through the provider's
// consent redirect. It binds the initiating user id and expires on its own.
func (v *Vault) IssueState(userID int64) (string, error) {
	now := v.clk.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, stateClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
			ID:        uuid.NewString(),
		},
	})
	signed, err := tok.SignedString([]byte(v.secret))
	if err != nil {
		return "", fmt.Errorf("sign state token: %w", err)
	}
	return signed, nil
}

// VerifyState checks the signature and expiry of a callback's state token
// and recovers the user id it was issued for.
func (v *Vault) VerifyState(token string) (int64, error) {
	var claims stateClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return []byte(v.secret), nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(v.clk.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, fmt.Errorf("verify state token: %w", err)
	}
	if !parsed.Valid {
		return 0, fmt.Errorf("invalid state token")
	}
	return claims.UserID, nil
}
