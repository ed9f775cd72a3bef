package vault

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"golang.org/x/oauth2"

	"github.com/dukerupert/chime/internal/database"
	"github.com/dukerupert/chime/internal/model"
	"github.com/dukerupert/chime/internal/store"
)

func TestSealOpenRoundTrip(t *testing.T) {
	blob, err := Seal("server-secret", []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(string(blob), "payload") {
		t.Error("plaintext visible in sealed blob")
	}

	plain, err := Open("server-secret", blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plain) != "payload" {
		t.Errorf("plaintext = %q, want payload", plain)
	}
}

func TestOpenWrongSecret(t *testing.T) {
	blob, err := Seal("server-secret", []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open("other-secret", blob); err == nil {
		t.Error("opened with the wrong secret")
	}
}

func TestOpenTampered(t *testing.T) {
	blob, err := Seal("server-secret", []byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	blob[len(blob)-1] ^= 0xff
	if _, err := Open("server-secret", blob); err == nil {
		t.Error("opened a tampered blob")
	}
	if _, err := Open("server-secret", []byte("short")); err == nil {
		t.Error("opened a truncated blob")
	}
}

func setupVault(t *testing.T) (*Vault, clock.FakeClock, *store.CredentialStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFake()
	clk.Set(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))

	creds := store.NewCredentialStore(db)
	cfg := &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://app.example/callback",
		Scopes:       []string{"calendar"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://provider.example/auth",
			TokenURL: "https://provider.example/token",
		},
	}
	return New("server-secret", creds, cfg, clk, slog.Default()), clk, creds
}

func TestCredentialsRoundTrip(t *testing.T) {
	v, clk, _ := setupVault(t)

	want := model.Credentials{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Expiry:       clk.Now().Add(time.Hour),
		Scopes:       []string{"calendar"},
	}
	if err := v.SaveCredentials(1, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := v.Credentials(1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil {
		t.Fatal("credentials missing after save")
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken {
		t.Errorf("tokens = %q/%q, want %q/%q", got.AccessToken, got.RefreshToken, want.AccessToken, want.RefreshToken)
	}
	if !got.Expiry.Equal(want.Expiry) {
		t.Errorf("expiry = %v, want %v", got.Expiry, want.Expiry)
	}

	ok, err := v.Connected(1)
	if err != nil || !ok {
		t.Errorf("connected = %v (%v), want true", ok, err)
	}
}

func TestCredentialsNotConnected(t *testing.T) {
	v, _, _ := setupVault(t)

	got, err := v.Credentials(42)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestCredentialsUndecryptable(t *testing.T) {
	v, _, creds := setupVault(t)

	// A blob sealed under a rotated secret must not take the engine down.
	blob, err := Seal("old-secret", []byte(`{"access_token":"x"}`))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := creds.Save(1, blob); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := v.Credentials(1)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil for undecryptable blob", got)
	}
}

func TestDeleteCredentials(t *testing.T) {
	v, clk, _ := setupVault(t)
	v.SaveCredentials(1, model.Credentials{AccessToken: "a", RefreshToken: "r", Expiry: clk.Now()})

	if err := v.Delete(1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := v.Credentials(1); got != nil {
		t.Errorf("credentials survived delete: %+v", got)
	}
}

func TestAuthURL(t *testing.T) {
	v, _, _ := setupVault(t)
	u := v.AuthURL("state-token")

	for _, want := range []string{"access_type=offline", "prompt=consent", "state=state-token"} {
		if !strings.Contains(u, want) {
			t.Errorf("auth url %q missing %q", u, want)
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	v, _, _ := setupVault(t)

	tok, err := v.IssueState(7)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	uid, err := v.VerifyState(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if uid != 7 {
		t.Errorf("uid = %d, want 7", uid)
	}
}

func TestStateExpired(t *testing.T) {
	v, clk, _ := setupVault(t)

	tok, err := v.IssueState(7)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clk.Add(stateTTL + time.Minute)
	if _, err := v.VerifyState(tok); err == nil {
		t.Error("expired state token accepted")
	}
}

func TestStateForged(t *testing.T) {
	v, _, _ := setupVault(t)
	other, _, _ := setupVault(t)
	other.secret = "attacker-secret"

	tok, err := other.IssueState(7)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := v.VerifyState(tok); err == nil {
		t.Error("token signed with another secret accepted")
	}
	if _, err := v.VerifyState("not-a-token"); err == nil {
		t.Error("garbage state token accepted")
	}
}

type staticSource struct {
	tok   *oauth2.Token
	calls int
}

func (s *staticSource) Token() (*oauth2.Token, error) {
	s.calls++
	return s.tok, nil
}

func TestPersistingSourceSavesRefreshedToken(t *testing.T) {
	v, clk, _ := setupVault(t)
	old := model.Credentials{AccessToken: "old", RefreshToken: "refresh-1", Expiry: clk.Now().Add(-time.Minute)}
	if err := v.SaveCredentials(1, old); err != nil {
		t.Fatalf("save: %v", err)
	}

	// The provider rotates the access token and omits the refresh token.
	refreshed := &oauth2.Token{AccessToken: "new", Expiry: clk.Now().Add(time.Hour)}
	src := &persistingSource{
		userID: 1,
		vault:  v,
		src:    &staticSource{tok: refreshed},
		last:   &oauth2.Token{AccessToken: old.AccessToken, RefreshToken: old.RefreshToken, Expiry: old.Expiry},
	}

	tok, err := src.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok.AccessToken != "new" {
		t.Errorf("access token = %q, want new", tok.AccessToken)
	}

	stored, err := v.Credentials(1)
	if err != nil || stored == nil {
		t.Fatalf("load stored = %+v (%v)", stored, err)
	}
	if stored.AccessToken != "new" {
		t.Errorf("stored access token = %q, want new", stored.AccessToken)
	}
	if stored.RefreshToken != "refresh-1" {
		t.Errorf("stored refresh token = %q, want preserved refresh-1", stored.RefreshToken)
	}

	// Serving the same token again must not rewrite the row.
	if _, err := src.Token(); err != nil {
		t.Fatalf("second token: %v", err)
	}
}
