package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/oauth2"
)

func mustWriteRSAKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("unable to generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "app.pem")
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("unable to write key: %v", err)
	}
	return path, key
}

func newAppServer(t *testing.T, key *rsa.PrivateKey, calls *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if r.Method != http.MethodPost || r.URL.Path != "/app/installations/42/access_tokens" {
			http.NotFound(w, r)
			return
		}

		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.RS256})
		if err != nil {
			t.Errorf("unable to parse jwt: %v", err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var claims jwt.Claims
		if err := tok.Claims(&key.PublicKey, &claims); err != nil {
			t.Errorf("invalid jwt signature: %v", err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if claims.Issuer != "1234" {
			t.Errorf("unexpected issuer %s", claims.Issuer)
		}

		var perms GithubAppTokenReqPermissions
		if err := json.NewDecoder(r.Body).Decode(&perms); err != nil {
			t.Errorf("unable to decode body: %v", err)
		}
		want := map[string]string{"metadata": "read", "contents": "read"}
		if diff := cmp.Diff(want, perms.Permissions); diff != "" {
			t.Errorf("permissions mismatch (-want +got):\n%s", diff)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(GithubAppToken{
			Token:     "ghs_installation",
			ExpiresAt: time.Now().Add(time.Hour).UTC(),
		})
	}))
}

func TestGithubApp_TokenSource(t *testing.T) {
	keyPath, key := mustWriteRSAKey(t)
	var calls int32
	server := newAppServer(t, key, &calls)
	defer server.Close()

	app := &GithubApp{
		AppID:          "1234",
		InstallationID: "42",
		PrivateKeyPath: keyPath,
		APIURL:         server.URL + "/",
	}

	ts := app.TokenSource(context.Background())
	for i := 0; i < 3; i++ {
		token, err := ts.Token()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if token.AccessToken != "ghs_installation" {
			t.Errorf("unexpected token %s", token.AccessToken)
		}
	}
	// token is valid for an hour so it must be reused
	if calls != 1 {
		t.Errorf("expected 1 token request got %d", calls)
	}
}

func TestGithubApp_InstallationToken_errors(t *testing.T) {
	keyPath, key := mustWriteRSAKey(t)
	var calls int32
	server := newAppServer(t, key, &calls)
	defer server.Close()

	app := &GithubApp{AppID: "1234", InstallationID: "7", PrivateKeyPath: keyPath, APIURL: server.URL}
	_, err := app.InstallationToken(context.Background(), GithubAppTokenReqPermissions{})
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		t.Fatalf("expected RetrieveError for unknown installation got %v", err)
	}
	if retrieveErr.Response.StatusCode != http.StatusNotFound {
		t.Errorf("unexpected status %d", retrieveErr.Response.StatusCode)
	}

	app = &GithubApp{AppID: "1234", InstallationID: "42", PrivateKeyPath: filepath.Join(t.TempDir(), "missing")}
	if _, err := app.InstallationToken(context.Background(), GithubAppTokenReqPermissions{}); err == nil {
		t.Errorf("expected error for missing key")
	}
}
