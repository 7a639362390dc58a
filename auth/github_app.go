// Package auth creates GitHub App installation access tokens which can be
// used instead of a personal access token to list organization repositories.
package auth

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/oauth2"
)

const DefaultAPIURL = "https://api.github.com/"

type GithubAppTokenReqPermissions struct {
	Repositories []string          `json:"repositories,omitempty"`
	Permissions  map[string]string `json:"permissions"`
}

type GithubAppToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GithubApp holds the details required to create installation tokens
type GithubApp struct {
	// The application id or the client ID of the Github app
	AppID string
	// The installation id of the app (in the organization).
	InstallationID string
	// path to the github app private key
	PrivateKeyPath string
	// APIURL is the base URL of the GitHub API, defaults to DefaultAPIURL
	APIURL string
	// HTTPClient defaults to http.DefaultClient
	HTTPClient *http.Client
}

// InstallationToken requests new installation token with given permissions
func (app *GithubApp) InstallationToken(ctx context.Context, reqPerms GithubAppTokenReqPermissions) (*GithubAppToken, error) {
	privateKey, err := readPrivateKey(app.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: privateKey}, nil)
	if err != nil {
		return nil, err
	}

	cl := jwt.Claims{
		// GitHub App's ID or client ID
		Issuer: app.AppID,
		// issued at time, 60 seconds in the past to allow for clock drift
		IssuedAt: jwt.NewNumericDate(time.Now().Add(-60 * time.Second)),
		// JWT expiration time (10 minute maximum)
		Expiry: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
	}

	jwtToken, err := jwt.Signed(signer).Claims(cl).Serialize()
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(reqPerms)
	if err != nil {
		return nil, err
	}

	apiURL := app.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", strings.TrimRight(apiURL, "/"), app.InstallationID)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	client := app.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		errMessage, _ := io.ReadAll(resp.Body)
		return nil, &oauth2.RetrieveError{Response: resp, Body: errMessage}
	}

	var tokenResponse GithubAppToken
	if err := json.NewDecoder(resp.Body).Decode(&tokenResponse); err != nil {
		return nil, err
	}

	return &tokenResponse, nil
}

// TokenSource returns oauth2 token source which creates installation tokens
// with read only access to repository metadata. tokens are reused until
// they are about to expire.
func (app *GithubApp) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSourceWithExpiry(nil, &appTokenSource{ctx: ctx, app: app}, 10*time.Minute)
}

type appTokenSource struct {
	ctx context.Context
	app *GithubApp
}

func (s *appTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.app.InstallationToken(s.ctx, GithubAppTokenReqPermissions{
		Permissions: map[string]string{"metadata": "read", "contents": "read"},
	})
	if err != nil {
		return nil, fmt.Errorf("unable to get github app token: %w", err)
	}
	return &oauth2.Token{
		AccessToken: token.Token,
		TokenType:   "Bearer",
		Expiry:      token.ExpiresAt,
	}, nil
}

func readPrivateKey(path string) (*rsa.PrivateKey, error) {
	privatePEMData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(privatePEMData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block containing private key")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("github app private key must be RSA key")
		}
		return rsaKey, nil
	}
	return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
}
