// Package inventory lists repositories of a GitHub user or organization.
//
// The listing is paginated, pages are requested in order until an empty
// page is returned. Failed page requests are retried with exponential
// backoff if the failure is transient. Listing is aborted with a FetchError
// once retries are exhausted or on the first failure which can't be fixed by
// retrying, partial inventories are never returned.
package inventory

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
)

const (
	DefaultAPIURL          = "https://api.github.com/"
	DefaultUserAgent       = "git-backup"
	DefaultPerPage         = 20
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 10 * time.Second
)

// FailureClass tells if failed page request can be retried
type FailureClass int

const (
	Retryable FailureClass = iota
	Fatal
)

func (c FailureClass) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

// FetchError is returned when the inventory could not be listed completely
type FetchError struct {
	Scope    string
	Page     int
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("listing repositories of %s failed on page %d after %d attempt(s): %v",
		e.Scope, e.Page, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// FetcherOptions configures the Fetcher, zero values are replaced by defaults
type FetcherOptions struct {
	APIURL          string
	UserAgent       string
	PerPage         int
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Log             *slog.Logger
}

// Fetcher lists repositories using GitHub REST API
type Fetcher struct {
	gh              *github.Client
	perPage         int
	maxAttempts     uint
	initialInterval time.Duration
	maxInterval     time.Duration
	log             *slog.Logger
}

// NewTokenClient returns http client which authenticates requests with
// given token as bearer token
func NewTokenClient(ctx context.Context, token string) *http.Client {
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
}

// NewFetcher creates Fetcher using given http client which must take care of
// authentication (see NewTokenClient)
func NewFetcher(httpClient *http.Client, opts FetcherOptions) (*Fetcher, error) {
	gh := github.NewClient(httpClient)

	apiURL := opts.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	baseURL, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url %q: %w", opts.APIURL, err)
	}
	gh.BaseURL = baseURL

	gh.UserAgent = DefaultUserAgent
	if opts.UserAgent != "" {
		gh.UserAgent = opts.UserAgent
	}

	f := &Fetcher{
		gh:              gh,
		perPage:         opts.PerPage,
		maxAttempts:     opts.MaxAttempts,
		initialInterval: opts.InitialInterval,
		maxInterval:     opts.MaxInterval,
		log:             opts.Log,
	}
	if f.perPage <= 0 {
		f.perPage = DefaultPerPage
	}
	if f.maxAttempts == 0 {
		f.maxAttempts = DefaultMaxAttempts
	}
	if f.initialInterval <= 0 {
		f.initialInterval = DefaultInitialInterval
	}
	if f.maxInterval <= 0 {
		f.maxInterval = DefaultMaxInterval
	}
	if f.log == nil {
		f.log = slog.Default()
	}
	return f, nil
}

// Fetch returns all repositories visible in the given scope. objects without
// name or ssh url are skipped.
func (f *Fetcher) Fetch(ctx context.Context, scope Scope) (Inventory, error) {
	log := f.log.With("scope", scope.String())
	inv := make(Inventory)

	for page := 1; ; page++ {
		repos, err := f.fetchPage(ctx, scope, page)
		if err != nil {
			return nil, err
		}
		if len(repos) == 0 {
			log.Debug("repository listing complete", "pages", page-1, "repos", len(inv))
			return inv, nil
		}

		for _, repo := range repos {
			if repo.GetName() == "" || repo.GetSSHURL() == "" {
				log.Warn("skipping repository without name or ssh_url", "page", page, "name", repo.GetName())
				continue
			}
			inv[repo.GetName()] = repo.GetSSHURL()
		}
	}
}

func (f *Fetcher) fetchPage(ctx context.Context, scope Scope, page int) ([]*github.Repository, error) {
	attempts := 0

	operation := func() ([]*github.Repository, error) {
		attempts++
		repos, err := f.listPage(ctx, scope, page)
		if err == nil {
			recordInventoryRequest(scope, "success")
			return repos, nil
		}
		if Classify(ctx, err) == Fatal {
			recordInventoryRequest(scope, "fatal")
			return nil, backoff.Permanent(err)
		}
		recordInventoryRequest(scope, "retry")
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialInterval
	b.MaxInterval = f.maxInterval

	repos, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(f.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.log.Warn("repository page request failed, retrying", "scope", scope.String(), "page", page, "retry-in", next, "err", err)
		}),
	)
	if err != nil {
		return nil, &FetchError{Scope: scope.String(), Page: page, Attempts: attempts, Err: err}
	}
	return repos, nil
}

// listPage requests single page of repositories
// GET <endpoint>?<filter>&page=<n>&per_page=<size>
func (f *Fetcher) listPage(ctx context.Context, scope Scope, page int) ([]*github.Repository, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(f.perPage))
	if scope.FilterKey != "" {
		q.Set(scope.FilterKey, scope.FilterValue)
	}

	req, err := f.gh.NewRequest(http.MethodGet, scope.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	var repos []*github.Repository
	if _, err := f.gh.Do(ctx, req, &repos); err != nil {
		return nil, err
	}
	return repos, nil
}

// Classify returns whether page request failure is worth retrying.
// server errors, secondary rate limits, network and decoding errors are
// retryable, client errors and cancelled requests are not.
func Classify(ctx context.Context, err error) FailureClass {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return Fatal
	}

	var rateLimitErr *github.RateLimitError
	if errors.As(err, &rateLimitErr) {
		// primary rate limit resets hourly
		return Fatal
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return Retryable
	}

	var errResp *github.ErrorResponse
	if errors.As(err, &errResp) {
		if errResp.Response == nil {
			return Fatal
		}
		code := errResp.Response.StatusCode
		if code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
			return Retryable
		}
		return Fatal
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Retryable
	}

	// token endpoint of the github app
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response == nil {
			return Fatal
		}
		code := retrieveErr.Response.StatusCode
		if code >= 500 || code == http.StatusTooManyRequests {
			return Retryable
		}
		return Fatal
	}

	if isCertificateError(err) {
		return Fatal
	}

	// url.Error is a net.Error itself, only the wrapped transport error
	// decides
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return Retryable
		}
		err = urlErr.Err
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Retryable
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}

	return Fatal
}

func isCertificateError(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	var authorityErr x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidErr x509.CertificateInvalidError
	return errors.As(err, &verifyErr) ||
		errors.As(err, &authorityErr) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr)
}
