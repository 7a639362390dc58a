package inventory

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-github/v75/github"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/oauth2"
)

type fakeRepo struct {
	Name   string `json:"name,omitempty"`
	SSHURL string `json:"ssh_url,omitempty"`
	Fork   bool   `json:"fork"`
}

// fakeGitHub serves repository pages, handler can override the response
// of every request
type fakeGitHub struct {
	t        *testing.T
	mu       sync.Mutex
	pages    map[int][]fakeRepo
	requests []*http.Request
	handler  func(w http.ResponseWriter, r *http.Request, n int) bool
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r)
	n := len(f.requests)
	f.mu.Unlock()

	if f.handler != nil && f.handler(w, r, n) {
		return
	}

	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil {
		f.t.Errorf("invalid page param: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	repos := f.pages[page]
	if repos == nil {
		repos = []fakeRepo{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(repos)
}

func (f *fakeGitHub) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func mustFetcher(t *testing.T, url string, client *http.Client) *Fetcher {
	t.Helper()
	if client == nil {
		client = NewTokenClient(context.Background(), "test-token")
	}
	f, err := NewFetcher(client, FetcherOptions{
		APIURL:          url,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unable to create fetcher: %v", err)
	}
	return f
}

func repoPage(prefix string, n int) []fakeRepo {
	var repos []fakeRepo
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%s%02d", prefix, i)
		repos = append(repos, fakeRepo{Name: name, SSHURL: "git@github.com:alice/" + name + ".git"})
	}
	return repos
}

func TestFetch_pagination(t *testing.T) {
	fake := &fakeGitHub{t: t, pages: map[int][]fakeRepo{
		1: repoPage("a", 20),
		2: repoPage("b", 5),
	}}
	server := httptest.NewServer(fake)
	defer server.Close()

	inv, err := mustFetcher(t, server.URL, nil).Fetch(context.Background(), UserScope("alice"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(inv) != 25 {
		t.Errorf("expected 25 repositories got %d", len(inv))
	}
	if got := fake.requestCount(); got != 3 {
		t.Errorf("expected 3 requests got %d", got)
	}
	if inv["b04"] != "git@github.com:alice/b04.git" {
		t.Errorf("unexpected clone url %q", inv["b04"])
	}

	for i, r := range fake.requests {
		if r.URL.Path != "/user/repos" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("page") != strconv.Itoa(i+1) {
			t.Errorf("request %d: unexpected page %s", i, q.Get("page"))
		}
		if q.Get("per_page") != "20" {
			t.Errorf("unexpected per_page %s", q.Get("per_page"))
		}
		if q.Get("affiliation") != "owner" {
			t.Errorf("unexpected affiliation %s", q.Get("affiliation"))
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("unexpected Accept header %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != DefaultUserAgent {
			t.Errorf("unexpected User-Agent header %q", got)
		}
	}
}

func TestFetch_orgScope(t *testing.T) {
	fake := &fakeGitHub{t: t, pages: map[int][]fakeRepo{1: repoPage("r", 2)}}
	server := httptest.NewServer(fake)
	defer server.Close()

	inv, err := mustFetcher(t, server.URL+"/api/v3/", nil).Fetch(context.Background(), OrgScope("acme"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"r00", "r01"}, inv.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
	r := fake.requests[0]
	if r.URL.Path != "/api/v3/orgs/acme/repos" {
		t.Errorf("unexpected path %s", r.URL.Path)
	}
	if r.URL.Query().Get("type") != "all" {
		t.Errorf("unexpected type filter %s", r.URL.Query().Get("type"))
	}
}

func TestFetch_skipsIncompleteAndDuplicates(t *testing.T) {
	fake := &fakeGitHub{t: t, pages: map[int][]fakeRepo{
		1: {
			{Name: "a", SSHURL: "git@github.com:alice/a.git"},
			{Name: "no-url"},
			{SSHURL: "git@github.com:alice/no-name.git"},
			{Name: "b", SSHURL: "git@github.com:alice/b-old.git"},
		},
		2: {
			{Name: "b", SSHURL: "git@github.com:alice/b.git"},
		},
	}}
	server := httptest.NewServer(fake)
	defer server.Close()

	inv, err := mustFetcher(t, server.URL, nil).Fetch(context.Background(), UserScope("alice"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Inventory{
		"a": "git@github.com:alice/a.git",
		"b": "git@github.com:alice/b.git",
	}
	if diff := cmp.Diff(want, inv); diff != "" {
		t.Errorf("inventory mismatch (-want +got):\n%s", diff)
	}
	// skipped objects must not stop pagination
	if got := fake.requestCount(); got != 3 {
		t.Errorf("expected 3 requests got %d", got)
	}
}

func TestFetch_empty(t *testing.T) {
	fake := &fakeGitHub{t: t}
	server := httptest.NewServer(fake)
	defer server.Close()

	inv, err := mustFetcher(t, server.URL, nil).Fetch(context.Background(), UserScope("alice"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(inv) != 0 {
		t.Errorf("expected empty inventory got %v", inv)
	}
	if got := fake.requestCount(); got != 1 {
		t.Errorf("expected 1 request got %d", got)
	}
}

func TestFetch_retriesTransientFailures(t *testing.T) {
	fake := &fakeGitHub{t: t, pages: map[int][]fakeRepo{1: repoPage("a", 3)}}
	fake.handler = func(w http.ResponseWriter, r *http.Request, n int) bool {
		switch n {
		case 1:
			w.WriteHeader(http.StatusBadGateway)
			return true
		case 2:
			// truncated body
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{"name": "a00"`))
			return true
		}
		return false
	}
	server := httptest.NewServer(fake)
	defer server.Close()

	inv, err := mustFetcher(t, server.URL, nil).Fetch(context.Background(), UserScope("alice"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(inv) != 3 {
		t.Errorf("expected 3 repositories got %d", len(inv))
	}
	// 2 failed + page 1 + empty page 2
	if got := fake.requestCount(); got != 4 {
		t.Errorf("expected 4 requests got %d", got)
	}
}

func TestFetch_exhaustedRetries(t *testing.T) {
	fake := &fakeGitHub{t: t, pages: map[int][]fakeRepo{1: repoPage("a", 20)}}
	fake.handler = func(w http.ResponseWriter, r *http.Request, n int) bool {
		if r.URL.Query().Get("page") == "2" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return true
		}
		return false
	}
	server := httptest.NewServer(fake)
	defer server.Close()

	inv, err := mustFetcher(t, server.URL, nil).Fetch(context.Background(), UserScope("alice"))
	if inv != nil {
		t.Errorf("partial inventory must not be returned got %d repos", len(inv))
	}
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError got %v", err)
	}
	if fetchErr.Page != 2 || fetchErr.Attempts != 3 {
		t.Errorf("expected failure on page 2 after 3 attempts got page %d attempts %d", fetchErr.Page, fetchErr.Attempts)
	}
	// page 1 + 3 attempts of page 2
	if got := fake.requestCount(); got != 4 {
		t.Errorf("expected 4 requests got %d", got)
	}
}

func TestFetch_fatalFailure(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			fake := &fakeGitHub{t: t}
			fake.handler = func(w http.ResponseWriter, r *http.Request, n int) bool {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(code)
				w.Write([]byte(`{"message": "Bad credentials"}`))
				return true
			}
			server := httptest.NewServer(fake)
			defer server.Close()

			_, err := mustFetcher(t, server.URL, nil).Fetch(context.Background(), UserScope("alice"))
			var fetchErr *FetchError
			if !errors.As(err, &fetchErr) {
				t.Fatalf("expected FetchError got %v", err)
			}
			if fetchErr.Attempts != 1 {
				t.Errorf("fatal failure must not be retried, attempts %d", fetchErr.Attempts)
			}
			if got := fake.requestCount(); got != 1 {
				t.Errorf("expected 1 request got %d", got)
			}
		})
	}
}

// failingTokenSource fails like the github app token source does when the
// installation token can't be created
type failingTokenSource struct {
	mu    sync.Mutex
	calls int
	code  int
}

func (s *failingTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil, fmt.Errorf("unable to get github app token: %w", &oauth2.RetrieveError{
		Response: &http.Response{StatusCode: s.code, Status: http.StatusText(s.code)},
	})
}

func TestFetch_tokenFailure(t *testing.T) {
	tests := []struct {
		code         int
		wantAttempts int
	}{
		{http.StatusUnauthorized, 1},
		{http.StatusBadGateway, 3},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.code), func(t *testing.T) {
			fake := &fakeGitHub{t: t}
			server := httptest.NewServer(fake)
			defer server.Close()

			ts := &failingTokenSource{code: tt.code}
			client := oauth2.NewClient(context.Background(), ts)

			inv, err := mustFetcher(t, server.URL, client).Fetch(context.Background(), OrgScope("acme"))
			if inv != nil {
				t.Errorf("expected nil inventory got %v", inv)
			}
			var fetchErr *FetchError
			if !errors.As(err, &fetchErr) {
				t.Fatalf("expected FetchError got %v", err)
			}
			if fetchErr.Attempts != tt.wantAttempts {
				t.Errorf("expected %d attempts got %d", tt.wantAttempts, fetchErr.Attempts)
			}
			if ts.calls != tt.wantAttempts {
				t.Errorf("expected %d token requests got %d", tt.wantAttempts, ts.calls)
			}
			// token failure is reported before any request reaches the api
			if got := fake.requestCount(); got != 0 {
				t.Errorf("expected 0 api requests got %d", got)
			}
		})
	}
}

func TestFetch_cancelled(t *testing.T) {
	fake := &fakeGitHub{t: t, pages: map[int][]fakeRepo{1: repoPage("a", 1)}}
	server := httptest.NewServer(fake)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mustFetcher(t, server.URL, nil).Fetch(ctx, UserScope("alice"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled got %v", err)
	}
}

func TestFetch_metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	EnableMetrics("", reg)
	defer func() { inventoryRequests = nil }()

	fake := &fakeGitHub{t: t, pages: map[int][]fakeRepo{1: repoPage("a", 1)}}
	fake.handler = func(w http.ResponseWriter, r *http.Request, n int) bool {
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return true
		}
		return false
	}
	server := httptest.NewServer(fake)
	defer server.Close()

	if _, err := mustFetcher(t, server.URL, nil).Fetch(context.Background(), UserScope("alice")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := testutil.ToFloat64(inventoryRequests.WithLabelValues("user:alice", "retry")); got != 1 {
		t.Errorf("expected 1 retry got %v", got)
	}
	if got := testutil.ToFloat64(inventoryRequests.WithLabelValues("user:alice", "success")); got != 2 {
		t.Errorf("expected 2 successful requests got %v", got)
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want FailureClass
	}{
		{"5xx", ctx, errResponse(http.StatusBadGateway), Retryable},
		{"429", ctx, errResponse(http.StatusTooManyRequests), Retryable},
		{"401", ctx, errResponse(http.StatusUnauthorized), Fatal},
		{"404", ctx, errResponse(http.StatusNotFound), Fatal},
		{"syntax", ctx, &json.SyntaxError{}, Retryable},
		{"timeout", ctx, &timeoutErr{}, Retryable},
		{"url timeout", ctx, urlErr(&timeoutErr{}), Retryable},
		{"connection refused", ctx, urlErr(&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}), Retryable},
		{"connection closed", ctx, urlErr(io.EOF), Retryable},
		{"token 401", ctx, urlErr(&oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusUnauthorized}}), Fatal},
		{"token 503", ctx, urlErr(&oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}}), Retryable},
		{"unknown authority", ctx, urlErr(&tls.CertificateVerificationError{Err: x509.UnknownAuthorityError{}}), Fatal},
		{"hostname mismatch", ctx, urlErr(x509.HostnameError{Host: "github.com"}), Fatal},
		{"missing app key", ctx, urlErr(errors.New("open /app.pem: no such file or directory")), Fatal},
		{"cancelled", cancelled, errResponse(http.StatusBadGateway), Fatal},
		{"unknown", ctx, errors.New("boom"), Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.ctx, tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func urlErr(err error) error {
	return &url.Error{Op: "Get", URL: "https://api.github.com/user/repos", Err: err}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func errResponse(code int) error {
	return &github.ErrorResponse{
		Response: &http.Response{StatusCode: code, Request: &http.Request{Method: http.MethodGet, URL: &url.URL{}}},
		Message:  http.StatusText(code),
	}
}
