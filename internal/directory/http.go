package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/dispatchd/internal/dispatch"
)

const (
	loginPath = "/api/v1/auth/login"

	// defaultTokenTTL applies to tokens whose expiry cannot be read.
	defaultTokenTTL = 5 * time.Minute

	// tokenSkew renews tokens this long before they expire.
	tokenSkew = 30 * time.Second

	// maxResponseSize bounds a directory response body.
	maxResponseSize = 4 << 20
)

// HTTPOptions configures an HTTPDirectory.
type HTTPOptions struct {
	// Timeout bounds each HTTP call. Default: 10s.
	Timeout time.Duration
	// Cache, when set, holds membership lists for CacheTTL.
	Cache    MembershipCache
	CacheTTL time.Duration
	// Client overrides the HTTP client. Tests only.
	Client *http.Client
	Logger dispatch.Logger
}

// HTTPDirectory resolves orgs against a remote directory service.
//
// Thread Safety: safe for concurrent use.
type HTTPDirectory struct {
	base     *url.URL
	client   *http.Client
	cache    MembershipCache
	cacheTTL time.Duration
	logger   dispatch.Logger
	now      func() time.Time

	mu     sync.Mutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	value  string
	expiry time.Time
}

type loginRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	NamespaceID int    `json:"namespaceId"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type deviceRecord struct {
	Hostname string `json:"hostname"`
}

// NewHTTP creates a directory client for the service at baseURL.
func NewHTTP(baseURL string, opts HTTPOptions) (*HTTPDirectory, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: url %q", ErrInvalidConfig, baseURL)
	}

	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	return &HTTPDirectory{
		base:     base,
		client:   client,
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		logger:   logger,
		now:      time.Now,
		tokens:   make(map[string]cachedToken),
	}, nil
}

// OrgDevices returns the hostnames of every device in org.
//
// Credentials are always checked: a login happens unless a token obtained
// with the same credentials is still valid. A rejected token triggers one
// fresh login.
//
// Errors (wrapped):
//   - dispatch.ErrCredentialsRejected: login refused or org access denied
//   - dispatch.ErrUnknownOrg: the directory does not know org
//   - ErrUnexpectedStatus, ErrInvalidResponse or a transport error: transient
func (d *HTTPDirectory) OrgDevices(ctx context.Context, org, namespace int, creds dispatch.Credentials) ([]string, error) {
	token, err := d.token(ctx, namespace, creds)
	if err != nil {
		return nil, err
	}

	cacheKey := membershipKey(namespace, org, creds.Username)
	if devices, ok := d.cached(ctx, cacheKey); ok {
		return devices, nil
	}

	devices, err := d.listDevices(ctx, token, org, namespace)
	if errors.Is(err, errTokenExpired) {
		d.forget(namespace, creds)
		if token, err = d.token(ctx, namespace, creds); err != nil {
			return nil, err
		}
		devices, err = d.listDevices(ctx, token, org, namespace)
	}
	if errors.Is(err, errTokenExpired) {
		return nil, fmt.Errorf("%w: token refused after fresh login", dispatch.ErrCredentialsRejected)
	}
	if err != nil {
		return nil, err
	}

	d.store(ctx, cacheKey, devices)
	return devices, nil
}

var errTokenExpired = errors.New("directory token rejected")

func (d *HTTPDirectory) token(ctx context.Context, namespace int, creds dispatch.Credentials) (string, error) {
	key := tokenKey(namespace, creds)

	d.mu.Lock()
	t, ok := d.tokens[key]
	d.mu.Unlock()
	if ok && d.now().Before(t.expiry) {
		return t.value, nil
	}

	value, err := d.login(ctx, namespace, creds)
	if err != nil {
		return "", err
	}

	now := d.now()
	d.mu.Lock()
	d.pruneLocked(now)
	d.tokens[key] = cachedToken{value: value, expiry: tokenExpiry(value, now)}
	d.mu.Unlock()
	return value, nil
}

// pruneLocked drops expired tokens so credentials that never return do not
// accumulate. Caller holds d.mu.
func (d *HTTPDirectory) pruneLocked(now time.Time) {
	for key, t := range d.tokens {
		if !now.Before(t.expiry) {
			delete(d.tokens, key)
		}
	}
}

func (d *HTTPDirectory) forget(namespace int, creds dispatch.Credentials) {
	d.mu.Lock()
	delete(d.tokens, tokenKey(namespace, creds))
	d.mu.Unlock()
}

func (d *HTTPDirectory) login(ctx context.Context, namespace int, creds dispatch.Credentials) (string, error) {
	body, err := json.Marshal(loginRequest{Username: creds.Username, Password: creds.Password, NamespaceID: namespace})
	if err != nil {
		return "", fmt.Errorf("encoding login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint(loginPath), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("directory login: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", fmt.Errorf("%w: login for %q", dispatch.ErrCredentialsRejected, creds.Username)
	default:
		return "", fmt.Errorf("%w: login returned %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var lr loginResponse
	if err := decodeBody(resp.Body, &lr); err != nil {
		return "", err
	}
	if lr.Token == "" {
		return "", fmt.Errorf("%w: empty token", ErrInvalidResponse)
	}
	return lr.Token, nil
}

func (d *HTTPDirectory) listDevices(ctx context.Context, token string, org, namespace int) ([]string, error) {
	path := fmt.Sprintf("/api/v1/namespaces/%d/orgs/%d/devices", namespace, org)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint(path), nil)
	if err != nil {
		return nil, fmt.Errorf("building device list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing org %d: %w", org, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, errTokenExpired
	case http.StatusForbidden:
		return nil, fmt.Errorf("%w: no access to org %d", dispatch.ErrCredentialsRejected, org)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %d", dispatch.ErrUnknownOrg, org)
	default:
		return nil, fmt.Errorf("%w: listing org %d returned %d", ErrUnexpectedStatus, org, resp.StatusCode)
	}

	var records []deviceRecord
	if err := decodeBody(resp.Body, &records); err != nil {
		return nil, err
	}

	devices := make([]string, 0, len(records))
	for _, r := range records {
		if r.Hostname != "" {
			devices = append(devices, r.Hostname)
		}
	}
	return devices, nil
}

func (d *HTTPDirectory) endpoint(path string) string {
	return d.base.JoinPath(path).String()
}

// tokenExpiry reads exp from an unverified JWT. The directory signs its
// tokens; dispatchd only needs to know when to log in again.
func tokenExpiry(token string, now time.Time) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return now.Add(defaultTokenTTL)
	}
	return claims.ExpiresAt.Add(-tokenSkew)
}

// tokenKey identifies cached tokens without holding the password.
func tokenKey(namespace int, creds dispatch.Credentials) string {
	return strconv.Itoa(namespace) + "/" + creds.Username + "/" +
		strconv.FormatUint(xxhash.Sum64String(creds.Password), 16)
}

func decodeBody(r io.Reader, v any) error {
	if err := json.NewDecoder(io.LimitReader(r, maxResponseSize)).Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
