package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// expiryMargin is how much remaining validity a cached credential must have
// before it is considered usable. Anything closer to expiry is refreshed.
const expiryMargin = time.Minute

// Credential is a bearer token plus its computed expiry.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

func (c Credential) valid(now time.Time) bool {
	return c.Token != "" && now.Add(expiryMargin).Before(c.ExpiresAt)
}

// Authenticator owns the shared upstream credential. Refresh is mutually
// exclusive: concurrent callers hitting an expired credential block behind
// one lock and exactly one authentication round-trip is in flight at a time.
// It does not retry; retry policy belongs to the caller.
type Authenticator struct {
	httpClient      *http.Client
	baseURL         string
	user            string
	password        string
	refreshInterval time.Duration
	log             *logrus.Entry

	mu      sync.Mutex
	current Credential
}

func NewAuthenticator(logger *logrus.Logger, httpClient *http.Client, baseURL, user, password string, refreshInterval time.Duration) *Authenticator {
	return &Authenticator{
		httpClient:      httpClient,
		baseURL:         baseURL,
		user:            user,
		password:        password,
		refreshInterval: refreshInterval,
		log:             logger.WithField("component", "registry_auth"),
	}
}

// Token returns the cached credential when it still has at least the safety
// margin of validity left, otherwise performs one authentication call and
// caches the result.
func (a *Authenticator) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current.valid(time.Now()) {
		return a.current.Token, nil
	}

	cred, err := a.authenticate(ctx)
	if err != nil {
		return "", err
	}
	a.current = cred
	return cred.Token, nil
}

// Invalidate drops the cached credential so the next Token call
// re-authenticates. Used by the client after a 401.
func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	a.current = Credential{}
	a.mu.Unlock()
}

func (a *Authenticator) authenticate(ctx context.Context) (Credential, error) {
	start := time.Now()
	log := a.log.WithField("operation", "token_auth")

	body, err := json.Marshal(tokenRequest{User: a.user, Password: a.password})
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/token", bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Error("Token request failed")
		return Credential{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.WithField("status_code", resp.StatusCode).Error("Token auth failed")
		return Credential{}, fmt.Errorf("%w: status %d", ErrAuthentication, resp.StatusCode)
	}

	var tokenResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		log.WithError(err).Error("Failed to decode token response")
		return Credential{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if tokenResp.Token == "" {
		return Credential{}, fmt.Errorf("%w: empty token in response", ErrAuthentication)
	}

	// Expiry comes from the configured refresh interval, capped by whatever
	// the registry reports so we never hold a token past its real lifetime.
	expiry := a.refreshInterval
	if tokenResp.ExpiresIn > 0 {
		reported := time.Duration(tokenResp.ExpiresIn) * time.Second
		if reported < expiry {
			expiry = reported
		}
	}

	log.WithFields(logrus.Fields{
		"duration":   time.Since(start),
		"expires_in": expiry,
	}).Debug("Acquired registry token")

	return Credential{Token: tokenResp.Token, ExpiresAt: time.Now().Add(expiry)}, nil
}
