package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const periodDateLayout = "2006-01-02"

// Client issues lookups against the external vehicle/contract registry. Every
// call carries the current bearer credential; on a 401 the cached credential
// is invalidated and the call is retried exactly once with a fresh one.
type Client struct {
	httpClient *http.Client
	auth       *Authenticator
	baseURL    string
	log        *logrus.Entry
}

type loggingTransport struct {
	log *logrus.Entry
}

func NewClient(logger *logrus.Logger, baseURL, user, password string, refreshInterval time.Duration) *Client {
	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &loggingTransport{log: logger.WithField("component", "registry_transport")},
	}
	return &Client{
		httpClient: httpClient,
		auth:       NewAuthenticator(logger, httpClient, baseURL, user, password, refreshInterval),
		baseURL:    baseURL,
		log:        logger.WithField("component", "registry_client"),
	}
}

// SearchByPeriod returns all notifications whose request date falls inside
// the window.
func (c *Client) SearchByPeriod(ctx context.Context, start, end time.Time) ([]NotificationRecord, error) {
	url := fmt.Sprintf("%s/period/%s/%s", c.baseURL, start.Format(periodDateLayout), end.Format(periodDateLayout))
	return c.fetchNotifications(ctx, url)
}

// SearchCancelledByPeriod returns the cancelled subset for the window.
func (c *Client) SearchCancelledByPeriod(ctx context.Context, start, end time.Time) ([]NotificationRecord, error) {
	url := fmt.Sprintf("%s/cancelled/period/%s/%s", c.baseURL, start.Format(periodDateLayout), end.Format(periodDateLayout))
	return c.fetchNotifications(ctx, url)
}

// SearchContract looks up a single contract. A 404 from the registry is a
// first-class empty result: (nil, nil), not an error.
func (c *Client) SearchContract(ctx context.Context, number string) (*ContractDetail, error) {
	body, err := json.Marshal(contractRequest{ContractNumber: number})
	if err != nil {
		return nil, fmt.Errorf("encoding contract request: %w", err)
	}

	resp, err := c.doWithAuth(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/receive", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.log.WithField("operation", "contract_lookup").Debug("Contract not found upstream")
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: contract lookup returned status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var detail ContractDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return nil, fmt.Errorf("%w: decoding contract response: %v", ErrUpstreamUnavailable, err)
	}
	return &detail, nil
}

func (c *Client) fetchNotifications(ctx context.Context, url string) ([]NotificationRecord, error) {
	resp, err := c.doWithAuth(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: period search returned status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var records []NotificationRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: decoding period response: %v", ErrUpstreamUnavailable, err)
	}
	return records, nil
}

// doWithAuth attaches the current credential and performs the request. On a
// 401 it forces one re-authentication and retries once; a second 401
// propagates as an authentication failure.
func (c *Client) doWithAuth(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	resp, err := c.send(ctx, build)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	c.log.Warn("Credential rejected upstream, forcing re-authentication")
	c.auth.Invalidate()

	resp, err = c.send(ctx, build)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: still unauthorized after refresh", ErrAuthentication)
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	token, err := c.auth.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := build()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "VehicleRegistryCache/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.WithError(err).Error("Upstream request failed")
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return resp, nil
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	log := t.log.WithFields(logrus.Fields{
		"method": req.Method,
		"url":    req.URL.String(),
	})

	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		log.WithError(err).Error("HTTP request failed")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"status_code": resp.StatusCode,
		"duration":    time.Since(start),
	}).Debug("HTTP request completed")
	return resp, nil
}
