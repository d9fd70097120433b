// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

// Package verifier is the HTTP client for the external identity verifier.
//
// The verifier serves the pairing QR code as an HTML page and exchanges
// authorization codes for device access tokens. All calls run behind a
// pinned CA, a client-side rate limiter, and a circuit breaker.
package verifier

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/verilocate/verilocate/internal/config"
	"github.com/verilocate/verilocate/internal/logging"
	"github.com/verilocate/verilocate/internal/metrics"
)

// Client errors.
var (
	ErrNoQRCode        = errors.New("verifier: login page carries no QR image")
	ErrExchangeFailed  = errors.New("verifier: authorization code exchange failed")
	ErrVerifierDown    = errors.New("verifier: upstream unavailable")
	ErrNoAccessToken   = errors.New("verifier: token response carries no access token")
	ErrUnexpectedState = errors.New("verifier: unexpected response status")
)

// Client talks to the external verifier.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	cb         *gobreaker.CircuitBreaker[[]byte]
}

// NewClient builds a verifier client from configuration. When a CA
// certificate path is configured, only that CA is trusted for the
// verifier's TLS endpoint.
func NewClient(cfg *config.VerifierConfig) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read verifier CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("verifier CA cert %s contains no valid certificates", cfg.CACertPath)
		}
		transport.TLSClientConfig = &tls.Config{
			RootCAs:    pool,
			MinVersion: tls.VersionTLS12,
		}
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "verifier",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("verifier circuit breaker state transition")
			metrics.VerifierCircuitState.Set(stateToFloat(to))
		},
	})

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		cb:      cb,
	}, nil
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// do runs one request through the limiter and breaker, returning the body
// of a 200 response.
func (c *Client) do(ctx context.Context, operation string, req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("verifier rate limiter: %w", err)
	}

	body, err := c.cb.Execute(func() ([]byte, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrVerifierDown, err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read verifier response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: %s returned %d", ErrUnexpectedState, operation, resp.StatusCode)
		}
		return data, nil
	})
	if err != nil {
		metrics.VerifierRequests.WithLabelValues(operation, "error").Inc()
		return nil, err
	}
	metrics.VerifierRequests.WithLabelValues(operation, "ok").Inc()
	return body, nil
}

// FetchLoginQR retrieves the pairing QR code for a state token. The
// verifier answers with an HTML login page; the QR rides in the first img
// element, typically as a data URI.
func (c *Client) FetchLoginQR(ctx context.Context, stateToken, callbackURL string) (string, error) {
	q := url.Values{}
	q.Set("state", stateToken)
	q.Set("client_callback", callbackURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/loginQR?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build loginQR request: %w", err)
	}

	body, err := c.do(ctx, "login_qr", req)
	if err != nil {
		return "", err
	}

	qr, err := extractImageSrc(body)
	if err != nil {
		return "", err
	}
	return qr, nil
}

// tokenResponse is the verifier's code exchange answer.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ExchangeCode trades an authorization code for the device's access token.
func (c *Client) ExchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(ctx, "token", req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrExchangeFailed, err)
	}
	if tok.AccessToken == "" {
		return "", ErrNoAccessToken
	}
	return tok.AccessToken, nil
}

// extractImageSrc walks the HTML tree and returns the src of the first img.
func extractImageSrc(page []byte) (string, error) {
	doc, err := html.Parse(strings.NewReader(string(page)))
	if err != nil {
		return "", fmt.Errorf("parse login page: %w", err)
	}

	var src string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if src != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "img" {
			for _, attr := range n.Attr {
				if attr.Key == "src" && attr.Val != "" {
					src = attr.Val
					return
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	if src == "" {
		return "", ErrNoQRCode
	}
	return src, nil
}
