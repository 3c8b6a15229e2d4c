/*
 * Copyright (c) 2018 ARM Limited
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package cloud is a thin authenticated HTTP client over the device
// management service's Connect API: callback registration, presubscriptions,
// long-poll pull and device resource writes. Every request carries the
// account's bearer token.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PelionIoT/ref-wem/pkg/logger"
	"github.com/PelionIoT/ref-wem/pkg/models"
)

const (
	// defaultRequestTimeout bounds ordinary API calls.
	defaultRequestTimeout = 30 * time.Second
	// defaultPullTimeout bounds the long-poll pull; the service holds the
	// request open for up to its configured long-poll window.
	defaultPullTimeout = 50 * time.Second
)

// ErrTimeout reports a client-side read timeout on the long-poll pull. It
// means "no data this cycle", not a failure.
var ErrTimeout = errors.New("long poll timed out")

// Error is an HTTP-level failure from the cloud service.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cloud API error: status %d: %s", e.Status, e.Body)
}

// Callback is the cloud-side webhook registration.
type Callback struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Client talks to one account's cloud API endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	pullClient *http.Client
	logger     logger.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the default API endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient replaces both underlying HTTP clients, used in tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
		c.pullClient = hc
	}
}

// WithPullTimeout adjusts the long-poll read timeout.
func WithPullTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.pullClient = &http.Client{Timeout: d}
	}
}

// New creates a client for the given API key.
func New(apiKey string, log logger.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    models.DefaultCloudURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		pullClient: &http.Client{Timeout: defaultPullTimeout},
		logger:     log.WithComponent("cloud"),
	}

	for _, o := range opts {
		o(c)
	}

	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s %s request: %w", method, path, err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

// do runs the request and maps any non-2xx status to *Error.
func (c *Client) do(hc *http.Client, req *http.Request) ([]byte, int, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, 0, err
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &Error{Status: resp.StatusCode, Body: string(body)}
	}

	return body, resp.StatusCode, nil
}

// GetCallback returns the current webhook registration, or nil if none is
// registered (HTTP 404).
func (c *Client) GetCallback(ctx context.Context) (*Callback, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v2/notification/callback", nil)
	if err != nil {
		return nil, err
	}

	body, _, err := c.do(c.httpClient, req)

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("failed to decode callback: %w", err)
	}

	return &cb, nil
}

// SetCallback registers url as the webhook callback, with optional headers
// the cloud will echo on every push.
func (c *Client) SetCallback(ctx context.Context, url string, headers map[string]string) error {
	cb := Callback{URL: url, Headers: headers}

	body, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("failed to encode callback: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPut, "/v2/notification/callback", body)
	if err != nil {
		return err
	}

	_, _, err = c.do(c.httpClient, req)

	return err
}

// DeleteCallback removes the webhook registration. Absence (404) counts as
// success.
func (c *Client) DeleteCallback(ctx context.Context) error {
	return c.deleteIgnoringNotFound(ctx, "/v2/notification/callback")
}

// GetPresubscriptions returns the account's current presubscription list.
func (c *Client) GetPresubscriptions(ctx context.Context) ([]models.Presubscription, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v2/subscriptions", nil)
	if err != nil {
		return nil, err
	}

	body, _, err := c.do(c.httpClient, req)
	if err != nil {
		return nil, err
	}

	var presubs []models.Presubscription
	if err := json.Unmarshal(body, &presubs); err != nil {
		return nil, fmt.Errorf("failed to decode presubscriptions: %w", err)
	}

	return presubs, nil
}

// SetPresubscriptions replaces the account's presubscription list.
func (c *Client) SetPresubscriptions(ctx context.Context, presubs []models.Presubscription) error {
	body, err := json.Marshal(presubs)
	if err != nil {
		return fmt.Errorf("failed to encode presubscriptions: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPut, "/v2/subscriptions", body)
	if err != nil {
		return err
	}

	_, _, err = c.do(c.httpClient, req)

	return err
}

// DeletePresubscriptions clears the account's presubscription list.
func (c *Client) DeletePresubscriptions(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/v2/subscriptions", nil)
	if err != nil {
		return err
	}

	_, _, err = c.do(c.httpClient, req)

	return err
}

// SetEndpointResource writes a value to a device resource. The payload uses
// the textual convention the device firmware expects: numeric values are
// formatted with their native representation.
func (c *Client) SetEndpointResource(ctx context.Context, boardID, resourcePath string, payload interface{}) error {
	resourcePath = strings.TrimPrefix(resourcePath, "/")

	req, err := c.newRequest(ctx, http.MethodPut,
		"/v2/endpoints/"+boardID+"/"+resourcePath,
		[]byte(fmt.Sprintf("%v", payload)))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	_, _, err = c.do(c.httpClient, req)

	return err
}

// PullNotifications issues one long-poll pull. The request blocks until the
// cloud has data or its long-poll window closes. A client-side read timeout
// or an empty window (204 / empty body) returns ErrTimeout.
func (c *Client) PullNotifications(ctx context.Context) (models.Batch, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v2/notification/pull", nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Connection", "keep-alive")

	body, status, err := c.do(c.pullClient, req)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrTimeout
		}

		return nil, err
	}

	if status == http.StatusNoContent || len(body) == 0 {
		return nil, ErrTimeout
	}

	var batch models.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("failed to decode pulled notifications: %w", err)
	}

	return batch, nil
}

// DeleteLongPoll closes any open long-poll channel on the cloud side.
// Absence (404) counts as success.
func (c *Client) DeleteLongPoll(ctx context.Context) error {
	return c.deleteIgnoringNotFound(ctx, "/v2/notification/pull")
}

func (c *Client) deleteIgnoringNotFound(ctx context.Context, path string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}

	_, _, err = c.do(c.httpClient, req)

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		c.logger.Debug().Str("path", path).Msg("Nothing to delete")

		return nil
	}

	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}
