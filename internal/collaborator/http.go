/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package collaborator implements the HTTP/JSON-RPC clients the
// orchestrator uses to reach its four external collaborators: the
// storage agent (SMAPI), the hypervisor-control agent (XenopsAPI), the
// pool database, and a peer orchestrator's destination management plane.
package collaborator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// httpClient is the shared typed-call transport, grounded on the
// session-bearer-token pattern from vatesfr-xenorchestra-go-sdk's
// v2/client/client.go.
type httpClient struct {
	base       *url.URL
	httpClient *http.Client
	bearer     string
}

func newHTTPClient(rawURL, bearer string, insecureSkipVerify bool) (*httpClient, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse collaborator URL: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: insecureSkipVerify}
	return &httpClient{
		base:       base,
		bearer:     bearer,
		httpClient: &http.Client{Transport: transport, Timeout: 60 * time.Second},
	}, nil
}

// call performs a typed JSON POST against endpoint, decoding the
// response into result (nil to discard it).
func (c *httpClient) call(ctx context.Context, endpoint string, params any, result any) error {
	reqURL := *c.base
	reqURL.Path = path.Join(reqURL.Path, endpoint)

	var body io.Reader
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("collaborator request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read collaborator response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("collaborator %s returned %s: %s", endpoint, resp.Status, string(respBody))
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode collaborator response: %w", err)
		}
	}
	return nil
}
