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

package collaborator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClient_RejectsUnparsableURL(t *testing.T) {
	_, err := newHTTPClient("://not-a-url", "", false)
	require.Error(t, err)
}

func TestHTTPClient_CallSendsBearerAndJoinsPath(t *testing.T) {
	var gotPath, gotAuth, gotContentType string
	var gotBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"task": "OpaqueRef:task-1"})
	}))
	defer server.Close()

	c, err := newHTTPClient(server.URL+"/jsonrpc", "tok-abc", false)
	require.NoError(t, err)

	var resp struct {
		Task string `json:"task"`
	}
	err = c.call(context.Background(), "VDI.attach3", map[string]string{"dbg": "dbg-1"}, &resp)

	require.NoError(t, err)
	assert.Equal(t, "/jsonrpc/VDI.attach3", gotPath)
	assert.Equal(t, "Bearer tok-abc", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "dbg-1", gotBody["dbg"])
	assert.Equal(t, "OpaqueRef:task-1", resp.Task)
}

func TestHTTPClient_CallOmitsAuthorizationWhenBearerEmpty(t *testing.T) {
	var gotAuth string
	var sawAuth bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth, sawAuth = r.Header.Get("Authorization"), r.Header.Get("Authorization") != ""
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, err := newHTTPClient(server.URL, "", false)
	require.NoError(t, err)

	err = c.call(context.Background(), "DP.destroy", nil, nil)

	require.NoError(t, err)
	assert.False(t, sawAuth, "unexpected Authorization header: %q", gotAuth)
}

func TestHTTPClient_CallSurfacesNonSuccessStatusAsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("SR_BACKEND_FAILURE"))
	}))
	defer server.Close()

	c, err := newHTTPClient(server.URL, "", false)
	require.NoError(t, err)

	err = c.call(context.Background(), "DATA.copy", nil, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "SR_BACKEND_FAILURE")
}

func TestHTTPClient_CallPropagatesContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, err := newHTTPClient(server.URL, "", false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = c.call(ctx, "DATA.copy", nil, nil)

	require.Error(t, err)
}

func TestHTTPClient_CallDecodesEmptyBodyAsNoOp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, err := newHTTPClient(server.URL, "", false)
	require.NoError(t, err)

	var resp struct {
		Task string `json:"task"`
	}
	err = c.call(context.Background(), "task.stat", nil, &resp)

	require.NoError(t, err)
	assert.Empty(t, resp.Task)
}
