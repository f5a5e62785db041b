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
	"fmt"
	"sync"

	gorillaws "github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	jsonrpc2ws "github.com/sourcegraph/jsonrpc2/websocket"

	"github.com/xcpmigrate/orchestrator/internal/migrate"
)

// XenopsClient implements migrate.HypervisorAgent over a persistent
// JSON-RPC-over-WebSocket connection, grounded on the dial/Conn idiom
// exercised by vatesfr-xenorchestra-go-sdk's jsonrpc service tests.
type XenopsClient struct {
	url string

	mu   sync.Mutex
	conn *jsonrpc2.Conn

	suppressed map[string]bool
	suppMu     sync.Mutex
}

func NewXenopsClient(wsURL string) *XenopsClient {
	return &XenopsClient{url: wsURL, suppressed: map[string]bool{}}
}

func (x *XenopsClient) dial(ctx context.Context) (*jsonrpc2.Conn, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.conn != nil {
		return x.conn, nil
	}
	wsConn, _, err := gorillaws.DefaultDialer.DialContext(ctx, x.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial xenops agent: %w", err)
	}
	stream := jsonrpc2ws.NewObjectStream(wsConn)
	x.conn = jsonrpc2.NewConn(context.Background(), stream, jsonrpc2.HandlerWithError(x.handle))
	return x.conn, nil
}

func (x *XenopsClient) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	// Unsolicited notifications (VM state-change events) from the agent are
	// all dropped here, whether or not the VM is under event suppression.
	return nil, nil
}

type migrateParams struct {
	Dbg         string            `json:"dbg"`
	UUID        string            `json:"uuid"`
	VDIMap      map[string]string `json:"vdi_map"`
	VIFMap      map[string]string `json:"vif_map"`
	VGPUMap     map[string]string `json:"vgpu_map"`
	URL         string            `json:"url"`
	Compress    bool              `json:"compress"`
	VerifyDest  bool              `json:"verify_dest"`
}

type migrateResult struct {
	Task       string `json:"task"`
	FaultKind  string `json:"fault_kind,omitempty"`
	UserCancel bool   `json:"user_cancelled,omitempty"`
	Message    string `json:"message,omitempty"`
}

func (x *XenopsClient) Migrate(ctx context.Context, dbg, vmUUID string, vdiLocatorMap, vifBridgeMap, vgpuPCIMap map[string]string, xenopsURL string, compress, verifyDest bool) (migrate.TaskHandle, *migrate.AgentFault) {
	conn, err := x.dial(ctx)
	if err != nil {
		return "", &migrate.AgentFault{Kind: migrate.FaultOther, Message: err.Error()}
	}
	var resp migrateResult
	params := migrateParams{Dbg: dbg, UUID: vmUUID, VDIMap: vdiLocatorMap, VIFMap: vifBridgeMap, VGPUMap: vgpuPCIMap, URL: xenopsURL, Compress: compress, VerifyDest: verifyDest}
	if err := conn.Call(ctx, "VM.migrate", params, &resp); err != nil {
		return "", &migrate.AgentFault{Kind: migrate.FaultOther, Message: err.Error()}
	}
	if resp.FaultKind != "" {
		return "", &migrate.AgentFault{Kind: migrate.AgentFaultKind(resp.FaultKind), UserCancelled: resp.UserCancel, Message: resp.Message}
	}
	return migrate.TaskHandle(resp.Task), nil
}

type statResult struct {
	PowerState string `json:"power_state"`
}

func (x *XenopsClient) Stat(ctx context.Context, dbg, vmUUID string) (migrate.PowerState, error) {
	conn, err := x.dial(ctx)
	if err != nil {
		return "", err
	}
	var resp statResult
	if err := conn.Call(ctx, "VM.stat", map[string]string{"dbg": dbg, "uuid": vmUUID}, &resp); err != nil {
		return "", fmt.Errorf("VM.stat: %w", err)
	}
	return migrate.PowerState(resp.PowerState), nil
}

func (x *XenopsClient) SyncWithTask(ctx context.Context, dbg string, handle migrate.TaskHandle) error {
	conn, err := x.dial(ctx)
	if err != nil {
		return err
	}
	return conn.Call(ctx, "TASK.sync", map[string]string{"dbg": dbg, "task": string(handle)}, nil)
}

// SuppressEvents marks vmUUID suppressed locally and asks the agent to
// pause its event feed for it; the returned resume func reverses both.
func (x *XenopsClient) SuppressEvents(ctx context.Context, vmUUID string) (func(), error) {
	conn, err := x.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Call(ctx, "UPDATES.suppress", map[string]string{"uuid": vmUUID}, nil); err != nil {
		return nil, fmt.Errorf("suppress events: %w", err)
	}
	x.suppMu.Lock()
	x.suppressed[vmUUID] = true
	x.suppMu.Unlock()

	return func() {
		x.suppMu.Lock()
		delete(x.suppressed, vmUUID)
		x.suppMu.Unlock()
		_ = conn.Call(context.Background(), "UPDATES.resume", map[string]string{"uuid": vmUUID}, nil)
	}, nil
}

func (x *XenopsClient) DeleteCachedMetadata(ctx context.Context, vmUUID string) error {
	conn, err := x.dial(ctx)
	if err != nil {
		return err
	}
	return conn.Call(ctx, "VM.remove", map[string]string{"uuid": vmUUID}, nil)
}
