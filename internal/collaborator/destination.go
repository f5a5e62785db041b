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

	"github.com/xcpmigrate/orchestrator/internal/migrate"
)

// DestinationPeerClient implements migrate.DestinationClient against a
// peer orchestrator's cluster-facing management plane, reached over the
// same typed-HTTP idiom as SMAPIClient.
type DestinationPeerClient struct {
	http *httpClient
}

func NewDestinationPeerClient(baseURL, bearer string, insecureSkipVerify bool) (*DestinationPeerClient, error) {
	c, err := newHTTPClient(baseURL, bearer, insecureSkipVerify)
	if err != nil {
		return nil, err
	}
	return &DestinationPeerClient{http: c}, nil
}

type metadataTransferWire struct {
	VM            string `json:"vm"`
	DryRun        bool   `json:"dry_run"`
	Live          bool   `json:"live"`
	SendSnapshots bool   `json:"send_snapshots"`
	CheckCPU      bool   `json:"check_cpu"`
}

type metadataTransferResponse struct {
	Conflicts []string `json:"conflicts"`
}

func (d *DestinationPeerClient) MetadataExportImport(ctx context.Context, req migrate.MetadataTransferRequest) ([]string, error) {
	var resp metadataTransferResponse
	wire := metadataTransferWire{VM: string(req.VM), DryRun: req.DryRun, Live: req.Live, SendSnapshots: req.SendSnapshots, CheckCPU: req.CheckCPU}
	if err := d.http.call(ctx, "metadata.export_import", wire, &resp); err != nil {
		return nil, fmt.Errorf("metadata export/import: %w", err)
	}
	return resp.Conflicts, nil
}

func (d *DestinationPeerClient) PoolMigrateComplete(ctx context.Context, vmUUID string, destHost migrate.Ref) error {
	return d.http.call(ctx, "VM.pool_migrate_complete", map[string]string{"vm": vmUUID, "host": string(destHost)}, nil)
}

func (d *DestinationPeerClient) DestroyVMByUUID(ctx context.Context, uuid string) error {
	return d.http.call(ctx, "VM.destroy", map[string]string{"uuid": uuid}, nil)
}

func (d *DestinationPeerClient) SendPoolMessages(ctx context.Context, vm migrate.Ref) error {
	return d.http.call(ctx, "message.send", map[string]string{"vm": string(vm)}, nil)
}

func (d *DestinationPeerClient) PushBlobs(ctx context.Context, vm migrate.Ref) error {
	return d.http.call(ctx, "blob.push", map[string]string{"vm": string(vm)}, nil)
}

func (d *DestinationPeerClient) RestoreHAAlwaysRun(ctx context.Context, vmUUID string) error {
	return d.http.call(ctx, "VM.set_ha_always_run", map[string]interface{}{"uuid": vmUUID, "value": true}, nil)
}

func (d *DestinationPeerClient) TransferRRD(ctx context.Context, vmUUID string) error {
	return d.http.call(ctx, "RRD.transfer", map[string]string{"uuid": vmUUID}, nil)
}
