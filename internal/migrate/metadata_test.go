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

package migrate

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataTransfer_SkippedWhenIntraCluster(t *testing.T) {
	db := newFakeDatabase()
	dst := &fakeDestinationClient{}
	vm := &VM{Ref: "vm-1"}
	dest := &DestDescriptor{CrossCluster: false}

	xfer := NewMetadataTransfer(db, dst, logr.Discard())
	conflicts, err := xfer.Transfer(context.Background(), vm, dest, nil, nil, nil, MigrateOptions{}, false)

	require.NoError(t, err)
	assert.Nil(t, conflicts)
}

func TestMetadataTransfer_DryRunReturnsEmptyConflictsForFeasibility(t *testing.T) {
	db := newFakeDatabase()
	dst := &fakeDestinationClient{conflicts: nil}
	vm := &VM{Ref: "vm-1", PowerState: PowerHalted}
	dest := &DestDescriptor{CrossCluster: true}

	xfer := NewMetadataTransfer(db, dst, logr.Discard())
	conflicts, err := xfer.Transfer(context.Background(), vm, dest, nil, nil, nil, MigrateOptions{}, true)

	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestMetadataTransfer_StampsAndUnconditionallyCleansUpAuxKeysOnSuccess(t *testing.T) {
	db := newFakeDatabase()
	dst := &fakeDestinationClient{}
	vm := &VM{Ref: "vm-1", PowerState: PowerRunning}
	dest := &DestDescriptor{CrossCluster: true}
	records := []MirrorRecord{{LocalVDI: "vdi-1", RemoteVDI: "remote-loc-1"}}
	vifMap := map[Ref]Ref{"vif-1": "net-remote-1"}
	vgpuMap := map[Ref]string{"vgpu-1": "group-remote-1"}

	xfer := NewMetadataTransfer(db, dst, logr.Discard())
	_, err := xfer.Transfer(context.Background(), vm, dest, records, vifMap, vgpuMap, MigrateOptions{}, false)

	require.NoError(t, err)
	assert.Empty(t, db.auxKeys) // cleaned up unconditionally after the call
}

func TestMetadataTransfer_CleansUpAuxKeysEvenWhenExportImportFails(t *testing.T) {
	db := newFakeDatabase()
	dst := &fakeDestinationClient{exportImportErr: errors.New("remote pool unreachable")}
	vm := &VM{Ref: "vm-1", PowerState: PowerRunning}
	dest := &DestDescriptor{CrossCluster: true}
	records := []MirrorRecord{{LocalVDI: "vdi-1", RemoteVDI: "remote-loc-1"}}

	xfer := NewMetadataTransfer(db, dst, logr.Discard())
	_, err := xfer.Transfer(context.Background(), vm, dest, records, nil, nil, MigrateOptions{}, false)

	require.Error(t, err)
	assert.Empty(t, db.auxKeys)
}

func TestMetadataTransfer_RequestReflectsLiveCopyAndForceFlags(t *testing.T) {
	db := newFakeDatabase()
	var captured MetadataTransferRequest
	dst := &capturingDestinationClient{fakeDestinationClient: &fakeDestinationClient{}, capture: &captured}
	vm := &VM{Ref: "vm-1", PowerState: PowerRunning}
	dest := &DestDescriptor{CrossCluster: true}

	xfer := NewMetadataTransfer(db, dst, logr.Discard())
	_, err := xfer.Transfer(context.Background(), vm, dest, nil, nil, nil, MigrateOptions{Copy: true, Force: true}, false)

	require.NoError(t, err)
	assert.True(t, captured.Live)
	assert.False(t, captured.SendSnapshots) // !opts.Copy
	assert.False(t, captured.CheckCPU)      // opts.Force is true
}

type capturingDestinationClient struct {
	*fakeDestinationClient
	capture *MetadataTransferRequest
}

func (c *capturingDestinationClient) MetadataExportImport(ctx context.Context, req MetadataTransferRequest) ([]string, error) {
	*c.capture = req
	return nil, nil
}
