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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xcpmigrate/orchestrator/internal/migrateerr"
)

func TestMapInferer_InferVIFMap_MatchesByMACAndKeepsExplicitEntries(t *testing.T) {
	db := newFakeDatabase()
	mapped := &VIF{Ref: "vif-mapped", MAC: "aa:bb:cc:00:00:01"}
	unmapped := &VIF{Ref: "vif-unmapped", MAC: "aa:bb:cc:00:00:01"}
	other := &VIF{Ref: "vif-explicit", MAC: "aa:bb:cc:00:00:02"}
	db.vifs[mapped.Ref] = mapped
	db.vifs[unmapped.Ref] = unmapped
	db.vifs[other.Ref] = other

	vm := &VM{Ref: "vm-1", VIFs: []Ref{mapped.Ref, unmapped.Ref, other.Ref}}
	inferer := NewMapInferer(db)

	out, err := inferer.InferVIFMap(context.Background(), vm, map[Ref]Ref{
		mapped.Ref: "net-a",
		other.Ref:  "net-explicit",
	})

	require.NoError(t, err)
	assert.Equal(t, Ref("net-a"), out[mapped.Ref])
	assert.Equal(t, Ref("net-a"), out[unmapped.Ref]) // inferred by MAC match
	assert.Equal(t, Ref("net-explicit"), out[other.Ref])
}

func TestMapInferer_InferVIFMap_ErrorsWhenNoMACMatch(t *testing.T) {
	db := newFakeDatabase()
	mapped := &VIF{Ref: "vif-mapped", MAC: "aa:bb:cc:00:00:01"}
	unmapped := &VIF{Ref: "vif-unmapped", MAC: "ff:ff:ff:ff:ff:ff"}
	db.vifs[mapped.Ref] = mapped
	db.vifs[unmapped.Ref] = unmapped

	vm := &VM{Ref: "vm-1", VIFs: []Ref{mapped.Ref, unmapped.Ref}}
	inferer := NewMapInferer(db)

	_, err := inferer.InferVIFMap(context.Background(), vm, map[Ref]Ref{mapped.Ref: "net-a"})

	require.Error(t, err)
	migErr, ok := migrateerr.As(err)
	require.True(t, ok)
	assert.Equal(t, migrateerr.VIFNotInMap, migErr.Code)
}

func TestMapInferer_InferVDIMap_SnapshotInheritsFromParent(t *testing.T) {
	db := newFakeDatabase()
	leafVDI := &VDI{Ref: "vdi-leaf", SR: "sr-src"}
	snapVDI := &VDI{Ref: "vdi-snap", SR: "sr-src", SnapshotOf: leafVDI.Ref}
	db.vdis[leafVDI.Ref] = leafVDI
	db.vdis[snapVDI.Ref] = snapVDI

	leafVBD := &VBD{Ref: "vbd-leaf", VDI: leafVDI.Ref, Type: VBDTypeDisk}
	snapVBD := &VBD{Ref: "vbd-snap", VDI: snapVDI.Ref, Type: VBDTypeDisk}
	db.vbds[leafVBD.Ref] = leafVBD
	db.vbds[snapVBD.Ref] = snapVBD

	snapVM := &VM{Ref: "vm-snap-1", VBDs: []Ref{snapVBD.Ref}}
	db.vms[snapVM.Ref] = snapVM

	vm := &VM{Ref: "vm-1", VBDs: []Ref{leafVBD.Ref}, Snapshots: []Ref{snapVM.Ref}}
	db.vms[vm.Ref] = vm

	dest := &DestDescriptor{DestHostRef: "host-1"}
	inferer := NewMapInferer(db)

	out, err := inferer.InferVDIMap(context.Background(), vm, dest, map[Ref]Ref{leafVDI.Ref: "sr-dst"})

	require.NoError(t, err)
	assert.Equal(t, Ref("sr-dst"), out[leafVDI.Ref])
	assert.Equal(t, Ref("sr-dst"), out[snapVDI.Ref])
}

func TestMapInferer_InferVDIMap_SuspendFallbackChainPrefersPoolSuspendSR(t *testing.T) {
	db := newFakeDatabase()
	suspendVDI := &VDI{Ref: "vdi-suspend", SR: "sr-src"}
	db.vdis[suspendVDI.Ref] = suspendVDI

	vm := &VM{Ref: "vm-1", PowerState: PowerSuspended, SuspendVDI: suspendVDI.Ref}
	db.vms[vm.Ref] = vm

	db.poolSuspendSR = "sr-pool-suspend"
	db.hostSuspendSR[Ref("host-1")] = "sr-host-suspend"
	db.poolDefaultSR = "sr-pool-default"

	dest := &DestDescriptor{DestHostRef: "host-1"}
	inferer := NewMapInferer(db)

	out, err := inferer.InferVDIMap(context.Background(), vm, dest, map[Ref]Ref{})

	require.NoError(t, err)
	assert.Equal(t, Ref("sr-pool-suspend"), out[suspendVDI.Ref])
}

func TestMapInferer_InferVDIMap_SuspendFallbackChainFallsBackToHostThenPoolDefault(t *testing.T) {
	db := newFakeDatabase()
	suspendVDI := &VDI{Ref: "vdi-suspend", SR: "sr-src"}
	db.vdis[suspendVDI.Ref] = suspendVDI

	vm := &VM{Ref: "vm-1", PowerState: PowerSuspended, SuspendVDI: suspendVDI.Ref}
	db.vms[vm.Ref] = vm

	// no pool suspend SR configured, only the host-level one.
	db.hostSuspendSR[Ref("host-1")] = "sr-host-suspend"
	db.poolDefaultSR = "sr-pool-default"

	dest := &DestDescriptor{DestHostRef: "host-1"}
	inferer := NewMapInferer(db)

	out, err := inferer.InferVDIMap(context.Background(), vm, dest, map[Ref]Ref{})

	require.NoError(t, err)
	assert.Equal(t, Ref("sr-host-suspend"), out[suspendVDI.Ref])
}

func TestMapInferer_InferVDIMap_ErrorsWhenSuspendFallbackChainExhausted(t *testing.T) {
	db := newFakeDatabase()
	suspendVDI := &VDI{Ref: "vdi-suspend", SR: "sr-src"}
	db.vdis[suspendVDI.Ref] = suspendVDI

	vm := &VM{Ref: "vm-1", PowerState: PowerSuspended, SuspendVDI: suspendVDI.Ref}
	db.vms[vm.Ref] = vm
	// no suspend or default SR configured at all.

	dest := &DestDescriptor{DestHostRef: "host-1"}
	inferer := NewMapInferer(db)

	_, err := inferer.InferVDIMap(context.Background(), vm, dest, map[Ref]Ref{})

	require.Error(t, err)
	migErr, ok := migrateerr.As(err)
	require.True(t, ok)
	assert.Equal(t, migrateerr.VDINotInMap, migErr.Code)
}

func TestMapInferer_InferVDIMap_NonSuspendVDIFallsBackToPoolDefaultSR(t *testing.T) {
	db := newFakeDatabase()
	leafVDI := &VDI{Ref: "vdi-leaf", SR: "sr-src"}
	db.vdis[leafVDI.Ref] = leafVDI
	leafVBD := &VBD{Ref: "vbd-leaf", VDI: leafVDI.Ref, Type: VBDTypeDisk}
	db.vbds[leafVBD.Ref] = leafVBD

	vm := &VM{Ref: "vm-1", VBDs: []Ref{leafVBD.Ref}}
	db.vms[vm.Ref] = vm
	db.poolDefaultSR = "sr-pool-default"

	dest := &DestDescriptor{DestHostRef: "host-1"}
	inferer := NewMapInferer(db)

	out, err := inferer.InferVDIMap(context.Background(), vm, dest, map[Ref]Ref{})

	require.NoError(t, err)
	assert.Equal(t, Ref("sr-pool-default"), out[leafVDI.Ref])
}

type fakePGPULookup struct {
	pf, vf string
	hasVF  bool
	err    error
}

func (f *fakePGPULookup) PCIAddress(ctx context.Context, pgpu Ref) (string, string, bool, error) {
	return f.pf, f.vf, f.hasVF, f.err
}

func TestMapInferer_InferVGPUMap_ProducesPFAndVFEntries(t *testing.T) {
	db := newFakeDatabase()
	vgpu := &VGPU{Ref: "vgpu-1", ScheduledToBeResidentOn: "pgpu-1", DeviceLabel: "GPU 0"}
	db.vgpus[vgpu.Ref] = vgpu

	inferer := NewMapInferer(db)
	lookup := &fakePGPULookup{pf: "0000:01:00.0", vf: "0000:01:00.1", hasVF: true}

	out, err := inferer.InferVGPUMap(context.Background(), []Ref{vgpu.Ref}, lookup)

	require.NoError(t, err)
	require.Len(t, out[vgpu.Ref], 2)
	assert.Equal(t, "0000:01:00.0", out[vgpu.Ref][0].PCIAddress)
	assert.Equal(t, "vf:GPU 0", out[vgpu.Ref][1].DeviceLabel)
}

func TestMapInferer_InferVGPUMap_ResolutionErrorTranslatesToVMMigrateFailed(t *testing.T) {
	db := newFakeDatabase()
	vgpu := &VGPU{Ref: "vgpu-1", ScheduledToBeResidentOn: "pgpu-1"}
	db.vgpus[vgpu.Ref] = vgpu

	inferer := NewMapInferer(db)
	lookup := &fakePGPULookup{err: assertErr{}}

	_, err := inferer.InferVGPUMap(context.Background(), []Ref{vgpu.Ref}, lookup)

	require.Error(t, err)
	migErr, ok := migrateerr.As(err)
	require.True(t, ok)
	assert.Equal(t, migrateerr.VMMigrateFailed, migErr.Code)
}

type assertErr struct{}

func (assertErr) Error() string { return "pci resolution failed" }
