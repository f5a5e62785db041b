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
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xcpmigrate/orchestrator/internal/migrateerr"
	"github.com/xcpmigrate/orchestrator/internal/resilience"
)

func newTestMirrorPlanner(db Database, sa StorageAgent) *MirrorPlanner {
	return NewMirrorPlanner(db, sa, resilience.NewRegistry(nil), logr.Discard(), false)
}

func TestMirrorPlanner_ClassifyOrdersAscendingBySizeThenSnapshotTime(t *testing.T) {
	db := newFakeDatabase()

	small := &VDI{Ref: "vdi-small", SR: "sr-1", VirtualSize: 10}
	large := &VDI{Ref: "vdi-large", SR: "sr-1", VirtualSize: 100}
	db.vdis[small.Ref] = small
	db.vdis[large.Ref] = large

	vbdLarge := &VBD{Ref: "vbd-large", VDI: large.Ref, Type: VBDTypeDisk, Mode: VBDModeRW}
	vbdSmall := &VBD{Ref: "vbd-small", VDI: small.Ref, Type: VBDTypeDisk, Mode: VBDModeRW}
	db.vbds[vbdLarge.Ref] = vbdLarge
	db.vbds[vbdSmall.Ref] = vbdSmall

	vm := &VM{Ref: "vm-1", VBDs: []Ref{vbdLarge.Ref, vbdSmall.Ref}}
	dest := &DestDescriptor{}
	planner := newTestMirrorPlanner(db, &fakeStorageAgent{})

	reqs, err := planner.Classify(context.Background(), vm, dest, map[Ref]Ref{small.Ref: "sr-dst", large.Ref: "sr-dst"})

	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, small.Ref, reqs[0].VDI.Ref)
	assert.Equal(t, large.Ref, reqs[1].VDI.Ref)
}

func TestMirrorPlanner_ClassifyEjectsCDWhenRemappedAcrossSR(t *testing.T) {
	db := newFakeDatabase()
	cdVDI := &VDI{Ref: "vdi-cd", SR: "sr-1"}
	db.vdis[cdVDI.Ref] = cdVDI
	cdVBD := &VBD{Ref: "vbd-cd", VDI: cdVDI.Ref, Type: VBDTypeCD}
	db.vbds[cdVBD.Ref] = cdVBD

	vm := &VM{Ref: "vm-1", PowerState: PowerRunning, VBDs: []Ref{cdVBD.Ref}}
	dest := &DestDescriptor{}
	planner := newTestMirrorPlanner(db, &fakeStorageAgent{})

	_, err := planner.Classify(context.Background(), vm, dest, map[Ref]Ref{cdVDI.Ref: "sr-dst"})

	require.NoError(t, err)
	assert.True(t, db.vbds[cdVBD.Ref].Empty)
}

func TestMirrorPlanner_ClassifySuspendVDIRequiresDestSR(t *testing.T) {
	db := newFakeDatabase()
	suspendVDI := &VDI{Ref: "vdi-suspend", SR: "sr-1"}
	db.vdis[suspendVDI.Ref] = suspendVDI

	vm := &VM{Ref: "vm-1", PowerState: PowerSuspended, SuspendVDI: suspendVDI.Ref}
	db.vms[vm.Ref] = vm
	dest := &DestDescriptor{}
	planner := newTestMirrorPlanner(db, &fakeStorageAgent{})

	_, err := planner.Classify(context.Background(), vm, dest, map[Ref]Ref{})

	require.Error(t, err)
	migErr, ok := migrateerr.As(err)
	require.True(t, ok)
	assert.Equal(t, migrateerr.SuspendImageNotAccessible, migErr.Code)
}

func TestMirrorPlanner_RunSucceedsAndProducesMirrorRecord(t *testing.T) {
	db := newFakeDatabase()
	sa := &fakeStorageAgent{
		waitStatus: TaskStatus{Success: true},
		mirrorStat: MirrorStat{Complete: true, DestVDI: "remote-vdi-loc"},
	}
	vm := &VM{Ref: "vm-1"}
	dest := &DestDescriptor{}
	req := VDIMirrorRequest{VDI: &VDI{Ref: "vdi-1", SR: "sr-src"}, DestSR: "sr-dst", IsLeaf: true, ShouldMirror: true}
	planner := newTestMirrorPlanner(db, sa)

	records, err := planner.Run(context.Background(), vm, dest, []VDIMirrorRequest{req})

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Mirrored)
	assert.Equal(t, "remote-vdi-loc", records[0].RemoteVDI)
	assert.Equal(t, 1, sa.mirrorStartCalls)
	assert.Zero(t, sa.dataCopyCalls)
}

func TestMirrorPlanner_RunOneShotCopySkipsAttachAndMirrorStart(t *testing.T) {
	db := newFakeDatabase()
	sa := &fakeStorageAgent{
		waitStatus: TaskStatus{Success: true, ResultVDI: "remote-copy-loc"},
	}
	vm := &VM{Ref: "vm-1"}
	dest := &DestDescriptor{}
	req := VDIMirrorRequest{VDI: &VDI{Ref: "vdi-1", SR: "sr-src"}, DestSR: "sr-dst", IsSnapshot: true, ShouldMirror: false}
	planner := newTestMirrorPlanner(db, sa)

	records, err := planner.Run(context.Background(), vm, dest, []VDIMirrorRequest{req})

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Mirrored)
	assert.Equal(t, "remote-copy-loc", records[0].RemoteVDI)
	assert.Equal(t, 1, sa.dataCopyCalls)
	assert.Zero(t, sa.mirrorStartCalls)
}

func TestMirrorPlanner_RunRollsBackDatapathAndMirrorRegistrationOnTaskFailure(t *testing.T) {
	db := newFakeDatabase()
	sa := &fakeStorageAgent{
		waitStatus: TaskStatus{Success: false, ErrorInfo: []string{"SR_BACKEND_FAILURE"}},
	}
	vm := &VM{Ref: "vm-1"}
	dest := &DestDescriptor{}
	req := VDIMirrorRequest{VDI: &VDI{Ref: "vdi-1", SR: "sr-src"}, DestSR: "sr-dst", IsLeaf: true, ShouldMirror: true}
	planner := newTestMirrorPlanner(db, sa)

	_, err := planner.Run(context.Background(), vm, dest, []VDIMirrorRequest{req})

	require.Error(t, err)
	migErr, ok := migrateerr.As(err)
	require.True(t, ok)
	assert.Equal(t, migrateerr.MirrorFailed, migErr.Code)
	assert.Len(t, sa.mirrorStopCalls, 1)
	assert.Len(t, sa.dpDestroyCalls, 1)
}

func TestMirrorPlanner_RunFailsWhenRemoteVDILocationMissing(t *testing.T) {
	db := newFakeDatabase()
	sa := &fakeStorageAgent{
		waitStatus: TaskStatus{Success: true, ResultVDI: ""},
	}
	vm := &VM{Ref: "vm-1"}
	dest := &DestDescriptor{}
	req := VDIMirrorRequest{VDI: &VDI{Ref: "vdi-1", SR: "sr-src"}, DestSR: "sr-dst", IsSnapshot: true, ShouldMirror: false}
	planner := newTestMirrorPlanner(db, sa)

	_, err := planner.Run(context.Background(), vm, dest, []VDIMirrorRequest{req})

	require.Error(t, err)
	migErr, ok := migrateerr.As(err)
	require.True(t, ok)
	assert.Equal(t, migrateerr.VDILocationMissing, migErr.Code)
}

func TestMirrorPlanner_RunToleratesUnsupportedSnapshotChainReplication(t *testing.T) {
	db := newFakeDatabase()
	sa := &fakeStorageAgent{
		waitStatus:  TaskStatus{Success: true, ResultVDI: "remote-loc"},
		mirrorStat:  MirrorStat{Complete: true, DestVDI: "remote-leaf-loc"},
		snapInfoErr: assertErr{},
	}
	leaf := &VDI{Ref: "vdi-leaf", SR: "sr-src", VirtualSize: 10}
	snap := &VDI{Ref: "vdi-snap", SR: "sr-src", VirtualSize: 5, SnapshotOf: leaf.Ref, SnapshotTime: time.Now()}
	vm := &VM{Ref: "vm-1"}
	dest := &DestDescriptor{}
	reqs := []VDIMirrorRequest{
		{VDI: leaf, DestSR: "sr-dst", IsLeaf: true, ShouldMirror: true},
		{VDI: snap, DestSR: "sr-dst", IsSnapshot: true, ShouldMirror: false},
	}
	planner := newTestMirrorPlanner(db, sa)

	records, err := planner.Run(context.Background(), vm, dest, reqs)

	require.NoError(t, err)
	assert.Len(t, records, 2)
}
