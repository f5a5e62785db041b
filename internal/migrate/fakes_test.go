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
	"fmt"
)

// fakeHypervisorAgent is an in-memory HypervisorAgent for exercising the
// Memory Migration Driver's retry policy (§4.G) without a live XenopsAPI.
type fakeHypervisorAgent struct {
	migrateCalls int
	faults       []*AgentFault // faults[i] returned on call i (nil => success)
	stat         PowerState

	suppressErr  error
	suppressed   []string
	resumeCalled int

	syncErr    error
	deleteErr  error
	statErr    error
}

func (f *fakeHypervisorAgent) Migrate(ctx context.Context, dbg, vmUUID string, vdiLocatorMap, vifBridgeMap, vgpuPCIMap map[string]string, xenopsURL string, compress, verifyDest bool) (TaskHandle, *AgentFault) {
	idx := f.migrateCalls
	f.migrateCalls++
	if idx < len(f.faults) && f.faults[idx] != nil {
		return "", f.faults[idx]
	}
	return TaskHandle(fmt.Sprintf("task-%d", idx)), nil
}

func (f *fakeHypervisorAgent) Stat(ctx context.Context, dbg, vmUUID string) (PowerState, error) {
	return f.stat, f.statErr
}

func (f *fakeHypervisorAgent) SyncWithTask(ctx context.Context, dbg string, handle TaskHandle) error {
	return f.syncErr
}

func (f *fakeHypervisorAgent) SuppressEvents(ctx context.Context, vmUUID string) (func(), error) {
	if f.suppressErr != nil {
		return nil, f.suppressErr
	}
	f.suppressed = append(f.suppressed, vmUUID)
	return func() { f.resumeCalled++ }, nil
}

func (f *fakeHypervisorAgent) DeleteCachedMetadata(ctx context.Context, vmUUID string) error {
	return f.deleteErr
}

// fakeDatabase is an in-memory Database for feasibility/map-inference tests.
type fakeDatabase struct {
	vms   map[Ref]*VM
	vdis  map[Ref]*VDI
	srs   map[Ref]*SR
	vbds  map[Ref]*VBD
	vifs  map[Ref]*VIF
	vgpus map[Ref]*VGPU

	hostsByUUID map[string]Ref
	hosts       map[Ref]*Host
	pbds        map[Ref]*PBD
	coordinator Ref

	poolSuspendSR Ref
	hostSuspendSR map[Ref]Ref
	poolDefaultSR Ref

	auxKeys map[string]string // "kind/ref/key" -> value
}

func newFakeDatabase() *fakeDatabase {
	return &fakeDatabase{
		vms:           map[Ref]*VM{},
		vdis:          map[Ref]*VDI{},
		srs:           map[Ref]*SR{},
		vbds:          map[Ref]*VBD{},
		vifs:          map[Ref]*VIF{},
		vgpus:         map[Ref]*VGPU{},
		hostsByUUID:   map[string]Ref{},
		hosts:         map[Ref]*Host{},
		pbds:          map[Ref]*PBD{},
		hostSuspendSR: map[Ref]Ref{},
		auxKeys:       map[string]string{},
	}
}

func (d *fakeDatabase) GetVM(ctx context.Context, ref Ref) (*VM, error) {
	if vm, ok := d.vms[ref]; ok {
		return vm, nil
	}
	return nil, fmt.Errorf("vm %s not found", ref)
}

func (d *fakeDatabase) GetVDI(ctx context.Context, ref Ref) (*VDI, error) {
	if v, ok := d.vdis[ref]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("vdi %s not found", ref)
}

func (d *fakeDatabase) GetSR(ctx context.Context, ref Ref) (*SR, error) {
	if sr, ok := d.srs[ref]; ok {
		return sr, nil
	}
	return nil, fmt.Errorf("sr %s not found", ref)
}

func (d *fakeDatabase) GetVBD(ctx context.Context, ref Ref) (*VBD, error) {
	if vbd, ok := d.vbds[ref]; ok {
		return vbd, nil
	}
	return nil, fmt.Errorf("vbd %s not found", ref)
}

func (d *fakeDatabase) GetVIF(ctx context.Context, ref Ref) (*VIF, error) {
	if vif, ok := d.vifs[ref]; ok {
		return vif, nil
	}
	return nil, fmt.Errorf("vif %s not found", ref)
}

func (d *fakeDatabase) GetVGPU(ctx context.Context, ref Ref) (*VGPU, error) {
	if vgpu, ok := d.vgpus[ref]; ok {
		return vgpu, nil
	}
	return nil, fmt.Errorf("vgpu %s not found", ref)
}

func (d *fakeDatabase) ResolveHostByUUID(ctx context.Context, uuid string) (Ref, bool) {
	ref, ok := d.hostsByUUID[uuid]
	return ref, ok
}

func (d *fakeDatabase) GetHost(ctx context.Context, ref Ref) (*Host, error) {
	if h, ok := d.hosts[ref]; ok {
		return h, nil
	}
	return nil, fmt.Errorf("host %s not found", ref)
}

func (d *fakeDatabase) GetPBDsForSR(ctx context.Context, sr Ref) ([]*PBD, error) {
	var out []*PBD
	for _, p := range d.pbds {
		if p.SR == sr {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *fakeDatabase) PlugPBD(ctx context.Context, pbd Ref) error {
	if p, ok := d.pbds[pbd]; ok {
		p.CurrentlyAttached = true
	}
	return nil
}

func (d *fakeDatabase) PoolCoordinatorHost(ctx context.Context) (Ref, bool) {
	return d.coordinator, d.coordinator != ""
}

func (d *fakeDatabase) PoolSuspendImageSR(ctx context.Context) (Ref, bool) {
	return d.poolSuspendSR, d.poolSuspendSR != ""
}

func (d *fakeDatabase) HostSuspendImageSR(ctx context.Context, host Ref) (Ref, bool) {
	ref, ok := d.hostSuspendSR[host]
	return ref, ok
}

func (d *fakeDatabase) PoolDefaultSR(ctx context.Context) (Ref, bool) {
	return d.poolDefaultSR, d.poolDefaultSR != ""
}

func (d *fakeDatabase) SetVBDVDI(ctx context.Context, vbd, vdi Ref) error {
	if b, ok := d.vbds[vbd]; ok {
		b.VDI = vdi
	}
	return nil
}

func (d *fakeDatabase) SetSuspendVDI(ctx context.Context, vm, vdi Ref) error {
	if v, ok := d.vms[vm]; ok {
		v.SuspendVDI = vdi
	}
	return nil
}

func (d *fakeDatabase) ClearSuspendSR(ctx context.Context, vm Ref) error { return nil }

func (d *fakeDatabase) SetHAAlwaysRun(ctx context.Context, vm Ref, value bool) error {
	if v, ok := d.vms[vm]; ok {
		v.HAAlwaysRun = value
	}
	return nil
}

func (d *fakeDatabase) DestroyVBD(ctx context.Context, ref Ref) error {
	delete(d.vbds, ref)
	return nil
}

func (d *fakeDatabase) DestroyVM(ctx context.Context, ref Ref) error {
	delete(d.vms, ref)
	return nil
}

func (d *fakeDatabase) DestroyVTPMsOf(ctx context.Context, vm Ref) error { return nil }

func (d *fakeDatabase) EjectCD(ctx context.Context, vbd Ref) error {
	if b, ok := d.vbds[vbd]; ok {
		b.Empty = true
	}
	return nil
}

func (d *fakeDatabase) StampVDIAuxKey(ctx context.Context, vdi Ref, key, value string) error {
	d.auxKeys["vdi/"+string(vdi)+"/"+key] = value
	return nil
}

func (d *fakeDatabase) RemoveVDIAuxKey(ctx context.Context, vdi Ref, key string) error {
	delete(d.auxKeys, "vdi/"+string(vdi)+"/"+key)
	return nil
}

func (d *fakeDatabase) StampVIFAuxKey(ctx context.Context, vif Ref, key, value string) error {
	d.auxKeys["vif/"+string(vif)+"/"+key] = value
	return nil
}

func (d *fakeDatabase) RemoveVIFAuxKey(ctx context.Context, vif Ref, key string) error {
	delete(d.auxKeys, "vif/"+string(vif)+"/"+key)
	return nil
}

func (d *fakeDatabase) StampVGPUAuxKey(ctx context.Context, vgpu Ref, key, value string) error {
	d.auxKeys["vgpu/"+string(vgpu)+"/"+key] = value
	return nil
}

func (d *fakeDatabase) RemoveVGPUAuxKey(ctx context.Context, vgpu Ref, key string) error {
	delete(d.auxKeys, "vgpu/"+string(vgpu)+"/"+key)
	return nil
}

// fakeStorageAgent is an in-memory StorageAgent for exercising the Disk
// Mirror Planner & Runner (component E) without a live SMAPI.
type fakeStorageAgent struct {
	attachErr       error
	activateErr     error
	mirrorStartErr  error
	copyErr         error
	mirrorStopCalls []string
	dpDestroyCalls  []string
	waitStatus      TaskStatus
	waitErr         error
	mirrorStat      MirrorStat
	mirrorStatErr   error
	snapInfoErr     error

	mirrorStartCalls int
	dataCopyCalls    int
}

func (f *fakeStorageAgent) VDIAttach3(ctx context.Context, dbg, dp string, sr, vdi Ref) error {
	return f.attachErr
}

func (f *fakeStorageAgent) VDIActivate3(ctx context.Context, dbg, dp string, sr, vdi Ref) error {
	return f.activateErr
}

func (f *fakeStorageAgent) DPDestroy(ctx context.Context, dbg, dp string, allowLeak bool) error {
	f.dpDestroyCalls = append(f.dpDestroyCalls, dp)
	return nil
}

func (f *fakeStorageAgent) DataCopy(ctx context.Context, dbg string, srcSR, srcVDI Ref, copyVM, smURL string, destSR Ref, intraPool bool) (TaskHandle, error) {
	f.dataCopyCalls++
	if f.copyErr != nil {
		return "", f.copyErr
	}
	return TaskHandle("copy-task"), nil
}

func (f *fakeStorageAgent) DataMirrorStart(ctx context.Context, dbg string, srcSR, srcVDI Ref, dp, mirrorVM, copyVM, smURL string, destSR Ref, intraPool bool) (TaskHandle, error) {
	f.mirrorStartCalls++
	if f.mirrorStartErr != nil {
		return "", f.mirrorStartErr
	}
	return TaskHandle("mirror-task"), nil
}

func (f *fakeStorageAgent) DataMirrorStop(ctx context.Context, dbg, mirrorID string) error {
	f.mirrorStopCalls = append(f.mirrorStopCalls, mirrorID)
	return nil
}

func (f *fakeStorageAgent) DataMirrorStat(ctx context.Context, dbg, mirrorID string) (MirrorStat, error) {
	return f.mirrorStat, f.mirrorStatErr
}

func (f *fakeStorageAgent) SRUpdateSnapshotInfoSrc(ctx context.Context, dbg string, srcSR Ref, srcLeafVDI Ref, smURL string, dstSR string, dstLeafVDI string, pairs []SnapshotPair, verifyDest bool) error {
	return f.snapInfoErr
}

func (f *fakeStorageAgent) WaitForTask(ctx context.Context, dbg string, handle TaskHandle) (TaskStatus, error) {
	return f.waitStatus, f.waitErr
}

// fakeDestinationClient is an in-memory DestinationClient for metadata
// transfer and finalize tests.
type fakeDestinationClient struct {
	conflicts       []string
	exportImportErr error
	destroyedVMs    []string
	poolMsgsSent    []Ref
	blobsPushed     []Ref
	haRestored      []string
	rrdTransferred  []string
}

func (f *fakeDestinationClient) MetadataExportImport(ctx context.Context, req MetadataTransferRequest) ([]string, error) {
	return f.conflicts, f.exportImportErr
}

func (f *fakeDestinationClient) PoolMigrateComplete(ctx context.Context, vmUUID string, destHost Ref) error {
	return nil
}

func (f *fakeDestinationClient) DestroyVMByUUID(ctx context.Context, uuid string) error {
	f.destroyedVMs = append(f.destroyedVMs, uuid)
	return nil
}

func (f *fakeDestinationClient) SendPoolMessages(ctx context.Context, vm Ref) error {
	f.poolMsgsSent = append(f.poolMsgsSent, vm)
	return nil
}

func (f *fakeDestinationClient) PushBlobs(ctx context.Context, vm Ref) error {
	f.blobsPushed = append(f.blobsPushed, vm)
	return nil
}

func (f *fakeDestinationClient) RestoreHAAlwaysRun(ctx context.Context, vmUUID string) error {
	f.haRestored = append(f.haRestored, vmUUID)
	return nil
}

func (f *fakeDestinationClient) TransferRRD(ctx context.Context, vmUUID string) error {
	f.rrdTransferred = append(f.rrdTransferred, vmUUID)
	return nil
}
