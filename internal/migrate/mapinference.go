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

	"github.com/xcpmigrate/orchestrator/internal/migrateerr"
)

// MapInferer is component C: it completes the VIF, VDI and VGPU maps the
// caller provided only partially, per §4.C.
type MapInferer struct {
	db Database
}

func NewMapInferer(db Database) *MapInferer {
	return &MapInferer{db: db}
}

// InferVIFMap fills in unmapped VIFs by MAC-address match against an
// already-mapped VIF of the same VM (§4.C "VIF→Network"). Entries given
// explicitly always win.
func (m *MapInferer) InferVIFMap(ctx context.Context, vm *VM, vifMap map[Ref]Ref) (map[Ref]Ref, error) {
	out := make(map[Ref]Ref, len(vm.VIFs))
	for k, v := range vifMap {
		out[k] = v
	}

	macs := make(map[string]Ref, len(vifMap))
	for vifRef := range vifMap {
		vif, err := m.db.GetVIF(ctx, vifRef)
		if err != nil {
			return nil, migrateerr.Wrap(migrateerr.VIFNotInMap, err, string(vifRef))
		}
		macs[vif.MAC] = vifMap[vifRef]
	}

	for _, vifRef := range vm.VIFs {
		if _, ok := out[vifRef]; ok {
			continue
		}
		vif, err := m.db.GetVIF(ctx, vifRef)
		if err != nil {
			return nil, migrateerr.Wrap(migrateerr.VIFNotInMap, err, string(vifRef))
		}
		network, ok := macs[vif.MAC]
		if !ok {
			return nil, migrateerr.New(migrateerr.VIFNotInMap, string(vifRef))
		}
		out[vifRef] = network
	}
	return out, nil
}

// InferVDIMap completes the VDI->destination-SR map for snapshot and
// suspend VDIs not supplied by the caller, per §4.C's fallback chain.
func (m *MapInferer) InferVDIMap(ctx context.Context, vm *VM, dest *DestDescriptor, userMap map[Ref]Ref) (map[Ref]Ref, error) {
	out := make(map[Ref]Ref, len(userMap))
	for k, v := range userMap {
		out[k] = v
	}

	snapshotOf := map[Ref]Ref{} // vdi ref -> source-of ref

	considerVDI := func(vdi *VDI) error {
		if _, ok := out[vdi.Ref]; ok {
			return nil
		}
		// 1. snapshot_of inheritance.
		if vdi.SnapshotOf != "" {
			if mapped, ok := out[vdi.SnapshotOf]; ok {
				out[vdi.Ref] = mapped
				return nil
			}
		}
		return nil
	}

	// collect every VDI reachable from this VM (snapshots + suspend), for
	// the snapshot_of inheritance pass.
	var pending []*VDI
	for _, snapVMRef := range append(vm.Snapshots, vm.Ref) {
		snapVM, err := m.db.GetVM(ctx, snapVMRef)
		if err != nil {
			continue
		}
		for _, vbdRef := range snapVM.VBDs {
			vbd, err := m.db.GetVBD(ctx, vbdRef)
			if err != nil || vbd.Empty {
				continue
			}
			vdi, err := m.db.GetVDI(ctx, vbd.VDI)
			if err != nil {
				continue
			}
			pending = append(pending, vdi)
			if vdi.SnapshotOf != "" {
				snapshotOf[vdi.Ref] = vdi.SnapshotOf
			}
		}
		if snapVM.PowerState == PowerSuspended && snapVM.SuspendVDI != "" {
			suspendVDI, err := m.db.GetVDI(ctx, snapVM.SuspendVDI)
			if err == nil {
				pending = append(pending, suspendVDI)
			}
		}
	}

	// Iterate to a fixpoint: snapshot_of chains can be several levels deep.
	for i := 0; i < len(pending)+1; i++ {
		progressed := false
		for _, vdi := range pending {
			before := len(out)
			if err := considerVDI(vdi); err != nil {
				return nil, err
			}
			if len(out) != before {
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	// Remaining unmapped: apply the suspend-VDI fallback chain, else default SR.
	for _, vdi := range pending {
		if _, ok := out[vdi.Ref]; ok {
			continue
		}
		isSuspend := false
		for _, snapVMRef := range append(vm.Snapshots, vm.Ref) {
			snapVM, err := m.db.GetVM(ctx, snapVMRef)
			if err == nil && snapVM.SuspendVDI == vdi.Ref {
				isSuspend = true
				break
			}
		}
		if isSuspend {
			if sr, ok := m.db.PoolSuspendImageSR(ctx); ok {
				out[vdi.Ref] = sr
				continue
			}
			if sr, ok := m.db.HostSuspendImageSR(ctx, dest.DestHostRef); ok {
				out[vdi.Ref] = sr
				continue
			}
			if sr, ok := m.db.PoolDefaultSR(ctx); ok {
				out[vdi.Ref] = sr
				continue
			}
			return nil, migrateerr.New(migrateerr.VDINotInMap, string(vdi.Ref))
		}
		if sr, ok := m.db.PoolDefaultSR(ctx); ok {
			out[vdi.Ref] = sr
			continue
		}
		return nil, migrateerr.New(migrateerr.VDINotInMap, string(vdi.Ref))
	}
	return out, nil
}

// VGPUPCIMapping is one device_label->pci_address entry produced for a VGPU.
type VGPUPCIMapping struct {
	DeviceLabel string
	PCIAddress  string
}

// PGPULookup resolves a scheduled PGPU ref to its physical-function PCI
// address and, if present, an SR-IOV virtual-function PCI address.
type PGPULookup interface {
	PCIAddress(ctx context.Context, pgpu Ref) (pf string, vf string, hasVF bool, err error)
}

// InferVGPUMap computes the per-VGPU PCI device mapping, per §4.C
// "vGPU→PCI". Any resolution error is raised as VMMigrateFailed with the
// "changed power state during migration" message, mirroring the source's
// VGPU_mapping -> vm_migrate_failed translation.
func (m *MapInferer) InferVGPUMap(ctx context.Context, vgpuRefs []Ref, pgpus PGPULookup) (map[Ref][]VGPUPCIMapping, error) {
	out := make(map[Ref][]VGPUPCIMapping, len(vgpuRefs))
	for _, vgpuRef := range vgpuRefs {
		vgpu, err := m.db.GetVGPU(ctx, vgpuRef)
		if err != nil {
			return nil, migrateerr.Newf(migrateerr.VMMigrateFailed, "changed power state during migration")
		}
		pf, vf, hasVF, err := pgpus.PCIAddress(ctx, vgpu.ScheduledToBeResidentOn)
		if err != nil {
			return nil, migrateerr.Newf(migrateerr.VMMigrateFailed, "changed power state during migration")
		}
		entries := []VGPUPCIMapping{{DeviceLabel: vgpu.DeviceLabel, PCIAddress: pf}}
		if hasVF {
			entries = append(entries, VGPUPCIMapping{DeviceLabel: "vf:" + vgpu.DeviceLabel, PCIAddress: vf})
		}
		out[vgpuRef] = entries
	}
	return out, nil
}
