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

import "context"

// VGPUMapper is component I. It is a thin, named entry point over
// MapInferer.InferVGPUMap -- kept as its own component per §2's
// component table, since the spec treats vGPU PCI mapping as a distinct
// stage from general VIF/VDI map completion, with its own failure mode
// (VGPU_mapping -> vm_migrate_failed, §4.I).
type VGPUMapper struct {
	inferer *MapInferer
	pgpus   PGPULookup
}

func NewVGPUMapper(db Database, pgpus PGPULookup) *VGPUMapper {
	return &VGPUMapper{inferer: NewMapInferer(db), pgpus: pgpus}
}

// Map produces the destination device_label/pci_address pairs for every
// VGPU attached to the VM.
func (m *VGPUMapper) Map(ctx context.Context, vgpuRefs []Ref) (map[Ref][]VGPUPCIMapping, error) {
	return m.inferer.InferVGPUMap(ctx, vgpuRefs, m.pgpus)
}

// FlattenForAgent converts the per-VGPU mapping table into the flat
// device-label -> pci-address map the HypervisorAgent.Migrate call
// expects (§4.G's vgpu_device->pci_map argument).
func FlattenForAgent(mapping map[Ref][]VGPUPCIMapping) map[string]string {
	out := map[string]string{}
	for _, entries := range mapping {
		for _, e := range entries {
			out[e.DeviceLabel] = e.PCIAddress
		}
	}
	return out
}
