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
)

func TestVGPUMapper_MapDelegatesToInferer(t *testing.T) {
	db := newFakeDatabase()
	vgpu := &VGPU{Ref: "vgpu-1", ScheduledToBeResidentOn: "pgpu-1", DeviceLabel: "GPU 0"}
	db.vgpus[vgpu.Ref] = vgpu
	lookup := &fakePGPULookup{pf: "0000:02:00.0"}

	mapper := NewVGPUMapper(db, lookup)
	out, err := mapper.Map(context.Background(), []Ref{vgpu.Ref})

	require.NoError(t, err)
	require.Len(t, out[vgpu.Ref], 1)
	assert.Equal(t, "0000:02:00.0", out[vgpu.Ref][0].PCIAddress)
}

func TestFlattenForAgent_BuildsDeviceLabelToPCIAddressMap(t *testing.T) {
	mapping := map[Ref][]VGPUPCIMapping{
		"vgpu-1": {
			{DeviceLabel: "GPU 0", PCIAddress: "0000:01:00.0"},
			{DeviceLabel: "vf:GPU 0", PCIAddress: "0000:01:00.1"},
		},
		"vgpu-2": {
			{DeviceLabel: "GPU 1", PCIAddress: "0000:02:00.0"},
		},
	}

	flat := FlattenForAgent(mapping)

	assert.Equal(t, map[string]string{
		"GPU 0":    "0000:01:00.0",
		"vf:GPU 0": "0000:01:00.1",
		"GPU 1":    "0000:02:00.0",
	}, flat)
}
