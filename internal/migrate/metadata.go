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

	"github.com/go-logr/logr"

	"github.com/xcpmigrate/orchestrator/internal/migrateerr"
)

const auxKeyVDIMap = "storage_migrate_vdi_map"

// MetadataTransfer is component F: cross-cluster-only metadata
// export/import with aux-key stamping and unconditional cleanup (§4.F).
type MetadataTransfer struct {
	db   Database
	dst  DestinationClient
	log  logr.Logger
}

func NewMetadataTransfer(db Database, dst DestinationClient, log logr.Logger) *MetadataTransfer {
	return &MetadataTransfer{db: db, dst: dst, log: log}
}

// Transfer stamps aux keys, invokes the export/import handshake, and
// unconditionally removes the stamped keys afterward regardless of
// outcome -- the scoped-cleanup idiom from §4.F.
func (m *MetadataTransfer) Transfer(ctx context.Context, vm *VM, dest *DestDescriptor, records []MirrorRecord, vifMap map[Ref]Ref, vgpuMap map[Ref]string, opts MigrateOptions, dryRun bool) (conflicts []string, err error) {
	if !dest.CrossCluster {
		return nil, nil
	}

	var stampedVDIs, stampedVIFs, stampedVGPUs []Ref
	defer func() {
		for _, ref := range stampedVDIs {
			if rmErr := m.db.RemoveVDIAuxKey(ctx, ref, auxKeyVDIMap); rmErr != nil {
				m.log.V(1).Info("metadata cleanup: failed to remove VDI aux key", "ref", ref, "error", rmErr)
			}
		}
		for _, ref := range stampedVIFs {
			if rmErr := m.db.RemoveVIFAuxKey(ctx, ref, auxKeyVDIMap); rmErr != nil {
				m.log.V(1).Info("metadata cleanup: failed to remove VIF aux key", "ref", ref, "error", rmErr)
			}
		}
		for _, ref := range stampedVGPUs {
			if rmErr := m.db.RemoveVGPUAuxKey(ctx, ref, auxKeyVDIMap); rmErr != nil {
				m.log.V(1).Info("metadata cleanup: failed to remove VGPU aux key", "ref", ref, "error", rmErr)
			}
		}
	}()

	for _, rec := range records {
		if stampErr := m.db.StampVDIAuxKey(ctx, rec.LocalVDI, auxKeyVDIMap, rec.RemoteVDI); stampErr != nil {
			return nil, migrateerr.Wrap(migrateerr.OperationNotAllowed, stampErr, string(rec.LocalVDI))
		}
		stampedVDIs = append(stampedVDIs, rec.LocalVDI)
	}
	for vifRef, remoteNetwork := range vifMap {
		if stampErr := m.db.StampVIFAuxKey(ctx, vifRef, auxKeyVDIMap, string(remoteNetwork)); stampErr != nil {
			return nil, migrateerr.Wrap(migrateerr.OperationNotAllowed, stampErr, string(vifRef))
		}
		stampedVIFs = append(stampedVIFs, vifRef)
	}
	for vgpuRef, remoteGroup := range vgpuMap {
		if stampErr := m.db.StampVGPUAuxKey(ctx, vgpuRef, auxKeyVDIMap, remoteGroup); stampErr != nil {
			return nil, migrateerr.Wrap(migrateerr.OperationNotAllowed, stampErr, string(vgpuRef))
		}
		stampedVGPUs = append(stampedVGPUs, vgpuRef)
	}

	req := MetadataTransferRequest{
		VM:            vm.Ref,
		DryRun:        dryRun,
		Live:          vm.PowerState == PowerRunning,
		SendSnapshots: !opts.Copy,
		CheckCPU:      !opts.Force && vm.PowerState != PowerHalted,
	}

	conflicts, callErr := m.dst.MetadataExportImport(ctx, req)
	if callErr != nil {
		return nil, migrateerr.Wrap(migrateerr.OperationNotAllowed, callErr)
	}
	return conflicts, nil
}
