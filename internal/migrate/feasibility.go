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
	"strconv"
	"strings"

	"github.com/xcpmigrate/orchestrator/internal/migrateerr"
)

// truthy parses the force/copy/compress option tokens recognized by §4.B.10.
func truthy(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "on", "1":
		return true, true
	case "false", "off", "0":
		return false, true
	case "":
		return false, false
	default:
		return false, false
	}
}

// ParseOptions decodes the string->string options bag from §6 into
// MigrateOptions, applying the §4.B.10 truthy/falsy token grammar.
// When the bag has no usable compress token, compress takes
// poolCompressDefault; the caller decides which default applies.
func ParseOptions(raw map[string]string, poolCompressDefault bool, internalVM Ref) MigrateOptions {
	opts := MigrateOptions{Network: raw["network"], InternalVM: internalVM}
	if v, ok := truthy(raw["force"]); ok {
		opts.Force = v
	}
	if v, ok := truthy(raw["copy"]); ok {
		opts.Copy = v
	}
	if v, ok := truthy(raw["compress"]); ok {
		opts.Compress = v
	} else {
		opts.Compress = poolCompressDefault
	}
	return opts
}

// platformVersionAtLeast reports whether dotted version string a is >= b,
// comparing numerically component by component ("2.17.0" >= "2.9.0").
// A non-numeric component compares as 0.
func platformVersionAtLeast(a, b string) bool {
	ap := strings.Split(a, ".")
	bp := strings.Split(b, ".")
	for i := 0; i < len(ap) || i < len(bp); i++ {
		var av, bv int
		if i < len(ap) {
			av, _ = strconv.Atoi(ap[i])
		}
		if i < len(bp) {
			bv, _ = strconv.Atoi(bp[i])
		}
		if av != bv {
			return av > bv
		}
	}
	return true
}

// featuresetSupports reports whether every feature the VM requires is
// present in the host's advertised featureset.
func featuresetSupports(required, advertised []string) bool {
	have := make(map[string]bool, len(advertised))
	for _, f := range advertised {
		have[f] = true
	}
	for _, f := range required {
		if !have[f] {
			return false
		}
	}
	return true
}

// FeasibilityChecker is component B: assert_can_migrate and its
// sender-side pGPU-compatibility companion.
type FeasibilityChecker struct {
	db                    Database
	metaXfer              *MetadataTransfer
	storageMotionLicensed bool
}

func NewFeasibilityChecker(db Database, metaXfer *MetadataTransfer, storageMotionLicensed bool) *FeasibilityChecker {
	return &FeasibilityChecker{db: db, metaXfer: metaXfer, storageMotionLicensed: storageMotionLicensed}
}

// AssertCanMigrate runs all ten preconditions from §4.B. It performs no
// mutation; every check happens before any side effect elsewhere in the
// pipeline.
func (f *FeasibilityChecker) AssertCanMigrate(ctx context.Context, vm *VM, dest *DestDescriptor, vdiMap map[Ref]Ref, vifMap map[Ref]Ref, vgpuMap map[Ref]string, opts MigrateOptions) error {
	// 1. Storage_motion licensing.
	if !f.storageMotionLicensed {
		return migrateerr.New(migrateerr.OperationNotAllowed, "Storage_motion")
	}

	// 2. No legacy hardware present on the VM.
	if vm.HasLegacyHardware {
		return migrateerr.New(migrateerr.VMMigrateFailed, string(vm.Ref))
	}

	// Edge case: copy=true combined with intra-cluster migration is rejected.
	if opts.Copy && !dest.CrossCluster {
		return migrateerr.New(migrateerr.OperationNotAllowed, "copy requires cross-cluster migration")
	}

	vdis := make([]*VDI, 0, len(vm.VBDs))
	srCache := map[Ref]*SR{}
	getSR := func(ref Ref) (*SR, error) {
		if sr, ok := srCache[ref]; ok {
			return sr, nil
		}
		sr, err := f.db.GetSR(ctx, ref)
		if err != nil {
			return nil, err
		}
		srCache[ref] = sr
		return sr, nil
	}

	for _, vbdRef := range vm.VBDs {
		vbd, err := f.db.GetVBD(ctx, vbdRef)
		if err != nil {
			return migrateerr.Wrap(migrateerr.OperationNotAllowed, err)
		}
		if vbd.Empty || vbd.Type == VBDTypeCD {
			continue
		}
		vdi, err := f.db.GetVDI(ctx, vbd.VDI)
		if err != nil {
			return migrateerr.Wrap(migrateerr.OperationNotAllowed, err)
		}
		vdis = append(vdis, vdi)

		// 3. every attached non-CD non-empty VBD's VDI appears in vdi_map.
		if _, ok := vdiMap[vdi.Ref]; !ok {
			return migrateerr.New(migrateerr.VDINotInMap, string(vdi.Ref))
		}
		// 4. cbt_enabled
		if vdi.CBTEnabled {
			return migrateerr.New(migrateerr.VDICBTEnabled, string(vdi.Ref))
		}
		// 5. on_boot=reset
		if vdi.OnBoot == OnBootReset {
			return migrateerr.New(migrateerr.VDIOnBootModeIncompatible, string(vdi.Ref))
		}
		// 6. encrypted + remapped to a different SR
		destSR := vdiMap[vdi.Ref]
		if destSR != vdi.SR && vdi.IsEncrypted() {
			return migrateerr.New(migrateerr.VDIIsEncrypted, string(vdi.Ref))
		}
	}

	// 7. SR capability checks, exempting same-SR moves.
	for _, vdi := range vdis {
		destSRRef := vdiMap[vdi.Ref]
		if destSRRef == vdi.SR {
			continue
		}
		srcSR, err := getSR(vdi.SR)
		if err != nil {
			return migrateerr.Wrap(migrateerr.OperationNotAllowed, err)
		}
		if !srcSR.HasCapability(CapVDISnapshot) || !srcSR.HasCapability(CapVDIMirror) {
			return migrateerr.New(migrateerr.SRDoesNotSupportMigration, string(srcSR.Ref))
		}
		destSR, err := getSR(destSRRef)
		if err != nil {
			return migrateerr.Wrap(migrateerr.OperationNotAllowed, err)
		}
		if !destSR.HasCapability(CapVDISnapshot) || !destSR.HasCapability(CapVDIMirrorIn) {
			return migrateerr.New(migrateerr.SRDoesNotSupportMigration, string(destSR.Ref))
		}
	}

	if dest.CrossCluster {
		return f.checkCrossCluster(ctx, vm, dest, vifMap, vgpuMap, opts)
	}
	return f.checkIntraCluster(ctx, vm, dest, vifMap, opts)
}

// checkIntraCluster implements §4.B.8.
func (f *FeasibilityChecker) checkIntraCluster(ctx context.Context, vm *VM, dest *DestDescriptor, vifMap map[Ref]Ref, opts MigrateOptions) error {
	if len(vifMap) != 0 {
		for vifRef := range vifMap {
			return migrateerr.New(migrateerr.VIFNotInMap, string(vifRef))
		}
	}

	destHost, err := f.db.GetHost(ctx, dest.DestHostRef)
	if err != nil {
		return migrateerr.Wrap(migrateerr.VMHostIncompatibleVersionMigrate, err, string(dest.DestHostRef))
	}

	if vm.ResidentOn.isValid() {
		if srcHost, err := f.db.GetHost(ctx, vm.ResidentOn); err == nil {
			if !platformVersionAtLeast(destHost.PlatformVersion, srcHost.PlatformVersion) {
				return migrateerr.New(migrateerr.VMHostIncompatibleVersionMigrate, string(dest.DestHostRef))
			}
		}
	}

	if !opts.Force && !featuresetSupports(vm.CPUFeatureset, destHost.CPUFeatureset) {
		return migrateerr.New(migrateerr.VMHostIncompatibleVersionMigrate, string(dest.DestHostRef))
	}

	return nil
}

// checkCrossCluster implements §4.B.9.
func (f *FeasibilityChecker) checkCrossCluster(ctx context.Context, vm *VM, dest *DestDescriptor, vifMap map[Ref]Ref, vgpuMap map[Ref]string, opts MigrateOptions) error {
	if opts.Copy && vm.PowerState != PowerHalted && !opts.Force {
		return migrateerr.New(migrateerr.VMBadPowerState, string(vm.Ref))
	}

	destHost, err := f.db.GetHost(ctx, dest.DestHostRef)
	if err != nil {
		return migrateerr.Wrap(migrateerr.VMHostIncompatibleVersionMigrate, err, string(dest.DestHostRef))
	}
	if !destHost.Enabled {
		return migrateerr.New(migrateerr.HostDisabled, string(dest.DestHostRef))
	}
	if vm.VCPUsMax > 0 && destHost.PhysicalCPUs > 0 && vm.VCPUsMax > destHost.PhysicalCPUs {
		return migrateerr.New(migrateerr.VMMigrateFailed, string(dest.DestHostRef))
	}
	if vm.RequiredHardwarePlatformVersion > destHost.HardwarePlatformVersion {
		return migrateerr.New(migrateerr.VMHostIncompatibleVersionMigrate, string(dest.DestHostRef))
	}
	if vm.ResidentOn.isValid() {
		if srcHost, err := f.db.GetHost(ctx, vm.ResidentOn); err == nil && srcHost.PlatformVersion != destHost.PlatformVersion {
			return migrateerr.New(migrateerr.VMHostIncompatibleVersionMigrate, string(dest.DestHostRef))
		}
	}

	for _, vifRef := range vm.VIFs {
		if _, ok := vifMap[vifRef]; ok {
			continue
		}
		vif, err := f.db.GetVIF(ctx, vifRef)
		if err != nil {
			return migrateerr.Wrap(migrateerr.VIFNotInMap, err, string(vifRef))
		}
		if !f.macMatchInferrable(ctx, vif, vifMap) {
			return migrateerr.New(migrateerr.VIFNotInMap, string(vifRef))
		}
	}

	conflicts, err := f.metaXfer.Transfer(ctx, vm, dest, nil, vifMap, vgpuMap, opts, true)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return migrateerr.New(migrateerr.OperationNotAllowed, conflicts...)
	}

	return nil
}

func (f *FeasibilityChecker) macMatchInferrable(ctx context.Context, vif *VIF, vifMap map[Ref]Ref) bool {
	for mappedRef := range vifMap {
		mapped, err := f.db.GetVIF(ctx, mappedRef)
		if err != nil {
			continue
		}
		if mapped.MAC == vif.MAC {
			return true
		}
	}
	return false
}
