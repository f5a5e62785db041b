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
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/xcpmigrate/orchestrator/internal/migrateerr"
	"github.com/xcpmigrate/orchestrator/internal/resilience"
)

// domainSliceID derives the synthetic mirror_vm/copy_vm identifier the
// storage agent uses to route SMAPI calls before the guest domain exists
// on the destination, per §4.E. No ecosystem hash library fits better
// than the standard library here -- this is a pure deterministic digest,
// not a cryptographic or domain concern any pack dependency addresses.
func domainSliceID(prefix string, vm, vdi Ref) string {
	h := sha1.Sum([]byte(string(vm) + "/" + string(vdi)))
	return prefix + "-" + hex.EncodeToString(h[:])[:16]
}

// ProgressAggregator tracks fractional completion across the set of
// mirror/copy tasks belonging to one migration, per SPEC_FULL §12. Each
// task's progress is weighted by its VDI's share of total transferred
// bytes.
type ProgressAggregator struct {
	mu     sync.Mutex
	weight map[Ref]float64
	done   map[Ref]float64
}

func NewProgressAggregator(vdis []*VDI) *ProgressAggregator {
	var total int64
	for _, v := range vdis {
		total += v.VirtualSize
	}
	weight := make(map[Ref]float64, len(vdis))
	for _, v := range vdis {
		if total > 0 {
			weight[v.Ref] = float64(v.VirtualSize) / float64(total)
		} else {
			weight[v.Ref] = 0
		}
	}
	return &ProgressAggregator{weight: weight, done: make(map[Ref]float64, len(vdis))}
}

// Update records the fractional completion (0..1) of one VDI's task.
func (p *ProgressAggregator) Update(vdi Ref, fraction float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done[vdi] = fraction
}

// Total returns the weighted running total across all tracked VDIs.
func (p *ProgressAggregator) Total() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total float64
	for ref, w := range p.weight {
		total += w * p.done[ref]
	}
	return total
}

// MirrorFailure wraps a disk-mirror task failure with the data the
// rollback path needs to classify it per §7/§4.H: the failing task's
// other_config (which may carry "mirror_failed" => vdi uuid) and an
// index from VDI UUID back to local Ref.
type MirrorFailure struct {
	Err         error
	OtherConfig map[string]string
	VDIByUUID   map[string]Ref
}

func (e *MirrorFailure) Error() string { return e.Err.Error() }
func (e *MirrorFailure) Unwrap() error { return e.Err }

// MirrorPlanner is component E: classification, ordering, and execution
// of the per-VDI disk mirror/copy protocol.
type MirrorPlanner struct {
	db       Database
	sa       StorageAgent
	cbs      *resilience.Registry
	log      logr.Logger
	sharedSR bool // feature gate: shared_sr_cross_cluster_migration (kept off, see DESIGN.md)
}

func NewMirrorPlanner(db Database, sa StorageAgent, cbs *resilience.Registry, log logr.Logger, sharedSRGate bool) *MirrorPlanner {
	return &MirrorPlanner{db: db, sa: sa, cbs: cbs, log: log, sharedSR: sharedSRGate}
}

// Classify builds the ordered list of VDIMirrorRequest for a migration,
// per §4.E's classification and ordering rules.
func (p *MirrorPlanner) Classify(ctx context.Context, vm *VM, dest *DestDescriptor, vdiMap map[Ref]Ref) ([]VDIMirrorRequest, error) {
	var reqs []VDIMirrorRequest

	for _, vbdRef := range vm.VBDs {
		vbd, err := p.db.GetVBD(ctx, vbdRef)
		if err != nil || vbd.Empty {
			continue
		}
		if vbd.Type == VBDTypeCD {
			if err := p.ejectIfNeeded(ctx, vm, vbd, vdiMap); err != nil {
				return nil, err
			}
			continue
		}
		vdi, err := p.db.GetVDI(ctx, vbd.VDI)
		if err != nil {
			return nil, migrateerr.Wrap(migrateerr.OperationNotAllowed, err)
		}
		destSR := vdiMap[vdi.Ref]
		shouldMirror := vbd.Mode == VBDModeRW
		reqs = append(reqs, VDIMirrorRequest{VDI: vdi, DestSR: destSR, IsLeaf: true, ShouldMirror: shouldMirror})
	}

	for _, snapVMRef := range vm.Snapshots {
		snapVM, err := p.db.GetVM(ctx, snapVMRef)
		if err != nil {
			continue
		}
		for _, vbdRef := range snapVM.VBDs {
			vbd, err := p.db.GetVBD(ctx, vbdRef)
			if err != nil || vbd.Empty || vbd.Type == VBDTypeCD {
				continue
			}
			vdi, err := p.db.GetVDI(ctx, vbd.VDI)
			if err != nil {
				continue
			}
			reqs = append(reqs, VDIMirrorRequest{VDI: vdi, DestSR: vdiMap[vdi.Ref], IsSnapshot: true, ShouldMirror: false})
		}
	}

	for _, vmOrSnap := range append(append([]Ref{}, vm.Snapshots...), vm.Ref) {
		owner, err := p.db.GetVM(ctx, vmOrSnap)
		if err != nil || owner.PowerState != PowerSuspended || owner.SuspendVDI == "" {
			continue
		}
		vdi, err := p.db.GetVDI(ctx, owner.SuspendVDI)
		if err != nil {
			return nil, migrateerr.New(migrateerr.SuspendImageNotAccessible, string(owner.SuspendVDI))
		}
		destSR := vdiMap[vdi.Ref]
		if !destSR.isValid() {
			return nil, migrateerr.New(migrateerr.SuspendImageNotAccessible, string(vdi.Ref))
		}
		reqs = append(reqs, VDIMirrorRequest{VDI: vdi, DestSR: destSR, IsSuspend: true, ShouldMirror: false})
	}

	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].VDI.VirtualSize != reqs[j].VDI.VirtualSize {
			return reqs[i].VDI.VirtualSize < reqs[j].VDI.VirtualSize
		}
		return reqs[i].VDI.SnapshotTime.Before(reqs[j].VDI.SnapshotTime)
	})
	return reqs, nil
}

func (r Ref) isValid() bool { return r != "" }

func (p *MirrorPlanner) ejectIfNeeded(ctx context.Context, vm *VM, vbd *VBD, vdiMap map[Ref]Ref) error {
	if vm.IsSnapshot || vm.PowerState == PowerSuspended || vbd.Empty {
		return nil
	}
	if vbd.VDI == "" {
		return nil
	}
	vdi, err := p.db.GetVDI(ctx, vbd.VDI)
	if err != nil {
		return nil
	}
	if destSR, ok := vdiMap[vdi.Ref]; ok && destSR != vdi.SR {
		return p.db.EjectCD(ctx, vbd.Ref)
	}
	return nil
}

// Run executes the per-VDI protocol for every request in order,
// accumulating a MirrorRecord per VDI. On any failure it rolls back the
// scoped resources acquired so far for the failing VDI (§4.E "Scoped
// resources").
func (p *MirrorPlanner) Run(ctx context.Context, vm *VM, dest *DestDescriptor, reqs []VDIMirrorRequest) ([]MirrorRecord, error) {
	progress := NewProgressAggregator(vdisOf(reqs))
	records := make([]MirrorRecord, 0, len(reqs))

	vdiByUUID := make(map[string]Ref, len(reqs))
	for _, req := range reqs {
		vdiByUUID[req.VDI.UUID] = req.VDI.Ref
	}

	for _, req := range reqs {
		// §5: cooperative-cancellation checkpoint between per-VDI iterations.
		if cerr := checkCancelled(ctx); cerr != nil {
			return records, cerr
		}
		rec, err := p.runOne(ctx, vm, dest, req, progress)
		if err != nil {
			var mf *MirrorFailure
			if errors.As(err, &mf) {
				mf.VDIByUUID = vdiByUUID
			}
			return records, err
		}
		records = append(records, rec)
	}

	if err := p.replicateSnapshotChains(ctx, dest, reqs, records); err != nil {
		return records, err
	}
	return records, nil
}

func vdisOf(reqs []VDIMirrorRequest) []*VDI {
	out := make([]*VDI, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.VDI)
	}
	return out
}

func (p *MirrorPlanner) runOne(ctx context.Context, vm *VM, dest *DestDescriptor, req VDIMirrorRequest, progress *ProgressAggregator) (rec MirrorRecord, err error) {
	dbg := "migrate:" + uuid.NewString()
	srcSR := req.VDI.SR
	srcVDI := req.VDI.Ref

	dpPrefix := "mirror_"
	if !req.ShouldMirror {
		dpPrefix = "copy_"
	}
	dp := dpPrefix + string(srcVDI)

	mirrorVM := domainSliceID("MIR", vm.Ref, srcVDI)
	copyVM := domainSliceID("CP", vm.Ref, srcVDI)

	if err := p.plugDestPBDs(ctx, dest, req.DestSR); err != nil {
		return rec, err
	}

	if p.sharedSR && dest.CrossCluster && string(srcSR) == string(req.DestSR) {
		// §4.E.3: shared-SR mode. Not implemented -- see DESIGN.md Open
		// Question 1. The gate is off unless listed in config FeatureGates.
		return rec, migrateerr.New(migrateerr.UnimplementedInSMBackend, "shared_sr_cross_cluster_migration")
	}

	cleanupDP := false
	cleanupMirror := ""
	defer func() {
		if err == nil {
			return
		}
		if cleanupMirror != "" {
			if stopErr := p.sa.DataMirrorStop(ctx, dbg, cleanupMirror); stopErr != nil {
				p.log.V(1).Info("mirror cleanup: stop failed, leaking mirror registration", "mirror", cleanupMirror, "error", stopErr)
			}
		}
		if cleanupDP {
			if destroyErr := p.sa.DPDestroy(ctx, dbg, dp, false); destroyErr != nil {
				p.log.V(1).Info("mirror cleanup: datapath destroy failed", "dp", dp, "error", destroyErr)
			}
		}
	}()

	breaker := p.cbs.GetOrCreate("mirror", "smapi")

	var handle TaskHandle
	if req.ShouldMirror {
		attachErr := breaker.Call(ctx, func(ctx context.Context) error {
			return p.sa.VDIAttach3(ctx, dbg, dp, srcSR, srcVDI)
		})
		if attachErr != nil {
			return rec, migrateerr.Wrap(migrateerr.MirrorFailed, attachErr, string(srcVDI))
		}
		cleanupDP = true
		actErr := breaker.Call(ctx, func(ctx context.Context) error {
			return p.sa.VDIActivate3(ctx, dbg, dp, srcSR, srcVDI)
		})
		if actErr != nil {
			return rec, migrateerr.Wrap(migrateerr.MirrorFailed, actErr, string(srcVDI))
		}
		cleanupMirror = domainSliceID("mirror-id", srcSR, srcVDI)
		var h TaskHandle
		startErr := breaker.Call(ctx, func(ctx context.Context) error {
			var err error
			h, err = p.sa.DataMirrorStart(ctx, dbg, srcSR, srcVDI, dp, mirrorVM, copyVM, dest.SMURL, req.DestSR, !dest.CrossCluster)
			return err
		})
		if startErr != nil {
			return rec, migrateerr.Wrap(migrateerr.MirrorFailed, startErr, string(srcVDI))
		}
		handle = h
	} else {
		var h TaskHandle
		copyErr := breaker.Call(ctx, func(ctx context.Context) error {
			var err error
			h, err = p.sa.DataCopy(ctx, dbg, srcSR, srcVDI, copyVM, dest.SMURL, req.DestSR, !dest.CrossCluster)
			return err
		})
		if copyErr != nil {
			return rec, migrateerr.Wrap(migrateerr.MirrorFailed, copyErr, string(srcVDI))
		}
		handle = h
	}

	var status TaskStatus
	waitErr := breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		status, err = p.sa.WaitForTask(ctx, dbg, handle)
		return err
	})
	if waitErr != nil {
		return rec, migrateerr.Wrap(migrateerr.MirrorFailed, waitErr, string(srcVDI))
	}
	if !status.Success {
		return rec, &MirrorFailure{
			Err:         migrateerr.Newf(migrateerr.MirrorFailed, "task failed for vdi %s: %v", srcVDI, status.ErrorInfo),
			OtherConfig: status.OtherConfig,
		}
	}
	progress.Update(srcVDI, 1.0)

	var remoteVDI string
	if req.ShouldMirror {
		var stat MirrorStat
		statErr := breaker.Call(ctx, func(ctx context.Context) error {
			var err error
			stat, err = p.sa.DataMirrorStat(ctx, dbg, cleanupMirror)
			return err
		})
		if statErr != nil {
			return rec, migrateerr.Wrap(migrateerr.MirrorFailed, statErr, string(srcVDI))
		}
		if !stat.Complete {
			return rec, migrateerr.New(migrateerr.MirrorFailed, string(srcVDI))
		}
		remoteVDI = stat.DestVDI
	} else {
		remoteVDI = status.ResultVDI
	}
	if remoteVDI == "" {
		return rec, migrateerr.New(migrateerr.VDILocationMissing, string(srcVDI))
	}

	// successful: clear deferred cleanup intent.
	cleanupDP = false
	cleanupMirror = ""

	return MirrorRecord{
		Mirrored:  req.ShouldMirror,
		Datapath:  dp,
		LocalSR:   srcSR,
		LocalVDI:  srcVDI,
		RemoteSR:  string(req.DestSR),
		RemoteVDI: remoteVDI,
		LocalVDIRef: srcVDI,
		RemoteVDIRef: remoteVDI,
	}, nil
}

// plugDestPBDs implements §4.E step 2: ensure the destination SR's
// physical block devices are plugged on the destination host and on the
// destination cluster's coordinator, plugging any that are enabled but
// currently detached. Hosts that can't be resolved, or PBDs whose host
// is disabled, are skipped rather than treated as fatal.
func (p *MirrorPlanner) plugDestPBDs(ctx context.Context, dest *DestDescriptor, destSR Ref) error {
	if !destSR.isValid() {
		return nil
	}
	pbds, err := p.db.GetPBDsForSR(ctx, destSR)
	if err != nil {
		return migrateerr.Wrap(migrateerr.MirrorFailed, err, string(destSR))
	}
	if len(pbds) == 0 {
		return nil
	}

	targets := map[Ref]bool{}
	if dest.DestHostRef.isValid() {
		targets[dest.DestHostRef] = true
	}
	if coordinator, ok := p.db.PoolCoordinatorHost(ctx); ok {
		targets[coordinator] = true
	}
	if len(targets) == 0 {
		return nil
	}

	for _, pbd := range pbds {
		if pbd.CurrentlyAttached || !targets[pbd.Host] {
			continue
		}
		host, err := p.db.GetHost(ctx, pbd.Host)
		if err != nil || !host.Enabled {
			continue
		}
		if err := p.db.PlugPBD(ctx, pbd.Ref); err != nil {
			return migrateerr.Wrap(migrateerr.MirrorFailed, err, string(pbd.Ref))
		}
	}
	return nil
}

// replicateSnapshotChains implements §4.E's post-transfer
// SR.update_snapshot_info_src pass, grouping records by leaf VDI.
func (p *MirrorPlanner) replicateSnapshotChains(ctx context.Context, dest *DestDescriptor, reqs []VDIMirrorRequest, records []MirrorRecord) error {
	leafIdx := map[Ref]int{}
	for i, req := range reqs {
		if req.IsLeaf {
			leafIdx[req.VDI.Ref] = i
		}
	}
	for i, req := range reqs {
		if !req.IsSnapshot || req.VDI.SnapshotOf == "" {
			continue
		}
		leafPos, ok := leafIdx[req.VDI.SnapshotOf]
		if !ok {
			continue
		}
		leafRec := records[leafPos]
		snapRec := records[i]
		pairs := []SnapshotPair{{SrcSnapshot: req.VDI.Ref, DstSnapshotVDI: snapRec.RemoteVDI}}
		dbg := "migrate:snapinfo:" + uuid.NewString()
		err := p.sa.SRUpdateSnapshotInfoSrc(ctx, dbg, leafRec.LocalSR, leafRec.LocalVDI, dest.SMURL, leafRec.RemoteSR, leafRec.RemoteVDI, pairs, !dest.CrossCluster)
		if err != nil {
			p.log.V(1).Info("snapshot chain replication unsupported on remote, tolerating", "leaf", leafRec.LocalVDI, "error", err)
		}
	}
	return nil
}
