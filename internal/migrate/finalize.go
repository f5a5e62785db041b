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

// Finalizer is component H: the post-memory-migration success path and
// the any-stage rollback path (§4.H).
type Finalizer struct {
	db  Database
	dst DestinationClient
	log logr.Logger
}

func NewFinalizer(db Database, dst DestinationClient, log logr.Logger) *Finalizer {
	return &Finalizer{db: db, dst: dst, log: log}
}

// Commit runs the success path in the order mandated by §4.H.
func (f *Finalizer) Commit(ctx context.Context, vm *VM, dest *DestDescriptor, records []MirrorRecord, opts MigrateOptions) error {
	if err := f.dst.TransferRRD(ctx, vm.UUID); err != nil {
		return migrateerr.Wrap(migrateerr.VMMigrateFailed, err)
	}

	// 2. detach VM networks on source: left to the collaborator client's
	// own network-detach RPC, out of scope for the orchestrator's
	// in-process state.

	if dest.CrossCluster {
		if err := f.dst.SendPoolMessages(ctx, vm.Ref); err != nil {
			f.log.V(1).Info("finalize: send pool messages failed", "vm", vm.Ref, "error", err)
		}
		if err := f.dst.PushBlobs(ctx, vm.Ref); err != nil {
			f.log.V(1).Info("finalize: push blobs failed", "vm", vm.Ref, "error", err)
		}
		if vm.HAAlwaysRun {
			if err := f.dst.RestoreHAAlwaysRun(ctx, vm.UUID); err != nil {
				f.log.V(1).Info("finalize: restore ha_always_run failed", "vm", vm.Ref, "error", err)
			}
		}
	}

	if err := f.dst.PoolMigrateComplete(ctx, vm.UUID, dest.DestHostRef); err != nil {
		return migrateerr.Wrap(migrateerr.VMMigrateFailed, err)
	}

	if !dest.CrossCluster {
		if err := f.remapIntraCluster(ctx, vm, records); err != nil {
			return err
		}
	}

	if dest.CrossCluster && !opts.Copy {
		f.destroySourceAfterCrossClusterMove(ctx, vm)
	}

	return nil
}

// remapIntraCluster implements §4.H.5.
func (f *Finalizer) remapIntraCluster(ctx context.Context, vm *VM, records []MirrorRecord) error {
	byLocal := make(map[Ref]MirrorRecord, len(records))
	for _, rec := range records {
		byLocal[rec.LocalVDI] = rec
	}
	for _, vbdRef := range vm.VBDs {
		vbd, err := f.db.GetVBD(ctx, vbdRef)
		if err != nil || vbd.Empty {
			continue
		}
		rec, ok := byLocal[vbd.VDI]
		if !ok {
			continue
		}
		if err := f.db.SetVBDVDI(ctx, vbd.Ref, Ref(rec.RemoteVDI)); err != nil {
			return migrateerr.Wrap(migrateerr.VMMigrateFailed, err)
		}
	}
	if vm.SuspendVDI != "" {
		if rec, ok := byLocal[vm.SuspendVDI]; ok {
			if err := f.db.SetSuspendVDI(ctx, vm.Ref, Ref(rec.RemoteVDI)); err != nil {
				return migrateerr.Wrap(migrateerr.VMMigrateFailed, err)
			}
		}
	}
	if err := f.db.ClearSuspendSR(ctx, vm.Ref); err != nil {
		f.log.V(1).Info("finalize: clear suspend_SR failed", "vm", vm.Ref, "error", err)
	}
	return nil
}

// destroySourceAfterCrossClusterMove implements §4.H.6; each step is
// best-effort and logged, matching the finally-style cleanup idiom.
func (f *Finalizer) destroySourceAfterCrossClusterMove(ctx context.Context, vm *VM) {
	for _, vbdRef := range vm.VBDs {
		if err := f.db.DestroyVBD(ctx, vbdRef); err != nil {
			f.log.V(1).Info("finalize: destroy source VBD failed", "vbd", vbdRef, "error", err)
		}
	}
	for _, snap := range vm.Snapshots {
		if err := f.db.DestroyVM(ctx, snap); err != nil {
			f.log.V(1).Info("finalize: destroy source snapshot failed", "snapshot", snap, "error", err)
		}
	}
	if err := f.db.DestroyVM(ctx, vm.Ref); err != nil {
		f.log.V(1).Info("finalize: destroy source VM failed", "vm", vm.Ref, "error", err)
	}
	if err := f.db.DestroyVTPMsOf(ctx, vm.Ref); err != nil {
		f.log.V(1).Info("finalize: destroy source VTPMs failed", "vm", vm.Ref, "error", err)
	}
}

// RollbackState carries everything the rollback path needs: what stage
// the migration reached, and what the triggering error was.
type RollbackState struct {
	OriginalErr     error
	EventsSuppressed bool
	MemoryMigrationStarted bool // once true, rollback must not attempt to cancel
	TaskOtherConfig map[string]string
	VDIByUUID       map[string]Ref // for mirror_failed -> vdi_ref translation
}

// Rollback implements §4.H's rollback path and §7's classification,
// returning the error that should ultimately be raised to the caller.
func (f *Finalizer) Rollback(ctx context.Context, vm *VM, dest *DestDescriptor, state RollbackState) error {
	if state.EventsSuppressed && vm.PowerState == PowerSuspended {
		if err := f.shutdownSuspended(ctx, vm); err != nil {
			f.log.V(1).Info("rollback: shutdown of suspended source VM failed", "vm", vm.Ref, "error", err)
		}
	}

	if dest.CrossCluster {
		if err := f.dst.DestroyVMByUUID(ctx, vm.UUID); err != nil {
			f.log.V(1).Info("rollback: destroy destination VM failed", "vm", vm.UUID, "error", err)
		}
		for _, snap := range vm.Snapshots {
			snapVM, err := f.db.GetVM(ctx, snap)
			if err == nil {
				if destroyErr := f.dst.DestroyVMByUUID(ctx, snapVM.UUID); destroyErr != nil {
					f.log.V(1).Info("rollback: destroy destination snapshot VM failed", "snapshot", snap, "error", destroyErr)
				}
			}
		}
	}

	return classifyRollbackError(state)
}

func (f *Finalizer) shutdownSuspended(ctx context.Context, vm *VM) error {
	return f.db.DestroyVM(ctx, vm.Ref)
}

// classifyRollbackError implements §7's rollback classification:
// mirror_failed wins over the original exception; storage-backend and
// agent-cancellation faults translate to their cluster-visible codes.
func classifyRollbackError(state RollbackState) error {
	if vdiUUID, ok := state.TaskOtherConfig["mirror_failed"]; ok {
		if ref, found := state.VDIByUUID[vdiUUID]; found {
			return migrateerr.New(migrateerr.MirrorFailed, string(ref))
		}
		return migrateerr.New(migrateerr.MirrorFailed, vdiUUID)
	}

	if migErr, ok := migrateerr.As(state.OriginalErr); ok {
		return migErr
	}

	if fault, ok := state.OriginalErr.(*AgentFault); ok {
		if fault.Kind == FaultCancelled {
			return migrateerr.New(migrateerr.TaskCancelled)
		}
		return migrateerr.Wrap(migrateerr.ServerError, fault)
	}

	return migrateerr.Wrap(migrateerr.ServerError, state.OriginalErr)
}
