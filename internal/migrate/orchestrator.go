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
	"errors"

	"github.com/go-logr/logr"

	"github.com/xcpmigrate/orchestrator/internal/migrate/fistpoint"
	"github.com/xcpmigrate/orchestrator/internal/migrateerr"
	"github.com/xcpmigrate/orchestrator/internal/obs/logging"
	"github.com/xcpmigrate/orchestrator/internal/obs/metrics"
	"github.com/xcpmigrate/orchestrator/internal/obs/tracing"
	"github.com/xcpmigrate/orchestrator/internal/resilience"
)

// Orchestrator wires components A-I into the five cluster-facing RPCs
// from §6. One worker goroutine handles one call end to end, performing
// blocking remote RPCs, matching §5's "parallel threads... one worker
// thread per migration call" scheduling model.
type Orchestrator struct {
	db       Database
	dst      DestinationClient
	sa       StorageAgent
	agent    HypervisorAgent
	pgpus    PGPULookup

	gate     *Gate
	cbs      *resilience.Registry
	log      logr.Logger

	feasibility *FeasibilityChecker
	resolver    *DestinationResolver
	inferer     *MapInferer
	mirrors     *MirrorPlanner
	metaXfer    *MetadataTransfer
	memDriver   *MemoryMigrationDriver
	finalizer   *Finalizer
	vgpuMapper  *VGPUMapper

	storageMotionLicensed bool
}

// OrchestratorConfig bundles the external collaborators and tunables an
// Orchestrator is constructed from.
type OrchestratorConfig struct {
	DB                    Database
	Destination           DestinationClient
	StorageAgent          StorageAgent
	HypervisorAgent       HypervisorAgent
	PGPUs                 PGPULookup
	MaxConcurrentMigrations int
	MemoryMigrateMaxAttempts int
	StorageMotionLicensed bool
	SharedSRGate          bool
	Log                   logr.Logger
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	cbs := resilience.NewRegistry(resilience.DefaultConfig())
	metaXfer := NewMetadataTransfer(cfg.DB, cfg.Destination, cfg.Log)
	return &Orchestrator{
		db:          cfg.DB,
		dst:         cfg.Destination,
		sa:          cfg.StorageAgent,
		agent:       cfg.HypervisorAgent,
		pgpus:       cfg.PGPUs,
		gate:        NewGate(cfg.MaxConcurrentMigrations),
		cbs:         cbs,
		log:         cfg.Log,
		feasibility: NewFeasibilityChecker(cfg.DB, metaXfer, cfg.StorageMotionLicensed),
		resolver:    NewDestinationResolver(cfg.DB),
		inferer:     NewMapInferer(cfg.DB),
		mirrors:     NewMirrorPlanner(cfg.DB, cfg.StorageAgent, cbs, cfg.Log, cfg.SharedSRGate),
		metaXfer:    metaXfer,
		memDriver:   NewMemoryMigrationDriver(cfg.HypervisorAgent, cfg.Log, cfg.MemoryMigrateMaxAttempts),
		finalizer:   NewFinalizer(cfg.DB, cfg.Destination, cfg.Log),
		vgpuMapper:  NewVGPUMapper(cfg.DB, cfg.PGPUs),
		storageMotionLicensed: cfg.StorageMotionLicensed,
	}
}

// MigrateSendRequest is the input to VM.migrate_send.
type MigrateSendRequest struct {
	VM      Ref
	Dest    map[string]string
	Live    bool
	VDIMap  map[Ref]Ref
	VIFMap  map[Ref]Ref
	VGPUMap map[Ref]string
	Options map[string]string
}

// MigrateSend implements VM.migrate_send (§6), the primary cross-/intra-
// cluster storage + memory migration entry point.
func (o *Orchestrator) MigrateSend(ctx context.Context, req MigrateSendRequest) (Ref, error) {
	ctx, span := tracing.StartMigrationSpan(ctx, "migrate_send", "", string(req.VM))
	defer span.End()
	ctx = logging.WithVM(ctx, string(req.VM))

	timer := metrics.NewPhaseTimer(metrics.PhaseResolveDestination)
	dest, err := o.resolver.Resolve(ctx, req.Dest)
	finishPhase(timer, err)
	if err != nil {
		return "", err
	}

	vm, err := o.db.GetVM(ctx, req.VM)
	if err != nil {
		return "", migrateerr.Wrap(migrateerr.OperationNotAllowed, err)
	}

	opts := ParseOptions(req.Options, false, "")

	ticket, err := o.gate.Enter(ctx)
	if err != nil {
		return "", err
	}
	defer ticket.Release()

	kind := metrics.KindIntraPool
	if dest.CrossCluster {
		kind = metrics.KindCrossPool
	}
	migrationMetrics := metrics.NewMigrationMetrics(kind)

	result, err := o.runPipeline(ctx, vm, dest, req.VIFMap, req.VDIMap, req.VGPUMap, opts)
	if err != nil {
		migrationMetrics.RecordMigration(metrics.OutcomeError)
		state := RollbackState{OriginalErr: err}
		var mf *MirrorFailure
		if errors.As(err, &mf) {
			state.TaskOtherConfig = mf.OtherConfig
			state.VDIByUUID = mf.VDIByUUID
		}
		rbErr := o.finalizer.Rollback(ctx, vm, dest, state)
		return "", rbErr
	}
	migrationMetrics.RecordMigration(metrics.OutcomeSuccess)
	return result, nil
}

func (o *Orchestrator) runPipeline(ctx context.Context, vm *VM, dest *DestDescriptor, vifMap map[Ref]Ref, vdiMap map[Ref]Ref, vgpuMap map[Ref]string, opts MigrateOptions) (Ref, error) {
	ft := metrics.NewPhaseTimer(metrics.PhaseFeasibilityCheck)
	if err := o.feasibility.AssertCanMigrate(ctx, vm, dest, vdiMap, vifMap, vgpuMap, opts); err != nil {
		finishPhase(ft, err)
		return "", err
	}
	finishPhase(ft, nil)

	mt := metrics.NewPhaseTimer(metrics.PhaseMapInference)
	fullVIFMap, err := o.inferer.InferVIFMap(ctx, vm, vifMap)
	if err != nil {
		finishPhase(mt, err)
		return "", err
	}
	fullVDIMap, err := o.inferer.InferVDIMap(ctx, vm, dest, vdiMap)
	if err != nil {
		finishPhase(mt, err)
		return "", err
	}
	vgpuPCI, err := o.vgpuMapper.Map(ctx, vm.VGPUs)
	if err != nil {
		finishPhase(mt, err)
		return "", err
	}
	finishPhase(mt, nil)

	if err := checkCancelled(ctx); err != nil {
		return "", err
	}

	fistpoint.Wait(ctx, fistpoint.BeforeMirrorStart)

	pt := metrics.NewPhaseTimer(metrics.PhaseMirrorPlan)
	reqs, err := o.mirrors.Classify(ctx, vm, dest, fullVDIMap)
	finishPhase(pt, err)
	if err != nil {
		return "", err
	}

	rt := metrics.NewPhaseTimer(metrics.PhaseMirrorRun)
	records, err := o.mirrors.Run(ctx, vm, dest, reqs)
	finishPhase(rt, err)
	if err != nil {
		return "", err
	}

	if err := checkCancelled(ctx); err != nil {
		return "", err
	}

	fistpoint.Wait(ctx, fistpoint.BeforeMetadataImport)

	xt := metrics.NewPhaseTimer(metrics.PhaseMetadataTransfer)
	conflicts, err := o.metaXfer.Transfer(ctx, vm, dest, records, fullVIFMap, vgpuMap, opts, false)
	finishPhase(xt, err)
	if err != nil {
		return "", err
	}
	if len(conflicts) > 0 {
		return "", migrateerr.New(migrateerr.OperationNotAllowed, conflicts...)
	}

	fistpoint.Wait(ctx, fistpoint.BeforeMemoryMigrate)

	// Last cooperative-cancellation checkpoint (§5): once the
	// memory-migration call below starts, cancellation is disabled until
	// finalize/rollback completes.
	if err := checkCancelled(ctx); err != nil {
		return "", err
	}

	gt := metrics.NewPhaseTimer(metrics.PhaseMemoryMigrate)
	vdiLocatorMap := map[string]string{}
	for local, rec := range recordsByLocal(records) {
		vdiLocatorMap[string(local)] = rec.RemoteVDI
	}
	err = o.memDriver.Migrate(ctx, "migrate_send:"+string(vm.Ref), vm.UUID, vdiLocatorMap, flattenStrMap(fullVIFMap), FlattenForAgent(vgpuPCI), dest.XenopsURL, opts.Compress, true)
	finishPhase(gt, err)
	if err != nil {
		return "", err
	}

	fistpoint.Wait(ctx, fistpoint.BeforeFinalizeCommit)

	ct := metrics.NewPhaseTimer(metrics.PhaseFinalize)
	err = o.finalizer.Commit(ctx, vm, dest, records, opts)
	finishPhase(ct, err)
	if err != nil {
		return "", err
	}

	return dest.DestHostRef, nil
}

// checkCancelled implements one of §5's "exn_if_cancelling" checkpoints:
// a caller-cancelled context raises cooperatively here rather than only
// surfacing incidentally when a downstream RPC call happens to error out.
func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return migrateerr.Wrap(migrateerr.TaskCancelled, err)
	}
	return nil
}

func finishPhase(t *metrics.PhaseTimer, err error) {
	if err != nil {
		t.Finish(metrics.OutcomeError)
		return
	}
	t.Finish(metrics.OutcomeSuccess)
}

func recordsByLocal(records []MirrorRecord) map[Ref]MirrorRecord {
	out := make(map[Ref]MirrorRecord, len(records))
	for _, r := range records {
		out[r.LocalVDI] = r
	}
	return out
}

func flattenStrMap(m map[Ref]Ref) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[string(k)] = string(v)
	}
	return out
}

// AssertCanMigrate implements VM.assert_can_migrate (§6), a dry-run
// validation with no side effects.
func (o *Orchestrator) AssertCanMigrate(ctx context.Context, req MigrateSendRequest) error {
	dest, err := o.resolver.Resolve(ctx, req.Dest)
	if err != nil {
		return err
	}
	vm, err := o.db.GetVM(ctx, req.VM)
	if err != nil {
		return migrateerr.Wrap(migrateerr.OperationNotAllowed, err)
	}
	opts := ParseOptions(req.Options, false, "")
	return o.feasibility.AssertCanMigrate(ctx, vm, dest, req.VDIMap, req.VIFMap, req.VGPUMap, opts)
}

// PoolMigrate implements VM.pool_migrate (§6): intra-cluster live
// memory migration only, no storage movement.
func (o *Orchestrator) PoolMigrate(ctx context.Context, vmRef Ref, destHost Ref, rawOptions map[string]string) error {
	vm, err := o.db.GetVM(ctx, vmRef)
	if err != nil {
		return migrateerr.Wrap(migrateerr.OperationNotAllowed, err)
	}
	opts := ParseOptions(rawOptions, false, "")

	ticket, err := o.gate.Enter(ctx)
	if err != nil {
		return err
	}
	defer ticket.Release()

	return o.memDriver.Migrate(ctx, "pool_migrate:"+string(vmRef), vm.UUID, nil, nil, nil, "", opts.Compress, false)
}

// PoolMigrateComplete serves VM.pool_migrate_complete (§6) by forwarding
// the notification to the configured destination peer through
// DestinationClient.PoolMigrateComplete. It does no resident-on update,
// vGPU cleanup or cache refresh of its own.
func (o *Orchestrator) PoolMigrateComplete(ctx context.Context, vmUUID string, destHost Ref) error {
	return o.dst.PoolMigrateComplete(ctx, vmUUID, destHost)
}

// VDIPoolMigrate implements VDI.pool_migrate (§6): move a single running
// VM's disk, reusing the same gate/mirror machinery as a one-VDI plan.
func (o *Orchestrator) VDIPoolMigrate(ctx context.Context, vdiRef Ref, destSR Ref, rawOptions map[string]string) (Ref, error) {
	vdi, err := o.db.GetVDI(ctx, vdiRef)
	if err != nil {
		return "", migrateerr.Wrap(migrateerr.OperationNotAllowed, err)
	}
	internalVM := Ref(rawOptions["__internal__vm"])
	if internalVM == "" {
		return "", migrateerr.New(migrateerr.OperationNotAllowed, "__internal__vm required for VDI.pool_migrate")
	}
	vm, err := o.db.GetVM(ctx, internalVM)
	if err != nil {
		return "", migrateerr.Wrap(migrateerr.OperationNotAllowed, err)
	}

	ticket, err := o.gate.Enter(ctx)
	if err != nil {
		return "", err
	}
	defer ticket.Release()

	req := VDIMirrorRequest{VDI: vdi, DestSR: destSR, IsLeaf: true, ShouldMirror: true}
	records, err := o.mirrors.Run(ctx, vm, &DestDescriptor{DestHostRef: ""}, []VDIMirrorRequest{req})
	if err != nil {
		return "", err
	}
	return Ref(records[0].RemoteVDI), nil
}
