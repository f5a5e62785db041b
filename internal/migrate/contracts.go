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

// AgentFaultKind classifies the transient faults the Memory Migration
// Driver (§4.G) is allowed to retry on, as opposed to a hard abort.
type AgentFaultKind string

const (
	// FaultCancelled mirrors the agent's Cancelled exception.
	FaultCancelled AgentFaultKind = "Cancelled"
	// FaultInternalEOF mirrors Internal_error("End_of_file").
	FaultInternalEOF AgentFaultKind = "Internal_error:End_of_file"
	// FaultOther is any other agent-side failure; never retried.
	FaultOther AgentFaultKind = "Other"
)

// AgentFault is the error shape returned by the HypervisorAgent when a
// call fails. UserCancelled distinguishes a user-initiated cancel (never
// retried, always propagated) from a guest-reboot-induced Cancelled
// (retried per §4.G).
type AgentFault struct {
	Kind          AgentFaultKind
	UserCancelled bool
	Message       string
}

func (f *AgentFault) Error() string {
	return string(f.Kind) + ": " + f.Message
}

// StorageAgent is the contract for the storage-plane API (SMAPI, §6).
// Deployments wire a concrete HTTP/RPC transport implementation; the
// orchestrator only depends on this interface (§9 "dynamic dispatch ->
// interface capability set").
type StorageAgent interface {
	// VDIAttach3 attaches a VDI for datapath dp, always with
	// read_write=true per §4.E.4 (avoids deadlock on mid-migration
	// VM start/stop regardless of the VBD's own mode).
	VDIAttach3(ctx context.Context, dbg string, dp string, sr, vdi Ref) error
	// VDIActivate3 activates an attached VDI.
	VDIActivate3(ctx context.Context, dbg string, dp string, sr, vdi Ref) error
	// DPDestroy tears down a datapath. allowLeak=false per §4.E scoped cleanup.
	DPDestroy(ctx context.Context, dbg string, dp string, allowLeak bool) error

	// DataCopy performs a one-shot copy (§4.E.5) and returns a task handle.
	DataCopy(ctx context.Context, dbg string, srcSR, srcVDI Ref, copyVM string, smURL string, destSR Ref, intraPool bool) (TaskHandle, error)

	// DataMirrorStart begins a live mirror (§4.E.4) and returns a task handle.
	DataMirrorStart(ctx context.Context, dbg string, srcSR, srcVDI Ref, dp string, mirrorVM, copyVM string, smURL string, destSR Ref, intraPool bool) (TaskHandle, error)
	// DataMirrorStop cancels an in-progress mirror.
	DataMirrorStop(ctx context.Context, dbg string, mirrorID string) error
	// DataMirrorStat returns the current state of a registered mirror,
	// including the resulting remote VDI once complete.
	DataMirrorStat(ctx context.Context, dbg string, mirrorID string) (MirrorStat, error)

	// SRUpdateSnapshotInfoSrc replicates a leaf VDI's snapshot chain
	// metadata to the destination (§4.E "Snapshot-chain replication").
	// An Unknown_error response (remote doesn't support the op) must be
	// tolerated by the caller, not treated as fatal.
	SRUpdateSnapshotInfoSrc(ctx context.Context, dbg string, srcSR Ref, srcLeafVDI Ref, smURL string, dstSR string, dstLeafVDI string, pairs []SnapshotPair, verifyDest bool) error

	// WaitForTask blocks until the task handle completes, returning its
	// terminal status. This is one of the "suspension points" in §5.
	WaitForTask(ctx context.Context, dbg string, handle TaskHandle) (TaskStatus, error)
}

// SnapshotPair is one (source snapshot, destination snapshot VDI) entry
// in the snapshot-chain replication call.
type SnapshotPair struct {
	SrcSnapshot    Ref
	DstSnapshotVDI string
}

// TaskHandle identifies an in-flight SMAPI task.
type TaskHandle string

// TaskStatus is the terminal result of an SMAPI task.
type TaskStatus struct {
	Success     bool
	ErrorInfo   []string // (code, params...) on failure, mirroring Storage_error(Backend_error(...))
	OtherConfig map[string]string // may carry "mirror_failed" => vdi uuid, per §4.H rollback
	ResultVDI   string            // for DataCopy: the resulting remote VDI's opaque location
}

// MirrorStat is the result of polling a registered mirror.
type MirrorStat struct {
	Complete bool
	DestVDI  string // opaque remote VDI location once complete
	Failed   bool
}

// HypervisorAgent is the contract for the hypervisor-control agent
// (XenopsAPI, §6).
type HypervisorAgent interface {
	// Migrate invokes memory migration. See §4.G for the retry policy
	// that wraps this call.
	Migrate(ctx context.Context, dbg string, vmUUID string, vdiLocatorMap map[string]string, vifBridgeMap map[string]string, vgpuPCIMap map[string]string, xenopsURL string, compress bool, verifyDest bool) (TaskHandle, *AgentFault)
	// Stat returns the agent's view of a VM's state.
	Stat(ctx context.Context, dbg string, vmUUID string) (PowerState, error)
	// SyncWithTask blocks until the agent task completes (suspension point, §5).
	SyncWithTask(ctx context.Context, dbg string, handle TaskHandle) error
	// SuppressEvents suppresses state-change notifications for vmUUID on
	// the source queue for the duration the returned func is held; the
	// caller must call the returned func to resume events. Implements
	// the "scoped acquisition with guaranteed release" idiom from §9.
	SuppressEvents(ctx context.Context, vmUUID string) (resume func(), err error)
	// DeleteCachedMetadata drops the source-side metadata cache entry for
	// vmUUID after a successful migrate call (§4.G).
	DeleteCachedMetadata(ctx context.Context, vmUUID string) error
}

// Database is the cluster database contract (§1: out of scope, only its
// read/write surface matters here). All entities are resolved by opaque
// Ref through this interface; the orchestrator never holds owning
// pointers between VM/VBD/VDI/SR (§9).
type Database interface {
	GetVM(ctx context.Context, ref Ref) (*VM, error)
	GetVDI(ctx context.Context, ref Ref) (*VDI, error)
	GetSR(ctx context.Context, ref Ref) (*SR, error)
	GetVBD(ctx context.Context, ref Ref) (*VBD, error)
	GetVIF(ctx context.Context, ref Ref) (*VIF, error)
	GetVGPU(ctx context.Context, ref Ref) (*VGPU, error)
	GetHost(ctx context.Context, ref Ref) (*Host, error)

	// ResolveHostByUUID returns Ref("") and false if the host UUID is not
	// known locally -- used by the Destination Descriptor Resolver to
	// classify intra- vs cross-cluster (§4.A).
	ResolveHostByUUID(ctx context.Context, uuid string) (Ref, bool)

	// GetPBDsForSR lists the physical block devices attaching sr to any
	// host, used by the Disk Mirror Planner & Runner to plug the
	// destination SR before transfer begins (§4.E.2).
	GetPBDsForSR(ctx context.Context, sr Ref) ([]*PBD, error)
	// PlugPBD plugs a currently-detached PBD.
	PlugPBD(ctx context.Context, pbd Ref) error
	// PoolCoordinatorHost returns the destination cluster's coordinator
	// host, which also needs the destination SR's PBD plugged (§4.E.2).
	PoolCoordinatorHost(ctx context.Context) (Ref, bool)

	// PoolSuspendImageSR / HostSuspendImageSR / PoolDefaultSR / feed
	// component C's suspend-VDI fallback chain (§4.C.2).
	PoolSuspendImageSR(ctx context.Context) (Ref, bool)
	HostSuspendImageSR(ctx context.Context, host Ref) (Ref, bool)
	PoolDefaultSR(ctx context.Context) (Ref, bool)

	SetVBDVDI(ctx context.Context, vbd Ref, vdi Ref) error
	SetSuspendVDI(ctx context.Context, vm Ref, vdi Ref) error
	ClearSuspendSR(ctx context.Context, vm Ref) error
	SetHAAlwaysRun(ctx context.Context, vm Ref, value bool) error

	DestroyVBD(ctx context.Context, ref Ref) error
	DestroyVM(ctx context.Context, ref Ref) error
	DestroyVTPMsOf(ctx context.Context, vm Ref) error

	EjectCD(ctx context.Context, vbd Ref) error

	StampVDIAuxKey(ctx context.Context, vdi Ref, key, value string) error
	RemoveVDIAuxKey(ctx context.Context, vdi Ref, key string) error
	StampVIFAuxKey(ctx context.Context, vif Ref, key, value string) error
	RemoveVIFAuxKey(ctx context.Context, vif Ref, key string) error
	StampVGPUAuxKey(ctx context.Context, vgpu Ref, key, value string) error
	RemoveVGPUAuxKey(ctx context.Context, vgpu Ref, key string) error
}

// DestinationClient is the contract for the destination cluster's
// management plane, used for cross-cluster metadata transfer (component
// F) and finalize notification (component H).
type DestinationClient interface {
	// MetadataExportImport performs the export/import handshake. DryRun
	// must return an empty conflict list for feasibility to pass (§4.F).
	MetadataExportImport(ctx context.Context, req MetadataTransferRequest) (conflicts []string, err error)

	// PoolMigrateComplete notifies the destination after a successful
	// memory migration (§4.H.4).
	PoolMigrateComplete(ctx context.Context, vmUUID string, destHost Ref) error

	// DestroyVMByUUID is used during cross-cluster rollback (§4.H) to
	// remove a partially-created VM object on the destination.
	DestroyVMByUUID(ctx context.Context, uuid string) error

	// SendPoolMessages / PushBlobs / RestoreHAAlwaysRun implement the
	// cross-cluster success-path steps in §4.H.3.
	SendPoolMessages(ctx context.Context, vm Ref) error
	PushBlobs(ctx context.Context, vm Ref) error
	RestoreHAAlwaysRun(ctx context.Context, vmUUID string) error

	// TransferRRD ships the RRD metric store to the destination (§4.H.1).
	TransferRRD(ctx context.Context, vmUUID string) error
}

// MetadataTransferRequest is the payload for a metadata export/import
// call (§4.F).
type MetadataTransferRequest struct {
	VM            Ref
	DryRun        bool
	Live          bool
	SendSnapshots bool // !copy
	CheckCPU      bool // !force && power_state != Halted
}
