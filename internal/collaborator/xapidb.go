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

package collaborator

import (
	"context"
	"fmt"
	"time"

	"github.com/xcpmigrate/orchestrator/internal/migrate"
)

// parseXAPITime parses the ISO-8601-ish timestamp format the pool
// database uses for snapshot_time; an empty or unparsable value yields
// the zero time rather than an error, since snapshot_time is absent on
// non-snapshot VDIs.
func parseXAPITime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

// PoolDatabaseClient implements migrate.Database and migrate.PGPULookup
// against the local pool's database, reached the same way as the other
// collaborators (§1 treats the database engine itself as out of scope;
// only its read/write surface is part of this orchestrator's contract).
type PoolDatabaseClient struct {
	http *httpClient
}

func NewPoolDatabaseClient(baseURL, bearer string, insecureSkipVerify bool) (*PoolDatabaseClient, error) {
	c, err := newHTTPClient(baseURL, bearer, insecureSkipVerify)
	if err != nil {
		return nil, err
	}
	return &PoolDatabaseClient{http: c}, nil
}

type vmWire struct {
	Ref                              string            `json:"ref"`
	UUID                             string            `json:"uuid"`
	PowerState                       string            `json:"power_state"`
	IsSnapshot                       bool              `json:"is_a_snapshot"`
	SuspendVDI                       string            `json:"suspend_VDI"`
	HAAlwaysRun                      bool              `json:"ha_always_run"`
	VBDs                             []string          `json:"VBDs"`
	VIFs                             []string          `json:"VIFs"`
	VGPUs                            []string          `json:"VGPUs"`
	Snapshots                        []string          `json:"snapshots"`
	OtherConfig                      map[string]string `json:"other_config"`
	ResidentOn                      string   `json:"resident_on"`
	HasLegacyHardware               bool     `json:"has_legacy_hardware"`
	VCPUsMax                        int      `json:"VCPUs_max"`
	RequiredHardwarePlatformVersion int      `json:"hardware_platform_version"`
	LastBootCPUFlagsFeatureset      []string `json:"last_boot_CPU_flags_featureset"`
}

func refSlice(ss []string) []migrate.Ref {
	out := make([]migrate.Ref, len(ss))
	for i, s := range ss {
		out[i] = migrate.Ref(s)
	}
	return out
}

func (w vmWire) toVM() *migrate.VM {
	return &migrate.VM{
		Ref:                              migrate.Ref(w.Ref),
		UUID:                             w.UUID,
		PowerState:                       migrate.PowerState(w.PowerState),
		IsSnapshot:                       w.IsSnapshot,
		SuspendVDI:                       migrate.Ref(w.SuspendVDI),
		HAAlwaysRun:                      w.HAAlwaysRun,
		VBDs:                             refSlice(w.VBDs),
		VIFs:                             refSlice(w.VIFs),
		VGPUs:                            refSlice(w.VGPUs),
		Snapshots:                        refSlice(w.Snapshots),
		OtherConfig:                      w.OtherConfig,
		ResidentOn:                       migrate.Ref(w.ResidentOn),
		HasLegacyHardware:                w.HasLegacyHardware,
		VCPUsMax:                         w.VCPUsMax,
		RequiredHardwarePlatformVersion:  w.RequiredHardwarePlatformVersion,
		CPUFeatureset:                    w.LastBootCPUFlagsFeatureset,
	}
}

func (d *PoolDatabaseClient) GetVM(ctx context.Context, ref migrate.Ref) (*migrate.VM, error) {
	var w vmWire
	if err := d.http.call(ctx, "VM.get_record", map[string]string{"ref": string(ref)}, &w); err != nil {
		return nil, fmt.Errorf("VM.get_record: %w", err)
	}
	return w.toVM(), nil
}

type vdiWire struct {
	Ref          string            `json:"ref"`
	UUID         string            `json:"uuid"`
	SR           string            `json:"SR"`
	VirtualSize  int64             `json:"virtual_size"`
	OnBoot       string            `json:"on_boot"`
	CBTEnabled   bool              `json:"cbt_enabled"`
	SMConfig     map[string]string `json:"sm_config"`
	SnapshotOf   string            `json:"snapshot_of"`
	SnapshotTime string            `json:"snapshot_time"`
	Location     string            `json:"location"`
	OtherConfig  map[string]string `json:"other_config"`
}

func (d *PoolDatabaseClient) GetVDI(ctx context.Context, ref migrate.Ref) (*migrate.VDI, error) {
	var w vdiWire
	if err := d.http.call(ctx, "VDI.get_record", map[string]string{"ref": string(ref)}, &w); err != nil {
		return nil, fmt.Errorf("VDI.get_record: %w", err)
	}
	snapTime, _ := parseXAPITime(w.SnapshotTime)
	return &migrate.VDI{
		Ref:          migrate.Ref(w.Ref),
		UUID:         w.UUID,
		SR:           migrate.Ref(w.SR),
		VirtualSize:  w.VirtualSize,
		OnBoot:       migrate.OnBootMode(w.OnBoot),
		CBTEnabled:   w.CBTEnabled,
		SMConfig:     w.SMConfig,
		SnapshotOf:   migrate.Ref(w.SnapshotOf),
		SnapshotTime: snapTime,
		Location:     w.Location,
		OtherConfig:  w.OtherConfig,
	}, nil
}

type srWire struct {
	Ref          string          `json:"ref"`
	UUID         string          `json:"uuid"`
	Type         string          `json:"type"`
	Capabilities map[string]bool `json:"capabilities"`
}

func (d *PoolDatabaseClient) GetSR(ctx context.Context, ref migrate.Ref) (*migrate.SR, error) {
	var w srWire
	if err := d.http.call(ctx, "SR.get_record", map[string]string{"ref": string(ref)}, &w); err != nil {
		return nil, fmt.Errorf("SR.get_record: %w", err)
	}
	caps := make(map[migrate.SRCapability]bool, len(w.Capabilities))
	for k, v := range w.Capabilities {
		caps[migrate.SRCapability(k)] = v
	}
	return &migrate.SR{Ref: migrate.Ref(w.Ref), UUID: w.UUID, Type: w.Type, Capabilities: caps}, nil
}

type vbdWire struct {
	Ref   string `json:"ref"`
	VM    string `json:"VM"`
	VDI   string `json:"VDI"`
	Mode  string `json:"mode"`
	Type  string `json:"type"`
	Empty bool   `json:"empty"`
}

func (d *PoolDatabaseClient) GetVBD(ctx context.Context, ref migrate.Ref) (*migrate.VBD, error) {
	var w vbdWire
	if err := d.http.call(ctx, "VBD.get_record", map[string]string{"ref": string(ref)}, &w); err != nil {
		return nil, fmt.Errorf("VBD.get_record: %w", err)
	}
	return &migrate.VBD{
		Ref:   migrate.Ref(w.Ref),
		VM:    migrate.Ref(w.VM),
		VDI:   migrate.Ref(w.VDI),
		Mode:  migrate.VBDMode(w.Mode),
		Type:  migrate.VBDType(w.Type),
		Empty: w.Empty,
	}, nil
}

type vifWire struct {
	Ref     string `json:"ref"`
	VM      string `json:"VM"`
	Network string `json:"network"`
	MAC     string `json:"MAC"`
}

func (d *PoolDatabaseClient) GetVIF(ctx context.Context, ref migrate.Ref) (*migrate.VIF, error) {
	var w vifWire
	if err := d.http.call(ctx, "VIF.get_record", map[string]string{"ref": string(ref)}, &w); err != nil {
		return nil, fmt.Errorf("VIF.get_record: %w", err)
	}
	return &migrate.VIF{Ref: migrate.Ref(w.Ref), VM: migrate.Ref(w.VM), Network: migrate.Ref(w.Network), MAC: w.MAC}, nil
}

type vgpuWire struct {
	Ref                     string `json:"ref"`
	VM                      string `json:"VM"`
	GPUGroup                string `json:"GPU_group"`
	ScheduledToBeResidentOn string `json:"scheduled_to_be_resident_on"`
	DeviceLabel             string `json:"device_label"`
}

func (d *PoolDatabaseClient) GetVGPU(ctx context.Context, ref migrate.Ref) (*migrate.VGPU, error) {
	var w vgpuWire
	if err := d.http.call(ctx, "VGPU.get_record", map[string]string{"ref": string(ref)}, &w); err != nil {
		return nil, fmt.Errorf("VGPU.get_record: %w", err)
	}
	return &migrate.VGPU{
		Ref:                     migrate.Ref(w.Ref),
		VM:                      migrate.Ref(w.VM),
		GPUGroup:                migrate.Ref(w.GPUGroup),
		ScheduledToBeResidentOn: migrate.Ref(w.ScheduledToBeResidentOn),
		DeviceLabel:             w.DeviceLabel,
	}, nil
}

type resolveHostResponse struct {
	Ref   string `json:"ref"`
	Found bool   `json:"found"`
}

func (d *PoolDatabaseClient) ResolveHostByUUID(ctx context.Context, uuid string) (migrate.Ref, bool) {
	var resp resolveHostResponse
	if err := d.http.call(ctx, "host.get_by_uuid", map[string]string{"uuid": uuid}, &resp); err != nil {
		return "", false
	}
	return migrate.Ref(resp.Ref), resp.Found
}

type hostWire struct {
	Ref                     string   `json:"ref"`
	UUID                    string   `json:"uuid"`
	Enabled                 bool     `json:"enabled"`
	SoftwareVersion         string   `json:"software_version"`
	CPUInfo                 int      `json:"cpu_count"`
	HardwarePlatformVersion int      `json:"hardware_platform_version"`
	CPUFeatureset           []string `json:"cpu_featureset"`
}

func (d *PoolDatabaseClient) GetHost(ctx context.Context, ref migrate.Ref) (*migrate.Host, error) {
	var w hostWire
	if err := d.http.call(ctx, "host.get_record", map[string]string{"ref": string(ref)}, &w); err != nil {
		return nil, fmt.Errorf("host.get_record: %w", err)
	}
	return &migrate.Host{
		Ref:                     migrate.Ref(w.Ref),
		UUID:                    w.UUID,
		Enabled:                 w.Enabled,
		PlatformVersion:         w.SoftwareVersion,
		PhysicalCPUs:            w.CPUInfo,
		HardwarePlatformVersion: w.HardwarePlatformVersion,
		CPUFeatureset:           w.CPUFeatureset,
	}, nil
}

type pbdWire struct {
	Ref               string `json:"ref"`
	Host              string `json:"host"`
	SR                string `json:"SR"`
	CurrentlyAttached bool   `json:"currently_attached"`
}

func (d *PoolDatabaseClient) GetPBDsForSR(ctx context.Context, sr migrate.Ref) ([]*migrate.PBD, error) {
	var wires []pbdWire
	if err := d.http.call(ctx, "SR.get_PBDs", map[string]string{"sr": string(sr)}, &wires); err != nil {
		return nil, fmt.Errorf("SR.get_PBDs: %w", err)
	}
	out := make([]*migrate.PBD, len(wires))
	for i, w := range wires {
		out[i] = &migrate.PBD{
			Ref:               migrate.Ref(w.Ref),
			Host:              migrate.Ref(w.Host),
			SR:                migrate.Ref(w.SR),
			CurrentlyAttached: w.CurrentlyAttached,
		}
	}
	return out, nil
}

func (d *PoolDatabaseClient) PlugPBD(ctx context.Context, pbd migrate.Ref) error {
	return d.http.call(ctx, "PBD.plug", map[string]string{"ref": string(pbd)}, nil)
}

func (d *PoolDatabaseClient) PoolCoordinatorHost(ctx context.Context) (migrate.Ref, bool) {
	var resp refLookupResponse
	if err := d.http.call(ctx, "pool.get_coordinator", nil, &resp); err != nil {
		return "", false
	}
	return migrate.Ref(resp.Ref), resp.Found
}

type refLookupResponse struct {
	Ref   string `json:"ref"`
	Found bool   `json:"found"`
}

func (d *PoolDatabaseClient) PoolSuspendImageSR(ctx context.Context) (migrate.Ref, bool) {
	var resp refLookupResponse
	if err := d.http.call(ctx, "pool.get_suspend_image_SR", nil, &resp); err != nil {
		return "", false
	}
	return migrate.Ref(resp.Ref), resp.Found
}

func (d *PoolDatabaseClient) HostSuspendImageSR(ctx context.Context, host migrate.Ref) (migrate.Ref, bool) {
	var resp refLookupResponse
	if err := d.http.call(ctx, "host.get_suspend_image_sr", map[string]string{"host": string(host)}, &resp); err != nil {
		return "", false
	}
	return migrate.Ref(resp.Ref), resp.Found
}

func (d *PoolDatabaseClient) PoolDefaultSR(ctx context.Context) (migrate.Ref, bool) {
	var resp refLookupResponse
	if err := d.http.call(ctx, "pool.get_default_SR", nil, &resp); err != nil {
		return "", false
	}
	return migrate.Ref(resp.Ref), resp.Found
}

func (d *PoolDatabaseClient) SetVBDVDI(ctx context.Context, vbd, vdi migrate.Ref) error {
	return d.http.call(ctx, "VBD.set_VDI", map[string]string{"vbd": string(vbd), "vdi": string(vdi)}, nil)
}

func (d *PoolDatabaseClient) SetSuspendVDI(ctx context.Context, vm, vdi migrate.Ref) error {
	return d.http.call(ctx, "VM.set_suspend_VDI", map[string]string{"vm": string(vm), "vdi": string(vdi)}, nil)
}

func (d *PoolDatabaseClient) ClearSuspendSR(ctx context.Context, vm migrate.Ref) error {
	return d.http.call(ctx, "VM.set_suspend_SR", map[string]string{"vm": string(vm), "sr": ""}, nil)
}

func (d *PoolDatabaseClient) SetHAAlwaysRun(ctx context.Context, vm migrate.Ref, value bool) error {
	return d.http.call(ctx, "VM.set_ha_always_run", map[string]interface{}{"vm": string(vm), "value": value}, nil)
}

func (d *PoolDatabaseClient) DestroyVBD(ctx context.Context, ref migrate.Ref) error {
	return d.http.call(ctx, "VBD.destroy", map[string]string{"ref": string(ref)}, nil)
}

func (d *PoolDatabaseClient) DestroyVM(ctx context.Context, ref migrate.Ref) error {
	return d.http.call(ctx, "VM.destroy", map[string]string{"ref": string(ref)}, nil)
}

func (d *PoolDatabaseClient) DestroyVTPMsOf(ctx context.Context, vm migrate.Ref) error {
	return d.http.call(ctx, "VM.destroy_vtpms", map[string]string{"vm": string(vm)}, nil)
}

func (d *PoolDatabaseClient) EjectCD(ctx context.Context, vbd migrate.Ref) error {
	return d.http.call(ctx, "VBD.eject", map[string]string{"vbd": string(vbd)}, nil)
}

func (d *PoolDatabaseClient) StampVDIAuxKey(ctx context.Context, vdi migrate.Ref, key, value string) error {
	return d.http.call(ctx, "VDI.add_to_other_config", map[string]string{"vdi": string(vdi), "key": key, "value": value}, nil)
}

func (d *PoolDatabaseClient) RemoveVDIAuxKey(ctx context.Context, vdi migrate.Ref, key string) error {
	return d.http.call(ctx, "VDI.remove_from_other_config", map[string]string{"vdi": string(vdi), "key": key}, nil)
}

func (d *PoolDatabaseClient) StampVIFAuxKey(ctx context.Context, vif migrate.Ref, key, value string) error {
	return d.http.call(ctx, "VIF.add_to_other_config", map[string]string{"vif": string(vif), "key": key, "value": value}, nil)
}

func (d *PoolDatabaseClient) RemoveVIFAuxKey(ctx context.Context, vif migrate.Ref, key string) error {
	return d.http.call(ctx, "VIF.remove_from_other_config", map[string]string{"vif": string(vif), "key": key}, nil)
}

func (d *PoolDatabaseClient) StampVGPUAuxKey(ctx context.Context, vgpu migrate.Ref, key, value string) error {
	return d.http.call(ctx, "VGPU.add_to_other_config", map[string]string{"vgpu": string(vgpu), "key": key, "value": value}, nil)
}

func (d *PoolDatabaseClient) RemoveVGPUAuxKey(ctx context.Context, vgpu migrate.Ref, key string) error {
	return d.http.call(ctx, "VGPU.remove_from_other_config", map[string]string{"vgpu": string(vgpu), "key": key}, nil)
}

// PCIAddress implements migrate.PGPULookup, resolving a PGPU's physical
// function (and SR-IOV virtual function, if any) PCI address.
func (d *PoolDatabaseClient) PCIAddress(ctx context.Context, pgpu migrate.Ref) (pf string, vf string, hasVF bool, err error) {
	var resp struct {
		PF    string `json:"pci_address"`
		VF    string `json:"virtual_function_pci_address"`
		HasVF bool   `json:"has_virtual_function"`
	}
	if callErr := d.http.call(ctx, "PGPU.get_pci_address", map[string]string{"ref": string(pgpu)}, &resp); callErr != nil {
		return "", "", false, fmt.Errorf("PGPU.get_pci_address: %w", callErr)
	}
	return resp.PF, resp.VF, resp.HasVF, nil
}
