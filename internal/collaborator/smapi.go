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

// SMAPIClient implements migrate.StorageAgent over the storage agent's
// HTTP+JSON RPC surface.
type SMAPIClient struct {
	http *httpClient
}

func NewSMAPIClient(baseURL, bearer string, insecureSkipVerify bool) (*SMAPIClient, error) {
	c, err := newHTTPClient(baseURL, bearer, insecureSkipVerify)
	if err != nil {
		return nil, err
	}
	return &SMAPIClient{http: c}, nil
}

type vdiAttachParams struct {
	Dbg string      `json:"dbg"`
	DP  string      `json:"dp"`
	SR  migrate.Ref `json:"sr"`
	VDI migrate.Ref `json:"vdi"`
	RW  bool        `json:"read_write"`
}

func (s *SMAPIClient) VDIAttach3(ctx context.Context, dbg, dp string, sr, vdi migrate.Ref) error {
	return s.http.call(ctx, "VDI.attach3", vdiAttachParams{Dbg: dbg, DP: dp, SR: sr, VDI: vdi, RW: true}, nil)
}

func (s *SMAPIClient) VDIActivate3(ctx context.Context, dbg, dp string, sr, vdi migrate.Ref) error {
	return s.http.call(ctx, "VDI.activate3", vdiAttachParams{Dbg: dbg, DP: dp, SR: sr, VDI: vdi, RW: true}, nil)
}

type dpDestroyParams struct {
	Dbg      string `json:"dbg"`
	DP       string `json:"dp"`
	AllowLeak bool   `json:"allow_leak"`
}

func (s *SMAPIClient) DPDestroy(ctx context.Context, dbg, dp string, allowLeak bool) error {
	return s.http.call(ctx, "DP.destroy", dpDestroyParams{Dbg: dbg, DP: dp, AllowLeak: allowLeak}, nil)
}

type dataCopyParams struct {
	Dbg       string      `json:"dbg"`
	SR        migrate.Ref `json:"sr"`
	VDI       migrate.Ref `json:"vdi"`
	CopyVM    string      `json:"vm"`
	URL       string      `json:"url"`
	DestSR    migrate.Ref `json:"dest"`
	IntraPool bool        `json:"verify_dest"`
}

type taskResponse struct {
	Task string `json:"task"`
}

func (s *SMAPIClient) DataCopy(ctx context.Context, dbg string, srcSR, srcVDI migrate.Ref, copyVM, smURL string, destSR migrate.Ref, intraPool bool) (migrate.TaskHandle, error) {
	var resp taskResponse
	params := dataCopyParams{Dbg: dbg, SR: srcSR, VDI: srcVDI, CopyVM: copyVM, URL: smURL, DestSR: destSR, IntraPool: intraPool}
	if err := s.http.call(ctx, "DATA.copy", params, &resp); err != nil {
		return "", fmt.Errorf("DATA.copy: %w", err)
	}
	return migrate.TaskHandle(resp.Task), nil
}

type mirrorStartParams struct {
	Dbg       string      `json:"dbg"`
	SR        migrate.Ref `json:"sr"`
	VDI       migrate.Ref `json:"vdi"`
	DP        string      `json:"dp"`
	MirrorVM  string      `json:"mirror_vm"`
	CopyVM    string      `json:"copy_vm"`
	URL       string      `json:"url"`
	DestSR    migrate.Ref `json:"dest"`
	IntraPool bool        `json:"verify_dest"`
}

func (s *SMAPIClient) DataMirrorStart(ctx context.Context, dbg string, srcSR, srcVDI migrate.Ref, dp, mirrorVM, copyVM, smURL string, destSR migrate.Ref, intraPool bool) (migrate.TaskHandle, error) {
	var resp taskResponse
	params := mirrorStartParams{Dbg: dbg, SR: srcSR, VDI: srcVDI, DP: dp, MirrorVM: mirrorVM, CopyVM: copyVM, URL: smURL, DestSR: destSR, IntraPool: intraPool}
	if err := s.http.call(ctx, "DATA.MIRROR.start", params, &resp); err != nil {
		return "", fmt.Errorf("DATA.MIRROR.start: %w", err)
	}
	return migrate.TaskHandle(resp.Task), nil
}

func (s *SMAPIClient) DataMirrorStop(ctx context.Context, dbg, mirrorID string) error {
	return s.http.call(ctx, "DATA.MIRROR.stop", map[string]string{"dbg": dbg, "id": mirrorID}, nil)
}

type mirrorStatResponse struct {
	Complete bool   `json:"complete"`
	DestVDI  string `json:"dest_vdi"`
	Failed   bool   `json:"failed"`
}

func (s *SMAPIClient) DataMirrorStat(ctx context.Context, dbg, mirrorID string) (migrate.MirrorStat, error) {
	var resp mirrorStatResponse
	if err := s.http.call(ctx, "DATA.MIRROR.stat", map[string]string{"dbg": dbg, "id": mirrorID}, &resp); err != nil {
		return migrate.MirrorStat{}, fmt.Errorf("DATA.MIRROR.stat: %w", err)
	}
	return migrate.MirrorStat{Complete: resp.Complete, DestVDI: resp.DestVDI, Failed: resp.Failed}, nil
}

type snapInfoSrcParams struct {
	Dbg           string                  `json:"dbg"`
	SR            migrate.Ref             `json:"sr"`
	LeafVDI       migrate.Ref             `json:"vdi"`
	URL           string                  `json:"url"`
	DstSR         string                  `json:"dest"`
	DstLeafVDI    string                  `json:"dest_vdi"`
	Pairs         []migrate.SnapshotPair  `json:"snapshot_pairs"`
	VerifyDest    bool                    `json:"verify_dest"`
}

func (s *SMAPIClient) SRUpdateSnapshotInfoSrc(ctx context.Context, dbg string, srcSR migrate.Ref, srcLeafVDI migrate.Ref, smURL, dstSR, dstLeafVDI string, pairs []migrate.SnapshotPair, verifyDest bool) error {
	params := snapInfoSrcParams{Dbg: dbg, SR: srcSR, LeafVDI: srcLeafVDI, URL: smURL, DstSR: dstSR, DstLeafVDI: dstLeafVDI, Pairs: pairs, VerifyDest: verifyDest}
	return s.http.call(ctx, "SR.update_snapshot_info_src", params, nil)
}

type taskStatusResponse struct {
	Success     bool              `json:"success"`
	ErrorInfo   []string          `json:"error_info"`
	OtherConfig map[string]string `json:"other_config"`
	ResultVDI   string            `json:"result_vdi"`
	Pending     bool              `json:"pending"`
}

// WaitForTask polls the task status endpoint until the task leaves the
// pending state, implementing the suspension point from §5.
func (s *SMAPIClient) WaitForTask(ctx context.Context, dbg string, handle migrate.TaskHandle) (migrate.TaskStatus, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		var resp taskStatusResponse
		if err := s.http.call(ctx, "task.stat", map[string]string{"dbg": dbg, "task": string(handle)}, &resp); err != nil {
			return migrate.TaskStatus{}, fmt.Errorf("task.stat: %w", err)
		}
		if !resp.Pending {
			return migrate.TaskStatus{Success: resp.Success, ErrorInfo: resp.ErrorInfo, OtherConfig: resp.OtherConfig, ResultVDI: resp.ResultVDI}, nil
		}
		select {
		case <-ctx.Done():
			return migrate.TaskStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
