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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/xcpmigrate/orchestrator/internal/migrateerr"
)

func newIntraClusterOrchestratorFixture() (*Orchestrator, *fakeDatabase, *fakeHypervisorAgent) {
	db := newFakeDatabase()
	db.hostsByUUID["dest-host-uuid"] = "host-ref-1"
	db.hosts["host-ref-1"] = &Host{
		Ref:                     "host-ref-1",
		Enabled:                 true,
		PlatformVersion:         "2.17.0",
		PhysicalCPUs:            8,
		HardwarePlatformVersion: 2,
	}

	srcSR := mirrorCapableSR("sr-src")
	dstSR := mirrorCapableSR("sr-dst")
	db.srs[srcSR.Ref] = srcSR
	db.srs[dstSR.Ref] = dstSR

	vdi := &VDI{Ref: "vdi-1", SR: srcSR.Ref, OnBoot: OnBootPersist, VirtualSize: 1024}
	db.vdis[vdi.Ref] = vdi

	vbd := &VBD{Ref: "vbd-1", VDI: vdi.Ref, Type: VBDTypeDisk, Mode: VBDModeRW}
	db.vbds[vbd.Ref] = vbd

	vm := &VM{Ref: "vm-1", UUID: "vm-uuid-1", PowerState: PowerRunning, VBDs: []Ref{vbd.Ref}}
	db.vms[vm.Ref] = vm

	sa := &fakeStorageAgent{
		waitStatus: TaskStatus{Success: true},
		mirrorStat: MirrorStat{Complete: true, DestVDI: "remote-vdi-loc"},
	}
	agent := &fakeHypervisorAgent{}
	dst := &fakeDestinationClient{}

	orch := NewOrchestrator(OrchestratorConfig{
		DB:                      db,
		Destination:             dst,
		StorageAgent:            sa,
		HypervisorAgent:         agent,
		PGPUs:                   &fakePGPULookup{},
		MaxConcurrentMigrations: 3,
		MemoryMigrateMaxAttempts: 3,
		StorageMotionLicensed:   true,
		Log:                     logr.Discard(),
	})
	return orch, db, agent
}

func intraClusterDestHandshake() map[string]string {
	return map[string]string{
		"master":     "https://local-pool-master",
		"xenops":     "ws://local-pool-master/xenops",
		"SM":         "https://local-pool-master/sm",
		"host":       "dest-host-uuid",
		"session_id": "OpaqueRef:session-1",
	}
}

var _ = Describe("Orchestrator.MigrateSend", func() {
	var (
		orch  *Orchestrator
		db    *fakeDatabase
		agent *fakeHypervisorAgent
		ctx   context.Context
	)

	BeforeEach(func() {
		orch, db, agent = newIntraClusterOrchestratorFixture()
		ctx = context.Background()
	})

	It("runs the full intra-cluster pipeline end to end", func() {
		req := MigrateSendRequest{
			VM:     "vm-1",
			Dest:   intraClusterDestHandshake(),
			VDIMap: map[Ref]Ref{"vdi-1": "sr-dst"},
		}

		destRef, err := orch.MigrateSend(ctx, req)

		Expect(err).NotTo(HaveOccurred())
		Expect(destRef).To(Equal(Ref("host-ref-1")))
		Expect(agent.migrateCalls).To(Equal(1))
		Expect(db.vbds["vbd-1"].VDI).To(Equal(Ref("remote-vdi-loc")))
	})

	It("fails fast once the concurrency gate is exhausted", func() {
		var tickets []*Ticket
		for i := 0; i < 3; i++ {
			ticket, err := orch.gate.Enter(ctx)
			Expect(err).NotTo(HaveOccurred())
			tickets = append(tickets, ticket)
		}
		defer func() {
			for _, ticket := range tickets {
				ticket.Release()
			}
		}()

		req := MigrateSendRequest{VM: "vm-1", Dest: intraClusterDestHandshake(), VDIMap: map[Ref]Ref{"vdi-1": "sr-dst"}}
		_, err := orch.MigrateSend(ctx, req)

		Expect(err).To(HaveOccurred())
		migErr, ok := migrateerr.As(err)
		Expect(ok).To(BeTrue())
		Expect(migErr.Code).To(Equal(migrateerr.TooManyStorageMigrates))
	})

	It("releases the gate ticket and rolls back when feasibility rejects the plan", func() {
		orch, db, _ = newIntraClusterOrchestratorFixture()
		db.vdis["vdi-1"].CBTEnabled = true // trips feasibility before any mutation

		req := MigrateSendRequest{VM: "vm-1", Dest: intraClusterDestHandshake(), VDIMap: map[Ref]Ref{"vdi-1": "sr-dst"}}
		_, err := orch.MigrateSend(ctx, req)

		Expect(err).To(HaveOccurred())
		migErr, ok := migrateerr.As(err)
		Expect(ok).To(BeTrue())
		Expect(migErr.Code).To(Equal(migrateerr.VDICBTEnabled))
		Expect(orch.gate.Active()).To(Equal(int64(0)))
	})

	It("rejects assert_can_migrate the same way on repeated calls", func() {
		req := MigrateSendRequest{VM: "vm-1", Dest: intraClusterDestHandshake(), VDIMap: map[Ref]Ref{}}

		err1 := orch.AssertCanMigrate(ctx, req)
		err2 := orch.AssertCanMigrate(ctx, req)

		Expect(err1).To(HaveOccurred())
		Expect(err2).To(HaveOccurred())
		Expect(migrateerr.CodeOf(err1)).To(Equal(migrateerr.CodeOf(err2)))
	})
})

var _ = Describe("Orchestrator.VDIPoolMigrate", func() {
	It("requires __internal__vm in the options bag", func() {
		orch, _, _ := newIntraClusterOrchestratorFixture()

		_, err := orch.VDIPoolMigrate(context.Background(), "vdi-1", "sr-dst", map[string]string{})

		Expect(err).To(HaveOccurred())
		migErr, ok := migrateerr.As(err)
		Expect(ok).To(BeTrue())
		Expect(migErr.Code).To(Equal(migrateerr.OperationNotAllowed))
	})
})
