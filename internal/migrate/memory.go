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

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/xcpmigrate/orchestrator/internal/migrateerr"
	"github.com/xcpmigrate/orchestrator/internal/obs/metrics"
)

// MemoryMigrateMaxAttempts is the default attempt cap from §4.G / §7 tier 2,
// used when NewMemoryMigrationDriver is given no positive maxAttempts.
const MemoryMigrateMaxAttempts = 3

// MemoryMigrationDriver is component G: the VM.migrate call, wrapped in
// source-side event suppression and a narrow retry policy.
type MemoryMigrationDriver struct {
	agent       HypervisorAgent
	log         logr.Logger
	maxAttempts int
}

func NewMemoryMigrationDriver(agent HypervisorAgent, log logr.Logger, maxAttempts int) *MemoryMigrationDriver {
	if maxAttempts <= 0 {
		maxAttempts = MemoryMigrateMaxAttempts
	}
	return &MemoryMigrationDriver{agent: agent, log: log, maxAttempts: maxAttempts}
}

// Migrate performs the memory migration call. Retry fires only for a
// non-user-cancelled Cancelled fault or Internal_error(End_of_file),
// both signs the guest rebooted mid-migration; any other fault aborts
// immediately, and a user-initiated cancel always propagates without
// retry (§4.G).
func (d *MemoryMigrationDriver) Migrate(ctx context.Context, dbg, vmUUID string, vdiLocatorMap, vifBridgeMap, vgpuPCIMap map[string]string, xenopsURL string, compress, verifyDest bool) error {
	resume, err := d.agent.SuppressEvents(ctx, vmUUID)
	if err != nil {
		return migrateerr.Wrap(migrateerr.CannotContactHost, err)
	}
	defer resume()

	attempts := 0
	operation := func() (TaskHandle, error) {
		attempts++
		handle, fault := d.agent.Migrate(ctx, dbg, vmUUID, vdiLocatorMap, vifBridgeMap, vgpuPCIMap, xenopsURL, compress, verifyDest)
		if fault == nil {
			return handle, nil
		}
		if fault.UserCancelled {
			return "", backoff.Permanent(migrateerr.New(migrateerr.TaskCancelled, vmUUID))
		}
		if fault.Kind == FaultCancelled || fault.Kind == FaultInternalEOF {
			d.log.V(1).Info("memory migration transient fault, retrying", "vm", vmUUID, "attempt", attempts, "kind", fault.Kind)
			return "", fault
		}
		return "", backoff.Permanent(migrateerr.Newf(migrateerr.VMMigrateFailed, "%s", fault.Message))
	}

	handle, boErr := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(0)),
		backoff.WithMaxTries(uint(d.maxAttempts)),
	)
	metrics.RecordMemoryMigrateAttempts(attempts)
	if boErr != nil {
		return translateMemoryMigrateError(boErr)
	}

	if syncErr := d.agent.SyncWithTask(ctx, dbg, handle); syncErr != nil {
		return migrateerr.Wrap(migrateerr.VMMigrateFailed, syncErr)
	}

	if delErr := d.agent.DeleteCachedMetadata(ctx, vmUUID); delErr != nil {
		d.log.V(1).Info("failed to delete cached source metadata after migrate", "vm", vmUUID, "error", delErr)
	}
	return nil
}

func translateMemoryMigrateError(err error) error {
	if migErr, ok := migrateerr.As(err); ok {
		return migErr
	}
	if fault, ok := err.(*AgentFault); ok {
		return migrateerr.Newf(migrateerr.VMMigrateFailed, "%s", fault.Message)
	}
	return migrateerr.Wrap(migrateerr.VMMigrateFailed, err)
}
