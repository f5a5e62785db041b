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

// Package fistpoint implements named test-injection delay gates, used to
// deterministically exercise the suspension points listed in §5 without
// the production path paying any cost when no gate is set.
package fistpoint

import (
	"context"
	"sync"
	"time"
)

// Delay is how long an active gate sleeps, mirroring the source's fixed
// 5-second fist-point wait loop.
const Delay = 5 * time.Second

var (
	mu    sync.RWMutex
	gates = map[string]bool{}
)

// Set activates a named gate. Intended for tests only.
func Set(name string) {
	mu.Lock()
	defer mu.Unlock()
	gates[name] = true
}

// Clear deactivates a named gate.
func Clear(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(gates, name)
}

// ClearAll deactivates every gate, for test teardown.
func ClearAll() {
	mu.Lock()
	defer mu.Unlock()
	gates = map[string]bool{}
}

func isSet(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	return gates[name]
}

// Wait blocks for Delay if the named gate is active, honoring context
// cancellation. It is a no-op when the gate is unset, so production
// call sites never pay any cost.
func Wait(ctx context.Context, name string) {
	if !isSet(name) {
		return
	}
	select {
	case <-time.After(Delay):
	case <-ctx.Done():
	}
}

// Named suspension points from §5, used as the name argument to Wait.
const (
	BeforeMirrorStart     = "before_mirror_start"
	BeforeMetadataImport  = "before_metadata_import"
	BeforeMemoryMigrate   = "before_memory_migrate"
	BeforeFinalizeCommit  = "before_finalize_commit"
)
