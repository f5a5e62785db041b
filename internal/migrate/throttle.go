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
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/xcpmigrate/orchestrator/internal/migrateerr"
	"github.com/xcpmigrate/orchestrator/internal/obs/metrics"
)

// Gate is the per-process concurrency throttle (component D, §4.D). It
// admits at most maxConcurrent migrations; a call that finds the gate
// full fails immediately with TooManyStorageMigrates rather than
// queuing, per §4.D's "fail fast" requirement.
type Gate struct {
	sem           *semaphore.Weighted
	maxConcurrent int64
	active        int64 // atomic, for the ActiveMigrations gauge
}

// NewGate constructs a Gate admitting at most maxConcurrent concurrent
// migrations. The spec's default is 3.
func NewGate(maxConcurrent int) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Gate{
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: int64(maxConcurrent),
	}
}

// Ticket represents one admitted slot. Release is idempotent so a
// deferred Release after an earlier explicit one is always safe.
type Ticket struct {
	gate     *Gate
	released int32 // atomic
}

// Release returns the slot to the gate. Safe to call via defer
// immediately after a successful Enter, implementing the "scoped
// acquisition with guaranteed release" idiom (§9). A second call is a
// no-op rather than over-releasing the underlying semaphore.
func (t *Ticket) Release() {
	if t == nil || t.gate == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&t.released, 0, 1) {
		return
	}
	t.gate.sem.Release(1)
	n := atomic.AddInt64(&t.gate.active, -1)
	metrics.SetActiveMigrations(float64(n))
}

// Enter attempts to admit one migration. It never blocks: if the gate is
// full it returns immediately with a TooManyStorageMigrates error
// carrying the configured limit as its argument, per §4.D and §6.
func (g *Gate) Enter(ctx context.Context) (*Ticket, error) {
	if !g.sem.TryAcquire(1) {
		return nil, migrateerr.New(migrateerr.TooManyStorageMigrates, strconv.FormatInt(g.maxConcurrent, 10))
	}
	n := atomic.AddInt64(&g.active, 1)
	metrics.SetActiveMigrations(float64(n))
	return &Ticket{gate: g}, nil
}

// Active returns the current number of admitted migrations, used by the
// "active_migrations returns to entry value on every exit path"
// invariant in tests (§8).
func (g *Gate) Active() int64 {
	return atomic.LoadInt64(&g.active)
}
