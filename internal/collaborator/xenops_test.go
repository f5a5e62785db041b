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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xcpmigrate/orchestrator/internal/migrate"
)

func TestXenopsClient_MigrateSurfacesDialFailureAsAgentFault(t *testing.T) {
	client := NewXenopsClient("ws://127.0.0.1:0/xenops")

	_, fault := client.Migrate(context.Background(), "dbg-1", "vm-uuid-1", nil, nil, nil, "https://dest/xenops", false, false)

	require.NotNil(t, fault)
	assert.Equal(t, migrate.FaultOther, fault.Kind)
}

func TestXenopsClient_StatSurfacesDialFailureAsError(t *testing.T) {
	client := NewXenopsClient("ws://127.0.0.1:0/xenops")

	_, err := client.Stat(context.Background(), "dbg-1", "vm-uuid-1")

	require.Error(t, err)
}

func TestXenopsClient_SuppressEventsTracksLocalStateOnlyAfterAgentAcks(t *testing.T) {
	client := NewXenopsClient("ws://127.0.0.1:0/xenops")

	_, err := client.SuppressEvents(context.Background(), "vm-uuid-1")

	require.Error(t, err) // dial fails before the agent can ack
	client.suppMu.Lock()
	suppressed := client.suppressed["vm-uuid-1"]
	client.suppMu.Unlock()
	assert.False(t, suppressed)
}
