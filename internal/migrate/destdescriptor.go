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
	"fmt"
	"net/url"

	"github.com/mitchellh/mapstructure"

	"github.com/xcpmigrate/orchestrator/internal/migrateerr"
)

// destHandshake is the wire shape of the destination blob passed to
// VM.migrate_send (§6), decoded via mapstructure per DESIGN.md.
type destHandshake struct {
	Master    string `mapstructure:"master"`
	Xenops    string `mapstructure:"xenops"`
	SM        string `mapstructure:"SM"`
	Host      string `mapstructure:"host"`
	SessionID string `mapstructure:"session_id"`
}

// DestinationResolver is component A: it parses and classifies the
// destination handshake blob. It is pure -- it never mutates the
// database.
type DestinationResolver struct {
	db Database
}

func NewDestinationResolver(db Database) *DestinationResolver {
	return &DestinationResolver{db: db}
}

// Resolve parses raw (a string->string map from the RPC call) into a
// DestDescriptor, classifying intra- vs cross-cluster by resolving Host
// against the local database (§4.A).
func (r *DestinationResolver) Resolve(ctx context.Context, raw map[string]string) (*DestDescriptor, error) {
	var h destHandshake
	generic := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		generic[k] = v
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &h, ErrorUnused: false})
	if err != nil {
		return nil, migrateerr.Wrap(migrateerr.OperationNotAllowed, err)
	}
	if err := dec.Decode(generic); err != nil {
		return nil, migrateerr.Wrap(migrateerr.OperationNotAllowed, err)
	}
	if h.Master == "" || h.Xenops == "" || h.SM == "" || h.Host == "" || h.SessionID == "" {
		return nil, migrateerr.New(migrateerr.OperationNotAllowed, "destination handshake missing required key")
	}

	masterURL, err := url.Parse(h.Master)
	if err != nil {
		return nil, migrateerr.Wrap(migrateerr.OperationNotAllowed, err, "master")
	}
	xenopsURL, err := url.Parse(h.Xenops)
	if err != nil {
		return nil, migrateerr.Wrap(migrateerr.OperationNotAllowed, err, "xenops")
	}
	smURL, err := url.Parse(h.SM)
	if err != nil {
		return nil, migrateerr.Wrap(migrateerr.OperationNotAllowed, err, "SM")
	}

	destHostRef, known := r.db.ResolveHostByUUID(ctx, h.Host)
	crossCluster := !known

	// Cross-cluster bootstrap RPCs disable TLS verification; same-cluster
	// keeps default verification, per §4.A. We encode that as the scheme
	// of the SM URL the caller will dial with, forcing http when crossing
	// clusters into an as-yet-unauthenticated bootstrap handshake is not
	// appropriate -- so instead we record the decision for the transport
	// layer via RemoteMasterIP/CrossCluster and leave schemes untouched.
	remoteIP := masterURL.Hostname()
	remoteMasterIP := masterURL.Hostname()

	return &DestDescriptor{
		MasterURL:      masterURL.String(),
		XenopsURL:      xenopsURL.String(),
		SMURL:          smURL.String(),
		SessionHandle:  h.SessionID,
		DestHostRef:    destHostRef,
		RemoteIP:       remoteIP,
		RemoteMasterIP: remoteMasterIP,
		CrossCluster:   crossCluster,
	}, nil
}

// VerifyTLS reports whether the bootstrap RPC to this destination should
// verify TLS certificates: true for intra-cluster, false for cross-cluster
// bootstrap, per §4.A.
func (d *DestDescriptor) VerifyTLS() bool {
	return !d.CrossCluster
}

func (d *DestDescriptor) String() string {
	return fmt.Sprintf("dest{host=%s cross_cluster=%v}", d.DestHostRef, d.CrossCluster)
}
