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

// Package migrateerr defines the cluster-visible error codes returned by
// the migration orchestrator, along with the categorization needed to
// decide retry and rollback behavior.
package migrateerr

import "fmt"

// Code is one of the cluster-visible error codes from the external RPC
// surface. Clients match on Code, not on Message text.
type Code string

const (
	TooManyStorageMigrates              Code = "too_many_storage_migrates"
	SRDoesNotSupportMigration            Code = "sr_does_not_support_migration"
	VDICBTEnabled                        Code = "vdi_cbt_enabled"
	VDIIsEncrypted                       Code = "vdi_is_encrypted"
	VDIOnBootModeIncompatible            Code = "vdi_on_boot_mode_incompatible_with_operation"
	VDINotInMap                          Code = "vdi_not_in_map"
	VIFNotInMap                          Code = "vif_not_in_map"
	VDILocationMissing                   Code = "vdi_location_missing"
	LocationNotUnique                    Code = "location_not_unique"
	MirrorFailed                         Code = "mirror_failed"
	SuspendImageNotAccessible            Code = "suspend_image_not_accessible"
	HostDisabled                         Code = "host_disabled"
	VMHostIncompatibleVersionMigrate     Code = "vm_host_incompatible_version_migrate"
	VMBadPowerState                      Code = "vm_bad_power_state"
	VMMigrateFailed                      Code = "vm_migrate_failed"
	UnimplementedInSMBackend             Code = "unimplemented_in_sm_backend"
	CannotContactHost                    Code = "cannot_contact_host"
	HostHasNoManagementIP                Code = "host_has_no_management_ip"
	OperationNotAllowed                  Code = "operation_not_allowed"

	// TaskCancelled is the cluster's standard cancelled-task code; rollback
	// translates agent-side Cancelled exceptions into this code.
	TaskCancelled Code = "task_cancelled"
	// ServerError wraps a translated storage-backend error (code, params).
	ServerError Code = "server_error"
)

// Error is a cluster-visible migration error: a stable Code plus any
// positional arguments the source XenAPI exception would have carried
// (e.g. a VDI ref, a count, a host name).
type Error struct {
	Code    Code
	Message string
	Args    []string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if len(e.Args) > 0 {
		return fmt.Sprintf("%s%v", e.Code, e.Args)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether a generic resilience wrapper (circuit breaker,
// collaborator RPC retry) should retry the call that produced this error.
// This is independent of the Memory Migration Driver's own 3-attempt
// Cancelled/End_of_file policy, which inspects AgentFault directly.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case CannotContactHost, HostHasNoManagementIP:
		return true
	default:
		return false
	}
}

// New creates a migration error with the given code and optional XenAPI-style
// positional arguments (mirrored into Args for clients that parse them).
func New(code Code, args ...string) *Error {
	return &Error{Code: code, Args: args}
}

// Newf creates a migration error with a formatted human-readable message,
// kept separate from Args because Args is what clients match on.
func Newf(code Code, format string, a ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, a...)}
}

// Wrap attaches a cause to an existing code, used when translating an
// external collaborator's error during rollback.
func Wrap(code Code, cause error, args ...string) *Error {
	return &Error{Code: code, Cause: cause, Args: args}
}

// As extracts a *Error from err, following Unwrap chains.
func As(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// CodeOf returns the Code of err if it is (or wraps) a *Error, else "".
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}
