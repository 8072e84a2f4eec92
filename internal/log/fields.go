// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldTaskID    = "task_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldSite      = "site"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"

	// Path / URL fields
	FieldPath = "path"
	FieldURL  = "url"

	// Outcome fields
	FieldErrorKind = "error_kind"
	FieldExitCode  = "exit_code"
)
