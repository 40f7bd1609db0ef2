// internal/i18n/keys.go
package i18n

// Translation keys constants
const (
	// Common
	KeySuccess = "success"
	KeyError   = "error"

	// Authentication
	KeyAuthRequired      = "auth.required"
	KeyAuthInvalidToken  = "auth.invalid_token"
	KeyAuthTokenExpired  = "auth.token_expired"
	KeyAccessDenied      = "auth.access_denied"
	KeyAdminAccessDenied = "admin.access_denied"

	// Errors
	KeyValidationInvalid = "validation.invalid"
	KeyInvalidState      = "error.invalid_state"
	KeyConflict          = "error.conflict"
	KeyNotFound          = "error.not_found"
	KeyInternal          = "error.internal"
	KeyRateLimited       = "error.rate_limited"

	// Letters of intent
	KeyLOICreated   = "loi.created"
	KeyLOIUpdated   = "loi.updated"
	KeyLOISent      = "loi.sent"
	KeyLOIAccepted  = "loi.accepted"
	KeyLOIRejected  = "loi.rejected"
	KeyLOIWithdrawn = "loi.withdrawn"

	// Escrow
	KeyEscrowCancelled = "escrow.cancelled"

	// Migration checklist
	KeyTaskConfirmed    = "migration.task_confirmed"
	KeyTaskNotesUpdated = "migration.task_notes_updated"

	// Webhooks
	KeyWebhookAccepted = "webhook.accepted"
	KeyWebhookRejected = "webhook.rejected"

	// Operator queue
	KeyAlertResolved         = "admin.alert_resolved"
	KeyCallRequeued          = "admin.call_requeued"
	KeyCallReferenceRecorded = "admin.call_reference_recorded"
	KeyChecklistRecomputed   = "admin.checklist_recomputed"
)
