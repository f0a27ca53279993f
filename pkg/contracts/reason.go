package contracts

// ReasonCode is a bounded, machine-readable explanation attached to every
// outcome the kernel emits. Raw internal error text never surfaces outward;
// the reason code is what callers and auditors see.
type ReasonCode string

const (
	ReasonOK ReasonCode = "OK"

	// Contract validation (rejected before any ledger write).
	ReasonSchemaMismatch      ReasonCode = "SCHEMA_MISMATCH"
	ReasonMalformedEnvelope   ReasonCode = "MALFORMED_ENVELOPE"
	ReasonUnknownCapability   ReasonCode = "UNKNOWN_CAPABILITY"
	ReasonMissingIdempotency  ReasonCode = "MISSING_IDEMPOTENCY_KEY"
	ReasonUnknownReasonCode   ReasonCode = "UNKNOWN_REASON_CODE"
	ReasonPayloadUnverifiable ReasonCode = "PAYLOAD_UNVERIFIABLE"

	// Policy outcomes.
	ReasonPolicyDeny       ReasonCode = "POLICY_DENY"
	ReasonPolicyNoMatch    ReasonCode = "POLICY_NO_MATCHING_RULE"
	ReasonSubjectUnknown   ReasonCode = "SUBJECT_UNVERIFIABLE"
	ReasonApprovalRequired ReasonCode = "APPROVAL_REQUIRED"

	// Ledger outcomes.
	ReasonAppendOnlyViolation ReasonCode = "APPEND_ONLY_VIOLATION"
	ReasonTenantScope         ReasonCode = "TENANT_SCOPE_VIOLATION"
	ReasonIllegalTransition   ReasonCode = "ILLEGAL_STATUS_TRANSITION"
	ReasonDuplicateNoOp       ReasonCode = "IDEMPOTENT_DUPLICATE"

	// Lease outcomes.
	ReasonLeaseHeld         ReasonCode = "LEASE_HELD_BY_OTHER"
	ReasonLeaseTokenInvalid ReasonCode = "LEASE_TOKEN_INVALID"
	ReasonLeaseNotFound     ReasonCode = "LEASE_NOT_FOUND"
	ReasonLeaseExpired      ReasonCode = "LEASE_EXPIRED"

	// Scheduler / execution outcomes.
	ReasonMaxRetriesExceeded ReasonCode = "MAX_RETRIES_EXCEEDED"
	ReasonNotRetryable       ReasonCode = "NOT_RETRYABLE"
	ReasonStepTimeout        ReasonCode = "STEP_TIMEOUT"
	ReasonDownstreamError    ReasonCode = "DOWNSTREAM_ERROR"

	// Outbox outcomes.
	ReasonDeadLetter       ReasonCode = "DEAD_LETTER"
	ReasonDispatchThrottle ReasonCode = "DISPATCH_THROTTLED"

	// Lifecycle.
	ReasonWorkOrderCanceled ReasonCode = "WORK_ORDER_CANCELED"
	ReasonClarifyNeeded     ReasonCode = "CLARIFY_NEEDED"
	ReasonConfirmPending    ReasonCode = "CONFIRM_PENDING"
)

var knownReasons = map[ReasonCode]struct{}{
	ReasonOK: {}, ReasonSchemaMismatch: {}, ReasonMalformedEnvelope: {},
	ReasonUnknownCapability: {}, ReasonMissingIdempotency: {},
	ReasonUnknownReasonCode: {}, ReasonPayloadUnverifiable: {},
	ReasonPolicyDeny: {}, ReasonPolicyNoMatch: {}, ReasonSubjectUnknown: {},
	ReasonApprovalRequired: {}, ReasonAppendOnlyViolation: {},
	ReasonTenantScope: {}, ReasonIllegalTransition: {}, ReasonDuplicateNoOp: {},
	ReasonLeaseHeld: {}, ReasonLeaseTokenInvalid: {}, ReasonLeaseNotFound: {},
	ReasonLeaseExpired: {}, ReasonMaxRetriesExceeded: {}, ReasonNotRetryable: {},
	ReasonStepTimeout: {}, ReasonDownstreamError: {}, ReasonDeadLetter: {},
	ReasonDispatchThrottle: {}, ReasonWorkOrderCanceled: {},
	ReasonClarifyNeeded: {}, ReasonConfirmPending: {},
}

// KnownReason reports whether code is part of the closed reason registry.
// Events carrying unknown codes are rejected before any ledger write.
func KnownReason(code ReasonCode) bool {
	_, ok := knownReasons[code]
	return ok
}
