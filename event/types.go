package event

import "strings"

// Canonical event types.
const (
	TypePaymentAuthorized = "payment.authorized"
	TypePaymentCaptured   = "payment.captured"
	TypePaymentSettled    = "payment.settled"
	TypePaymentRefunded   = "payment.refunded"
	TypePaymentVoided     = "payment.voided"
	TypeFraudDetected     = "fraud.detected"
	TypeChargebackCreated = "chargeback.created"
	TypeDisputeCreated    = "dispute.created"

	// TypeUnknown is assigned to vendor types with no mapping.
	TypeUnknown = "unknown"
)

// Types lists every canonical type.
var Types = []string{
	TypePaymentAuthorized,
	TypePaymentCaptured,
	TypePaymentSettled,
	TypePaymentRefunded,
	TypePaymentVoided,
	TypeFraudDetected,
	TypeChargebackCreated,
	TypeDisputeCreated,
}

// Family groups canonical types for handler dispatch.
type Family string

const (
	FamilyPayment Family = "payment"
	FamilyFraud   Family = "fraud"

	// FamilyDispute covers chargebacks and disputes.
	FamilyDispute Family = "dispute"

	FamilyUnknown Family = "unknown"
)

// IsCanonical reports whether t is one of Types.
func IsCanonical(t string) bool {
	for _, c := range Types {
		if c == t {
			return true
		}
	}
	return false
}

// FamilyOf returns the dispatch family of a canonical type.
func FamilyOf(t string) Family {
	head, _, _ := strings.Cut(t, ".")
	switch head {
	case "payment":
		return FamilyPayment
	case "fraud":
		return FamilyFraud
	case "chargeback", "dispute":
		return FamilyDispute
	default:
		return FamilyUnknown
	}
}
