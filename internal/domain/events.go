package domain

const (
	CanonicalEventClassDomain        = "domain"
	CanonicalEventClassAnalyticsOnly = "analytics_only"
	CanonicalEventClassOps           = "ops"
)

const (
	EventPayoutPaid   = "payout.paid"
	EventPayoutFailed = "payout.failed"

	EventRevenueShareSettled = "revenue_share.settled"
	EventRefundStatusChanged = "refund.status_changed"
	EventPayoutLineUpdated   = "payout.line_updated"

	EventAuditDegraded        = "settlement.audit_degraded"
	EventReconciliationFailed = "settlement.reconciliation_failed"
)

func IsCanonicalInputEvent(eventType string) bool {
	switch eventType {
	case EventPayoutPaid, EventPayoutFailed:
		return true
	default:
		return false
	}
}

func CanonicalEventClass(eventType string) string {
	switch eventType {
	case EventAuditDegraded, EventReconciliationFailed:
		return CanonicalEventClassOps
	default:
		return CanonicalEventClassDomain
	}
}

func CanonicalPartitionKeyPath(eventType string) string {
	switch eventType {
	case EventPayoutPaid, EventPayoutFailed, EventRevenueShareSettled, EventPayoutLineUpdated:
		return "data.revenue_share_id"
	case EventRefundStatusChanged:
		return "data.refund_id"
	case EventAuditDegraded, EventReconciliationFailed:
		return "envelope.source_service"
	default:
		return ""
	}
}
