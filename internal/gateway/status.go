package gateway

// InternalStatus is the system's order-status vocabulary, mapped from the
// gateway's transaction/fraud vocabulary.
type InternalStatus string

const (
	StatusPaid     InternalStatus = "paid"
	StatusPending  InternalStatus = "pending"
	StatusExpired  InternalStatus = "expired"
	StatusRefunded InternalStatus = "refunded"
	StatusFailed   InternalStatus = "failed"
)

// MapStatus translates gateway transaction and fraud statuses into an
// InternalStatus. Pure and total: every input, recognized or not, yields one
// of the five statuses. Unknown values map to pending — never silently to
// paid or failed.
func MapStatus(transactionStatus, fraudStatus string) InternalStatus {
	switch transactionStatus {
	case "capture":
		if fraudStatus == "" || fraudStatus == "accept" {
			return StatusPaid
		}
		return StatusPending
	case "settlement":
		return StatusPaid
	case "pending":
		return StatusPending
	case "expire", "expired":
		return StatusExpired
	case "refund", "refunded", "partial_refund":
		return StatusRefunded
	case "deny", "cancel", "failure":
		return StatusFailed
	default:
		return StatusPending
	}
}

// Terminal reports whether a status ends the payment lifecycle.
func (s InternalStatus) Terminal() bool {
	return s != StatusPending
}
