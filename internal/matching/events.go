package matching

// EventSink is the session gateway's inbound hook for per-order and
// per-trade pushes (spec §6.3 outbound messages). Implementations must
// preserve send order per user connection; the engine itself makes no
// ordering guarantee across users.
type EventSink interface {
	OrderAccepted(userID string, o Order)
	OrderUpdate(userID string, o Order)
	OrderRejected(userID string, reason string)
	OrderCancelled(userID string, orderID uint64, refundCents int64, reason string)
	Trade(userID string, t Trade)
}

// noopSink discards every event; useful for tests and for restart recovery
// where no connected client should be notified of a re-loaded order.
type noopSink struct{}

func (noopSink) OrderAccepted(string, Order)                    {}
func (noopSink) OrderUpdate(string, Order)                      {}
func (noopSink) OrderRejected(string, string)                   {}
func (noopSink) OrderCancelled(string, uint64, int64, string)   {}
func (noopSink) Trade(string, Trade)                            {}
