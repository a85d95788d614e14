package model

// Status is the canonical lifecycle state of a PEPPOL document.
// Vendor status strings are normalized into this set before they reach the store.
type Status string

const (
	StatusPending         Status = "pending"
	StatusSending         Status = "sending"
	StatusSent            Status = "sent"
	StatusDelivered       Status = "delivered"
	StatusFailed          Status = "failed"
	StatusRejected        Status = "rejected"
	StatusAcknowledged    Status = "acknowledged"
	StatusProcessed       Status = "processed"
	StatusReceived        Status = "received"
	StatusRejectedInbound Status = "rejected_inbound"
)

// AllStatuses lists every canonical status
var AllStatuses = []Status{
	StatusPending,
	StatusSending,
	StatusSent,
	StatusDelivered,
	StatusFailed,
	StatusRejected,
	StatusAcknowledged,
	StatusProcessed,
	StatusReceived,
	StatusRejectedInbound,
}

// Valid reports whether s belongs to the canonical set
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

var outboundTransitions = map[Status][]Status{
	StatusPending:      {StatusSending, StatusFailed},
	StatusSending:      {StatusSent, StatusFailed},
	StatusFailed:       {StatusSending},
	StatusSent:         {StatusDelivered, StatusFailed, StatusRejected, StatusAcknowledged, StatusProcessed},
	StatusDelivered:    {StatusAcknowledged, StatusProcessed, StatusRejected},
	StatusAcknowledged: {StatusProcessed, StatusRejected},
}

var inboundTransitions = map[Status][]Status{
	StatusReceived:     {StatusAcknowledged, StatusProcessed, StatusRejectedInbound},
	StatusAcknowledged: {StatusProcessed, StatusRejectedInbound},
}

// CanTransition reports whether a document moving in the given direction may go
// from one status to another. Staying in the same status is not a transition.
func CanTransition(direction Direction, from, to Status) bool {
	table := outboundTransitions
	if direction == DirectionInbound {
		table = inboundTransitions
	}
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ResponseCode is a PEPPOL invoice response (UNCL4343 subset) status code
type ResponseCode string

const (
	ResponseAcknowledged          ResponseCode = "AB"
	ResponseInProcess             ResponseCode = "IP"
	ResponseUnderQuery            ResponseCode = "UQ"
	ResponseConditionallyAccepted ResponseCode = "CA"
	ResponseRejected              ResponseCode = "RE"
	ResponseAccepted              ResponseCode = "AP"
	ResponsePaid                  ResponseCode = "PD"
)

// Valid reports whether the code is a supported response code
func (c ResponseCode) Valid() bool {
	switch c {
	case ResponseAcknowledged, ResponseInProcess, ResponseUnderQuery,
		ResponseConditionallyAccepted, ResponseRejected, ResponseAccepted, ResponsePaid:
		return true
	}
	return false
}

// StatusFor maps a response code onto the canonical status for a document direction
func (c ResponseCode) StatusFor(direction Direction) Status {
	switch c {
	case ResponseConditionallyAccepted, ResponseAccepted, ResponsePaid:
		return StatusProcessed
	case ResponseRejected:
		if direction == DirectionInbound {
			return StatusRejectedInbound
		}
		return StatusRejected
	default:
		return StatusAcknowledged
	}
}
