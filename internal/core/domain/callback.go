package domain

import "time"

// CallbackResult is the final status a settlement channel reports for a payout.
// Reference carries our own settlement reference when the channel echoes it.
type CallbackResult struct {
	Method            SettlementMethod `json:"method"`
	ExternalReference string           `json:"external_reference"`
	Reference         string           `json:"reference,omitempty"`
	Success           bool             `json:"success"`
	ResultCode        string           `json:"result_code"`
	Message           string           `json:"message"`
	ReceivedAt        time.Time        `json:"received_at"`
}
