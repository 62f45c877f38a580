package httpapi

// RegisterRequest creates a new investor.
type RegisterRequest struct {
	Name        string `json:"name"`
	FeePercent  string `json:"fee_percent"`
	FeeReceiver bool   `json:"fee_receiver"`
}

// OperationRequest queues a deposit or withdrawal. Tier is optional; when
// set, the amount is routed to that tier instead of the weighted split.
type OperationRequest struct {
	Name   string `json:"name"`
	Amount string `json:"amount"`
	Tier   string `json:"tier,omitempty"`
}
