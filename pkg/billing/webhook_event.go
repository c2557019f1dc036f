package billing

// WebhookAck is the response body for acknowledged webhook deliveries
type WebhookAck struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
	EventID  string `json:"event_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ErrorResponse is the response body for rejected or failed requests
type ErrorResponse struct {
	Error string `json:"error"`
}
