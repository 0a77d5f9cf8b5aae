package models

import "time"

// WebhookEvent is a raw GitHub event accepted by the ingress, retained for
// replay and audit.
type WebhookEvent struct {
	ID         string
	DeliveryID string // X-GitHub-Delivery header, unique per delivery
	EventType  string // pull_request, push, ...
	Action     string // opened, synchronize, reopened, ...
	ProjectID  string // empty when the event matched no known project
	Payload    string // raw JSON body
	Processed  bool
	ReceivedAt time.Time
}
