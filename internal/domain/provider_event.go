package domain

import "time"

// ProviderEventType names the provider interaction that was recorded.
type ProviderEventType string

const (
	EventInitiate ProviderEventType = "initiate"
	EventConfirm  ProviderEventType = "confirm"
	EventExecute  ProviderEventType = "execute"
	EventQuery    ProviderEventType = "query"
	EventCallback ProviderEventType = "callback"
)

// ProviderEvent is an audit entry for one provider interaction. Events are
// append-only and never drive state on their own.
type ProviderEvent struct {
	ID         int64                  `json:"id" db:"id"`
	Reference  string                 `json:"reference" db:"provider_reference"`
	Rail       Rail                   `json:"rail" db:"rail"`
	EventType  ProviderEventType      `json:"event_type" db:"event_type"`
	ResultCode string                 `json:"result_code,omitempty" db:"result_code"`
	Payload    map[string]interface{} `json:"payload,omitempty" db:"payload"`
	CreatedAt  time.Time              `json:"created_at" db:"created_at"`
}
