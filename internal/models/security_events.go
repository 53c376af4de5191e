package models

import "time"

type AuthEventType string

const (
	EventCodeRequested   AuthEventType = "code.requested"
	EventCodeRateLimited AuthEventType = "code.rate_limited"
	EventRegisterSuccess AuthEventType = "register.succeeded"
	EventRegisterFailure AuthEventType = "register.failed"
	EventLoginSuccess    AuthEventType = "login.succeeded"
	EventLoginFailure    AuthEventType = "login.failed"
	EventCodesSwept      AuthEventType = "codes.swept"
)

// AuthEvent is an audit record of an authentication flow outcome. Phone is
// stored masked.
type AuthEvent struct {
	EventID     string        `json:"event_id" db:"event_id"`
	EventBucket int           `json:"event_bucket" db:"event_bucket"`
	EventDate   string        `json:"event_date" db:"event_date"`
	EventTime   time.Time     `json:"event_time" db:"event_time"`
	EventType   AuthEventType `json:"event_type" db:"event_type"`
	AccountID   string        `json:"account_id,omitempty" db:"account_id"`
	Phone       string        `json:"phone,omitempty" db:"phone"`
	Method      string        `json:"method,omitempty" db:"method"`
	Reason      string        `json:"reason,omitempty" db:"reason"`
	Count       int           `json:"count,omitempty" db:"count"`
}
