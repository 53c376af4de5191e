package models

import "time"

type CodeState int

const (
	NoCode CodeState = iota
	CodeActive
	CodeExpired
)

func (s CodeState) String() string {
	switch s {
	case CodeActive:
		return "active"
	case CodeExpired:
		return "expired"
	default:
		return "none"
	}
}

// VerificationCode is the single outstanding code for a phone.
type VerificationCode struct {
	Phone     string    `json:"phone" db:"phone"`
	Code      string    `json:"-" db:"code"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// StateAt classifies the code at now. A code is expired from its expiry
// instant onward.
func (c *VerificationCode) StateAt(now time.Time) CodeState {
	if c == nil {
		return NoCode
	}
	if now.Before(c.ExpiresAt) {
		return CodeActive
	}
	return CodeExpired
}

// IssuedWithin reports whether the code was created less than window before now.
func (c *VerificationCode) IssuedWithin(now time.Time, window time.Duration) bool {
	return c != nil && now.Sub(c.CreatedAt) < window
}
