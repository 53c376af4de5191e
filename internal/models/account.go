package models

import "time"

// Account is a registered identity keyed by phone number.
type Account struct {
	ID           string    `json:"id" db:"id"`
	Phone        string    `json:"phone" db:"phone"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// HasPassword reports whether password login is possible for the account.
func (a *Account) HasPassword() bool {
	return a != nil && a.PasswordHash != ""
}
