package models

import "time"

// Tenant is a business owner, identified by the phone number they message from.
type Tenant struct {
	ID         string    `json:"id"`
	Phone      string    `json:"phone"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}
