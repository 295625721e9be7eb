package model

import "time"

// User is the profile document written when an account is registered
type User struct {
	UID         string    `firestore:"-" json:"uid"`
	Email       string    `firestore:"email" json:"email"`
	DisplayName string    `firestore:"display_name" json:"display_name"`
	CreatedAt   time.Time `firestore:"created_at" json:"created_at"`
	LastLogin   time.Time `firestore:"last_login" json:"last_login"`
	IsActive    bool      `firestore:"is_active" json:"is_active"`
}

// AccountState is what the identity service reports about a uid when one of
// its tokens is verified
type AccountState struct {
	// TokensValidAfter rejects tokens issued earlier. Zero means never revoked.
	TokensValidAfter time.Time
	Disabled         bool
}
