package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// UserProfile is the throwaway account a run registers and logs in with.
type UserProfile struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	CountryID string
}

// NewUserProfile builds a profile whose email is unique per call, so
// parallel runs against the same shop do not collide on registration.
func NewUserProfile(cfg UserConfig) UserProfile {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	return UserProfile{
		Email:     fmt.Sprintf("%s.%s@example.com", cfg.EmailPrefix, id),
		Password:  cfg.Password,
		FirstName: cfg.FirstName,
		LastName:  cfg.LastName,
		CountryID: cfg.CountryID,
	}
}
