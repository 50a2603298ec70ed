package store

import "time"

type User struct {
	ID               string
	Email            string
	DisplayName      string
	PasswordHash     string
	CurrentProjectID string
	CreatedAt        time.Time
}

type Project struct {
	ID        string
	UserID    string
	Name      string
	CreatedAt time.Time
}

// PinDoc is a raw pin document as persisted: a flat key-value map. The pin
// package owns the typed view; the store only guarantees that what goes in
// comes back out without null sentinels.
type PinDoc = map[string]any
