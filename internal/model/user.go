package model

import "time"

// User represents an account that books tickets.  A user may book for
// any passenger linked to the account through user_passengers.
//
// Fields:
//  ID           – primary key identifier of the user.
//  Email        – unique email address.
//  PasswordHash – bcrypt hashed password.
//  Role         – name of the role (CUSTOMER or ADMIN).
//  IsActive     – whether the account is active.
type User struct {
	ID           uint64    // users.id
	Email        string    // users.email
	PasswordHash string    // users.password_hash
	Role         string    // users.role
	IsActive     bool      // users.is_active
	CreatedAt    time.Time // users.created_at
	UpdatedAt    time.Time // users.updated_at
}

// Passenger is a traveller identity.  The same passenger may be linked to
// several users (family members, travel agents).
type Passenger struct {
	ID        uint64    `json:"id"`         // passengers.id
	Name      string    `json:"name"`       // passengers.name
	IDNumber  string    `json:"id_number"`  // passengers.id_number
	CreatedAt time.Time `json:"created_at"` // passengers.created_at
}

// StopTime is the timetable entry of a train at one station.  Offsets are
// measured from midnight of the travel date in the timetable's zone, so an
// overnight arrival is larger than 24h.
type StopTime struct {
	TrainID   uint64
	StationID uint64
	Sequence  int
	Arrival   time.Duration
	Departure time.Duration
}

// DepartsAt returns the absolute departure on date, whose calendar day is
// read as a day in loc.  A nil loc means UTC.
func (s StopTime) DepartsAt(date time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).Add(s.Departure)
}

// RefreshToken models an entry in the `refresh_tokens` table.  Only the
// SHA‑256 hash of the raw token is stored.
type RefreshToken struct {
	ID        uint64     // refresh_tokens.id
	UserID    uint64     // refresh_tokens.user_id
	TokenHash string     // refresh_tokens.token_hash
	ExpiresAt time.Time  // refresh_tokens.expires_at
	RevokedAt *time.Time // refresh_tokens.revoked_at (nullable)
	CreatedAt time.Time  // refresh_tokens.created_at
}
