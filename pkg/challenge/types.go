// Package challenge defines the pool's domain types: challenges, batches,
// their lifecycles and the sentinel errors shared by the store and serving layers.
package challenge

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a single challenge.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAvailable Status = "AVAILABLE"
	StatusReserved  Status = "RESERVED"
	StatusConsumed  Status = "CONSUMED"
	StatusExpired   Status = "EXPIRED"
	StatusFailed    Status = "FAILED"
)

var validTransitions = map[Status][]Status{
	StatusPending:   {StatusAvailable, StatusFailed},
	StatusAvailable: {StatusReserved, StatusExpired},
	StatusReserved:  {StatusConsumed, StatusAvailable},
}

// CanTransition reports whether from -> to is a legal challenge transition.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusConsumed || s == StatusExpired || s == StatusFailed
}

// Point is one vertex of the scratch target path, in image-relative units.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Payload is the servable part of a challenge. The answer key is kept apart.
type Payload struct {
	MediaKey   string   `json:"media_key"`
	MediaType  string   `json:"media_type,omitempty"`
	Prompt     string   `json:"prompt"`
	Options    []string `json:"options"`
	TargetPath []Point  `json:"target_path,omitempty"`
}

// Encode serialises the payload for storage.
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload parses a stored payload.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if len(data) == 0 {
		return p, nil
	}
	err := json.Unmarshal(data, &p)
	return p, err
}

// Challenge is one pre-generated puzzle unit.
type Challenge struct {
	ID               string
	BatchID          string
	Difficulty       string
	Payload          Payload
	Answer           string
	ModelVersion     string
	Status           Status
	GeneratedAt      time.Time
	ReservedAt       *time.Time
	ReservationToken string
	LeaseExpiresAt   *time.Time
	ConsumedAt       *time.Time
	LastError        string
}

// LeaseElapsed reports whether a reservation is past its lease at now.
func (c *Challenge) LeaseElapsed(now time.Time) bool {
	return c.Status == StatusReserved && c.LeaseExpiresAt != nil && !c.LeaseExpiresAt.After(now)
}

// Claimable reports whether c is logically AVAILABLE at now.
func (c *Challenge) Claimable(now time.Time) bool {
	return c.Status == StatusAvailable || c.LeaseElapsed(now)
}

// NewChallenge carries everything the orchestrator knows about a generated unit.
type NewChallenge struct {
	BatchID      string
	Difficulty   string
	Payload      Payload
	Answer       string
	ModelVersion string
}

// Filter narrows claims and counts. The zero value matches everything.
type Filter struct {
	Difficulty string
}

// Reservation is the result of a successful claim.
type Reservation struct {
	Challenge      Challenge
	Token          string
	LeaseExpiresAt time.Time
}
