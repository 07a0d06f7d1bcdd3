// Package types provides common types shared by settlement records.
package types

import "time"

// Entity carries the timestamps every persisted settlement record has.
type Entity struct {
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// NewEntity creates an Entity stamped with the current time.
func NewEntity() Entity {
	return NewEntityAt(time.Now())
}

// NewEntityAt creates an Entity stamped with t, truncated to milliseconds
// so it survives every backend's timestamp encoding unchanged.
func NewEntityAt(t time.Time) Entity {
	t = t.UTC().Truncate(time.Millisecond)
	return Entity{
		CreatedAt: t,
		UpdatedAt: t,
	}
}

// Touch updates the UpdatedAt timestamp.
func (e *Entity) Touch(t time.Time) {
	e.UpdatedAt = t.UTC().Truncate(time.Millisecond)
}
