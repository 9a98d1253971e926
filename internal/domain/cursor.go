package domain

import "time"

// Cursor is a position in a conversation read newest first, where messages
// are ordered by sentAt and then by id, both descending. With an empty ID the
// bound is on sentAt alone.
type Cursor struct {
	At time.Time
	ID string
}

// CursorAt returns the position just past m.
func CursorAt(m *Message) *Cursor {
	return &Cursor{At: m.SentAt, ID: m.ID}
}

// Admits reports whether a message sent at sentAt with id comes strictly
// after the cursor, i.e. belongs to the next page.
func (c Cursor) Admits(sentAt time.Time, id string) bool {
	at, ms := Ms(c.At), Ms(sentAt)
	if ms != at {
		return ms < at
	}
	return c.ID != "" && id < c.ID
}
