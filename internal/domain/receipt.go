package domain

import (
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusSeen      DeliveryStatus = "seen"
)

// Rank orders statuses; an unset status ranks as sent and unknown values rank -1.
func (s DeliveryStatus) Rank() int {
	switch s {
	case "", StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusSeen:
		return 2
	}
	return -1
}

func ParseStatus(v string) (DeliveryStatus, error) {
	s := DeliveryStatus(v)
	if s != StatusDelivered && s != StatusSeen {
		return "", Invalid("status must be delivered or seen")
	}
	return s, nil
}

// Receipt is one recipient's acknowledgement record for one message.
type Receipt struct {
	MessageID   string         `bson:"message_id" json:"message_id"`
	RecipientID string         `bson:"recipient_id" json:"recipient_id"`
	Status      DeliveryStatus `bson:"status" json:"status"`
	DeliveredAt *time.Time     `bson:"delivered_at,omitempty" json:"delivered_at,omitempty"`
	SeenAt      *time.Time     `bson:"seen_at,omitempty" json:"seen_at,omitempty"`
}

// Advance applies a transition to status at the given time. Transitions that
// are not strictly later than the current status leave r unchanged. Seen
// implies delivered.
func (r Receipt) Advance(status DeliveryStatus, at time.Time) (Receipt, bool) {
	if status.Rank() <= r.Status.Rank() {
		return r, false
	}
	t := at
	r.Status = status
	switch status {
	case StatusDelivered:
		r.DeliveredAt = &t
	case StatusSeen:
		r.SeenAt = &t
		if r.DeliveredAt == nil {
			r.DeliveredAt = &t
		}
	}
	return r, true
}

// Reached reports whether the receipt is at or past status.
func (r Receipt) Reached(status DeliveryStatus) bool {
	return r.Status.Rank() >= status.Rank()
}

// DeliveryState holds the receipts of one message, keyed by recipient.
type DeliveryState struct {
	m OrderedMap[Receipt]
}

func (d *DeliveryState) Get(recipientID string) (Receipt, bool) { return d.m.Get(recipientID) }

// Put stores r unless the state already holds a later status for the recipient.
func (d *DeliveryState) Put(r Receipt) {
	if cur, ok := d.m.Get(r.RecipientID); ok && cur.Status.Rank() > r.Status.Rank() {
		return
	}
	d.m.Set(r.RecipientID, r)
}

func (d *DeliveryState) Len() int { return d.m.Len() }

func (d *DeliveryState) Receipts() []Receipt { return d.m.Values() }

func (d *DeliveryState) Clone() DeliveryState { return DeliveryState{m: d.m.Clone()} }

func (d DeliveryState) MarshalJSON() ([]byte, error) { return json.Marshal(d.m.Values()) }

func (d *DeliveryState) UnmarshalJSON(b []byte) error {
	var list []Receipt
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	d.m = OrderedMap[Receipt]{}
	for _, r := range list {
		d.m.Set(r.RecipientID, r)
	}
	return nil
}
