package domain

import (
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

type Reaction struct {
	UserID string    `bson:"user_id" json:"user_id"`
	Token  string    `bson:"token" json:"reaction"`
	At     time.Time `bson:"at" json:"at"`
}

// Reactions maps a user to their current reaction. Last write wins per user;
// iteration follows the order users first reacted.
type Reactions struct {
	m OrderedMap[Reaction]
}

// Set records token for userID. An empty token removes the reaction.
func (r *Reactions) Set(userID, token string, at time.Time) {
	if token == "" {
		r.m.Delete(userID)
		return
	}
	r.m.Set(userID, Reaction{UserID: userID, Token: token, At: at})
}

func (r *Reactions) Get(userID string) (Reaction, bool) { return r.m.Get(userID) }

func (r *Reactions) Len() int { return r.m.Len() }

func (r *Reactions) List() []Reaction { return r.m.Values() }

func (r *Reactions) Clone() Reactions { return Reactions{m: r.m.Clone()} }

func (r *Reactions) load(list []Reaction) {
	r.m = OrderedMap[Reaction]{}
	for _, x := range list {
		r.m.Set(x.UserID, x)
	}
}

func (r Reactions) MarshalJSON() ([]byte, error) { return json.Marshal(r.m.Values()) }

func (r *Reactions) UnmarshalJSON(b []byte) error {
	var list []Reaction
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	r.load(list)
	return nil
}

// Stored as an array so positional updates keep insertion order in Mongo.
func (r Reactions) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(r.m.Values())
}

func (r *Reactions) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	if t == bsontype.Null || t == bsontype.Undefined {
		r.load(nil)
		return nil
	}
	var list []Reaction
	if err := (bson.RawValue{Type: t, Value: data}).Unmarshal(&list); err != nil {
		return err
	}
	r.load(list)
	return nil
}
