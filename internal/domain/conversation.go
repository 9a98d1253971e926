package domain

type Role string

const (
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

func (r Role) rank() int {
	switch r {
	case RoleMember:
		return 1
	case RoleModerator:
		return 2
	case RoleAdmin:
		return 3
	}
	return 0
}

// Covers reports whether r grants at least the privileges of want.
func (r Role) Covers(want Role) bool { return r.rank() > 0 && r.rank() >= want.rank() }

type Member struct {
	UserID string `bson:"user_id" json:"user_id"`
	Role   Role   `bson:"role" json:"role"`
}

// Conversation is the membership record of a group or channel.
type Conversation struct {
	Key  string    `bson:"_id" json:"key"`
	Kind ScopeKind `bson:"kind" json:"kind"`
	// AdminsOnly restricts posting to moderators and admins.
	AdminsOnly bool     `bson:"admins_only" json:"admins_only"`
	Members    []Member `bson:"members" json:"members"`
}

func (c *Conversation) Member(userID string) (Member, bool) {
	for _, m := range c.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

// CanPost applies the conversation's posting policy. Channels only accept
// posts from moderators and admins.
func (c *Conversation) CanPost(userID string) bool {
	m, ok := c.Member(userID)
	if !ok {
		return false
	}
	if c.AdminsOnly || c.Kind == ScopeChannel {
		return m.Role.Covers(RoleModerator)
	}
	return true
}
