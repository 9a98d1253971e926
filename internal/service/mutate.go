package service

import (
	"context"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/fathima-sithara/chat-core/internal/domain"
	"go.uber.org/zap"
)

// UpdateStatus records an explicit delivered or seen acknowledgement from a
// recipient. Repeating or regressing an acknowledgement is a no-op.
func (s *MessageService) UpdateStatus(ctx context.Context, messageID, userID string, status domain.DeliveryStatus) (domain.Receipt, error) {
	if status != domain.StatusDelivered && status != domain.StatusSeen {
		return domain.Receipt{}, domain.Invalid("status must be delivered or seen")
	}
	m, err := s.lookup(ctx, messageID)
	if err != nil {
		return domain.Receipt{}, err
	}
	if err := s.authorizeView(ctx, m.Scope, userID); err != nil {
		return domain.Receipt{}, err
	}
	r, _, err := s.tracker.Record(ctx, m, userID, status, s.clock())
	return r, err
}

// GetStatus lists the receipts of a message for its sender, read from the
// durable store. A direct message always reports its one recipient.
func (s *MessageService) GetStatus(ctx context.Context, messageID, requesterID string) ([]domain.Receipt, error) {
	if messageID == "" {
		return nil, domain.Invalid("message id missing")
	}
	m, err := s.store.FindByID(ctx, messageID)
	if err != nil {
		return nil, storeErr("find message", err)
	}
	if m.SenderID != requesterID {
		return nil, domain.Forbidden("only the sender can read delivery status")
	}
	if m.Scope.Kind == domain.ScopeDirect {
		r, err := s.store.Receipt(ctx, m.ID, m.Scope.Counterpart(m.SenderID))
		if err != nil {
			return nil, storeErr("read receipt", err)
		}
		return []domain.Receipt{r}, nil
	}
	rs, err := s.store.Receipts(ctx, m.ID)
	if err != nil {
		return nil, storeErr("read receipts", err)
	}
	return rs, nil
}

// React sets userID's reaction on a message; an empty token removes it.
func (s *MessageService) React(ctx context.Context, messageID, userID, token string) (*domain.Message, error) {
	if utf8.RuneCountInString(token) > s.opts.MaxReactionLen {
		return nil, domain.Invalid("reaction too long")
	}
	m, err := s.lookup(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeView(ctx, m.Scope, userID); err != nil {
		return nil, err
	}
	if m.DeletedForEveryone() {
		return nil, domain.Invalid("message was deleted")
	}

	at := s.clock()
	if err := s.store.SetReaction(ctx, m.ID, userID, token, at); err != nil {
		return nil, storeErr("set reaction", err)
	}

	ctx, cancel := s.detached(ctx, s.opts.EnrichTimeout)
	defer cancel()
	fresh := s.refresh(ctx, m.ID)
	if fresh == nil {
		fresh = m
		fresh.Reactions.Set(userID, token, at)
	}
	s.broadcast(ctx, s.audience(ctx, m.Scope, userID), domain.EventMessageReaction, ReactionEvent{
		MessageID:    m.ID,
		Conversation: m.Scope,
		UserID:       userID,
		Reaction:     token,
		At:           at,
	})
	return fresh, nil
}

// Delete removes a message for everyone or hides it for userID only.
// Deleting for everyone is allowed to the sender and, in groups and
// channels, to moderators and admins. The shared record is never touched by
// a delete for self.
func (s *MessageService) Delete(ctx context.Context, messageID, userID string, forEveryone bool) error {
	m, err := s.lookup(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.authorizeView(ctx, m.Scope, userID); err != nil {
		return err
	}
	at := s.clock()

	if !forEveryone {
		t := domain.Tombstone{MessageID: m.ID, UserID: userID, ConversationKey: m.ConversationKey, At: at}
		if err := s.store.AddTombstone(ctx, t); err != nil {
			return storeErr("add tombstone", err)
		}
		ctx, cancel := s.detached(ctx, s.opts.EnrichTimeout)
		defer cancel()
		if err := s.cache.AddTombstone(ctx, userID, m.ConversationKey, m.ID); err != nil {
			s.enrichFailed("tombstone_add", err, zap.String("message_id", m.ID), zap.String("user_id", userID))
			conv := m.ConversationKey
			s.invalidate(ctx, tombStale(userID, conv), func(ctx context.Context) error { return s.cache.DropTombstones(ctx, userID, conv) })
		}
		return nil
	}

	if m.SenderID != userID {
		allowed := false
		if m.Scope.Kind != domain.ScopeDirect {
			if allowed, err = s.hasRole(ctx, m.Scope, userID, domain.RoleModerator); err != nil {
				return err
			}
		}
		if !allowed {
			return domain.Forbidden("only the sender or a moderator can delete for everyone")
		}
	}

	changed, err := s.store.MarkDeleted(ctx, m.ID, userID, at)
	if err != nil {
		return storeErr("mark deleted", err)
	}
	if !changed {
		return nil
	}

	ctx, cancel := s.detached(ctx, s.opts.EnrichTimeout)
	defer cancel()
	s.refresh(ctx, m.ID)
	if m.Pinned {
		if err := s.cache.Unpin(ctx, m.ConversationKey, m.ID); err != nil {
			s.enrichFailed("unpin", err, zap.String("message_id", m.ID))
			s.dropPins(ctx, m.ConversationKey)
		}
	}
	s.broadcast(ctx, s.audience(ctx, m.Scope, userID), domain.EventMessageDeleted, DeletedEvent{
		MessageID:    m.ID,
		Conversation: m.Scope,
		DeletedBy:    userID,
		At:           at,
	})
	return nil
}

// canPin applies the pin policy: any participant of a direct chat, admins of
// a group, moderators and admins of a channel.
func (s *MessageService) canPin(ctx context.Context, scope domain.Scope, userID string) error {
	if err := s.authorizeView(ctx, scope, userID); err != nil {
		return err
	}
	role := domain.RoleAdmin
	switch scope.Kind {
	case domain.ScopeDirect:
		return nil
	case domain.ScopeChannel:
		role = domain.RoleModerator
	}
	ok, err := s.hasRole(ctx, scope, userID, role)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Forbidden("not allowed to pin in this conversation")
	}
	return nil
}

func (s *MessageService) SetPinned(ctx context.Context, messageID, userID string, pinned bool) (*domain.Message, error) {
	m, err := s.lookup(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.canPin(ctx, m.Scope, userID); err != nil {
		return nil, err
	}
	if pinned && m.DeletedForEveryone() {
		return nil, domain.Invalid("message was deleted")
	}

	at := s.clock()
	if err := s.store.SetPinned(ctx, m.ID, pinned, at); err != nil {
		return nil, storeErr("set pinned", err)
	}

	ctx, cancel := s.detached(ctx, s.opts.EnrichTimeout)
	defer cancel()
	var cerr error
	if pinned {
		cerr = s.cache.Pin(ctx, m.ConversationKey, m.ID, at)
	} else {
		cerr = s.cache.Unpin(ctx, m.ConversationKey, m.ID)
	}
	if cerr != nil {
		s.enrichFailed("pin", cerr, zap.String("message_id", m.ID))
		s.dropPins(ctx, m.ConversationKey)
	}
	fresh := s.refresh(ctx, m.ID)
	if fresh == nil {
		fresh = m
		fresh.Pinned = pinned
		fresh.PinnedAt = nil
		if pinned {
			fresh.PinnedAt = &at
		}
	}
	s.broadcast(ctx, s.audience(ctx, m.Scope, userID), domain.EventMessagePinned, PinnedEvent{
		MessageID:    m.ID,
		Conversation: m.Scope,
		UserID:       userID,
		Pinned:       pinned,
		At:           at,
	})
	return fresh, nil
}

// ListPinned returns the pinned messages of a conversation, most recently
// pinned first.
func (s *MessageService) ListPinned(ctx context.Context, scope domain.Scope, viewerID string) ([]*domain.Message, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := s.authorizeView(ctx, scope, viewerID); err != nil {
		return nil, err
	}
	conv := scope.Key()

	var msgs []*domain.Message
	ids, loaded, err := s.cachedPins(ctx, conv)
	if err == nil && loaded {
		res, err := s.tiered.Get(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if m, ok := res.Found[id]; ok {
				msgs = append(msgs, m)
			}
		}
	} else {
		if err != nil {
			s.enrichFailed("pinned_read", err, zap.String("conversation", conv))
		}
		var serr error
		msgs, serr = s.store.Pinned(ctx, conv)
		if serr != nil {
			return nil, storeErr("pinned", serr)
		}
		if err == nil {
			if err := s.cache.LoadPins(ctx, conv, msgs); err != nil {
				s.enrichFailed("pinned_load", err, zap.String("conversation", conv))
			}
		}
	}

	now := s.clock()
	out := make([]*domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Pinned || m.DeletedForEveryone() || m.Expired(now) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return pinTime(out[i]).After(pinTime(out[j])) })
	return out, nil
}

func (s *MessageService) dropPins(ctx context.Context, conv string) {
	s.invalidate(ctx, pinsStale(conv), func(ctx context.Context) error { return s.cache.DropPins(ctx, conv) })
}

// cachedPins reads the cached pin list. A stale list reports errStale so
// it is neither read nor reloaded.
func (s *MessageService) cachedPins(ctx context.Context, conv string) ([]string, bool, error) {
	drop := func(ctx context.Context) error { return s.cache.DropPins(ctx, conv) }
	if !s.trusted(ctx, pinsStale(conv), drop) {
		return nil, false, errStale
	}
	return s.cache.Pinned(ctx, conv)
}

func pinTime(m *domain.Message) time.Time {
	if m.PinnedAt != nil {
		return *m.PinnedAt
	}
	return m.SentAt
}

// Typing sets or clears the short-lived typing flag and tells the rest of
// the conversation.
func (s *MessageService) Typing(ctx context.Context, scope domain.Scope, userID string, typing bool) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if err := s.authorizeView(ctx, scope, userID); err != nil {
		return err
	}
	if err := s.cache.SetTyping(ctx, scope.Key(), userID, typing); err != nil {
		s.enrichFailed("typing", err, zap.String("conversation", scope.Key()), zap.String("user_id", userID))
	}
	s.broadcast(ctx, s.audience(ctx, scope, userID), domain.EventTyping, TypingEvent{
		Conversation: scope,
		UserID:       userID,
		Typing:       typing,
	})
	return nil
}
