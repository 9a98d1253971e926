package api

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/fathima-sithara/chat-core/internal/domain"
	"github.com/fathima-sithara/chat-core/internal/service"
	"github.com/gofiber/fiber/v2"
)

type Handlers struct {
	svc     *service.MessageService
	timeout time.Duration
}

func NewHandlers(svc *service.MessageService, timeout time.Duration) *Handlers {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Handlers{svc: svc, timeout: timeout}
}

func (h *Handlers) ctx(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), h.timeout)
}

type draftRequest struct {
	Kind       string          `json:"kind" validate:"required,oneof=direct group channel"`
	ID         string          `json:"id" validate:"required,max=256"`
	Content    json.RawMessage `json:"content"`
	Type       string          `json:"type" validate:"omitempty,oneof=text image video audio document link"`
	MediaID    string          `json:"media_id" validate:"max=256"`
	ReplyToID  string          `json:"reply_to_id" validate:"max=128"`
	TTLSeconds int64           `json:"ttl_seconds" validate:"gte=0"`
	SendAt     *time.Time      `json:"send_at,omitempty"`
}

func (r draftRequest) draft(sender string) (domain.Draft, error) {
	scope, err := domain.ParseScope(r.Kind, r.ID, sender)
	if err != nil {
		return domain.Draft{}, err
	}
	typ := domain.MessageType(r.Type)
	if typ == "" {
		typ = domain.TypeText
	}
	return domain.Draft{
		Scope:     scope,
		SenderID:  sender,
		Content:   []byte(r.Content),
		Type:      typ,
		MediaID:   r.MediaID,
		ReplyToID: r.ReplyToID,
		TTL:       time.Duration(r.TTLSeconds) * time.Second,
	}, nil
}

func (h *Handlers) parseDraft(c *fiber.Ctx) (draftRequest, domain.Draft, error) {
	var req draftRequest
	if err := bind(c, &req); err != nil {
		return req, domain.Draft{}, err
	}
	d, err := req.draft(userID(c))
	return req, d, err
}

func (h *Handlers) send(c *fiber.Ctx) error {
	_, d, err := h.parseDraft(c)
	if err != nil {
		return err
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	m, err := h.svc.Send(ctx, d)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "ok", "data": m})
}

func (h *Handlers) schedule(c *fiber.Ctx) error {
	req, d, err := h.parseDraft(c)
	if err != nil {
		return err
	}
	if req.SendAt == nil {
		return fiber.NewError(fiber.StatusBadRequest, "send_at required")
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	sm, err := h.svc.Schedule(ctx, d, *req.SendAt)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "ok", "data": sm})
}

func scopeParam(c *fiber.Ctx) (domain.Scope, error) {
	return domain.ParseScope(c.Params("kind"), c.Params("id"), userID(c))
}

func (h *Handlers) fetch(c *fiber.Ctx) error {
	scope, err := scopeParam(c)
	if err != nil {
		return err
	}
	req := service.FetchRequest{
		Scope:    scope,
		ViewerID: userID(c),
		Limit:    c.QueryInt("limit"),
		MarkSeen: c.QueryBool("seen"),
	}
	if v := c.Query("before"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "before must be epoch milliseconds")
		}
		before := time.UnixMilli(ms).UTC()
		req.Before = &before
		req.BeforeID = c.Query("before_id")
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	res, err := h.svc.Fetch(ctx, req)
	if err != nil {
		return err
	}
	out := fiber.Map{"status": "ok", "data": res.Messages}
	if res.Next != nil {
		out["next_before"] = domain.Ms(*res.Next)
		out["next_before_id"] = res.NextID
	}
	return c.JSON(out)
}

func (h *Handlers) pinned(c *fiber.Ctx) error {
	scope, err := scopeParam(c)
	if err != nil {
		return err
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	msgs, err := h.svc.ListPinned(ctx, scope, userID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok", "data": msgs})
}

func (h *Handlers) typing(c *fiber.Ctx) error {
	scope, err := scopeParam(c)
	if err != nil {
		return err
	}
	body := struct {
		Typing bool `json:"typing"`
	}{Typing: true}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid body")
		}
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := h.svc.Typing(ctx, scope, userID(c), body.Typing); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *Handlers) updateStatus(c *fiber.Ctx) error {
	var body struct {
		Status string `json:"status" validate:"required,oneof=delivered seen"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	status, err := domain.ParseStatus(body.Status)
	if err != nil {
		return err
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	r, err := h.svc.UpdateStatus(ctx, c.Params("id"), userID(c), status)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok", "data": r})
}

func (h *Handlers) getStatus(c *fiber.Ctx) error {
	ctx, cancel := h.ctx(c)
	defer cancel()
	rs, err := h.svc.GetStatus(ctx, c.Params("id"), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok", "data": rs})
}

func (h *Handlers) react(c *fiber.Ctx) error {
	var body struct {
		Reaction string `json:"reaction" validate:"max=128"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	m, err := h.svc.React(ctx, c.Params("id"), userID(c), body.Reaction)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok", "data": m})
}

func (h *Handlers) delete(c *fiber.Ctx) error {
	var everyone bool
	switch c.Query("for", "self") {
	case "self":
	case "everyone":
		everyone = true
	default:
		return fiber.NewError(fiber.StatusBadRequest, "for must be self or everyone")
	}
	ctx, cancel := h.ctx(c)
	defer cancel()
	if err := h.svc.Delete(ctx, c.Params("id"), userID(c), everyone); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *Handlers) pin(pinned bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := h.ctx(c)
		defer cancel()
		m, err := h.svc.SetPinned(ctx, c.Params("id"), userID(c), pinned)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"status": "ok", "data": m})
	}
}

func (h *Handlers) purge(c *fiber.Ctx) error {
	var body struct {
		Before *time.Time `json:"before"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid body")
		}
	}
	now := time.Now().UTC()
	if body.Before != nil {
		now = *body.Before
	}
	n, err := h.svc.PurgeExpired(c.UserContext(), now)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok", "deleted": n})
}

func (h *Handlers) deleteByIDs(c *fiber.Ctx) error {
	var body struct {
		IDs []string `json:"ids" validate:"required,min=1,max=1000,dive,required"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	n, err := h.svc.DeleteByIDs(c.UserContext(), body.IDs)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok", "deleted": n})
}

func (h *Handlers) dispatch(c *fiber.Ctx) error {
	n, err := h.svc.DispatchDue(c.UserContext(), time.Now().UTC())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok", "sent": n})
}

type blockRequest struct {
	UserID   string `json:"user_id" validate:"required,max=128"`
	TargetID string `json:"target_id" validate:"required,max=128,nefield=UserID"`
}

// blockHandler adds or removes target from user's block list. A blocked
// target can no longer send direct messages to user.
func blockHandler(blocks BlockEditor, block bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body blockRequest
		if err := bind(c, &body); err != nil {
			return err
		}
		var err error
		if block {
			err = blocks.Block(c.UserContext(), body.UserID, body.TargetID)
		} else {
			err = blocks.Unblock(c.UserContext(), body.UserID, body.TargetID)
		}
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"status": "ok"})
	}
}
