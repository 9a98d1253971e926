// Package envelope checks the shape of encrypted content envelopes without
// decrypting them.
package envelope

import (
	"github.com/fathima-sithara/chat-core/internal/domain"
	"github.com/tidwall/gjson"
)

// Validator accepts the envelopes produced by clients:
//
//	direct:         {"message": "...", "key": "...", "iv": "..."}
//	group, channel: {"message": "...", "keys": {"<member>": "..."}, "iv": "..."}
type Validator struct {
	MaxBytes int
}

func New(maxBytes int) *Validator {
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	return &Validator{MaxBytes: maxBytes}
}

func (v *Validator) Validate(kind domain.ScopeKind, content []byte) error {
	if len(content) == 0 {
		return domain.Invalid("content missing")
	}
	if len(content) > v.MaxBytes {
		return domain.Invalid("content too large")
	}
	if !gjson.ValidBytes(content) {
		return domain.Invalid("encrypted message structure is invalid")
	}
	doc := gjson.ParseBytes(content)
	if !doc.IsObject() {
		return domain.Invalid("encrypted message structure is invalid")
	}
	if !nonEmptyString(doc.Get("message")) || !nonEmptyString(doc.Get("iv")) {
		return domain.Invalid("encrypted message needs message and iv")
	}

	switch kind {
	case domain.ScopeDirect:
		if !nonEmptyString(doc.Get("key")) {
			return domain.Invalid("encrypted message needs key")
		}
	case domain.ScopeGroup, domain.ScopeChannel:
		keys := doc.Get("keys")
		if !keys.IsObject() {
			return domain.Invalid("encrypted message needs keys object")
		}
		ok, n := true, 0
		keys.ForEach(func(_, val gjson.Result) bool {
			n++
			ok = nonEmptyString(val)
			return ok
		})
		if !ok || n == 0 {
			return domain.Invalid("encrypted message keys must be non-empty strings")
		}
	default:
		return domain.Invalid("unknown conversation kind")
	}
	return nil
}

func nonEmptyString(r gjson.Result) bool {
	return r.Type == gjson.String && r.Str != ""
}
