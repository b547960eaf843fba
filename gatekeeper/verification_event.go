package gatekeeper

import (
	"log/slog"
)

// EventKind identifies the side effect recorded by a VerificationEvent
type EventKind string

const (
	EventRoleGrant      EventKind = "role_grant"
	EventWelcomeMessage EventKind = "welcome_message"
	EventDirectMessage  EventKind = "direct_message"
	EventChannelPrompt  EventKind = "channel_prompt"
	EventKick           EventKind = "kick"
	EventAgeRejected    EventKind = "age_rejected"
	EventMemberAbsent   EventKind = "member_absent"
	EventManualVerify   EventKind = "manual_verify"

	columnEventKind = "kind"
)

// SideEffectResult is the outcome of a side effect (role grant, message,
// kick) performed during verification. Side effect failures never change
// a verification's outcome.
type SideEffectResult struct {
	Kind    EventKind `json:"kind"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

func (r SideEffectResult) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(r.Kind)),
		slog.Bool("success", r.Success),
	}
	if r.Error != "" {
		attrs = append(attrs, slog.String("error", r.Error))
	}
	if r.Detail != "" {
		attrs = append(attrs, slog.String("detail", r.Detail))
	}
	return slog.GroupValue(attrs...)
}

func newSideEffectResult(kind EventKind, detail string, err error) SideEffectResult {
	r := SideEffectResult{Kind: kind, Success: err == nil, Detail: detail}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// VerificationEvent is an audit record of a side effect, or of a
// member rejected on join
type VerificationEvent struct {
	ModelUintID
	CreatedAt int64 `gorm:"autoCreateTime:milli;index" json:"created_at"`

	Kind    EventKind `gorm:"not null;index" json:"kind"`
	GuildID string    `gorm:"not null;index" json:"guild_id"`
	UserID  string    `gorm:"not null;index" json:"user_id"`

	// LogID is the associated VerificationLog, if any
	LogID *uint            `gorm:"index" json:"log_id,omitempty"`
	Log   *VerificationLog `gorm:"constraint:OnDelete:SET NULL" json:"-"`

	Success bool   `gorm:"not null" json:"success"`
	Error   string `json:"error,omitempty"`
	Detail  string `json:"detail,omitempty"`

	// Actor is the admin responsible, for manual actions
	Actor string `json:"actor,omitempty"`
}

func (e VerificationEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(e.ID)),
		slog.String("kind", string(e.Kind)),
		slog.String(columnGuildID, e.GuildID),
		slog.String(columnUserID, e.UserID),
		slog.Bool("success", e.Success),
	)
}

func newVerificationEvent(
	guildID string,
	userID string,
	logID *uint,
	result SideEffectResult,
) *VerificationEvent {
	return &VerificationEvent{
		Kind:    result.Kind,
		GuildID: guildID,
		UserID:  userID,
		LogID:   logID,
		Success: result.Success,
		Error:   result.Error,
		Detail:  result.Detail,
	}
}
