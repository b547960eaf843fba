package gatekeeper

import (
	"log/slog"
	"time"
)

const (
	FailureReasonCaptcha   = "Too many failed captcha attempts"
	FailureReasonQuestions = "Too many failed question attempts"
	FailureReasonDeclined  = "User declined rules"

	columnLogSuccess             = "success"
	columnLogCompletedAt         = "completed_at"
	columnLogFailureReason       = "failure_reason"
	columnLogVersion             = "version"
	columnLogCaptchaAttempts     = "captcha_attempts"
	columnLogCaptchaCompleted    = "captcha_completed"
	columnLogQuestionsAttempts   = "questions_attempts"
	columnLogQuestionsCompleted  = "questions_completed"
	columnLogRoleAcceptCompleted = "role_accept_completed"
	columnLogUpdatedAt           = "updated_at"

	LogStatusInProgress = "in_progress"
	LogStatusPassed     = "passed"
	LogStatusFailed     = "failed"
)

// VerificationStep is a step of verification that's presented to a member
type VerificationStep string

const (
	StepNone       VerificationStep = ""
	StepCaptcha    VerificationStep = "captcha"
	StepQuestions  VerificationStep = "questions"
	StepRoleAccept VerificationStep = "role_accept"
)

// VerificationLog records a single attempt by a member to pass
// verification in a guild. Success is nil while the attempt is in
// progress. Once Success is set, the log is terminal and isn't
// modified again.
//
// At most one in-progress log exists for a user and guild, which is
// enforced by a partial unique index.
type VerificationLog struct {
	ModelUintID

	SettingID uint                 `gorm:"not null;index" json:"setting_id"`
	Setting   *VerificationSetting `gorm:"constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"-"`

	UserID  string `gorm:"not null;index:idx_verification_logs_user_guild,priority:1" json:"user_id"`
	GuildID string `gorm:"not null;index:idx_verification_logs_user_guild,priority:2" json:"guild_id"`

	StartedAt   int64  `gorm:"autoCreateTime:milli;index" json:"started_at"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
	UpdatedAt   int64  `gorm:"autoUpdateTime:milli" json:"updated_at"`

	Success       *bool  `json:"success"`
	FailureReason string `json:"failure_reason,omitempty"`

	CaptchaAttempts     int  `gorm:"not null;default:0" json:"captcha_attempts"`
	CaptchaCompleted    bool `gorm:"not null;default:false" json:"captcha_completed"`
	QuestionsAttempts   int  `gorm:"not null;default:0" json:"questions_attempts"`
	QuestionsCompleted  bool `gorm:"not null;default:false" json:"questions_completed"`
	RoleAcceptCompleted bool `gorm:"not null;default:false" json:"role_accept_completed"`

	// ManualVerifiedBy is the ID of the admin that manually verified
	// the member, if the log was created or finished by manual
	// verification
	ManualVerifiedBy string `json:"manual_verified_by,omitempty"`
	ManualReason     string `json:"manual_reason,omitempty"`

	// Version is incremented on every update, and updates are
	// conditional on the version that was read
	Version int `gorm:"not null;default:0" json:"version"`
}

func (l VerificationLog) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Uint64("id", uint64(l.ID)),
		slog.String(columnUserID, l.UserID),
		slog.String(columnGuildID, l.GuildID),
		slog.String("status", l.Status()),
		slog.Int(columnLogCaptchaAttempts, l.CaptchaAttempts),
		slog.Bool(columnLogCaptchaCompleted, l.CaptchaCompleted),
		slog.Int(columnLogQuestionsAttempts, l.QuestionsAttempts),
		slog.Bool(columnLogQuestionsCompleted, l.QuestionsCompleted),
		slog.Bool(columnLogRoleAcceptCompleted, l.RoleAcceptCompleted),
		slog.Int(columnLogVersion, l.Version),
	}
	if l.FailureReason != "" {
		attrs = append(attrs, slog.String(columnLogFailureReason, l.FailureReason))
	}
	return slog.GroupValue(attrs...)
}

// Terminal returns true when the log has passed or failed
func (l *VerificationLog) Terminal() bool {
	return l.Success != nil
}

// Status returns LogStatusInProgress, LogStatusPassed or LogStatusFailed
func (l *VerificationLog) Status() string {
	switch {
	case l.Success == nil:
		return LogStatusInProgress
	case *l.Success:
		return LogStatusPassed
	default:
		return LogStatusFailed
	}
}

// CompletedTime returns CompletedAt as a time.Time, or the zero value
func (l *VerificationLog) CompletedTime() time.Time {
	if l.CompletedAt == nil {
		return time.Time{}
	}
	return time.UnixMilli(*l.CompletedAt)
}

// nextStep returns the first step, in fixed order, that's required by
// the setting and not completed. StepNone means every required step is
// complete.
func (l *VerificationLog) nextStep(setting *VerificationSetting) VerificationStep {
	switch {
	case setting.RequireCaptcha && !l.CaptchaCompleted:
		return StepCaptcha
	case setting.RequireQuestions && !l.QuestionsCompleted:
		return StepQuestions
	case setting.RequireRoleAccept && !l.RoleAcceptCompleted:
		return StepRoleAccept
	default:
		return StepNone
	}
}
