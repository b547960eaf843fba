package gatekeeper

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

const (
	columnGuildID                        = "guild_id"
	columnUserID                         = "user_id"
	columnSettingRequireCaptcha          = "require_captcha"
	columnSettingRequireQuestions        = "require_questions"
	columnSettingRequireRoleAccept       = "require_role_accept"
	columnSettingRequireAccountAge       = "require_account_age"
	columnSettingMinAccountAgeDays       = "min_account_age_days"
	columnSettingVerificationChannelID   = "verification_channel_id"
	columnSettingVerifiedRoleID          = "verified_role_id"
	columnSettingWelcomeChannelID        = "welcome_channel_id"
	columnSettingWelcomeMessage          = "welcome_message"
	columnSettingRulesMessage            = "rules_message"
	columnSettingCustomQuestions         = "custom_questions"
	columnSettingTotalAttempts           = "total_attempts"
	columnSettingSuccessfulVerifications = "successful_verifications"
	columnSettingFailedVerifications     = "failed_verifications"
	columnSettingAccountAgeRejections    = "account_age_rejections"

	// MaxCustomQuestions is the number of text inputs a discord modal
	// can hold
	MaxCustomQuestions = 5

	welcomePlaceholderUser   = "{user}"
	welcomePlaceholderServer = "{server}"

	maxQuestionLength = 45
	maxAnswerLength   = 100
)

var (
	ErrUnknownSetting    = errors.New("unknown setting")
	ErrTooManyQuestions  = fmt.Errorf("guilds may have at most %d questions", MaxCustomQuestions)
	errInvalidQuestion   = errors.New("invalid question")
	errQuestionNotExists = errors.New("question does not exist")
	errInvalidValue      = errors.New("invalid value")
)

// CustomQuestion is an admin-defined question. A submitted answer is
// correct if it matches any of Answers, ignoring case.
type CustomQuestion struct {
	Question string   `json:"question" binding:"required"`
	Answers  []string `json:"answers" binding:"required,min=1,dive,required"`
}

// Accepts reports whether answer matches any accepted answer
func (q CustomQuestion) Accepts(answer string) bool {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return false
	}
	for _, a := range q.Answers {
		if strings.EqualFold(answer, strings.TrimSpace(a)) {
			return true
		}
	}
	return false
}

func (q CustomQuestion) validate() error {
	if strings.TrimSpace(q.Question) == "" {
		return fmt.Errorf("%w: question text is required", errInvalidQuestion)
	}
	if len([]rune(q.Question)) > maxQuestionLength {
		return fmt.Errorf(
			"%w: question text must be at most %d characters",
			errInvalidQuestion,
			maxQuestionLength,
		)
	}
	hasAnswer := false
	for _, a := range q.Answers {
		if strings.TrimSpace(a) != "" {
			hasAnswer = true
		}
		if len([]rune(a)) > maxAnswerLength {
			return fmt.Errorf(
				"%w: answers must be at most %d characters",
				errInvalidQuestion,
				maxAnswerLength,
			)
		}
	}
	if !hasAnswer {
		return fmt.Errorf("%w: at least one answer is required", errInvalidQuestion)
	}
	return nil
}

// newCustomQuestion builds a question, dropping blank answers
func newCustomQuestion(question string, answers []string) (CustomQuestion, error) {
	q := CustomQuestion{Question: strings.TrimSpace(question)}
	for _, a := range answers {
		if a = strings.TrimSpace(a); a != "" {
			q.Answers = append(q.Answers, a)
		}
	}
	return q, q.validate()
}

// VerificationSetting is the verification configuration for a guild. If
// no requirement is enabled, verification isn't required and members
// are accepted without a VerificationLog.
type VerificationSetting struct {
	ModelUintID
	ModelUnixTime

	GuildID string `gorm:"uniqueIndex;not null" json:"guild_id"`

	RequireCaptcha    bool `gorm:"not null;default:false" json:"require_captcha"`
	RequireQuestions  bool `gorm:"not null;default:false" json:"require_questions"`
	RequireRoleAccept bool `gorm:"not null;default:false" json:"require_role_accept"`
	RequireAccountAge bool `gorm:"not null;default:false" json:"require_account_age"`

	MinAccountAgeDays int `gorm:"not null;default:0" json:"min_account_age_days"`

	VerificationChannelID string `json:"verification_channel_id"`
	VerifiedRoleID        string `json:"verified_role_id"`
	WelcomeChannelID      string `json:"welcome_channel_id"`
	WelcomeMessage        string `json:"welcome_message"`
	RulesMessage          string `json:"rules_message"`

	CustomQuestions []CustomQuestion `gorm:"serializer:json" json:"custom_questions"`

	TotalAttempts           int64 `gorm:"not null;default:0" json:"total_attempts"`
	SuccessfulVerifications int64 `gorm:"not null;default:0" json:"successful_verifications"`
	FailedVerifications     int64 `gorm:"not null;default:0" json:"failed_verifications"`
	AccountAgeRejections    int64 `gorm:"not null;default:0" json:"account_age_rejections"`
}

func (s VerificationSetting) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(s.ID)),
		slog.String(columnGuildID, s.GuildID),
		slog.Bool(columnSettingRequireCaptcha, s.RequireCaptcha),
		slog.Bool(columnSettingRequireQuestions, s.RequireQuestions),
		slog.Bool(columnSettingRequireRoleAccept, s.RequireRoleAccept),
		slog.Bool(columnSettingRequireAccountAge, s.RequireAccountAge),
		slog.Int(columnSettingMinAccountAgeDays, s.MinAccountAgeDays),
		slog.Int("questions", len(s.CustomQuestions)),
	)
}

// VerificationRequired is false when no requirement is enabled
func (s *VerificationSetting) VerificationRequired() bool {
	return s.RequireCaptcha ||
		s.RequireQuestions ||
		s.RequireRoleAccept ||
		s.RequireAccountAge
}

// Warnings describes configuration that's valid, but probably not
// what an admin intended
func (s *VerificationSetting) Warnings() []string {
	var warnings []string
	if s.RequireQuestions && len(s.CustomQuestions) == 0 {
		warnings = append(
			warnings,
			"Questions are required, but no questions are configured, "+
				"so the questions step is skipped.",
		)
	}
	if s.RequireAccountAge && s.MinAccountAgeDays == 0 {
		warnings = append(
			warnings,
			"Account age is required, but the minimum age is 0 days.",
		)
	}
	if s.VerificationRequired() && s.VerifiedRoleID == "" {
		warnings = append(
			warnings,
			"No verified role is set, so verified members aren't given a role.",
		)
	}
	if (s.WelcomeChannelID == "") != (s.WelcomeMessage == "") {
		warnings = append(
			warnings,
			"Welcome messages need both a welcome channel and a welcome message.",
		)
	}
	return warnings
}

// renderWelcomeMessage substitutes placeholders in the welcome message
// template. An empty string is returned if no welcome message should be
// sent.
func (s *VerificationSetting) renderWelcomeMessage(userID string, guildName string) string {
	if s.WelcomeChannelID == "" || s.WelcomeMessage == "" {
		return ""
	}
	if guildName == "" {
		guildName = s.GuildID
	}
	msg := strings.NewReplacer(
		welcomePlaceholderUser, userMention(userID),
		welcomePlaceholderServer, guildName,
	).Replace(s.WelcomeMessage)
	return truncate(msg, discordMaxMessageLength)
}

// addQuestion appends a custom question
func (s *VerificationSetting) addQuestion(q CustomQuestion) error {
	if err := q.validate(); err != nil {
		return err
	}
	if len(s.CustomQuestions) >= MaxCustomQuestions {
		return ErrTooManyQuestions
	}
	s.CustomQuestions = append(s.CustomQuestions, q)
	return nil
}

// removeQuestion removes the custom question at the given 1-based index
func (s *VerificationSetting) removeQuestion(index int) (CustomQuestion, error) {
	if index < 1 || index > len(s.CustomQuestions) {
		return CustomQuestion{}, fmt.Errorf(
			"%w: %d (guild has %d questions)",
			errQuestionNotExists,
			index,
			len(s.CustomQuestions),
		)
	}
	removed := s.CustomQuestions[index-1]
	questions := make([]CustomQuestion, 0, len(s.CustomQuestions)-1)
	questions = append(questions, s.CustomQuestions[:index-1]...)
	questions = append(questions, s.CustomQuestions[index:]...)
	s.CustomQuestions = questions
	return removed, nil
}

// settingSetter parses a setting's value from a string and applies it
type settingSetter func(s *VerificationSetting, value string) error

func boolSetter(field func(s *VerificationSetting) *bool) settingSetter {
	return func(s *VerificationSetting, value string) error {
		v, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("expected true or false, got %q", value)
		}
		*field(s) = v
		return nil
	}
}

// snowflakeSetter accepts an ID or mention. An empty value, or 'none',
// clears the setting.
func snowflakeSetter(field func(s *VerificationSetting) *string) settingSetter {
	return func(s *VerificationSetting, value string) error {
		value = strings.TrimSpace(value)
		if value == "" || strings.EqualFold(value, "none") {
			*field(s) = ""
			return nil
		}
		id, err := parseSnowflake(value)
		if err != nil {
			return err
		}
		*field(s) = id
		return nil
	}
}

func textSetter(maxLength int, field func(s *VerificationSetting) *string) settingSetter {
	return func(s *VerificationSetting, value string) error {
		value = strings.TrimSpace(value)
		if len([]rune(value)) > maxLength {
			return fmt.Errorf("must be at most %d characters", maxLength)
		}
		*field(s) = value
		return nil
	}
}

const (
	settingVerificationChannel = "verification_channel"
	settingVerifiedRole        = "verified_role"
	settingWelcomeChannel      = "welcome_channel"
)

// settingSetters maps admin-facing setting names to typed setters
var settingSetters = map[string]settingSetter{
	columnSettingRequireCaptcha: boolSetter(
		func(s *VerificationSetting) *bool { return &s.RequireCaptcha },
	),
	columnSettingRequireQuestions: boolSetter(
		func(s *VerificationSetting) *bool { return &s.RequireQuestions },
	),
	columnSettingRequireRoleAccept: boolSetter(
		func(s *VerificationSetting) *bool { return &s.RequireRoleAccept },
	),
	columnSettingRequireAccountAge: boolSetter(
		func(s *VerificationSetting) *bool { return &s.RequireAccountAge },
	),
	columnSettingMinAccountAgeDays: func(s *VerificationSetting, value string) error {
		v, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || v < 0 {
			return fmt.Errorf("expected a non-negative number of days, got %q", value)
		}
		s.MinAccountAgeDays = v
		return nil
	},
	settingVerificationChannel: snowflakeSetter(
		func(s *VerificationSetting) *string { return &s.VerificationChannelID },
	),
	settingVerifiedRole: snowflakeSetter(
		func(s *VerificationSetting) *string { return &s.VerifiedRoleID },
	),
	settingWelcomeChannel: snowflakeSetter(
		func(s *VerificationSetting) *string { return &s.WelcomeChannelID },
	),
	columnSettingWelcomeMessage: textSetter(
		discordMaxMessageLength,
		func(s *VerificationSetting) *string { return &s.WelcomeMessage },
	),
	columnSettingRulesMessage: textSetter(
		discordMaxMessageLength,
		func(s *VerificationSetting) *string { return &s.RulesMessage },
	),
}

// SettingNames returns the sorted names of all settings in settingSetters
func SettingNames() []string {
	names := make([]string, 0, len(settingSetters))
	for name := range settingSetters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplySetting sets the named setting from its string value
func (s *VerificationSetting) ApplySetting(name string, value string) error {
	setter, ok := settingSetters[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSetting, name)
	}
	if err := setter(s, value); err != nil {
		return fmt.Errorf("%w for %s: %w", errInvalidValue, name, err)
	}
	return nil
}

// SettingValue returns the current value of a named setting, formatted
// the way ApplySetting accepts it
func (s *VerificationSetting) SettingValue(name string) string {
	switch name {
	case columnSettingRequireCaptcha:
		return strconv.FormatBool(s.RequireCaptcha)
	case columnSettingRequireQuestions:
		return strconv.FormatBool(s.RequireQuestions)
	case columnSettingRequireRoleAccept:
		return strconv.FormatBool(s.RequireRoleAccept)
	case columnSettingRequireAccountAge:
		return strconv.FormatBool(s.RequireAccountAge)
	case columnSettingMinAccountAgeDays:
		return strconv.Itoa(s.MinAccountAgeDays)
	case settingVerificationChannel:
		return s.VerificationChannelID
	case settingVerifiedRole:
		return s.VerifiedRoleID
	case settingWelcomeChannel:
		return s.WelcomeChannelID
	case columnSettingWelcomeMessage:
		return s.WelcomeMessage
	case columnSettingRulesMessage:
		return s.RulesMessage
	default:
		return ""
	}
}
