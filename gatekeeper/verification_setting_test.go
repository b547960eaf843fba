package gatekeeper

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func TestVerificationSetting_ApplySetting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		value   string
		check   func(t *testing.T, s *VerificationSetting)
		wantErr error
	}{
		{
			name:  "require_captcha",
			value: "true",
			check: func(t *testing.T, s *VerificationSetting) { assert.True(t, s.RequireCaptcha) },
		},
		{
			name:  "REQUIRE_QUESTIONS",
			value: " 1 ",
			check: func(t *testing.T, s *VerificationSetting) { assert.True(t, s.RequireQuestions) },
		},
		{
			name:    "require_role_accept",
			value:   "maybe",
			wantErr: errInvalidValue,
		},
		{
			name:  "min_account_age_days",
			value: "7",
			check: func(t *testing.T, s *VerificationSetting) { assert.Equal(t, 7, s.MinAccountAgeDays) },
		},
		{
			name:    "min_account_age_days",
			value:   "-1",
			wantErr: errInvalidValue,
		},
		{
			name:  "verified_role",
			value: "<@&123456789012345678>",
			check: func(t *testing.T, s *VerificationSetting) {
				assert.Equal(t, "123456789012345678", s.VerifiedRoleID)
			},
		},
		{
			name:  "welcome_channel",
			value: "<#223456789012345678>",
			check: func(t *testing.T, s *VerificationSetting) {
				assert.Equal(t, "223456789012345678", s.WelcomeChannelID)
			},
		},
		{
			name:  "verification_channel",
			value: "none",
			check: func(t *testing.T, s *VerificationSetting) { assert.Empty(t, s.VerificationChannelID) },
		},
		{
			name:    "verification_channel",
			value:   "general",
			wantErr: errInvalidSnowflake,
		},
		{
			name:  "welcome_message",
			value: "  Welcome {user} to {server}!  ",
			check: func(t *testing.T, s *VerificationSetting) {
				assert.Equal(t, "Welcome {user} to {server}!", s.WelcomeMessage)
			},
		},
		{
			name:    "rules_message",
			value:   strings.Repeat("x", discordMaxMessageLength+1),
			wantErr: errInvalidValue,
		},
		{
			name:    "total_attempts",
			value:   "5",
			wantErr: ErrUnknownSetting,
		},
	}

	for _, tt := range tests {
		t.Run(
			tt.name+"="+truncate(tt.value, 20), func(t *testing.T) {
				s := &VerificationSetting{GuildID: "123456789012345678", VerificationChannelID: "323456789012345678"}
				err := s.ApplySetting(tt.name, tt.value)
				if tt.wantErr != nil {
					require.ErrorIs(t, err, tt.wantErr)
					return
				}
				require.NoError(t, err)
				tt.check(t, s)
			},
		)
	}
}

func TestVerificationSetting_SettingValueRoundTrip(t *testing.T) {
	t.Parallel()
	s := &VerificationSetting{
		RequireCaptcha:        true,
		RequireAccountAge:     true,
		MinAccountAgeDays:     3,
		VerificationChannelID: "123456789012345678",
		VerifiedRoleID:        "223456789012345678",
		WelcomeChannelID:      "323456789012345678",
		WelcomeMessage:        "hi {user}",
		RulesMessage:          "be nice",
	}
	copied := &VerificationSetting{}
	for _, name := range SettingNames() {
		require.NoError(t, copied.ApplySetting(name, s.SettingValue(name)), name)
	}
	assert.Equal(t, s, copied)
	assert.Equal(t, "", s.SettingValue("nope"))
}

func TestSettingNames(t *testing.T) {
	t.Parallel()
	names := SettingNames()
	assert.Len(t, names, len(settingSetters))
	assert.IsIncreasing(t, names)
	assert.Contains(t, names, "verified_role")
}

func TestVerificationSetting_VerificationRequired(t *testing.T) {
	t.Parallel()
	s := &VerificationSetting{}
	assert.False(t, s.VerificationRequired())

	// non-requirement settings don't make verification required
	s.VerifiedRoleID = "123456789012345678"
	s.CustomQuestions = []CustomQuestion{{Question: "q", Answers: []string{"a"}}}
	assert.False(t, s.VerificationRequired())

	for _, name := range []string{
		"require_captcha",
		"require_questions",
		"require_role_accept",
		"require_account_age",
	} {
		r := &VerificationSetting{}
		require.NoError(t, r.ApplySetting(name, "true"))
		assert.True(t, r.VerificationRequired(), name)
	}
}

func TestVerificationSetting_Warnings(t *testing.T) {
	t.Parallel()
	s := &VerificationSetting{}
	assert.Empty(t, s.Warnings())

	s.RequireQuestions = true
	s.RequireAccountAge = true
	s.WelcomeMessage = "hello"
	warnings := s.Warnings()
	assert.Len(t, warnings, 4)

	s.CustomQuestions = []CustomQuestion{{Question: "q", Answers: []string{"a"}}}
	s.MinAccountAgeDays = 1
	s.VerifiedRoleID = "123456789012345678"
	s.WelcomeChannelID = "223456789012345678"
	assert.Empty(t, s.Warnings())
}

func TestVerificationSetting_RenderWelcomeMessage(t *testing.T) {
	t.Parallel()
	s := &VerificationSetting{
		GuildID:        "123456789012345678",
		WelcomeMessage: "Welcome {user} to {server}! Enjoy {server}.",
	}
	assert.Empty(t, s.renderWelcomeMessage("1", "guild"), "no channel")

	s.WelcomeChannelID = "223456789012345678"
	assert.Equal(
		t,
		"Welcome <@323456789012345678> to Test Guild! Enjoy Test Guild.",
		s.renderWelcomeMessage("323456789012345678", "Test Guild"),
	)
	assert.Equal(
		t,
		"Welcome <@1> to 123456789012345678! Enjoy 123456789012345678.",
		s.renderWelcomeMessage("1", ""),
	)

	s.WelcomeMessage = strings.Repeat("{server}", 200)
	assert.LessOrEqual(
		t,
		len([]rune(s.renderWelcomeMessage("1", strings.Repeat("g", 50)))),
		discordMaxMessageLength,
	)
}

func TestVerificationSetting_Questions(t *testing.T) {
	t.Parallel()
	s := &VerificationSetting{}

	for n := 0; n < MaxCustomQuestions; n++ {
		q, err := newCustomQuestion("Favorite color?", []string{"blue ", " Green", ""})
		require.NoError(t, err)
		assert.Equal(t, []string{"blue", "Green"}, q.Answers)
		require.NoError(t, s.addQuestion(q))
	}
	q, err := newCustomQuestion("One too many?", []string{"yes"})
	require.NoError(t, err)
	assert.ErrorIs(t, s.addQuestion(q), ErrTooManyQuestions)

	s.CustomQuestions[1].Question = "second"
	removed, err := s.removeQuestion(2)
	require.NoError(t, err)
	assert.Equal(t, "second", removed.Question)
	assert.Len(t, s.CustomQuestions, MaxCustomQuestions-1)

	_, err = s.removeQuestion(0)
	assert.ErrorIs(t, err, errQuestionNotExists)
	_, err = s.removeQuestion(MaxCustomQuestions)
	assert.ErrorIs(t, err, errQuestionNotExists)
}

func TestNewCustomQuestion_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		question string
		answers  []string
	}{
		{"empty question", "  ", []string{"a"}},
		{"long question", strings.Repeat("q", maxQuestionLength+1), []string{"a"}},
		{"no answers", "question?", []string{" ", ""}},
		{"long answer", "question?", []string{strings.Repeat("a", maxAnswerLength+1)}},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				_, err := newCustomQuestion(tt.question, tt.answers)
				assert.ErrorIs(t, err, errInvalidQuestion)
			},
		)
	}
}

func TestCustomQuestion_Accepts(t *testing.T) {
	t.Parallel()
	q := CustomQuestion{Question: "Capital of France?", Answers: []string{"Paris", " paris, france "}}
	assert.True(t, q.Accepts("paris"))
	assert.True(t, q.Accepts("  PARIS\n"))
	assert.True(t, q.Accepts("Paris, France"))
	assert.False(t, q.Accepts("Lyon"))
	assert.False(t, q.Accepts(""))

	blank := CustomQuestion{Question: "Capital of France?", Answers: []string{"Paris", " "}}
	assert.False(t, blank.Accepts("   "))
}
