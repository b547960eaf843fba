package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/cenkalti/backoff/v4"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

var ErrWrongUser = errors.New("verification belongs to another user")

// PromptKind describes what should be presented to a member after a
// verification operation
type PromptKind string

const (
	// PromptNotRequired means the guild doesn't require verification.
	// No log is created.
	PromptNotRequired PromptKind = "not_required"

	// PromptRejected means the member's account is too young. No log
	// is created.
	PromptRejected PromptKind = "rejected"

	// PromptCooldown means the member's last attempt failed too
	// recently to start another. No log is created.
	PromptCooldown PromptKind = "cooldown"

	PromptCaptcha    PromptKind = "captcha"
	PromptQuestions  PromptKind = "questions"
	PromptRoleAccept PromptKind = "role_accept"
	PromptCompleted  PromptKind = "completed"
	PromptFailed     PromptKind = "failed"
)

// Prompt is the result of a verification operation: the state the
// member's verification is in, and what to show them next
type Prompt struct {
	Kind PromptKind       `json:"kind"`
	Log  *VerificationLog `json:"log,omitempty"`

	// Message is a notice for the member, such as a rejection or
	// failure reason
	Message string `json:"message,omitempty"`

	// Captcha is set for PromptCaptcha
	Captcha *IssuedChallenge `json:"-"`

	// Questions is set for PromptQuestions
	Questions []string `json:"questions,omitempty"`

	// RulesMessage is set for PromptRoleAccept
	RulesMessage string `json:"rules_message,omitempty"`

	// RetryAt is set for PromptCooldown
	RetryAt time.Time `json:"-"`

	// RemainingAttempts is the number of submissions left for the
	// current captcha or questions step
	RemainingAttempts int `json:"remaining_attempts,omitempty"`

	// Incorrect is set when the prompt is re-presented after a wrong
	// submission
	Incorrect bool `json:"incorrect,omitempty"`

	// AlreadyFinal is set when the log was already terminal, and
	// nothing was changed
	AlreadyFinal bool `json:"already_final,omitempty"`

	// SideEffects are the results of side effects performed after the
	// verification completed
	SideEffects []SideEffectResult `json:"side_effects,omitempty"`

	// completed is set when this operation finalized the log as
	// passed, so completion side effects should run
	completed bool
}

func (p Prompt) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", string(p.Kind))}
	if p.Log != nil {
		attrs = append(attrs, slog.Uint64("log_id", uint64(p.Log.ID)))
	}
	if p.AlreadyFinal {
		attrs = append(attrs, slog.Bool("already_final", true))
	}
	if p.Incorrect {
		attrs = append(attrs, slog.Int("remaining_attempts", p.RemainingAttempts))
	}
	return slog.GroupValue(attrs...)
}

// StartRequest starts or resumes verification for a member
type StartRequest struct {
	GuildID string
	UserID  string

	// AccountCreatedAt is when the member's account was created. If
	// zero, it's derived from the user ID.
	AccountCreatedAt time.Time
}

// MemberJoined is a member join event
type MemberJoined struct {
	GuildID          string
	UserID           string
	AccountCreatedAt time.Time
	IsBot            bool
}

// JoinOutcome is what happened when a member joined
type JoinOutcome string

const (
	JoinSkippedBot  JoinOutcome = "skipped_bot"
	JoinNotRequired JoinOutcome = "not_required"
	JoinRejected    JoinOutcome = "rejected"
	JoinPrompted    JoinOutcome = "prompted"
	JoinCooldown    JoinOutcome = "cooldown"
)

// JoinResult is the result of OnMemberJoin
type JoinResult struct {
	Outcome     JoinOutcome
	Log         *VerificationLog
	SideEffects []SideEffectResult
}

// ManualVerifyRequest is an admin's request to verify a member,
// bypassing all verification steps
type ManualVerifyRequest struct {
	GuildID string `json:"-"`
	UserID  string `json:"user_id" binding:"required"`
	Actor   string `json:"actor" binding:"required"`
	Reason  string `json:"reason"`
}

// VerificationEngine runs the verification state machine. Every
// change to a member's verification happens while holding that
// member's lock (per guild), against a freshly read log. Writes that
// lose a race with another instance are retried with a fresh read.
type VerificationEngine struct {
	store      VerificationStore
	challenges ChallengeStore
	captcha    CaptchaGenerator
	locker     Locker
	notifier   Notifier
	members    MemberService
	config     *VerificationConfig
	logger     *slog.Logger
	now        func() time.Time
}

// EngineDeps are the collaborators used by a VerificationEngine
type EngineDeps struct {
	Store      VerificationStore
	Challenges ChallengeStore
	Captcha    CaptchaGenerator
	Locker     Locker
	Notifier   Notifier
	Members    MemberService
}

func NewVerificationEngine(
	deps EngineDeps,
	config *VerificationConfig,
	logger *slog.Logger,
) *VerificationEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = DefaultVerificationConfig()
	}
	if deps.Captcha == nil {
		deps.Captcha = NewCaptchaGenerator()
	}
	return &VerificationEngine{
		store:      deps.Store,
		challenges: deps.Challenges,
		captcha:    deps.Captcha,
		locker:     deps.Locker,
		notifier:   deps.Notifier,
		members:    deps.Members,
		config:     config,
		logger:     logger.With(loggerNameKey, "verification"),
		now:        time.Now,
	}
}

func (e *VerificationEngine) log(ctx context.Context) *slog.Logger {
	return contextLoggerOr(ctx, e.logger)
}

// ageRejection returns a message for the member if their account is
// too young for the guild, or an empty string if not
func (e *VerificationEngine) ageRejection(
	setting *VerificationSetting,
	userID string,
	created time.Time,
) (message string, ageDays int) {
	if !setting.RequireAccountAge {
		return "", 0
	}
	if created.IsZero() {
		var err error
		created, err = accountCreatedAt(userID)
		if err != nil {
			e.logger.Warn(
				"unable to determine account age, skipping age check",
				columnUserID, userID,
				tint.Err(err),
			)
			return "", 0
		}
	}
	ageDays = accountAgeDays(created, e.now())
	if ageDays >= setting.MinAccountAgeDays {
		return "", ageDays
	}
	return fmt.Sprintf(
		"Your account must be at least %d days old to be verified in this "+
			"server. Your account is %d days old.",
		setting.MinAccountAgeDays,
		ageDays,
	), ageDays
}

// withMemberLock holds the member's lock while running fn. fn is
// retried when a conditional log update lost to another writer.
func (e *VerificationEngine) withMemberLock(
	ctx context.Context,
	guildID string,
	userID string,
	fn func() (Prompt, error),
) (Prompt, error) {
	unlock, err := e.locker.Lock(ctx, verificationLockKey(guildID, userID))
	if err != nil {
		return Prompt{}, err
	}
	defer unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = e.config.StaleRetryMaxElapsed

	var prompt Prompt
	err = backoff.Retry(
		func() error {
			p, opErr := fn()
			if opErr == nil {
				prompt = p
				return nil
			}
			if errors.Is(opErr, ErrStaleLog) || errors.Is(opErr, ErrLogTerminal) {
				e.log(ctx).InfoContext(ctx, "verification log changed, retrying", tint.Err(opErr))
				return opErr
			}
			return backoff.Permanent(opErr)
		},
		backoff.WithContext(b, ctx),
	)
	return prompt, err
}

// withLog loads the log, checks that it belongs to userID, then runs
// fn with the member's lock held. fn is given the setting and a fresh
// copy of the log on every attempt.
func (e *VerificationEngine) withLog(
	ctx context.Context,
	logID uint,
	userID string,
	fn func(setting *VerificationSetting, log *VerificationLog) (Prompt, error),
) (Prompt, error) {
	vlog, err := e.store.GetLog(ctx, logID)
	if err != nil {
		return Prompt{}, err
	}
	if vlog.UserID != userID {
		return Prompt{}, ErrWrongUser
	}
	setting, err := e.store.GetOrCreateSetting(ctx, vlog.GuildID)
	if err != nil {
		return Prompt{}, err
	}

	prompt, err := e.withMemberLock(
		ctx, vlog.GuildID, userID, func() (Prompt, error) {
			current, getErr := e.store.GetLog(ctx, logID)
			if getErr != nil {
				return Prompt{}, getErr
			}
			return fn(setting, current)
		},
	)
	if err != nil {
		return prompt, err
	}
	return e.afterTransition(ctx, setting, prompt), nil
}

// afterTransition runs completion side effects, if the operation
// completed verification
func (e *VerificationEngine) afterTransition(
	ctx context.Context,
	setting *VerificationSetting,
	prompt Prompt,
) Prompt {
	if prompt.Log == nil {
		return prompt
	}
	if prompt.Log.Terminal() && !prompt.AlreadyFinal {
		e.discardChallenge(ctx, prompt.Log.ID)
	}
	if prompt.completed {
		prompt.SideEffects = e.completionSideEffects(ctx, setting, prompt.Log, "")
	}
	return prompt
}

func (e *VerificationEngine) discardChallenge(ctx context.Context, logID uint) {
	if err := e.challenges.Discard(ctx, logID); err != nil {
		e.log(ctx).WarnContext(ctx, "error discarding challenge", "log_id", logID, tint.Err(err))
	}
}

// retryCooldown returns when the member can start a new attempt, if
// their last attempt failed less than RetryCooldown ago. It returns
// the zero time if they can start now, or have an attempt in progress.
// Must be called with the member's lock held.
func (e *VerificationEngine) retryCooldown(
	ctx context.Context,
	guildID string,
	userID string,
) (time.Time, error) {
	if e.config.RetryCooldown <= 0 {
		return time.Time{}, nil
	}
	_, err := e.store.InProgressLog(ctx, guildID, userID)
	switch {
	case err == nil:
		return time.Time{}, nil
	case !errors.Is(err, ErrLogNotFound):
		return time.Time{}, err
	}

	last, err := e.store.LastFinishedLog(ctx, guildID, userID)
	if err != nil {
		if errors.Is(err, ErrLogNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	if last.Success == nil || *last.Success || last.CompletedAt == nil {
		return time.Time{}, nil
	}
	retryAt := last.CompletedTime().Add(e.config.RetryCooldown)
	if e.now().Before(retryAt) {
		return retryAt, nil
	}
	return time.Time{}, nil
}

func cooldownPrompt(retryAt time.Time) Prompt {
	return Prompt{
		Kind:    PromptCooldown,
		RetryAt: retryAt,
		Message: fmt.Sprintf(
			"Your last verification attempt failed. You can try again %s.",
			discordTimestamp(retryAt),
		),
	}
}

// StartVerification starts verification for a member, or resumes their
// in-progress verification.
func (e *VerificationEngine) StartVerification(
	ctx context.Context,
	req StartRequest,
) (Prompt, error) {
	logger := e.log(ctx).With(columnGuildID, req.GuildID, columnUserID, req.UserID)

	setting, err := e.store.GetOrCreateSetting(ctx, req.GuildID)
	if err != nil {
		return Prompt{}, err
	}
	if !setting.VerificationRequired() {
		logger.DebugContext(ctx, "verification not required")
		return Prompt{
			Kind:    PromptNotRequired,
			Message: "Verification isn't required in this server.",
		}, nil
	}

	if msg, ageDays := e.ageRejection(setting, req.UserID, req.AccountCreatedAt); msg != "" {
		logger.InfoContext(
			ctx,
			"account too young",
			"account_age_days", ageDays,
			columnSettingMinAccountAgeDays, setting.MinAccountAgeDays,
		)
		return Prompt{Kind: PromptRejected, Message: msg}, nil
	}

	prompt, err := e.withMemberLock(
		ctx, req.GuildID, req.UserID, func() (Prompt, error) {
			retryAt, cooldownErr := e.retryCooldown(ctx, req.GuildID, req.UserID)
			if cooldownErr != nil {
				return Prompt{}, cooldownErr
			}
			if !retryAt.IsZero() {
				logger.InfoContext(ctx, "retry cooldown", "retry_at", retryAt)
				return cooldownPrompt(retryAt), nil
			}
			vlog, created, openErr := e.store.OpenLog(ctx, setting, req.UserID)
			if openErr != nil {
				return Prompt{}, openErr
			}
			if created {
				logger.InfoContext(ctx, "started verification", "log", vlog)
			} else {
				logger.InfoContext(ctx, "resuming verification", "log", vlog)
			}
			return e.continueLocked(ctx, setting, vlog)
		},
	)
	if err != nil {
		return prompt, err
	}
	return e.afterTransition(ctx, setting, prompt), nil
}

// ContinueVerification returns the member's current step. Terminal
// logs return their stored outcome, and nothing is changed.
func (e *VerificationEngine) ContinueVerification(
	ctx context.Context,
	logID uint,
	userID string,
) (Prompt, error) {
	return e.withLog(
		ctx, logID, userID,
		func(setting *VerificationSetting, vlog *VerificationLog) (Prompt, error) {
			return e.continueLocked(ctx, setting, vlog)
		},
	)
}

func terminalPrompt(vlog *VerificationLog, alreadyFinal bool) Prompt {
	p := Prompt{Log: vlog, AlreadyFinal: alreadyFinal}
	if vlog.Success != nil && *vlog.Success {
		p.Kind = PromptCompleted
	} else {
		p.Kind = PromptFailed
		p.Message = vlog.FailureReason
	}
	return p
}

func (e *VerificationEngine) remaining(attempts int) int {
	r := e.config.MaxStepAttempts - attempts
	if r < 0 {
		return 0
	}
	return r
}

// continueLocked presents the first required and incomplete step, or
// completes verification if there are none. Must be called with the
// member's lock held.
func (e *VerificationEngine) continueLocked(
	ctx context.Context,
	setting *VerificationSetting,
	vlog *VerificationLog,
) (Prompt, error) {
	if vlog.Terminal() {
		return terminalPrompt(vlog, true), nil
	}

	for {
		switch vlog.nextStep(setting) {
		case StepCaptcha:
			return e.captchaPrompt(ctx, vlog)
		case StepQuestions:
			if len(setting.CustomQuestions) == 0 {
				e.log(ctx).InfoContext(
					ctx,
					"no questions configured, skipping questions step",
					"log", vlog,
				)
				if err := e.store.UpdateLog(
					ctx,
					vlog,
					map[string]any{columnLogQuestionsCompleted: true},
				); err != nil {
					return Prompt{}, err
				}
				continue
			}
			questions := make([]string, 0, len(setting.CustomQuestions))
			for _, q := range setting.CustomQuestions {
				questions = append(questions, q.Question)
			}
			return Prompt{
				Kind:              PromptQuestions,
				Log:               vlog,
				Questions:         questions,
				RemainingAttempts: e.remaining(vlog.QuestionsAttempts),
			}, nil
		case StepRoleAccept:
			return Prompt{
				Kind:         PromptRoleAccept,
				Log:          vlog,
				RulesMessage: setting.RulesMessage,
			}, nil
		default:
			return e.completeVerification(ctx, vlog)
		}
	}
}

// completeVerification marks the log as passed, and counts the success
// on the guild's settings, atomically. Side effects are run by the
// caller after the member's lock is released.
func (e *VerificationEngine) completeVerification(
	ctx context.Context,
	vlog *VerificationLog,
) (Prompt, error) {
	if err := e.store.FinalizeLog(ctx, vlog, true, "", nil); err != nil {
		return Prompt{}, err
	}
	e.log(ctx).InfoContext(ctx, "verification completed", "log", vlog)
	p := terminalPrompt(vlog, false)
	p.completed = true
	return p, nil
}

func (e *VerificationEngine) fail(
	ctx context.Context,
	vlog *VerificationLog,
	reason string,
	values map[string]any,
) (Prompt, error) {
	if err := e.store.FinalizeLog(ctx, vlog, false, reason, values); err != nil {
		return Prompt{}, err
	}
	e.log(ctx).InfoContext(ctx, "verification failed", "log", vlog)
	return terminalPrompt(vlog, false), nil
}

// captchaPrompt issues a new captcha challenge for the log
func (e *VerificationEngine) captchaPrompt(
	ctx context.Context,
	vlog *VerificationLog,
) (Prompt, error) {
	challenge := e.captcha.Generate()
	id, err := e.challenges.Put(ctx, vlog.ID, challenge)
	if err != nil {
		return Prompt{}, fmt.Errorf("error issuing captcha: %w", err)
	}
	e.log(ctx).DebugContext(ctx, "issued captcha", "log_id", vlog.ID, "captcha", challenge)
	return Prompt{
		Kind: PromptCaptcha,
		Log:  vlog,
		Captcha: &IssuedChallenge{
			ID:       id,
			Question: challenge.Question,
			Kind:     challenge.Kind,
			IssuedAt: e.now(),
		},
		RemainingAttempts: e.remaining(vlog.CaptchaAttempts),
	}, nil
}

// IssuedCaptcha returns the captcha challenge with the given ID, if
// it's still the challenge issued for the log. Otherwise, nil is
// returned, and the caller should present the current step again.
func (e *VerificationEngine) IssuedCaptcha(
	ctx context.Context,
	logID uint,
	userID string,
	challengeID string,
) (*IssuedChallenge, error) {
	vlog, err := e.store.GetLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	if vlog.UserID != userID {
		return nil, ErrWrongUser
	}
	if vlog.Terminal() {
		return nil, nil
	}
	issued, err := e.challenges.Get(ctx, logID)
	switch {
	case errors.Is(err, ErrChallengeNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	case issued.ID != challengeID:
		return nil, nil
	}
	return &issued, nil
}

// PendingQuestions returns the guild's custom questions, if the log's
// current step is the questions step. Otherwise, nil is returned.
func (e *VerificationEngine) PendingQuestions(
	ctx context.Context,
	logID uint,
	userID string,
) ([]CustomQuestion, error) {
	vlog, err := e.store.GetLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	if vlog.UserID != userID {
		return nil, ErrWrongUser
	}
	if vlog.Terminal() {
		return nil, nil
	}
	setting, err := e.store.GetOrCreateSetting(ctx, vlog.GuildID)
	if err != nil {
		return nil, err
	}
	if vlog.nextStep(setting) != StepQuestions || len(setting.CustomQuestions) == 0 {
		return nil, nil
	}
	return setting.CustomQuestions, nil
}

// RefreshCaptcha issues a new captcha challenge, without counting an
// attempt
func (e *VerificationEngine) RefreshCaptcha(
	ctx context.Context,
	logID uint,
	userID string,
) (Prompt, error) {
	return e.withLog(
		ctx, logID, userID, func(setting *VerificationSetting, vlog *VerificationLog) (Prompt, error) {
			if vlog.Terminal() || vlog.nextStep(setting) != StepCaptcha {
				return e.continueLocked(ctx, setting, vlog)
			}
			return e.captchaPrompt(ctx, vlog)
		},
	)
}

// SubmitCaptchaAnswer checks an answer to the issued captcha challenge.
// A wrong answer counts an attempt, and the final allowed wrong answer
// fails verification. If the challenge has expired or was replaced,
// a new challenge is presented and no attempt is counted.
func (e *VerificationEngine) SubmitCaptchaAnswer(
	ctx context.Context,
	logID uint,
	userID string,
	challengeID string,
	answer string,
) (Prompt, error) {
	var (
		verified  bool
		correct   bool
		verifyErr error
	)
	return e.withLog(
		ctx, logID, userID, func(setting *VerificationSetting, vlog *VerificationLog) (Prompt, error) {
			if vlog.Terminal() || vlog.nextStep(setting) != StepCaptcha {
				return e.continueLocked(ctx, setting, vlog)
			}

			// Verify consumes the challenge, so a retry after a stale
			// write reuses the first result
			if !verified {
				correct, verifyErr = e.challenges.Verify(ctx, vlog.ID, challengeID, answer)
				verified = true
			}
			err := verifyErr
			if errors.Is(err, ErrChallengeNotFound) {
				p, promptErr := e.captchaPrompt(ctx, vlog)
				if promptErr == nil {
					p.Message = "That question has expired. Here's a new one."
				}
				return p, promptErr
			}
			if err != nil {
				return Prompt{}, err
			}

			attempts := vlog.CaptchaAttempts + 1
			if correct {
				if err = e.store.UpdateLog(
					ctx, vlog, map[string]any{
						columnLogCaptchaAttempts:  attempts,
						columnLogCaptchaCompleted: true,
					},
				); err != nil {
					return Prompt{}, err
				}
				return e.continueLocked(ctx, setting, vlog)
			}

			if attempts >= e.config.MaxStepAttempts {
				return e.fail(
					ctx,
					vlog,
					FailureReasonCaptcha,
					map[string]any{columnLogCaptchaAttempts: attempts},
				)
			}
			if err = e.store.UpdateLog(
				ctx,
				vlog,
				map[string]any{columnLogCaptchaAttempts: attempts},
			); err != nil {
				return Prompt{}, err
			}
			p, err := e.captchaPrompt(ctx, vlog)
			p.Incorrect = true
			return p, err
		},
	)
}

// SubmitQuestionAnswers checks answers to the guild's custom questions.
// Every answer must be accepted for the submission to pass. A failed
// submission counts an attempt, and the final allowed failure fails
// verification.
func (e *VerificationEngine) SubmitQuestionAnswers(
	ctx context.Context,
	logID uint,
	userID string,
	answers []string,
) (Prompt, error) {
	return e.withLog(
		ctx, logID, userID, func(setting *VerificationSetting, vlog *VerificationLog) (Prompt, error) {
			if vlog.Terminal() || vlog.nextStep(setting) != StepQuestions {
				return e.continueLocked(ctx, setting, vlog)
			}
			if len(setting.CustomQuestions) == 0 || len(answers) != len(setting.CustomQuestions) {
				// the questions changed since they were presented
				p, err := e.continueLocked(ctx, setting, vlog)
				if err == nil && p.Kind == PromptQuestions {
					p.Message = "The questions have changed. Please answer them again."
				}
				return p, err
			}

			correct := true
			for i, q := range setting.CustomQuestions {
				if !q.Accepts(answers[i]) {
					correct = false
					break
				}
			}

			attempts := vlog.QuestionsAttempts + 1
			if correct {
				if err := e.store.UpdateLog(
					ctx, vlog, map[string]any{
						columnLogQuestionsAttempts:  attempts,
						columnLogQuestionsCompleted: true,
					},
				); err != nil {
					return Prompt{}, err
				}
				return e.continueLocked(ctx, setting, vlog)
			}

			if attempts >= e.config.MaxStepAttempts {
				return e.fail(
					ctx,
					vlog,
					FailureReasonQuestions,
					map[string]any{columnLogQuestionsAttempts: attempts},
				)
			}
			if err := e.store.UpdateLog(
				ctx,
				vlog,
				map[string]any{columnLogQuestionsAttempts: attempts},
			); err != nil {
				return Prompt{}, err
			}
			p, err := e.continueLocked(ctx, setting, vlog)
			p.Incorrect = true
			return p, err
		},
	)
}

// AcceptRules completes the rules step
func (e *VerificationEngine) AcceptRules(
	ctx context.Context,
	logID uint,
	userID string,
) (Prompt, error) {
	return e.withLog(
		ctx, logID, userID, func(setting *VerificationSetting, vlog *VerificationLog) (Prompt, error) {
			if vlog.Terminal() || vlog.nextStep(setting) != StepRoleAccept {
				return e.continueLocked(ctx, setting, vlog)
			}
			if err := e.store.UpdateLog(
				ctx,
				vlog,
				map[string]any{columnLogRoleAcceptCompleted: true},
			); err != nil {
				return Prompt{}, err
			}
			return e.continueLocked(ctx, setting, vlog)
		},
	)
}

// DeclineRules fails verification
func (e *VerificationEngine) DeclineRules(
	ctx context.Context,
	logID uint,
	userID string,
) (Prompt, error) {
	return e.withLog(
		ctx, logID, userID, func(setting *VerificationSetting, vlog *VerificationLog) (Prompt, error) {
			if vlog.Terminal() || vlog.nextStep(setting) != StepRoleAccept {
				return e.continueLocked(ctx, setting, vlog)
			}
			return e.fail(ctx, vlog, FailureReasonDeclined, nil)
		},
	)
}

// ManualVerify verifies a member without any verification steps. An
// in-progress log is completed, otherwise a completed log is created.
// Either way, the success is counted and completion side effects run
// the same as for a member who passed on their own.
func (e *VerificationEngine) ManualVerify(
	ctx context.Context,
	req ManualVerifyRequest,
) (Prompt, error) {
	logger := e.log(ctx).With(
		columnGuildID, req.GuildID,
		columnUserID, req.UserID,
		"actor", req.Actor,
	)
	setting, err := e.store.GetOrCreateSetting(ctx, req.GuildID)
	if err != nil {
		return Prompt{}, err
	}

	manualValues := map[string]any{
		columnLogCaptchaCompleted:    true,
		columnLogQuestionsCompleted:  true,
		columnLogRoleAcceptCompleted: true,
		"manual_verified_by":         req.Actor,
		"manual_reason":              req.Reason,
	}

	prompt, err := e.withMemberLock(
		ctx, req.GuildID, req.UserID, func() (Prompt, error) {
			existing, getErr := e.store.InProgressLog(ctx, req.GuildID, req.UserID)
			switch {
			case getErr == nil:
				if finErr := e.store.FinalizeLog(ctx, existing, true, "", manualValues); finErr != nil {
					return Prompt{}, finErr
				}
				p := terminalPrompt(existing, false)
				p.completed = true
				return p, nil
			case !errors.Is(getErr, ErrLogNotFound):
				return Prompt{}, getErr
			}

			success := true
			completedAt := e.now().UnixMilli()
			vlog := &VerificationLog{
				SettingID:           setting.ID,
				UserID:              req.UserID,
				GuildID:             req.GuildID,
				CompletedAt:         &completedAt,
				Success:             &success,
				CaptchaCompleted:    true,
				QuestionsCompleted:  true,
				RoleAcceptCompleted: true,
				ManualVerifiedBy:    req.Actor,
				ManualReason:        req.Reason,
			}
			if createErr := e.store.CreateCompletedLog(ctx, vlog); createErr != nil {
				return Prompt{}, createErr
			}
			p := terminalPrompt(vlog, false)
			p.completed = true
			return p, nil
		},
	)
	if err != nil {
		return prompt, err
	}
	logger.InfoContext(ctx, "manually verified member", "log", prompt.Log)

	e.discardChallenge(ctx, prompt.Log.ID)
	logID := prompt.Log.ID
	event := newVerificationEvent(
		req.GuildID,
		req.UserID,
		&logID,
		newSideEffectResult(EventManualVerify, req.Reason, nil),
	)
	event.Actor = req.Actor
	if recErr := e.store.RecordEvent(ctx, event); recErr != nil {
		logger.ErrorContext(ctx, "error recording event", tint.Err(recErr))
	}

	prompt.completed = false
	prompt.SideEffects = e.completionSideEffects(ctx, setting, prompt.Log, req.Actor)
	return prompt, nil
}

// completionSideEffects resolves the member, grants the verified role
// and sends the welcome message. Failures are recorded, but never
// change the verification outcome.
func (e *VerificationEngine) completionSideEffects(
	ctx context.Context,
	setting *VerificationSetting,
	vlog *VerificationLog,
	actor string,
) []SideEffectResult {
	logger := e.log(ctx).With("log_id", vlog.ID)
	var results []SideEffectResult

	_, err := e.members.ResolveMember(ctx, vlog.GuildID, vlog.UserID)
	switch {
	case errors.Is(err, ErrMemberNotFound):
		logger.WarnContext(ctx, "verified member is no longer in the guild")
		results = append(
			results,
			newSideEffectResult(EventMemberAbsent, "member left before verification completed", err),
		)
		e.recordResults(ctx, vlog.GuildID, vlog.UserID, &vlog.ID, actor, results...)
		return results
	case err != nil:
		logger.WarnContext(ctx, "unable to resolve member", tint.Err(err))
	}

	if setting.VerifiedRoleID != "" {
		roleErr := e.members.AssignRole(
			ctx,
			vlog.GuildID,
			vlog.UserID,
			setting.VerifiedRoleID,
			e.config.RoleReason,
		)
		if roleErr != nil {
			logger.ErrorContext(ctx, "error granting verified role", tint.Err(roleErr))
		}
		results = append(results, newSideEffectResult(EventRoleGrant, setting.VerifiedRoleID, roleErr))
	}

	if setting.WelcomeChannelID != "" && setting.WelcomeMessage != "" {
		var guildName string
		if strings.Contains(setting.WelcomeMessage, welcomePlaceholderServer) {
			name, nameErr := e.members.GuildName(ctx, vlog.GuildID)
			if nameErr != nil {
				logger.WarnContext(ctx, "unable to get guild name", tint.Err(nameErr))
			}
			guildName = name
		}
		msg := setting.renderWelcomeMessage(vlog.UserID, guildName)
		sendErr := e.notifier.SendChannelMessage(ctx, setting.WelcomeChannelID, msg)
		if sendErr != nil {
			logger.ErrorContext(ctx, "error sending welcome message", tint.Err(sendErr))
		}
		results = append(
			results,
			newSideEffectResult(EventWelcomeMessage, setting.WelcomeChannelID, sendErr),
		)
	}

	e.recordResults(ctx, vlog.GuildID, vlog.UserID, &vlog.ID, actor, results...)
	return results
}

func (e *VerificationEngine) recordResults(
	ctx context.Context,
	guildID string,
	userID string,
	logID *uint,
	actor string,
	results ...SideEffectResult,
) {
	for _, r := range results {
		event := newVerificationEvent(guildID, userID, logID, r)
		event.Actor = actor
		if err := e.store.RecordEvent(ctx, event); err != nil {
			e.log(ctx).ErrorContext(ctx, "error recording event", "result", r, tint.Err(err))
		}
	}
}

// OnMemberJoin handles a member joining a guild. Bots are ignored.
// Members whose account is too young are told why (if they accept
// DMs) and kicked. Otherwise, if verification is required, a log is
// opened and the member is sent a DM to start verification. If they
// don't accept DMs, they're mentioned in the verification channel.
func (e *VerificationEngine) OnMemberJoin(
	ctx context.Context,
	m MemberJoined,
) (JoinResult, error) {
	logger := e.log(ctx).With(columnGuildID, m.GuildID, columnUserID, m.UserID)
	if m.IsBot {
		logger.DebugContext(ctx, "ignoring bot")
		return JoinResult{Outcome: JoinSkippedBot}, nil
	}

	setting, err := e.store.GetOrCreateSetting(ctx, m.GuildID)
	if err != nil {
		return JoinResult{}, err
	}
	if !setting.VerificationRequired() {
		return JoinResult{Outcome: JoinNotRequired}, nil
	}

	if msg, ageDays := e.ageRejection(setting, m.UserID, m.AccountCreatedAt); msg != "" {
		logger.InfoContext(ctx, "rejecting member, account too young", "account_age_days", ageDays)
		return e.rejectMember(ctx, setting, m.UserID, msg, ageDays), nil
	}

	prompt, err := e.withMemberLock(
		ctx, m.GuildID, m.UserID, func() (Prompt, error) {
			retryAt, cooldownErr := e.retryCooldown(ctx, m.GuildID, m.UserID)
			if cooldownErr != nil {
				return Prompt{}, cooldownErr
			}
			if !retryAt.IsZero() {
				return cooldownPrompt(retryAt), nil
			}
			vlog, created, openErr := e.store.OpenLog(ctx, setting, m.UserID)
			if openErr != nil {
				return Prompt{}, openErr
			}
			if created {
				logger.InfoContext(ctx, "opened verification log on join", "log", vlog)
			}
			return Prompt{Log: vlog}, nil
		},
	)
	if err != nil {
		return JoinResult{}, err
	}
	if prompt.Kind == PromptCooldown {
		logger.InfoContext(ctx, "member rejoined during retry cooldown", "retry_at", prompt.RetryAt)
		return JoinResult{Outcome: JoinCooldown}, nil
	}

	result := JoinResult{Outcome: JoinPrompted, Log: prompt.Log}
	dmErr := e.notifier.SendDirectMessage(
		ctx,
		m.UserID,
		DirectMessage{
			Content: "Welcome! This server requires verification before you " +
				"can participate. Press the button below to begin.",
			StartGuildID: m.GuildID,
		},
	)
	result.SideEffects = append(result.SideEffects, newSideEffectResult(EventDirectMessage, "", dmErr))

	if dmErr != nil {
		logger.WarnContext(ctx, "unable to send verification DM", tint.Err(dmErr))
		if setting.VerificationChannelID != "" {
			sendErr := e.notifier.SendChannelMessage(
				ctx,
				setting.VerificationChannelID,
				fmt.Sprintf(
					"%s, I couldn't send you a direct message. Use `/%s` in "+
						"this server to start verification.",
					userMention(m.UserID),
					DiscordSlashCommandVerify,
				),
			)
			if sendErr != nil {
				logger.ErrorContext(ctx, "unable to send verification prompt", tint.Err(sendErr))
			}
			result.SideEffects = append(
				result.SideEffects,
				newSideEffectResult(EventChannelPrompt, setting.VerificationChannelID, sendErr),
			)
		}
	}
	e.recordResults(ctx, m.GuildID, m.UserID, &prompt.Log.ID, "", result.SideEffects...)
	return result, nil
}

// rejectMember notifies a member that their account is too young, then
// kicks them regardless of whether the notification was delivered. No
// log is created. The rejection is recorded as an event, and counted
// on the guild's settings.
func (e *VerificationEngine) rejectMember(
	ctx context.Context,
	setting *VerificationSetting,
	userID string,
	message string,
	ageDays int,
) JoinResult {
	logger := e.log(ctx).With(columnGuildID, setting.GuildID, columnUserID, userID)
	result := JoinResult{Outcome: JoinRejected}

	dmErr := e.notifier.SendDirectMessage(ctx, userID, DirectMessage{Content: message})
	if dmErr != nil {
		logger.WarnContext(ctx, "unable to notify rejected member", tint.Err(dmErr))
	}
	result.SideEffects = append(result.SideEffects, newSideEffectResult(EventDirectMessage, "", dmErr))

	kickErr := e.members.KickMember(ctx, setting.GuildID, userID, e.config.KickReason)
	if kickErr != nil {
		logger.ErrorContext(ctx, "unable to kick member", tint.Err(kickErr))
	}
	result.SideEffects = append(
		result.SideEffects,
		newSideEffectResult(EventKick, e.config.KickReason, kickErr),
	)

	rejection := newSideEffectResult(
		EventAgeRejected,
		fmt.Sprintf(
			"account age %d days, minimum %d days",
			ageDays,
			setting.MinAccountAgeDays,
		),
		nil,
	)
	e.recordResults(ctx, setting.GuildID, userID, nil, "", append(result.SideEffects, rejection)...)
	if err := e.store.IncrementAccountAgeRejections(ctx, setting.ID); err != nil {
		logger.ErrorContext(ctx, "error counting rejection", tint.Err(err))
	}
	return result
}
