package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"runtime/debug"
	"sync"
)

// InteractionLog records every interaction received, for auditing
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null;index"`
	Username      string `json:"username" gorm:"type:string"`
	AppID         string `json:"application_id" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string;index"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Context       string `json:"context" gorm:"type:string"`
	CustomID      string `json:"custom_id,omitempty" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		AppID:         i.AppID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Context:       fmt.Sprint(i.Context),
		Payload:       string(p),
	}
	switch i.Type {
	case discordgo.InteractionMessageComponent:
		interactionLog.CustomID = i.MessageComponentData().CustomID
	case discordgo.InteractionModalSubmit:
		// submitted values may contain answers, so they're not logged
		interactionLog.CustomID = i.ModalSubmitData().CustomID
		interactionLog.Payload = ""
	}
	return interactionLog, nil
}

// handleRecover logs a recovered panic from an interaction handler
func (*Gatekeeper) handleRecover(ctx context.Context, rc any) {
	logger := contextLoggerOr(ctx, slog.Default())
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}

// InteractionHandler responds to a single Discord interaction.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// GetResponse retrieves the current response for an interaction.
	GetResponse(ctx context.Context) (*discordgo.Message, error)

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes an interaction response.
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func newGatewayHandler(
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
	logger *slog.Logger,
) GatewayHandler {
	return GatewayHandler{
		session:     session,
		interaction: i,
		logger:      logger.With(slog.Group("interaction", interactionLogAttrs(*i)...)),
	}
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(
		w.interaction.Interaction,
		response,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction", "response_type", response.Type)
	}
	return err
}

func (w GatewayHandler) GetResponse(ctx context.Context) (
	*discordgo.Message,
	error,
) {
	msg, err := w.session.InteractionResponse(
		w.interaction.Interaction,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error getting interaction", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	opts = append(opts, discordgo.WithContext(ctx))
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	opts = append(opts, discordgo.WithContext(ctx))
	err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// handleInteraction processes incoming Discord interactions.
//
// Every interaction is recorded as an InteractionLog. Interactions from
// bots are ignored. Slash commands, buttons and modal submissions are
// dispatched to their handlers, which respond to the interaction.
func (g *Gatekeeper) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	logger := handler.Logger()
	i := handler.GetInteraction()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", columnUserID, discordUser.ID)

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	interactionLog, err := newInteractionLog(i, discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := g.db.Create(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser.ID)
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionApplicationCommand:
		g.handleSlashCommand(ctx, handler, discordUser)
	case discordgo.InteractionMessageComponent:
		g.handleComponent(ctx, handler, discordUser, i.MessageComponentData().CustomID)
	case discordgo.InteractionModalSubmit:
		g.handleModalSubmit(ctx, handler, discordUser, i.ModalSubmitData())
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

// deferUpdate acknowledges a component interaction. The message it's
// attached to is edited once the interaction has been processed.
func deferUpdate() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}
}

// handleComponent handles button presses on verification prompts.
// Buttons that open a modal must respond immediately, everything else
// is deferred then edited.
func (g *Gatekeeper) handleComponent(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
	rawID string,
) {
	logger := handler.Logger()
	cid, err := parseCustomID(rawID)
	if err != nil {
		logger.WarnContext(ctx, "unrecognized component", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralResponse(g.config.Discord.ErrorMessage))
		return
	}
	logger = logger.With("action", cid.Action)
	ctx = WithLogger(ctx, logger)

	if cid.Action == actionStart {
		// sent in DMs, so the guild comes from the button rather than
		// the interaction
		if err = handler.Respond(ctx, deferUpdate()); err != nil {
			return
		}
		prompt, startErr := g.engine.StartVerification(
			ctx,
			StartRequest{GuildID: cid.ID, UserID: user.ID},
		)
		g.editPrompt(ctx, handler, prompt, startErr)
		return
	}

	logID, err := cid.LogID()
	if err != nil {
		logger.WarnContext(ctx, "invalid log ID", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralResponse(g.config.Discord.ErrorMessage))
		return
	}

	if cid.Expired(g.renderer.now()) {
		logger.InfoContext(ctx, "prompt expired, presenting current step")
		g.respondDeferred(
			ctx, handler, func() (Prompt, error) {
				p, contErr := g.engine.ContinueVerification(ctx, logID, user.ID)
				if contErr == nil && !p.Log.Terminal() {
					p.Message = "That prompt expired. Here's where you left off."
				}
				return p, contErr
			},
		)
		return
	}

	switch cid.Action {
	case actionCaptcha:
		issued, issuedErr := g.engine.IssuedCaptcha(ctx, logID, user.ID, cid.ChallengeID)
		if issuedErr != nil {
			logger.ErrorContext(ctx, "error getting captcha", tint.Err(issuedErr))
			_ = handler.Respond(ctx, ephemeralResponse(g.userErrorMessage(issuedErr)))
			return
		}
		if issued == nil {
			g.respondDeferred(
				ctx, handler, func() (Prompt, error) {
					return g.engine.ContinueVerification(ctx, logID, user.ID)
				},
			)
			return
		}
		_ = handler.Respond(ctx, captchaModal(logID, issued, cid.Expires))
	case actionCaptchaRefresh:
		g.respondDeferred(
			ctx, handler, func() (Prompt, error) {
				return g.engine.RefreshCaptcha(ctx, logID, user.ID)
			},
		)
	case actionQuestions:
		questions, qErr := g.engine.PendingQuestions(ctx, logID, user.ID)
		if qErr != nil {
			logger.ErrorContext(ctx, "error getting questions", tint.Err(qErr))
			_ = handler.Respond(ctx, ephemeralResponse(g.userErrorMessage(qErr)))
			return
		}
		if len(questions) == 0 {
			g.respondDeferred(
				ctx, handler, func() (Prompt, error) {
					return g.engine.ContinueVerification(ctx, logID, user.ID)
				},
			)
			return
		}
		_ = handler.Respond(ctx, questionsModal(logID, questions, cid.Expires))
	case actionAccept:
		g.respondDeferred(
			ctx, handler, func() (Prompt, error) {
				return g.engine.AcceptRules(ctx, logID, user.ID)
			},
		)
	case actionDecline:
		g.respondDeferred(
			ctx, handler, func() (Prompt, error) {
				return g.engine.DeclineRules(ctx, logID, user.ID)
			},
		)
	default:
		logger.WarnContext(ctx, "unexpected component action")
		_ = handler.Respond(ctx, ephemeralResponse(g.config.Discord.ErrorMessage))
	}
}

// handleModalSubmit handles captcha and question answers
func (g *Gatekeeper) handleModalSubmit(
	ctx context.Context,
	handler InteractionHandler,
	user *discordgo.User,
	data discordgo.ModalSubmitInteractionData,
) {
	logger := handler.Logger()
	cid, err := parseCustomID(data.CustomID)
	if err == nil && cid.Action != actionCaptchaSubmit && cid.Action != actionQuestionsSubmit {
		err = fmt.Errorf("%w: unexpected modal action %q", errInvalidCustomID, cid.Action)
	}
	var logID uint
	if err == nil {
		logID, err = cid.LogID()
	}
	if err != nil {
		logger.WarnContext(ctx, "unrecognized modal", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralResponse(g.config.Discord.ErrorMessage))
		return
	}
	logger = logger.With("action", cid.Action)
	ctx = WithLogger(ctx, logger)

	values := modalValues(data)
	g.respondDeferred(
		ctx, handler, func() (Prompt, error) {
			if cid.Action == actionCaptchaSubmit {
				return g.engine.SubmitCaptchaAnswer(
					ctx,
					logID,
					user.ID,
					cid.ChallengeID,
					values[captchaAnswerInputID],
				)
			}
			return g.engine.SubmitQuestionAnswers(ctx, logID, user.ID, questionAnswers(values))
		},
	)
}

// respondDeferred acknowledges the interaction, runs fn, and edits
// the message the interaction came from with the resulting prompt
func (g *Gatekeeper) respondDeferred(
	ctx context.Context,
	handler InteractionHandler,
	fn func() (Prompt, error),
) {
	if err := handler.Respond(ctx, deferUpdate()); err != nil {
		return
	}
	prompt, err := fn()
	g.editPrompt(ctx, handler, prompt, err)
}
