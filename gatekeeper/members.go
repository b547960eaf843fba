package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
	"log/slog"
	"time"
)

var (
	ErrMemberNotFound         = errors.New("member not found")
	ErrDirectMessageForbidden = errors.New("user does not accept direct messages")
)

// Member is a guild member, as resolved by a MemberService
type Member struct {
	GuildID  string    `json:"guild_id"`
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	Bot      bool      `json:"bot"`
	JoinedAt time.Time `json:"joined_at"`
	Roles    []string  `json:"roles"`
}

// DirectMessage is a message sent to a user's DMs
type DirectMessage struct {
	Content string

	// StartGuildID, if set, adds a button to start verification for
	// the guild
	StartGuildID string
}

// Notifier sends messages to users and channels
type Notifier interface {
	// SendDirectMessage returns ErrDirectMessageForbidden if the user
	// doesn't accept DMs from the bot
	SendDirectMessage(ctx context.Context, userID string, msg DirectMessage) error
	SendChannelMessage(ctx context.Context, channelID string, content string) error
}

// MemberService resolves guild members and changes their roles
// and membership
type MemberService interface {
	// ResolveMember returns ErrMemberNotFound if the user isn't a
	// member of the guild
	ResolveMember(ctx context.Context, guildID string, userID string) (*Member, error)
	AssignRole(ctx context.Context, guildID string, userID string, roleID string, reason string) error
	KickMember(ctx context.Context, guildID string, userID string, reason string) error
	GuildName(ctx context.Context, guildID string) (string, error)
}

// discordMembers implements Notifier and MemberService over the
// discord REST API. Direct messages are rate limited, as discord is
// strict about bots sending unsolicited DMs.
type discordMembers struct {
	session   DiscordSessionHandler
	dmLimiter *rate.Limiter
	logger    *slog.Logger
}

func newDiscordMembers(
	session DiscordSessionHandler,
	directMessagesPerSecond float64,
	logger *slog.Logger,
) *discordMembers {
	if logger == nil {
		logger = slog.Default()
	}
	burst := int(directMessagesPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &discordMembers{
		session:   session,
		dmLimiter: rate.NewLimiter(rate.Limit(directMessagesPerSecond), burst),
		logger:    logger.With(loggerNameKey, "discord_members"),
	}
}

// discordErrorCode returns the JSON error code of a discord REST error,
// or 0
func discordErrorCode(err error) int {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		return restErr.Message.Code
	}
	return 0
}

func (m *discordMembers) SendDirectMessage(
	ctx context.Context,
	userID string,
	msg DirectMessage,
) error {
	if err := m.dmLimiter.Wait(ctx); err != nil {
		return err
	}
	channel, err := m.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error creating DM channel: %w", err)
	}

	send := &discordgo.MessageSend{
		Content:         truncate(msg.Content, discordMaxMessageLength),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if msg.StartGuildID != "" {
		send.Components = startVerificationComponents(msg.StartGuildID)
	}
	_, err = m.session.ChannelMessageSendComplex(channel.ID, send, discordgo.WithContext(ctx))
	if err != nil {
		if discordErrorCode(err) == discordgo.ErrCodeCannotSendMessagesToThisUser {
			return ErrDirectMessageForbidden
		}
		return err
	}
	return nil
}

func (m *discordMembers) SendChannelMessage(
	ctx context.Context,
	channelID string,
	content string,
) error {
	_, err := m.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Content: truncate(content, discordMaxMessageLength),
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
			},
		},
		discordgo.WithContext(ctx),
	)
	return err
}

func (m *discordMembers) ResolveMember(
	ctx context.Context,
	guildID string,
	userID string,
) (*Member, error) {
	dm, err := m.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		if discordErrorCode(err) == discordgo.ErrCodeUnknownMember {
			return nil, ErrMemberNotFound
		}
		return nil, err
	}
	member := &Member{
		GuildID:  guildID,
		UserID:   userID,
		JoinedAt: dm.JoinedAt,
		Roles:    dm.Roles,
	}
	if dm.User != nil {
		member.Username = dm.User.Username
		member.Bot = dm.User.Bot
	}
	return member, nil
}

func (m *discordMembers) AssignRole(
	ctx context.Context,
	guildID string,
	userID string,
	roleID string,
	reason string,
) error {
	return m.session.GuildMemberRoleAdd(
		guildID,
		userID,
		roleID,
		discordgo.WithContext(ctx),
		discordgo.WithAuditLogReason(reason),
	)
}

func (m *discordMembers) KickMember(
	ctx context.Context,
	guildID string,
	userID string,
	reason string,
) error {
	err := m.session.GuildMemberDeleteWithReason(
		guildID,
		userID,
		reason,
		discordgo.WithContext(ctx),
	)
	if err != nil && discordErrorCode(err) == discordgo.ErrCodeUnknownMember {
		return ErrMemberNotFound
	}
	return err
}

func (m *discordMembers) GuildName(ctx context.Context, guildID string) (string, error) {
	guild, err := m.session.Guild(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return guild.Name, nil
}
