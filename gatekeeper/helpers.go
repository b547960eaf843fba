package gatekeeper

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const loggerContextKey contextKey = "logger"

type contextKey string

var errInvalidSnowflake = errors.New("invalid discord ID")

var snowflakePattern = regexp.MustCompile(`^\d{15,21}$`)

// mentionPattern matches user, role and channel mentions, capturing the ID
var mentionPattern = regexp.MustCompile(`^<(?:@[!&]?|#)(\d{15,21})>$`)

func discordInteractionOptions(
	options []*discordgo.ApplicationCommandInteractionDataOption,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	optionMap := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(options),
	)
	for _, option := range options {
		optionMap[option.Name] = option
	}
	return optionMap
}

func tlsConfig(certfile string, keyfile string, minVersion uint16) (
	*tls.Config,
	error,
) {
	cert, err := tls.LoadX509KeyPair(
		certfile,
		keyfile,
	)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}

// structToSlogValue converts a struct to a slog.Value, using the struct's
// JSON tag as the key for each field, if set.
// If the `log` tag is set, the value specified will override the
// field's actual value. Ex: `log:"REDACTED"` will cause "REDACTED" to
// be shown as the field's value.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		jsonTag, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if jsonTag == "-" {
			continue
		}
		if jsonTag == "" {
			jsonTag = field.Name
		}

		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		logTag := field.Tag.Get("log")
		if logTag != "" {
			groupAttrs = append(
				groupAttrs,
				slog.Attr{Key: jsonTag, Value: slog.StringValue(logTag)},
			)
			continue
		}

		// skip struct values that are nil or empty
		skip := false
		switch fv.Kind() {
		case reflect.Ptr:
			if fv.IsNil() {
				skip = true
			}
		case reflect.Map, reflect.Slice:
			if fv.IsNil() || fv.Len() == 0 {
				skip = true
			}
		case reflect.String:
			if fv.Len() == 0 {
				skip = true
			}
		}

		if skip {
			continue
		}

		fieldValue := fv.Interface()
		if lv, ok := fieldValue.(slog.LogValuer); ok {
			groupAttrs = append(groupAttrs, slog.Attr{Key: jsonTag, Value: lv.LogValue()})
			continue
		}
		groupAttrs = append(
			groupAttrs,
			slog.Attr{Key: jsonTag, Value: structToSlogValue(fieldValue)},
		)
	}
	return slog.GroupValue(groupAttrs...)
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	var ctxLogger *slog.Logger
	if logger == nil {
		ctxLogger = slog.Default()
	} else {
		ctxLogger = logger
	}
	return context.WithValue(ctx, loggerContextKey, ctxLogger)
}

// ContextLogger returns a logger from the given context if one
// is present, and a boolean indicating whether a logger was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

// contextLoggerOr returns the context's logger, or the given fallback
// if the context doesn't have one.
func contextLoggerOr(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		if fallback == nil {
			return slog.Default()
		}
		return fallback
	}
	return logger
}

func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	logAttrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
	}
	if i.ChannelID != "" {
		logAttrs = append(logAttrs, "channel_id", i.ChannelID)
	}
	if i.GuildID != "" {
		logAttrs = append(logAttrs, columnGuildID, i.GuildID)
	}
	if i.AppID != "" {
		logAttrs = append(logAttrs, "app_id", i.AppID)
	}

	return logAttrs
}

// truncate shortens the input string to a specified number of characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// generateRandomHexString creates a random hexadecimal string of the
// specified length. Odd lengths are rounded up.
func generateRandomHexString(length int) (string, error) {
	if length%2 != 0 {
		length++
	}
	b := make([]byte, length/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// parseSnowflake accepts a raw discord ID, or a user/role/channel mention,
// and returns the ID.
func parseSnowflake(s string) (string, error) {
	s = strings.TrimSpace(s)
	if m := mentionPattern.FindStringSubmatch(s); m != nil {
		return m[1], nil
	}
	if !snowflakePattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", errInvalidSnowflake, s)
	}
	return s, nil
}

// accountCreatedAt returns the creation time encoded in a discord
// user ID
func accountCreatedAt(userID string) (time.Time, error) {
	return discordgo.SnowflakeTimestamp(userID)
}

// accountAgeDays returns the number of whole days between created and now
func accountAgeDays(created time.Time, now time.Time) int {
	if created.IsZero() || now.Before(created) {
		return 0
	}
	return int(now.Sub(created).Hours() / 24)
}

func userMention(userID string) string {
	return fmt.Sprintf("<@%s>", userID)
}

func channelMention(channelID string) string {
	return fmt.Sprintf("<#%s>", channelID)
}

func roleMention(roleID string) string {
	return fmt.Sprintf("<@&%s>", roleID)
}

// discordTimestamp formats t as a relative discord timestamp (ex: "in 5 minutes")
func discordTimestamp(t time.Time) string {
	return fmt.Sprintf("<t:%s:R>", strconv.FormatInt(t.Unix(), 10))
}
