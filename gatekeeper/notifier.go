package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

const (
	postgresNotifyChannelSettingsUpdated = "gatekeeper_settings_updated"
	postgresNotifyChannelStop            = "gatekeeper_stop"
	recordSeparator                      = string(rune(30))
)

var (
	dbNotifierSendTimeout  = 15 * time.Second
	dbNotifierRetryBackoff = 5 * time.Second
)

// DBNotifier notifies other bot instances sharing the same database of
// settings changes and shutdown requests.
type DBNotifier interface {
	// ID returns the identifier for this notifier. Instances use it to
	// ignore their own notifications.
	ID() string

	// SettingsUpdated tells other instances to drop their cached
	// settings for the given guild
	SettingsUpdated(ctx context.Context, guildID string) bool

	// Stop sends a shutdown signal to all bots
	Stop(ctx context.Context) bool

	// Listen blocks, dispatching notifications from other instances,
	// until ctx is done
	Listen(ctx context.Context) error
}

// notifyTarget receives notifications dispatched by a DBNotifier
type notifyTarget struct {
	// stop receives a value when a stop is requested
	stop chan<- struct{}

	// settingsUpdated is called with the guild ID of changed settings
	settingsUpdated func(ctx context.Context, guildID string)
}

func newDBNotifier(
	databaseType string,
	db DBI,
	dsn string,
	target notifyTarget,
	logger *slog.Logger,
) (DBNotifier, error) {
	notifyID := uuid.NewString()
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(loggerNameKey, "db_notifier", "notifier_id", notifyID)
	switch databaseType {
	case dbTypeSQLite:
		return &localNotifier{
			logger: log,
			target: target,
			id:     notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			db:     db,
			dsn:    dsn,
			logger: log,
			target: target,
			id:     notifyID,
		}, nil
	default:
		return nil, fmt.Errorf("invalid database type: %q", databaseType)
	}
}

// localNotifier is used with sqlite, where only a single instance
// can use the database
type localNotifier struct {
	logger *slog.Logger
	target notifyTarget
	id     string
}

func (s *localNotifier) ID() string {
	return s.id
}

func (s *localNotifier) Listen(ctx context.Context) error {
	s.logger.DebugContext(ctx, "listener called, nothing to listen for")
	<-ctx.Done()
	return nil
}

func (s *localNotifier) SettingsUpdated(_ context.Context, guildID string) bool {
	s.logger.Debug("settings updated", columnGuildID, guildID)
	return true
}

func (s *localNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	select {
	case s.target.stop <- struct{}{}:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

type postgresNotifier struct {
	db     DBI
	dsn    string
	logger *slog.Logger
	target notifyTarget
	id     string
}

func (p *postgresNotifier) ID() string {
	return p.id
}

func (p *postgresNotifier) notify(ctx context.Context, channel string, payload string) bool {
	notifyErr := p.db.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		newNotificationMessage(p.ID(), payload),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending NOTIFY",
			"channel", channel,
			tint.Err(notifyErr),
		)
		return false
	}
	p.logger.InfoContext(ctx, "sent notification", "channel", channel, "payload", payload)
	return true
}

func (p *postgresNotifier) SettingsUpdated(ctx context.Context, guildID string) bool {
	return p.notify(ctx, postgresNotifyChannelSettingsUpdated, guildID)
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	return p.notify(ctx, postgresNotifyChannelStop, "")
}

func (p *postgresNotifier) Listen(ctx context.Context) error {
	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	for _, channel := range []string{
		postgresNotifyChannelSettingsUpdated,
		postgresNotifyChannelStop,
	} {
		if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
			p.logger.ErrorContext(ctx, "Error setting up listener", "channel", channel, tint.Err(err))
			return err
		}
	}
	p.logger.InfoContext(ctx, "started listening for notifications")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil || errors.Is(e, context.Canceled) {
				break
			}
			p.logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(dbNotifierRetryBackoff):
			}
			continue
		}

		notifierID, payload := parseNotificationMessage(notification.Payload)
		logger := p.logger.With("channel", notification.Channel, "sender", notifierID)
		if notifierID == p.ID() {
			logger.DebugContext(ctx, "received notification from self, ignoring")
			continue
		}

		switch notification.Channel {
		case postgresNotifyChannelSettingsUpdated:
			logger.InfoContext(ctx, "received settings update", columnGuildID, payload)
			if p.target.settingsUpdated != nil {
				p.target.settingsUpdated(ctx, payload)
			}
		case postgresNotifyChannelStop:
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			select {
			case p.target.stop <- struct{}{}:
				logger.Info("forwarded stop signal")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out forwarding stop signal")
			}
		default:
			logger.Warn("received unknown notification")
		}
	}
	return nil
}

func parseNotificationMessage(s string) (notifierID, payload string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func newNotificationMessage(notifierID string, payload string) string {
	return strings.Join([]string{notifierID, payload}, recordSeparator)
}
