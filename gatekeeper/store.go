package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"github.com/go-redis/cache/v9"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"time"
)

const (
	Ascending  Sort = "asc"
	Descending Sort = "desc"

	defaultPageLimit = 25
)

var (
	ErrLogNotFound = errors.New("verification log not found")
	ErrLogTerminal = errors.New("verification log is already finished")
	ErrStaleLog    = errors.New("verification log was modified by another request")
)

// settingConfigColumns are the VerificationSetting columns changed by
// admins. Counters aren't included, so a settings update never
// overwrites a concurrent counter increment.
var settingConfigColumns = []string{
	columnSettingRequireCaptcha,
	columnSettingRequireQuestions,
	columnSettingRequireRoleAccept,
	columnSettingRequireAccountAge,
	columnSettingMinAccountAgeDays,
	columnSettingVerificationChannelID,
	columnSettingVerifiedRoleID,
	columnSettingWelcomeChannelID,
	columnSettingWelcomeMessage,
	columnSettingRulesMessage,
	columnSettingCustomQuestions,
	columnLogUpdatedAt,
}

// Sort represents the sorting order for queries.
type Sort string

// Pagination represents the pagination parameters for API requests.
//
// Fields:
//   - Limit: The maximum number of records to return.
//   - Order: The order in which to return the records (ascending or descending).
//   - Offset: The number of records to skip before starting to return records.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

func (p Pagination) apply(db *gorm.DB) *gorm.DB {
	limit := p.Limit
	if limit == 0 {
		limit = defaultPageLimit
	}
	order := "id desc"
	if p.Order == Ascending {
		order = "id asc"
	}
	return db.Order(order).Limit(limit).Offset(p.Offset)
}

// LogQuery filters VerificationLog records
type LogQuery struct {
	Pagination
	GuildID string `form:"-"`
	UserID  string `form:"user_id"`
	Status  string `form:"status" binding:"omitempty,oneof=in_progress passed failed"`
}

// EventQuery filters VerificationEvent records
type EventQuery struct {
	Pagination
	GuildID string    `form:"-"`
	UserID  string    `form:"user_id"`
	Kind    EventKind `form:"kind"`
}

// VerificationStats summarizes verification in a guild
type VerificationStats struct {
	GuildID                 string  `json:"guild_id"`
	TotalAttempts           int64   `json:"total_attempts"`
	SuccessfulVerifications int64   `json:"successful_verifications"`
	FailedVerifications     int64   `json:"failed_verifications"`
	AccountAgeRejections    int64   `json:"account_age_rejections"`
	InProgress              int64   `json:"in_progress"`
	ManualVerifications     int64   `json:"manual_verifications"`
	SuccessRate             float64 `json:"success_rate"`
}

// VerificationStore persists verification settings, logs and events.
//
// Log updates are conditional on the log's Version and on the log not
// being terminal. When that condition fails, ErrStaleLog or
// ErrLogTerminal is returned and the caller should re-read the log.
type VerificationStore interface {
	// GetOrCreateSetting returns the guild's settings, creating them
	// with all requirements disabled if they don't exist
	GetOrCreateSetting(ctx context.Context, guildID string) (*VerificationSetting, error)

	// UpdateSetting applies fn to the guild's current settings in a
	// transaction and saves the result
	UpdateSetting(
		ctx context.Context,
		guildID string,
		fn func(s *VerificationSetting) error,
	) (*VerificationSetting, error)

	// InvalidateSetting drops any cached settings for the guild
	InvalidateSetting(ctx context.Context, guildID string)

	// OpenLog returns the in-progress log for the user and guild,
	// creating one (and counting the attempt) if none exists
	OpenLog(
		ctx context.Context,
		setting *VerificationSetting,
		userID string,
	) (log *VerificationLog, created bool, err error)

	GetLog(ctx context.Context, id uint) (*VerificationLog, error)

	// InProgressLog returns ErrLogNotFound if the user has no
	// in-progress log in the guild
	InProgressLog(ctx context.Context, guildID string, userID string) (*VerificationLog, error)

	// LastFinishedLog returns the user's most recent terminal log in
	// the guild, or ErrLogNotFound
	LastFinishedLog(ctx context.Context, guildID string, userID string) (*VerificationLog, error)

	// UpdateLog updates an in-progress log. log is refreshed from the
	// database on success.
	UpdateLog(ctx context.Context, log *VerificationLog, values map[string]any) error

	// FinalizeLog marks an in-progress log as passed or failed, and
	// increments the matching counter on its setting, atomically
	FinalizeLog(
		ctx context.Context,
		log *VerificationLog,
		success bool,
		failureReason string,
		values map[string]any,
	) error

	// CreateCompletedLog inserts an already-passed log, counting it as
	// an attempt and a success
	CreateCompletedLog(ctx context.Context, log *VerificationLog) error

	RecordEvent(ctx context.Context, event *VerificationEvent) error
	IncrementAccountAgeRejections(ctx context.Context, settingID uint) error

	Stats(ctx context.Context, guildID string) (*VerificationStats, error)
	ListLogs(ctx context.Context, q LogQuery) ([]VerificationLog, error)
	ListEvents(ctx context.Context, q EventQuery) ([]VerificationEvent, error)
}

// gormStore implements VerificationStore. Settings are cached with
// go-redis/cache: in redis when a client is given, so every instance
// shares (and invalidates) the same entries, otherwise in a local
// TinyLFU cache.
type gormStore struct {
	db       DBI
	cache    *cache.Cache
	cacheTTL time.Duration
	prefix   string
	notifier DBNotifier
	logger   *slog.Logger
}

func newGormStore(
	db DBI,
	client redis.UniversalClient,
	cfg *VerificationConfig,
	prefix string,
	logger *slog.Logger,
) *gormStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &gormStore{
		db:       db,
		cacheTTL: cfg.SettingsCacheTTL,
		prefix:   prefix,
		logger:   logger.With(loggerNameKey, "store"),
	}
	if cfg.SettingsCacheTTL > 0 {
		opts := &cache.Options{}
		if client != nil {
			opts.Redis = client
		} else {
			opts.LocalCache = cache.NewTinyLFU(cfg.SettingsCacheSize, cfg.SettingsCacheTTL)
		}
		s.cache = cache.New(opts)
	}
	return s
}

func (s *gormStore) settingCacheKey(guildID string) string {
	return s.prefix + "setting:" + guildID
}

func (s *gormStore) cacheSetting(ctx context.Context, setting *VerificationSetting) {
	if s.cache == nil {
		return
	}
	err := s.cache.Set(
		&cache.Item{
			Ctx:   ctx,
			Key:   s.settingCacheKey(setting.GuildID),
			Value: setting,
			TTL:   s.cacheTTL,
		},
	)
	if err != nil {
		s.logger.WarnContext(ctx, "error caching setting", "setting", setting, tint.Err(err))
	}
}

func (s *gormStore) InvalidateSetting(ctx context.Context, guildID string) {
	if s.cache == nil {
		return
	}
	err := s.cache.Delete(ctx, s.settingCacheKey(guildID))
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.WarnContext(
			ctx,
			"error invalidating cached setting",
			columnGuildID, guildID,
			tint.Err(err),
		)
	}
}

func (s *gormStore) GetOrCreateSetting(
	ctx context.Context,
	guildID string,
) (*VerificationSetting, error) {
	if s.cache != nil {
		var cached VerificationSetting
		err := s.cache.Get(ctx, s.settingCacheKey(guildID), &cached)
		switch {
		case err == nil:
			return &cached, nil
		case !errors.Is(err, cache.ErrCacheMiss):
			s.logger.WarnContext(ctx, "error reading cached setting", tint.Err(err))
		}
	}

	setting, err := s.loadSetting(ctx, s.db.DB(), guildID)
	if err != nil {
		return nil, err
	}
	s.cacheSetting(ctx, setting)
	return setting, nil
}

// loadSetting reads the guild's setting, creating it if it doesn't
// exist. A concurrent insert for the same guild is ignored.
func (s *gormStore) loadSetting(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
) (*VerificationSetting, error) {
	var setting VerificationSetting
	err := db.WithContext(ctx).Where(columnGuildID+" = ?", guildID).First(&setting).Error
	if err == nil {
		return &setting, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("error loading setting: %w", err)
	}

	setting = VerificationSetting{GuildID: guildID}
	err = s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: columnGuildID}},
					DoNothing: true,
				},
			).Create(&setting).Error
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating setting: %w", err)
	}
	s.logger.InfoContext(ctx, "created verification setting", columnGuildID, guildID)

	setting = VerificationSetting{}
	if err = db.WithContext(ctx).Where(columnGuildID+" = ?", guildID).First(&setting).Error; err != nil {
		return nil, fmt.Errorf("error loading setting: %w", err)
	}
	return &setting, nil
}

func (s *gormStore) UpdateSetting(
	ctx context.Context,
	guildID string,
	fn func(s *VerificationSetting) error,
) (*VerificationSetting, error) {
	if _, err := s.loadSetting(ctx, s.db.DB(), guildID); err != nil {
		return nil, err
	}

	var setting VerificationSetting
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			query := tx.Where(columnGuildID+" = ?", guildID)
			if tx.Dialector.Name() == dbTypePostgres {
				query = query.Clauses(clause.Locking{Strength: "UPDATE"})
			}
			if err := query.First(&setting).Error; err != nil {
				return err
			}
			if err := fn(&setting); err != nil {
				return err
			}
			setting.UpdatedAt = time.Now().UnixMilli()
			return tx.Model(&setting).Select(settingConfigColumns).Updates(&setting).Error
		},
	)
	if err != nil {
		return nil, err
	}

	s.InvalidateSetting(ctx, guildID)
	if s.notifier != nil {
		s.notifier.SettingsUpdated(ctx, guildID)
	}
	s.logger.InfoContext(ctx, "updated verification setting", "setting", setting)
	return &setting, nil
}

func (s *gormStore) OpenLog(
	ctx context.Context,
	setting *VerificationSetting,
	userID string,
) (*VerificationLog, bool, error) {
	for {
		existing, err := s.InProgressLog(ctx, setting.GuildID, userID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrLogNotFound) {
			return nil, false, err
		}

		log := &VerificationLog{
			SettingID: setting.ID,
			UserID:    userID,
			GuildID:   setting.GuildID,
		}
		err = s.db.Transaction(
			ctx, func(tx *gorm.DB) error {
				if e := tx.Create(log).Error; e != nil {
					return e
				}
				return incrementSettingCounters(tx, setting.ID, columnSettingTotalAttempts)
			},
		)
		switch {
		case err == nil:
			return log, true, nil
		case errors.Is(err, gorm.ErrDuplicatedKey):
			// another instance opened a log first
			s.logger.InfoContext(
				ctx,
				"in-progress log created concurrently, reloading",
				columnGuildID, setting.GuildID,
				columnUserID, userID,
			)
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			continue
		default:
			return nil, false, fmt.Errorf("error creating log: %w", err)
		}
	}
}

func incrementSettingCounters(tx *gorm.DB, settingID uint, columns ...string) error {
	values := make(map[string]any, len(columns))
	for _, col := range columns {
		values[col] = gorm.Expr(col+" + ?", 1)
	}
	rv := tx.Model(&VerificationSetting{}).Where("id = ?", settingID).UpdateColumns(values)
	if rv.Error != nil {
		return rv.Error
	}
	if rv.RowsAffected == 0 {
		return fmt.Errorf("setting %d not found", settingID)
	}
	return nil
}

func (s *gormStore) GetLog(ctx context.Context, id uint) (*VerificationLog, error) {
	return getLog(ctx, s.db.DB(), id)
}

func getLog(ctx context.Context, db *gorm.DB, id uint) (*VerificationLog, error) {
	var log VerificationLog
	if err := db.WithContext(ctx).First(&log, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLogNotFound
		}
		return nil, err
	}
	return &log, nil
}

func (s *gormStore) InProgressLog(
	ctx context.Context,
	guildID string,
	userID string,
) (*VerificationLog, error) {
	var log VerificationLog
	err := s.db.DB().WithContext(ctx).Where(
		"guild_id = ? AND user_id = ? AND success IS NULL",
		guildID,
		userID,
	).Order("id desc").First(&log).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLogNotFound
		}
		return nil, err
	}
	return &log, nil
}

func (s *gormStore) LastFinishedLog(
	ctx context.Context,
	guildID string,
	userID string,
) (*VerificationLog, error) {
	var log VerificationLog
	err := s.db.DB().WithContext(ctx).Where(
		"guild_id = ? AND user_id = ? AND success IS NOT NULL",
		guildID,
		userID,
	).Order("id desc").First(&log).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLogNotFound
		}
		return nil, err
	}
	return &log, nil
}

// conflictError returns why a conditional update of log didn't
// affect any rows
func conflictError(ctx context.Context, db *gorm.DB, log *VerificationLog) error {
	current, err := getLog(ctx, db, log.ID)
	if err != nil {
		return err
	}
	if current.Terminal() {
		return ErrLogTerminal
	}
	return ErrStaleLog
}

func versionedValues(log *VerificationLog, values map[string]any) map[string]any {
	updates := make(map[string]any, len(values)+2)
	for k, v := range values {
		updates[k] = v
	}
	updates[columnLogVersion] = log.Version + 1
	updates[columnLogUpdatedAt] = time.Now().UnixMilli()
	return updates
}

func (s *gormStore) UpdateLog(
	ctx context.Context,
	log *VerificationLog,
	values map[string]any,
) error {
	rows, err := s.db.UpdatesWhere(
		ctx,
		&VerificationLog{},
		versionedValues(log, values),
		"id = ? AND version = ? AND success IS NULL",
		log.ID,
		log.Version,
	)
	if err != nil {
		return fmt.Errorf("error updating log: %w", err)
	}
	if rows == 0 {
		return conflictError(ctx, s.db.DB(), log)
	}
	return s.refresh(ctx, log)
}

func (s *gormStore) refresh(ctx context.Context, log *VerificationLog) error {
	current, err := getLog(ctx, s.db.DB(), log.ID)
	if err != nil {
		return err
	}
	*log = *current
	return nil
}

func (s *gormStore) FinalizeLog(
	ctx context.Context,
	log *VerificationLog,
	success bool,
	failureReason string,
	values map[string]any,
) error {
	updates := versionedValues(log, values)
	updates[columnLogSuccess] = success
	updates[columnLogCompletedAt] = time.Now().UnixMilli()
	counter := columnSettingSuccessfulVerifications
	if success {
		updates[columnLogFailureReason] = ""
	} else {
		updates[columnLogFailureReason] = failureReason
		counter = columnSettingFailedVerifications
	}

	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Model(&VerificationLog{}).Where(
				"id = ? AND version = ? AND success IS NULL",
				log.ID,
				log.Version,
			).Updates(updates)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return conflictError(ctx, tx, log)
			}
			return incrementSettingCounters(tx, log.SettingID, counter)
		},
	)
	if err != nil {
		if errors.Is(err, ErrStaleLog) || errors.Is(err, ErrLogTerminal) {
			return err
		}
		return fmt.Errorf("error finalizing log: %w", err)
	}
	return s.refresh(ctx, log)
}

func (s *gormStore) CreateCompletedLog(ctx context.Context, log *VerificationLog) error {
	if log.Success == nil || !*log.Success {
		return errors.New("log must be successful")
	}
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Create(log).Error; err != nil {
				return err
			}
			return incrementSettingCounters(
				tx,
				log.SettingID,
				columnSettingTotalAttempts,
				columnSettingSuccessfulVerifications,
			)
		},
	)
}

func (s *gormStore) RecordEvent(ctx context.Context, event *VerificationEvent) error {
	_, err := s.db.Create(ctx, event)
	return err
}

func (s *gormStore) IncrementAccountAgeRejections(ctx context.Context, settingID uint) error {
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return incrementSettingCounters(tx, settingID, columnSettingAccountAgeRejections)
		},
	)
}

func (s *gormStore) Stats(ctx context.Context, guildID string) (*VerificationStats, error) {
	setting, err := s.loadSetting(ctx, s.db.DB(), guildID)
	if err != nil {
		return nil, err
	}
	stats := &VerificationStats{
		GuildID:                 guildID,
		TotalAttempts:           setting.TotalAttempts,
		SuccessfulVerifications: setting.SuccessfulVerifications,
		FailedVerifications:     setting.FailedVerifications,
		AccountAgeRejections:    setting.AccountAgeRejections,
	}

	db := s.db.DB().WithContext(ctx)
	if err = db.Model(&VerificationLog{}).Where(
		"guild_id = ? AND success IS NULL",
		guildID,
	).Count(&stats.InProgress).Error; err != nil {
		return nil, err
	}
	if err = db.Model(&VerificationLog{}).Where(
		"guild_id = ? AND manual_verified_by <> ''",
		guildID,
	).Count(&stats.ManualVerifications).Error; err != nil {
		return nil, err
	}

	finished := stats.SuccessfulVerifications + stats.FailedVerifications
	if finished > 0 {
		stats.SuccessRate = float64(stats.SuccessfulVerifications) / float64(finished)
	}
	return stats, nil
}

func (s *gormStore) ListLogs(ctx context.Context, q LogQuery) ([]VerificationLog, error) {
	query := s.db.DB().WithContext(ctx).Model(&VerificationLog{}).Where(
		"guild_id = ?",
		q.GuildID,
	)
	if q.UserID != "" {
		query = query.Where("user_id = ?", q.UserID)
	}
	switch q.Status {
	case LogStatusInProgress:
		query = query.Where("success IS NULL")
	case LogStatusPassed:
		query = query.Where("success = ?", true)
	case LogStatusFailed:
		query = query.Where("success = ?", false)
	}

	var logs []VerificationLog
	if err := q.Pagination.apply(query).Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *gormStore) ListEvents(ctx context.Context, q EventQuery) ([]VerificationEvent, error) {
	query := s.db.DB().WithContext(ctx).Model(&VerificationEvent{}).Where(
		"guild_id = ?",
		q.GuildID,
	)
	if q.UserID != "" {
		query = query.Where("user_id = ?", q.UserID)
	}
	if q.Kind != "" {
		query = query.Where("kind = ?", q.Kind)
	}

	var events []VerificationEvent
	if err := q.Pagination.apply(query).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
