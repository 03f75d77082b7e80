package floofbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// The JSON files the previous version of the bot kept its state in
const (
	legacyActivityFile     = "activity_log.json"
	legacyLevelsFile       = "levels.json"
	legacyBirthdaysFile    = "birthdays.json"
	legacyReferencesFile   = "reference_images.json"
	legacyTicketsFile      = "tickets.json"
	legacyApplicationsFile = "applications.json"

	// legacyTimeFormat is what the old bot wrote timestamps as, local
	// time without an offset
	legacyTimeFormat = "2006-01-02T15:04:05.999999"

	importBatchSize = 500
)

// ImportSummary is the number of rows imported from each legacy file.
// Files that weren't found are left out.
type ImportSummary map[string]int

func (s ImportSummary) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(s))
	for k, v := range s {
		attrs = append(attrs, slog.Int(k, v))
	}
	return slog.GroupValue(attrs...)
}

// legacyImporter loads the old JSON files into the database. Every file is
// imported in its own transaction, and importing the same file twice
// doesn't create duplicates.
type legacyImporter struct {
	db     DBI
	logger *slog.Logger
	now    time.Time
	window time.Duration
	loc    *time.Location
}

// ImportLegacyData imports every legacy JSON file found in dir. Activity
// older than the configured window is skipped.
func ImportLegacyData(
	ctx context.Context,
	db *gorm.DB,
	config *Config,
	dir string,
	logger *slog.Logger,
) (ImportSummary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	imp := &legacyImporter{
		db:     NewDatabase(db, logger, config.DatabaseType != dbTypeSQLite),
		logger: logger.With(loggerNameKey, "import"),
		now:    time.Now(),
		window: DefaultActivityWindow,
		loc:    time.Local,
	}
	if config.Activity != nil && config.Activity.Window > 0 {
		imp.window = config.Activity.Window
	}
	return imp.importDir(ctx, dir)
}

func (imp *legacyImporter) importDir(ctx context.Context, dir string) (ImportSummary, error) {
	steps := []struct {
		file string
		fn   func(ctx context.Context, data []byte) (int, error)
	}{
		{legacyActivityFile, imp.importActivity},
		{legacyLevelsFile, imp.importLevels},
		{legacyBirthdaysFile, imp.importBirthdays},
		{legacyReferencesFile, imp.importReferences},
		{legacyTicketsFile, imp.importTickets},
		{legacyApplicationsFile, imp.importApplications},
	}

	summary := ImportSummary{}
	var errs []error
	for _, step := range steps {
		path := filepath.Join(dir, step.file)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				imp.logger.InfoContext(ctx, "legacy file not found, skipping", "path", path)
				continue
			}
			errs = append(errs, err)
			continue
		}
		n, err := step.fn(ctx, data)
		if err != nil {
			imp.logger.ErrorContext(ctx, "import failed", "path", path, tint.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", step.file, err))
			continue
		}
		imp.logger.InfoContext(ctx, "imported legacy file", "path", path, "rows", n)
		summary[step.file] = n
	}
	return summary, errors.Join(errs...)
}

// parseLegacyTime parses an old timestamp, falling back to the import time
func (imp *legacyImporter) parseLegacyTime(s string) time.Time {
	if t, err := time.ParseInLocation(legacyTimeFormat, s, imp.loc); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return imp.now
}

func (imp *legacyImporter) importActivity(ctx context.Context, data []byte) (int, error) {
	var log legacyActivityLog
	if err := json.Unmarshal(data, &log); err != nil {
		return 0, err
	}
	log = cleanupActivity(log, imp.now, imp.window)

	imported := 0
	err := imp.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var entries []ActivityEntry
			for guildID, users := range log {
				for userID, timestamps := range users {
					var existing []int64
					if err := tx.Model(&ActivityEntry{}).
						Where("guild_id = ? AND user_id = ?", guildID, userID).
						Pluck("timestamp", &existing).Error; err != nil {
						return err
					}
					seen := make(map[int64]struct{}, len(existing))
					for _, ts := range existing {
						seen[ts] = struct{}{}
					}
					for _, ts := range timestamps {
						millis := int64(math.Round(ts * 1000))
						if _, dupe := seen[millis]; dupe {
							continue
						}
						seen[millis] = struct{}{}
						entries = append(
							entries,
							ActivityEntry{GuildID: guildID, UserID: userID, Timestamp: millis},
						)
					}
				}
			}
			if len(entries) == 0 {
				return nil
			}
			imported = len(entries)
			return tx.CreateInBatches(entries, importBatchSize).Error
		},
	)
	return imported, err
}

func (imp *legacyImporter) importLevels(ctx context.Context, data []byte) (int, error) {
	var levels legacyLevels
	if err := json.Unmarshal(data, &levels); err != nil {
		return 0, err
	}
	var rows []UserLevel
	for guildID, users := range levels {
		for userID, lvl := range users {
			level := lvl.Level
			if level < 1 {
				level = 1
			}
			rows = append(rows, UserLevel{GuildID: guildID, UserID: userID, Level: level, XP: max(lvl.XP, 0)})
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}
	err := imp.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "guild_id"}, {Name: "user_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"level", "xp"}),
				},
			).CreateInBatches(rows, importBatchSize).Error
		},
	)
	return len(rows), err
}

func (imp *legacyImporter) importBirthdays(ctx context.Context, data []byte) (int, error) {
	var bdays legacyBirthdays
	if err := json.Unmarshal(data, &bdays); err != nil {
		return 0, err
	}
	var rows []Birthday
	var errs []error
	for userID, date := range bdays {
		month, day, err := parseLegacyBirthday(date)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
			continue
		}
		rows = append(rows, Birthday{UserID: userID, Month: month, Day: day})
	}
	for _, err := range errs {
		imp.logger.WarnContext(ctx, "skipping birthday", tint.Err(err))
	}
	if len(rows) == 0 {
		return 0, nil
	}
	err := imp.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "user_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"month", "day"}),
				},
			).CreateInBatches(rows, importBatchSize).Error
		},
	)
	return len(rows), err
}

func (imp *legacyImporter) importReferences(ctx context.Context, data []byte) (int, error) {
	var refs legacyReferences
	if err := json.Unmarshal(data, &refs); err != nil {
		return 0, err
	}
	var rows []ReferenceImage
	for userID, chars := range refs {
		for name, url := range chars {
			if url == "" {
				continue
			}
			rows = append(rows, ReferenceImage{UserID: userID, CharacterName: name, URL: url})
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}
	err := imp.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "user_id"}, {Name: "character_name"}},
					DoUpdates: clause.AssignmentColumns([]string{"url"}),
				},
			).CreateInBatches(rows, importBatchSize).Error
		},
	)
	return len(rows), err
}

// importTickets skips tickets whose channel was already imported
func (imp *legacyImporter) importTickets(ctx context.Context, data []byte) (int, error) {
	var tickets map[string]legacyTicket
	if err := json.Unmarshal(data, &tickets); err != nil {
		return 0, err
	}

	imported := 0
	err := imp.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			for userID, lt := range tickets {
				channelID := lt.ChannelID.String()
				if channelID == "" {
					continue
				}
				var count int64
				if err := tx.Model(&Ticket{}).Where("channel_id = ?", channelID).Count(&count).Error; err != nil {
					return err
				}
				if count > 0 {
					continue
				}
				created := imp.parseLegacyTime(lt.CreatedAt)
				t := &Ticket{
					UserID:    userID,
					ChannelID: channelID,
					Open:      lt.Open,
					Reason:    lt.Reason,
				}
				t.CreatedAt = created.UnixMilli()
				if !lt.Open {
					// the old bot didn't record when a ticket was closed
					closedAt := created
					t.ClosedAt = &closedAt
				}
				if err := tx.Create(t).Error; err != nil {
					return err
				}
				imported++
			}
			return nil
		},
	)
	return imported, err
}

// importApplications skips applications whose review message was already
// imported
func (imp *legacyImporter) importApplications(ctx context.Context, data []byte) (int, error) {
	var apps map[string]legacyApplication
	if err := json.Unmarshal(data, &apps); err != nil {
		return 0, err
	}

	imported := 0
	err := imp.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			for userID, la := range apps {
				status := ApplicationStatus(strings.ToLower(la.Status))
				switch status {
				case ApplicationPending, ApplicationAccepted, ApplicationDenied,
					ApplicationKicked, ApplicationBanned:
				default:
					imp.logger.WarnContext(
						ctx,
						"skipping application with unknown status",
						"user_id", userID,
						"status", la.Status,
					)
					continue
				}

				messageID := la.MessageID.String()
				if messageID != "" {
					var count int64
					if err := tx.Model(&Application{}).
						Where("review_message_id = ?", messageID).
						Count(&count).Error; err != nil {
						return err
					}
					if count > 0 {
						continue
					}
				}

				submitted := imp.parseLegacyTime(la.Timestamp)
				app := &Application{
					UserID:          userID,
					Status:          status,
					ReviewMessageID: messageID,
					ModeratorID:     la.Moderator.String(),
					Reason:          stringPointerValue(la.Reason),
				}
				app.CreatedAt = submitted.UnixMilli()
				if status != ApplicationPending {
					decided := submitted
					app.DecidedAt = &decided
				}
				if err := tx.Create(app).Error; err != nil {
					return err
				}
				imported++
			}
			return nil
		},
	)
	return imported, err
}
