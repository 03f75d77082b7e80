package floofbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"4d63.com/tz"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	ErrInvalidBirthday = errors.New("invalid birthday")

	invalidBirthdayMessage = "That isn't a valid date!"
	noBirthdayMessage      = "You haven't set a birthday."
)

const (
	birthdayOptMonth = "month"
	birthdayOptDay   = "day"
	birthdayOptUser  = "user"
)

// Birthday is the month and day a user was born. The year isn't stored.
type Birthday struct {
	UserID string `json:"user_id" gorm:"primaryKey"`
	Month  int    `json:"month" gorm:"not null;index:idx_birthday_date"`
	Day    int    `json:"day" gorm:"not null;index:idx_birthday_date"`

	// LastAnnouncedYear prevents announcing more than once a year
	LastAnnouncedYear int `json:"last_announced_year" gorm:"not null;default:0"`
	ModelTimestamps
}

func (b Birthday) String() string {
	return fmt.Sprintf("%s %d", time.Month(b.Month).String(), b.Day)
}

// validateBirthday checks day against the number of days in month,
// allowing Feb 29
func validateBirthday(month int, day int) error {
	if month < 1 || month > 12 {
		return fmt.Errorf("%w: month %d", ErrInvalidBirthday, month)
	}
	// 2024 is a leap year, so Feb 29 is accepted
	daysInMonth := time.Date(2024, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day < 1 || day > daysInMonth {
		return fmt.Errorf("%w: %s has no day %d", ErrInvalidBirthday, time.Month(month), day)
	}
	return nil
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// birthdayDue reports whether b should be announced on the given local
// date. Feb 29 birthdays are celebrated on Feb 28 in non-leap years.
func birthdayDue(b Birthday, local time.Time) bool {
	if b.LastAnnouncedYear >= local.Year() {
		return false
	}
	month, day := int(local.Month()), local.Day()
	if b.Month == month && b.Day == day {
		return true
	}
	return b.Month == 2 && b.Day == 29 &&
		month == 2 && day == 28 &&
		!isLeapYear(local.Year())
}

// Birthdays stores member birthdays and announces them each day
type Birthdays struct {
	bot      *FloofBot
	config   *BirthdayConfig
	logger   *slog.Logger
	location *time.Location
	now      func() time.Time
}

func newBirthdays(bot *FloofBot, config *BirthdayConfig, logger *slog.Logger) (*Birthdays, error) {
	b := &Birthdays{
		bot:      bot,
		config:   config,
		logger:   logger,
		location: time.UTC,
		now:      time.Now,
	}
	if config.Timezone != "" {
		loc, err := tz.LoadLocation(config.Timezone)
		if err != nil {
			return b, fmt.Errorf("invalid birthday timezone %q: %w", config.Timezone, err)
		}
		b.location = loc
	}
	return b, nil
}

func (b *Birthdays) commands() []slashCommand {
	monthChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, 12)
	for m := time.January; m <= time.December; m++ {
		monthChoices = append(
			monthChoices,
			&discordgo.ApplicationCommandOptionChoice{Name: m.String(), Value: int(m)},
		)
	}
	minDay := 1.0

	return []slashCommand{
		{
			command: &discordgo.ApplicationCommand{
				Name:        "set_birthday",
				Description: "Set your birthday.",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        birthdayOptMonth,
						Description: "Your birth month",
						Required:    true,
						Choices:     monthChoices,
					},
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        birthdayOptDay,
						Description: "Your birth day",
						Required:    true,
						MinValue:    &minDay,
						MaxValue:    31,
					},
				},
			},
			handler: b.setBirthdayCommand,
		},
		{
			command: &discordgo.ApplicationCommand{
				Name:        "birthday",
				Description: "Show someone's birthday.",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        birthdayOptUser,
						Description: "Whose birthday to show (defaults to you)",
					},
				},
			},
			handler: b.birthdayCommand,
		},
		{
			command: &discordgo.ApplicationCommand{
				Name:        "remove_birthday",
				Description: "Forget your birthday.",
			},
			handler: b.removeBirthdayCommand,
		},
	}
}

func (b *Birthdays) components() map[string]interactionFunc {
	return map[string]interactionFunc{}
}

// set stores the user's birthday. Changing it makes it eligible to be
// announced again this year.
func (b *Birthdays) set(ctx context.Context, userID string, month int, day int) error {
	if err := validateBirthday(month, day); err != nil {
		return err
	}
	_, err := b.bot.writeDB.Upsert(
		ctx,
		&Birthday{UserID: userID, Month: month, Day: day},
		[]string{"user_id"},
		[]string{"month", "day", "last_announced_year", "updated_at"},
	)
	if err != nil {
		return fmt.Errorf("error saving birthday: %w", err)
	}
	return nil
}

func (b *Birthdays) get(ctx context.Context, userID string) (*Birthday, error) {
	var bday Birthday
	if err := b.bot.db.WithContext(ctx).Where("user_id = ?", userID).First(&bday).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting birthday: %w", err)
	}
	return &bday, nil
}

func (b *Birthdays) setBirthdayCommand(ctx context.Context, h InteractionHandler) error {
	opts := newCommandOptions(h.GetInteraction())
	month := int(opts.Int(birthdayOptMonth))
	day := int(opts.Int(birthdayOptDay))
	u := getDiscordUser(h.GetInteraction())

	if err := b.set(ctx, u.ID, month, day); err != nil {
		if errors.Is(err, ErrInvalidBirthday) {
			return h.Respond(ctx, ephemeralResponse(invalidBirthdayMessage))
		}
		return err
	}
	bday := Birthday{Month: month, Day: day}
	return h.Respond(
		ctx,
		ephemeralResponse(fmt.Sprintf("Your birthday has been set to %s!", bday)),
	)
}

func (b *Birthdays) birthdayCommand(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	user, member := newCommandOptions(i).User(birthdayOptUser)
	if user == nil {
		user, member = getDiscordUser(i), i.Member
	}
	name := userDisplayName(user)
	if member != nil {
		name = displayName(member)
	}

	bday, err := b.get(ctx, user.ID)
	if err != nil {
		return err
	}
	if bday == nil {
		return h.Respond(ctx, ephemeralResponse(fmt.Sprintf("No birthday set for %s.", name)))
	}
	return h.Respond(ctx, messageResponse(fmt.Sprintf("%s's birthday is %s. 🎂", name, bday)))
}

func (b *Birthdays) removeBirthdayCommand(ctx context.Context, h InteractionHandler) error {
	u := getDiscordUser(h.GetInteraction())
	rows, err := b.bot.writeDB.Delete(ctx, &Birthday{}, "user_id = ?", u.ID)
	if err != nil {
		return fmt.Errorf("error deleting birthday: %w", err)
	}
	if rows == 0 {
		return h.Respond(ctx, ephemeralResponse(noBirthdayMessage))
	}
	return h.Respond(ctx, ephemeralResponse("Your birthday has been removed."))
}

// announce posts a message for every birthday due today that hasn't been
// announced yet. Nothing happens before the configured hour.
func (b *Birthdays) announce(ctx context.Context) error {
	if b.config.ChannelID == "" {
		return nil
	}
	local := b.now().In(b.location)
	if local.Hour() < b.config.AnnounceHour {
		return nil
	}

	query := b.bot.db.WithContext(ctx).
		Where("last_announced_year < ?", local.Year()).
		Where(
			b.bot.db.Where("month = ? AND day = ?", int(local.Month()), local.Day()).
				Or("month = ? AND day = ?", 2, 29),
		)
	var candidates []Birthday
	if err := query.Find(&candidates).Error; err != nil {
		return fmt.Errorf("error getting birthdays: %w", err)
	}

	var errs []error
	for _, bday := range candidates {
		if !birthdayDue(bday, local) {
			continue
		}
		if _, err := b.bot.session().ChannelMessageSend(
			b.config.ChannelID,
			fmt.Sprintf("🎉 Happy Birthday %s! 🎉", mention(bday.UserID)),
		); err != nil {
			errs = append(errs, fmt.Errorf("error announcing birthday for %s: %w", bday.UserID, err))
			continue
		}
		if _, err := b.bot.writeDB.Update(
			ctx,
			&Birthday{UserID: bday.UserID},
			"last_announced_year",
			local.Year(),
		); err != nil {
			b.logger.ErrorContext(ctx, "error marking birthday announced", tint.Err(err))
			errs = append(errs, err)
			continue
		}
		b.bot.metrics.birthdaysAnnounced.Inc()
		b.logger.InfoContext(ctx, "announced birthday", "user_id", bday.UserID)
	}
	return errors.Join(errs...)
}

// legacyBirthdays is the birthdays.json format: user ID to a "YYYY-MM-DD"
// date, where the year is a placeholder
type legacyBirthdays map[string]string

// parseLegacyBirthday accepts "YYYY-MM-DD" or "MM-DD"
func parseLegacyBirthday(s string) (month int, day int, err error) {
	if _, err = fmt.Sscanf(s, "%d-%d-%d", new(int), &month, &day); err != nil {
		if _, err = fmt.Sscanf(s, "%d-%d", &month, &day); err != nil {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidBirthday, s)
		}
	}
	if err = validateBirthday(month, day); err != nil {
		return 0, 0, err
	}
	return month, day, nil
}
