// Package floofbot implements a community-management Discord bot for a
// single guild.
//
// The bot is built from independent cogs that each register slash commands,
// component handlers and message listeners:
//
//   - Moderation: /ban, /kick, /lock, /unlock
//   - Leveling: XP per message, level-up announcements, /level, /leaderboard,
//     /retroactive_roles
//   - Activity: per-message activity log with a 30-day window, /activity
//   - Birthdays: /set_birthday, /birthday, /remove_birthday and a daily
//     announcement
//   - References: reference images hosted on imgbb, /set_ref, /ref, /refs
//   - Music: yt-dlp search and voice playback, /play, /skip, /stop, /queue,
//     /leave, /nowplaying
//   - Stats: member, bot and boost counts shown as channel names
//   - Applications: an onboarding modal reviewed by staff
//   - Tickets: private support channels with HTML transcripts
//
// State is stored through gorm (sqlite, postgres or mysql). A small admin
// API (gin) exposes health, metrics, runtime configuration and read-only
// views of cog data.
package floofbot
