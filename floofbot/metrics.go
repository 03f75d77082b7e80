package floofbot

import (
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// botMetrics holds the bot's prometheus collectors. Collectors are always
// created, so cogs don't need to check whether metrics are enabled. They
// are only registered, and served, when they are.
type botMetrics struct {
	registry *prometheus.Registry
	enabled  bool

	interactions       *prometheus.CounterVec
	interactionErrors  *prometheus.CounterVec
	messagesLogged     prometheus.Counter
	xpAwarded          prometheus.Counter
	levelUps           prometheus.Counter
	birthdaysAnnounced prometheus.Counter
	moderationActions  *prometheus.CounterVec
	ticketsOpened      prometheus.Counter
	ticketsClosed      prometheus.Counter
	applications       *prometheus.CounterVec
	songsPlayed        prometheus.Counter
	imageUploads       *prometheus.CounterVec
	guildMembers       prometheus.Gauge
	guildBots          prometheus.Gauge
	guildBoosts        prometheus.Gauge
}

func newBotMetrics(config *MetricsConfig, bot *FloofBot) *botMetrics {
	namespace := DefaultMetricsNamespace
	enabled := false
	if config != nil {
		enabled = config.Enabled
		if config.Namespace != "" {
			namespace = config.Namespace
		}
	}

	counter := func(name string, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	counterVec := func(name string, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help},
			labels,
		)
	}
	gauge := func(name string, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	m := &botMetrics{
		registry:           prometheus.NewRegistry(),
		enabled:            enabled,
		interactions:       counterVec("interactions_total", "Interactions handled", "type", "name"),
		interactionErrors:  counterVec("interaction_errors_total", "Interactions that failed", "type", "name"),
		messagesLogged:     counter("messages_logged_total", "Guild messages logged for activity"),
		xpAwarded:          counter("xp_awarded_total", "XP awarded for messages"),
		levelUps:           counter("level_ups_total", "Level ups"),
		birthdaysAnnounced: counter("birthdays_announced_total", "Birthdays announced"),
		moderationActions:  counterVec("moderation_actions_total", "Moderation actions taken", "action"),
		ticketsOpened:      counter("tickets_opened_total", "Support tickets opened"),
		ticketsClosed:      counter("tickets_closed_total", "Support tickets closed"),
		applications:       counterVec("applications_total", "Applications by resulting status", "status"),
		songsPlayed:        counter("songs_played_total", "Songs started"),
		imageUploads:       counterVec("image_uploads_total", "Reference image uploads", "result"),
		guildMembers:       gauge("guild_members", "Guild members, including bots"),
		guildBots:          gauge("guild_bots", "Bots in the guild"),
		guildBoosts:        gauge("guild_boosts", "Server boosts"),
	}
	if !enabled {
		return m
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.interactions,
		m.interactionErrors,
		m.messagesLogged,
		m.xpAwarded,
		m.levelUps,
		m.birthdaysAnnounced,
		m.moderationActions,
		m.ticketsOpened,
		m.ticketsClosed,
		m.applications,
		m.songsPlayed,
		m.imageUploads,
		m.guildMembers,
		m.guildBots,
		m.guildBoosts,
	)
	if bot != nil {
		m.registry.MustRegister(
			prometheus.NewCounterFunc(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "discord_connects_total",
					Help:      "Gateway connections",
				},
				func() float64 {
					return float64(bot.discord.metricConnects.Load())
				},
			),
			prometheus.NewCounterFunc(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "discord_disconnects_total",
					Help:      "Gateway disconnections",
				},
				func() float64 {
					return float64(bot.discord.metricDisconnects.Load())
				},
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "paused",
					Help:      "1 if the bot is paused",
				},
				func() float64 {
					if bot.paused.Load() {
						return 1
					}
					return 0
				},
			),
		)
	}
	return m
}

func (m *botMetrics) interactionReceived(t discordgo.InteractionType, name string) {
	m.interactions.WithLabelValues(t.String(), metricName(t, name)).Inc()
}

func (m *botMetrics) interactionFailed(t discordgo.InteractionType, name string) {
	m.interactionErrors.WithLabelValues(t.String(), metricName(t, name)).Inc()
}

// metricName keeps label cardinality down by dropping the variable parts
// of component custom IDs
func metricName(t discordgo.InteractionType, name string) string {
	if t == discordgo.InteractionApplicationCommand {
		return name
	}
	return customIDPrefix(name)
}

func (m *botMetrics) setGuildCounts(c guildCounts) {
	m.guildMembers.Set(float64(c.Members))
	m.guildBots.Set(float64(c.Bots))
	m.guildBoosts.Set(float64(c.Boosts))
}

// handler serves the registry, or 404s when metrics are disabled
func (m *botMetrics) handler() http.Handler {
	if !m.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
