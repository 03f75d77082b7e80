package floofbot

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/bwmarrin/discordgo"
)

const (
	pageCustomIDPrefix = "page"

	pageKindLeaderboard = "leaderboard"
	pageKindActivity    = "activity"
)

var (
	// paginationTimeout is how long page buttons stay on a message
	paginationTimeout = DefaultPaginationTimeout

	notPageOwnerMessage = "Only the person who ran this command can change pages!"
)

// ranked is an entry with its position in a ranking. Entries with equal
// keys share a rank, and the next rank skips ahead ("1, 1, 3").
type ranked[T any] struct {
	Rank  int
	Entry T
}

// rankEntries sorts entries by key, descending, and assigns ranks. Keys
// are compared lexicographically. The sort is stable, so entries with
// equal keys keep their relative order.
func rankEntries[T any](entries []T, key func(T) []int64) []ranked[T] {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(
		sorted, func(a, b T) int {
			return slices.Compare(key(b), key(a))
		},
	)

	out := make([]ranked[T], len(sorted))
	for idx, e := range sorted {
		rank := idx + 1
		if idx > 0 && slices.Equal(key(e), key(sorted[idx-1])) {
			rank = out[idx-1].Rank
		}
		out[idx] = ranked[T]{Rank: rank, Entry: e}
	}
	return out
}

// paginate returns the number of pages needed for n items. There's always
// at least one page.
func paginate(n int, pageSize int) int {
	if n <= 0 || pageSize <= 0 {
		return 1
	}
	return (n + pageSize - 1) / pageSize
}

// pageSlice returns the items on the given 1-indexed page
func pageSlice[T any](items []T, page int, pageSize int) []T {
	start := (page - 1) * pageSize
	if start < 0 || start >= len(items) {
		return nil
	}
	end := min(start+pageSize, len(items))
	return items[start:end]
}

func pageFooter(page int, totalPages int) *discordgo.MessageEmbedFooter {
	return &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("Page %d/%d", page, totalPages)}
}

// pager renders a page of a paginated embed, returning the page and the
// current page count
type pager func(ctx context.Context, page int) (*discordgo.MessageEmbed, int, error)

func (bot *FloofBot) pagerFor(kind string) pager {
	switch kind {
	case pageKindLeaderboard:
		return bot.leveling.leaderboardPage
	case pageKindActivity:
		return bot.activity.activityPage
	default:
		return nil
	}
}

// pageButtons returns the prev/next buttons for a page, or nothing if
// everything fits on one page
func pageButtons(kind string, owner string, page int, totalPages int) []discordgo.MessageComponent {
	if totalPages <= 1 {
		return []discordgo.MessageComponent{}
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Emoji:    &discordgo.ComponentEmoji{Name: "⬅️"},
					Style:    discordgo.SecondaryButton,
					CustomID: customID(pageCustomIDPrefix, kind, owner, strconv.Itoa(page-1)),
					Disabled: page <= 1,
				},
				discordgo.Button{
					Emoji:    &discordgo.ComponentEmoji{Name: "➡️"},
					Style:    discordgo.SecondaryButton,
					CustomID: customID(pageCustomIDPrefix, kind, owner, strconv.Itoa(page+1)),
					Disabled: page >= totalPages,
				},
			},
		},
	}
}

// sendPaginated responds with the first page of kind. If there's more
// than one page, prev/next buttons are added, and removed again once
// paginationTimeout passes.
func (bot *FloofBot) sendPaginated(
	ctx context.Context,
	h InteractionHandler,
	kind string,
	content string,
) error {
	render := bot.pagerFor(kind)
	if render == nil {
		return fmt.Errorf("unknown page kind: %s", kind)
	}
	embed, totalPages, err := render(ctx, 1)
	if err != nil {
		return err
	}

	owner := getDiscordUser(h.GetInteraction()).ID
	if err = h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content:    content,
				Embeds:     []*discordgo.MessageEmbed{embed},
				Components: pageButtons(kind, owner, 1, totalPages),
			},
		},
	); err != nil {
		return err
	}

	if totalPages > 1 {
		bot.afterDelay(
			ctx, paginationTimeout, func() {
				_, _ = h.Edit(
					context.Background(),
					&discordgo.WebhookEdit{Components: &[]discordgo.MessageComponent{}},
				)
			},
		)
	}
	return nil
}

// handlePageButton flips a paginated message to the page in the button's
// custom ID
func (bot *FloofBot) handlePageButton(ctx context.Context, h InteractionHandler) error {
	i := h.GetInteraction()
	parts := customIDParts(i.MessageComponentData().CustomID)
	if len(parts) != 3 {
		return fmt.Errorf("invalid page custom id: %s", i.MessageComponentData().CustomID)
	}
	kind, owner := parts[0], parts[1]
	page, err := strconv.Atoi(parts[2])
	if err != nil {
		return fmt.Errorf("invalid page number: %w", err)
	}

	if getDiscordUser(i).ID != owner {
		return h.Respond(ctx, ephemeralResponse(notPageOwnerMessage))
	}

	render := bot.pagerFor(kind)
	if render == nil {
		return fmt.Errorf("unknown page kind: %s", kind)
	}

	// the page count may have shrunk since the message was sent
	embed, totalPages, err := render(ctx, max(page, 1))
	if err != nil {
		return err
	}
	if page > totalPages {
		page = totalPages
		if embed, totalPages, err = render(ctx, page); err != nil {
			return err
		}
	}
	page = max(page, 1)

	return h.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Embeds:     []*discordgo.MessageEmbed{embed},
				Components: pageButtons(kind, owner, page, totalPages),
			},
		},
	)
}
