package pllumcord

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// handleAdminCommand routes `admin` subcommands. Requires Manage Server
// (or Administrator) in the guild; admin commands never work in direct
// messages.
func (b *Bot) handleAdminCommand(ctx context.Context, event messageEvent, args string) {
	if event.GuildID == "" {
		b.replyText(ctx, event, "❌ Admin commands only work in a server.")
		return
	}
	if !b.isGuildAdmin(ctx, event) {
		b.replyText(ctx, event, "❌ You need the Manage Server permission to do that.")
		return
	}

	sub, rest, _ := strings.Cut(args, " ")
	sub = strings.ToLower(strings.TrimSpace(sub))
	rest = strings.TrimSpace(rest)

	switch sub {
	case "settings", "":
		b.adminSettings(ctx, event)
	case "channels":
		b.adminChannels(ctx, event, rest)
	case "roles":
		b.adminRoles(ctx, event, rest)
	case "prefix":
		b.adminPrefix(ctx, event, rest)
	case "model":
		b.adminModel(ctx, event, rest)
	case "reset":
		b.adminReset(ctx, event)
	default:
		prefix := b.guildSettings.Prefix(event.GuildID)
		b.replyText(ctx, event, fmt.Sprintf(
			"❓ Unknown admin command. Try `%sadmin settings`.", prefix,
		))
	}
}

func (b *Bot) isGuildAdmin(ctx context.Context, event messageEvent) bool {
	permissions, err := b.discord.session.MessagePermissions(event.Message)
	if err != nil {
		b.logger.ErrorContext(
			ctx,
			"error resolving member permissions",
			tint.Err(err),
			"guild_id", event.GuildID,
			"user_id", event.AuthorID,
		)
		return false
	}
	return permissions&discordgo.PermissionAdministrator != 0 ||
		permissions&discordgo.PermissionManageServer != 0
}

// adminSettings shows the guild's current configuration.
func (b *Bot) adminSettings(ctx context.Context, event messageEvent) {
	settings := b.guildSettings.Get(event.GuildID)

	channels := "All channels"
	if len(settings.AllowedChannels) > 0 {
		channels = mentionList(settings.AllowedChannels, "<#%s>")
	}
	roles := "All roles"
	if len(settings.AllowedRoles) > 0 {
		roles = mentionList(settings.AllowedRoles, "<@&%s>")
	}

	embed := &discordgo.MessageEmbed{
		Title: "⚙️ Server Settings",
		Color: embedColorInfo,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Prefix",
				Value:  fmt.Sprintf("`%s`", b.guildSettings.Prefix(event.GuildID)),
				Inline: true,
			},
			{
				Name: "Model",
				Value: fmt.Sprintf(
					"`%s`", ResolveModelID(b.guildSettings.Model(event.GuildID)),
				),
				Inline: true,
			},
			{Name: "Allowed Channels", Value: channels},
			{Name: "Allowed Roles", Value: roles},
		},
	}
	b.sendEmbed(ctx, event.ChannelID, embed)
}

// adminChannels manages the channel allow-list:
// `admin channels [list|add|remove|reset] [channels...]`.
func (b *Bot) adminChannels(ctx context.Context, event messageEvent, args string) {
	b.adminAllowList(ctx, event, args, allowListSpec{
		noun:          "channel",
		mentionPrefix: "<#",
		mentionFormat: "<#%s>",
		emptyNotice:   "✅ Channel restrictions cleared. I'll respond in all channels.",
		get: func(s *GuildSettings) StringList {
			return s.AllowedChannels
		},
		set: func(s *GuildSettings, ids StringList) {
			s.AllowedChannels = ids
		},
	})
}

// adminRoles manages the role allow-list:
// `admin roles [list|add|remove|reset] [roles...]`.
func (b *Bot) adminRoles(ctx context.Context, event messageEvent, args string) {
	b.adminAllowList(ctx, event, args, allowListSpec{
		noun:          "role",
		mentionPrefix: "<@&",
		mentionFormat: "<@&%s>",
		emptyNotice:   "✅ Role restrictions cleared. Everyone can use me.",
		get: func(s *GuildSettings) StringList {
			return s.AllowedRoles
		},
		set: func(s *GuildSettings, ids StringList) {
			s.AllowedRoles = ids
		},
	})
}

type allowListSpec struct {
	noun          string
	mentionPrefix string
	mentionFormat string
	emptyNotice   string
	get           func(*GuildSettings) StringList
	set           func(*GuildSettings, StringList)
}

func (b *Bot) adminAllowList(
	ctx context.Context,
	event messageEvent,
	args string,
	list allowListSpec,
) {
	action, rest, _ := strings.Cut(args, " ")
	action = strings.ToLower(strings.TrimSpace(action))
	ids := parseIDList(rest, list.mentionPrefix, ">")

	switch action {
	case "", "list":
		settings := b.guildSettings.Get(event.GuildID)
		current := list.get(&settings)
		if len(current) == 0 {
			b.replyText(ctx, event, fmt.Sprintf(
				"No %s restrictions are set.", list.noun,
			))
			return
		}
		b.replyText(ctx, event, fmt.Sprintf(
			"Allowed %ss: %s", list.noun, mentionList(current, list.mentionFormat),
		))
		return
	case "add":
		if len(ids) == 0 {
			b.replyText(ctx, event, fmt.Sprintf(
				"❌ Give me at least one %s to add.", list.noun,
			))
			return
		}
	case "remove":
		if len(ids) == 0 {
			b.replyText(ctx, event, fmt.Sprintf(
				"❌ Give me at least one %s to remove.", list.noun,
			))
			return
		}
	case "reset":
		ids = nil
	default:
		b.replyText(ctx, event, fmt.Sprintf(
			"❓ Usage: `admin %ss [list|add|remove|reset]`", list.noun,
		))
		return
	}

	updated, err := b.guildSettings.Update(
		ctx, event.GuildID, func(s *GuildSettings) {
			switch action {
			case "add":
				current := list.get(s)
				for _, id := range ids {
					if !current.contains(id) {
						current = append(current, id)
					}
				}
				list.set(s, current)
			case "remove":
				var kept StringList
				for _, id := range list.get(s) {
					if !StringList(ids).contains(id) {
						kept = append(kept, id)
					}
				}
				list.set(s, kept)
			case "reset":
				list.set(s, nil)
			}
		},
	)
	if err != nil {
		b.replyText(ctx, event, b.config.Bot.ErrorMessage)
		return
	}

	current := list.get(&updated)
	if len(current) == 0 {
		b.replyText(ctx, event, list.emptyNotice)
		return
	}
	b.replyText(ctx, event, fmt.Sprintf(
		"✅ Allowed %ss: %s", list.noun, mentionList(current, list.mentionFormat),
	))
}

func (b *Bot) adminPrefix(ctx context.Context, event messageEvent, args string) {
	newPrefix := strings.TrimSpace(args)
	if newPrefix == "" {
		b.replyText(ctx, event, fmt.Sprintf(
			"Current prefix: `%s`", b.guildSettings.Prefix(event.GuildID),
		))
		return
	}
	if len(newPrefix) > maxCommandPrefixLength {
		b.replyText(ctx, event, fmt.Sprintf(
			"❌ Prefix must be %d characters or fewer.", maxCommandPrefixLength,
		))
		return
	}

	_, err := b.guildSettings.Update(ctx, event.GuildID, func(s *GuildSettings) {
		s.Prefix = newPrefix
	})
	if err != nil {
		b.replyText(ctx, event, b.config.Bot.ErrorMessage)
		return
	}
	b.replyText(ctx, event, fmt.Sprintf("✅ Prefix changed to `%s`", newPrefix))
}

// adminModel switches the guild's model. Accepts a catalog key or a
// full Hugging Face model ID. With no arguments, lists the catalog.
func (b *Bot) adminModel(ctx context.Context, event messageEvent, args string) {
	model := strings.TrimSpace(args)
	if model == "" {
		keys := make([]string, 0, len(ModelCatalog))
		for key := range ModelCatalog {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		var lines []string
		for _, key := range keys {
			lines = append(lines, fmt.Sprintf("`%s` → `%s`", key, ModelCatalog[key]))
		}
		embed := &discordgo.MessageEmbed{
			Title:       "Available Models",
			Description: strings.Join(lines, "\n"),
			Color:       embedColorInfo,
			Footer: &discordgo.MessageEmbedFooter{
				Text: fmt.Sprintf(
					"Current: %s", ResolveModelID(b.guildSettings.Model(event.GuildID)),
				),
			},
		}
		b.sendEmbed(ctx, event.ChannelID, embed)
		return
	}

	if _, known := ModelCatalog[strings.ToLower(model)]; !known &&
		!strings.Contains(model, "/") {
		b.replyText(ctx, event,
			"❌ Unknown model. Use a catalog key or a full `org/model` ID.",
		)
		return
	}

	_, err := b.guildSettings.Update(ctx, event.GuildID, func(s *GuildSettings) {
		s.Model = model
	})
	if err != nil {
		b.replyText(ctx, event, b.config.Bot.ErrorMessage)
		return
	}
	b.replyText(ctx, event, fmt.Sprintf(
		"✅ Model changed to `%s`", ResolveModelID(model),
	))
}

func (b *Bot) adminReset(ctx context.Context, event messageEvent) {
	if err := b.guildSettings.Reset(ctx, event.GuildID); err != nil {
		b.logger.ErrorContext(
			ctx,
			"error resetting guild settings",
			tint.Err(err),
			"guild_id", event.GuildID,
		)
		b.replyText(ctx, event, b.config.Bot.ErrorMessage)
		return
	}
	b.replyText(ctx, event, "✅ Server settings reset to defaults.")
}

// parseIDList extracts IDs from a whitespace-separated list of mentions
// (like <#123> or <@&456>) or bare numeric IDs.
func parseIDList(args string, mentionPrefix string, mentionSuffix string) StringList {
	var ids StringList
	for _, token := range strings.Fields(args) {
		id := strings.TrimSuffix(strings.TrimPrefix(token, mentionPrefix), mentionSuffix)
		if id == "" {
			continue
		}
		digits := true
		for _, r := range id {
			if r < '0' || r > '9' {
				digits = false
				break
			}
		}
		if digits {
			ids = append(ids, id)
		}
	}
	return ids
}

func mentionList(ids []string, format string) string {
	mentions := make([]string, len(ids))
	for i, id := range ids {
		mentions[i] = fmt.Sprintf(format, id)
	}
	return strings.Join(mentions, " ")
}
