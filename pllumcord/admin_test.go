package pllumcord

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adminEvent(content string) messageEvent {
	return newTestEvent("admin-user", "channel-1", "guild-1", content, false)
}

func TestAdminRequiresPermission(t *testing.T) {
	bot, session := newTestBot(t, nil)
	session.Permissions = 0

	bot.handleMessage(context.Background(), adminEvent("!admin prefix ?"))

	replies := session.replyContents()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "Manage Server")
	assert.Equal(t, "!", bot.guildSettings.Prefix("guild-1"))
}

func TestAdminRejectedInDirectMessages(t *testing.T) {
	bot, session := newTestBot(t, nil)
	session.Permissions = discordgo.PermissionAdministrator

	bot.handleMessage(
		context.Background(),
		newTestEvent("admin-user", "dm-channel", "", "!admin settings", false),
	)

	replies := session.replyContents()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "only work in a server")
}

func TestAdminPrefix(t *testing.T) {
	bot, session := newTestBot(t, nil)
	session.Permissions = discordgo.PermissionManageServer
	ctx := context.Background()

	bot.handleMessage(ctx, adminEvent("!admin prefix ?"))
	assert.Equal(t, "?", bot.guildSettings.Prefix("guild-1"))

	// the new prefix takes effect immediately
	bot.handleMessage(ctx, adminEvent("?admin prefix $$"))
	assert.Equal(t, "$$", bot.guildSettings.Prefix("guild-1"))

	// over-long prefixes are rejected
	bot.handleMessage(ctx, adminEvent("$$admin prefix toolong"))
	assert.Equal(t, "$$", bot.guildSettings.Prefix("guild-1"))
	replies := session.replyContents()
	assert.Contains(t, replies[len(replies)-1], "5 characters or fewer")
}

func TestAdminModel(t *testing.T) {
	bot, session := newTestBot(t, nil)
	session.Permissions = discordgo.PermissionAdministrator
	ctx := context.Background()

	bot.handleMessage(ctx, adminEvent("!admin model pllum-large"))
	assert.Equal(t, "pllum-large", bot.guildSettings.Model("guild-1"))

	// full model IDs are accepted
	bot.handleMessage(ctx, adminEvent("!admin model someorg/custom-model"))
	assert.Equal(t, "someorg/custom-model", bot.guildSettings.Model("guild-1"))

	// unknown bare keys are rejected
	bot.handleMessage(ctx, adminEvent("!admin model nonsense"))
	assert.Equal(t, "someorg/custom-model", bot.guildSettings.Model("guild-1"))
	replies := session.replyContents()
	assert.Contains(t, replies[len(replies)-1], "Unknown model")

	// other guilds keep the default
	assert.Equal(t, DefaultPLLuMModel, bot.guildSettings.Model("guild-2"))
}

func TestAdminModelList(t *testing.T) {
	bot, session := newTestBot(t, nil)
	session.Permissions = discordgo.PermissionAdministrator

	bot.handleMessage(context.Background(), adminEvent("!admin model"))

	require.Len(t, session.Embeds, 1)
	assert.Contains(t, session.Embeds[0].Description, "pllum-large")
	assert.Contains(t, session.Embeds[0].Description, "CYFRAGOVPL/PLLuM-12B-instruct")
}

func TestAdminChannels(t *testing.T) {
	bot, session := newTestBot(t, nil)
	session.Permissions = discordgo.PermissionAdministrator
	ctx := context.Background()

	bot.handleMessage(ctx, adminEvent("!admin channels add <#111> 222"))
	settings := bot.guildSettings.Get("guild-1")
	assert.Equal(t, StringList{"111", "222"}, settings.AllowedChannels)

	// adding an existing channel doesn't duplicate it
	bot.handleMessage(ctx, adminEvent("!admin channels add <#111>"))
	settings = bot.guildSettings.Get("guild-1")
	assert.Equal(t, StringList{"111", "222"}, settings.AllowedChannels)

	bot.handleMessage(ctx, adminEvent("!admin channels remove 222"))
	settings = bot.guildSettings.Get("guild-1")
	assert.Equal(t, StringList{"111"}, settings.AllowedChannels)

	bot.handleMessage(ctx, adminEvent("!admin channels list"))
	replies := session.replyContents()
	assert.Contains(t, replies[len(replies)-1], "<#111>")

	bot.handleMessage(ctx, adminEvent("!admin channels reset"))
	settings = bot.guildSettings.Get("guild-1")
	assert.Empty(t, settings.AllowedChannels)
	replies = session.replyContents()
	assert.Contains(t, replies[len(replies)-1], "restrictions cleared")
}

func TestAdminRoles(t *testing.T) {
	bot, session := newTestBot(t, nil)
	session.Permissions = discordgo.PermissionAdministrator
	ctx := context.Background()

	bot.handleMessage(ctx, adminEvent("!admin roles add <@&333>"))
	settings := bot.guildSettings.Get("guild-1")
	assert.Equal(t, StringList{"333"}, settings.AllowedRoles)

	// listing with nothing set is a benign notice
	bot.handleMessage(ctx, adminEvent("!admin roles reset"))
	bot.handleMessage(ctx, adminEvent("!admin roles list"))
	replies := session.replyContents()
	assert.Contains(t, replies[len(replies)-1], "No role restrictions")
}

func TestAdminSettings(t *testing.T) {
	bot, session := newTestBot(t, nil)
	session.Permissions = discordgo.PermissionAdministrator
	ctx := context.Background()

	bot.handleMessage(ctx, adminEvent("!admin prefix ?"))
	bot.handleMessage(ctx, adminEvent("?admin settings"))

	require.Len(t, session.Embeds, 1)
	embed := session.Embeds[0]
	assert.Contains(t, embed.Title, "Server Settings")
	require.NotEmpty(t, embed.Fields)
	assert.Contains(t, embed.Fields[0].Value, "?")
}

func TestAdminReset(t *testing.T) {
	bot, session := newTestBot(t, nil)
	session.Permissions = discordgo.PermissionAdministrator
	ctx := context.Background()

	bot.handleMessage(ctx, adminEvent("!admin prefix ?"))
	require.Equal(t, "?", bot.guildSettings.Prefix("guild-1"))

	bot.handleMessage(ctx, adminEvent("?admin reset"))
	assert.Equal(t, "!", bot.guildSettings.Prefix("guild-1"))
	replies := session.replyContents()
	assert.Contains(t, replies[len(replies)-1], "reset to defaults")
}

func TestParseIDList(t *testing.T) {
	ids := parseIDList("<#123> 456 <#789>", "<#", ">")
	assert.Equal(t, StringList{"123", "456", "789"}, ids)

	ids = parseIDList("<@&111> not-an-id", "<@&", ">")
	assert.Equal(t, StringList{"111"}, ids)

	assert.Empty(t, parseIDList("", "<#", ">"))
}
