package pllumcord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newGenerationRecorder returns an httptest server that answers every
// inference call with reply, recording the prompts it saw.
func newGenerationRecorder(t testing.TB, reply string) (*httptest.Server, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var prompts []string

	srv := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var payload generationPayload
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			mu.Lock()
			prompts = append(prompts, payload.Inputs)
			mu.Unlock()
			_, _ = w.Write([]byte(`[{"generated_text": "` + reply + `"}]`))
		}),
	)
	t.Cleanup(srv.Close)

	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string{}, prompts...)
	}
}

func TestCommandPing(t *testing.T) {
	bot, session := newTestBot(t, nil)

	bot.handleMessage(
		context.Background(),
		newTestEvent("user-1", "channel-1", "guild-1", "!ping", false),
	)

	replies := session.replyContents()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "Pong")
	assert.Contains(t, replies[0], "42ms")
}

func TestCommandChatAndEnd(t *testing.T) {
	bot, session := newTestBot(t, nil)
	ctx := context.Background()

	bot.handleMessage(ctx, newTestEvent("user-1", "channel-1", "guild-1", "!chat", false))
	require.Len(t, session.Embeds, 1)
	assert.Contains(t, session.Embeds[0].Title, "New Conversation")
	assert.Equal(t, 1, bot.conversations.Len())

	bot.handleMessage(ctx, newTestEvent("user-1", "channel-1", "guild-1", "!end", false))
	replies := session.replyContents()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "Conversation ended")
	assert.Equal(t, 0, bot.conversations.Len())

	// ending again is a no-op with a different message
	bot.handleMessage(ctx, newTestEvent("user-1", "channel-1", "guild-1", "!end", false))
	replies = session.replyContents()
	require.Len(t, replies, 2)
	assert.Contains(t, replies[1], "don't have an active conversation")
}

func TestCommandHelp(t *testing.T) {
	bot, session := newTestBot(t, nil)

	bot.handleMessage(
		context.Background(),
		newTestEvent("user-1", "channel-1", "guild-1", "!help", false),
	)

	require.Len(t, session.Embeds, 1)
	embed := session.Embeds[0]
	assert.Contains(t, embed.Title, "Help")
	require.NotEmpty(t, embed.Fields)
	assert.Contains(t, embed.Fields[0].Value, "!ask")
}

func TestCommandAskIsStateless(t *testing.T) {
	cfg := DefaultTestConfig(t)
	srv, prompts := newGenerationRecorder(t, "the answer")
	cfg.PLLuM.BaseURL = srv.URL
	cfg.PLLuM.RequestsPerSecond = 1000
	bot, session := newTestBot(t, cfg)
	ctx := context.Background()

	// an active conversation exists for the same user and channel
	key := ConversationKey{UserID: "user-1", ChannelID: "channel-1"}
	bot.conversations.Append(key, Turn{Role: TurnRoleUser, Content: "conversation context"})

	bot.handleMessage(
		ctx,
		newTestEvent("user-1", "channel-1", "guild-1", "!ask What time is it?", false),
	)

	recorded := prompts()
	require.Len(t, recorded, 1)
	assert.Contains(t, recorded[0], "What time is it?")
	assert.NotContains(
		t, recorded[0], "conversation context",
		"one-shot questions never see conversation history",
	)

	// and the conversation is untouched
	conversation, ok := bot.conversations.Get(key)
	require.True(t, ok)
	assert.Len(t, conversation.Turns, 1)

	require.Len(t, session.Embeds, 1)
	assert.Contains(t, session.Embeds[0].Description, "the answer")
}

func TestCommandAskEmptyQuestion(t *testing.T) {
	bot, session := newTestBot(t, nil)

	bot.handleMessage(
		context.Background(),
		newTestEvent("user-1", "channel-1", "guild-1", "!ask", false),
	)

	replies := session.replyContents()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "Usage")
}

func TestMentionRoutedToConversation(t *testing.T) {
	cfg := DefaultTestConfig(t)
	srv, prompts := newGenerationRecorder(t, "I am fine, thanks!")
	cfg.PLLuM.BaseURL = srv.URL
	cfg.PLLuM.RequestsPerSecond = 1000
	bot, session := newTestBot(t, cfg)

	bot.handleMessage(
		context.Background(),
		newTestEvent(
			"user-1", "channel-1", "guild-1",
			"<@bot-user-id> Cześć, jak się masz?", true,
		),
	)

	// polish detected from the first message steers the prompt
	recorded := prompts()
	require.Len(t, recorded, 1)
	assert.Contains(t, recorded[0], "Cześć, jak się masz?")
	assert.Contains(t, recorded[0], "Proszę odpowiadaj po polsku.")
	assert.NotContains(t, recorded[0], "<@bot-user-id>")

	key := ConversationKey{UserID: "user-1", ChannelID: "channel-1"}
	conversation, ok := bot.conversations.Get(key)
	require.True(t, ok)
	assert.Equal(t, LanguagePolish, conversation.Language)
	require.Len(t, conversation.Turns, 2)
	assert.Equal(t, TurnRoleUser, conversation.Turns[0].Role)
	assert.Equal(t, TurnRoleAssistant, conversation.Turns[1].Role)
	assert.Equal(t, "I am fine, thanks!", conversation.Turns[1].Content)

	// thinking placeholder was sent and cleaned up
	require.Len(t, session.Sent, 1)
	assert.Equal(t, cfg.Bot.ThinkingMessage, session.Sent[0].Content)
	assert.Len(t, session.Deleted, 1)

	replies := session.replyContents()
	require.Len(t, replies, 1)
	assert.Equal(t, "I am fine, thanks!", replies[0])
}

func TestConversationLanguageDoesNotFlap(t *testing.T) {
	cfg := DefaultTestConfig(t)
	srv, prompts := newGenerationRecorder(t, "ok")
	cfg.PLLuM.BaseURL = srv.URL
	cfg.PLLuM.RequestsPerSecond = 1000
	bot, _ := newTestBot(t, cfg)
	ctx := context.Background()

	bot.handleMessage(ctx, newTestEvent(
		"user-1", "channel-1", "guild-1", "<@bot-user-id> Cześć!", true,
	))
	bot.handleMessage(ctx, newTestEvent(
		"user-1", "channel-1", "guild-1", "<@bot-user-id> tell me more", true,
	))

	recorded := prompts()
	require.Len(t, recorded, 2)
	// the second, english-looking message still gets the polish directive
	assert.Contains(t, recorded[1], "Proszę odpowiadaj po polsku.")
}

func TestGenerationErrorKeepsUserTurn(t *testing.T) {
	cfg := DefaultTestConfig(t)
	srv := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}),
	)
	t.Cleanup(srv.Close)
	cfg.PLLuM.BaseURL = srv.URL
	cfg.PLLuM.RequestsPerSecond = 1000
	bot, session := newTestBot(t, cfg)

	bot.handleMessage(
		context.Background(),
		newTestEvent("user-1", "channel-1", "guild-1", "<@bot-user-id> hello", true),
	)

	replies := session.replyContents()
	require.Len(t, replies, 1)
	assert.Equal(t, cfg.Bot.ErrorMessage, replies[0])

	// the user's turn stays in history; no assistant turn was recorded
	key := ConversationKey{UserID: "user-1", ChannelID: "channel-1"}
	conversation, ok := bot.conversations.Get(key)
	require.True(t, ok)
	require.Len(t, conversation.Turns, 1)
	assert.Equal(t, TurnRoleUser, conversation.Turns[0].Role)
}

func TestRateLimitedConversationMessage(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Bot.RateLimitUser = 2
	srv, prompts := newGenerationRecorder(t, "ok")
	cfg.PLLuM.BaseURL = srv.URL
	cfg.PLLuM.RequestsPerSecond = 1000
	bot, session := newTestBot(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		bot.handleMessage(ctx, newTestEvent(
			"user-1", "channel-1", "guild-1", "<@bot-user-id> hello", true,
		))
	}

	// the third request was denied before touching the model or the
	// conversation
	assert.Len(t, prompts(), 2)
	replies := session.replyContents()
	require.Len(t, replies, 3)
	assert.Equal(t, cfg.Bot.RateLimitMessage, replies[2])

	key := ConversationKey{UserID: "user-1", ChannelID: "channel-1"}
	conversation, ok := bot.conversations.Get(key)
	require.True(t, ok)
	assert.Len(t, conversation.Turns, 4)
}

func TestPlainGuildMessageIgnored(t *testing.T) {
	bot, session := newTestBot(t, nil)

	bot.handleMessage(
		context.Background(),
		newTestEvent("user-1", "channel-1", "guild-1", "just chatting with friends", false),
	)

	assert.Empty(t, session.Sent)
	assert.Empty(t, session.Replies)
	assert.Empty(t, session.Embeds)
	assert.Equal(t, 0, bot.conversations.Len())
}

func TestDirectMessageRoutedWithoutMention(t *testing.T) {
	cfg := DefaultTestConfig(t)
	srv, prompts := newGenerationRecorder(t, "hello!")
	cfg.PLLuM.BaseURL = srv.URL
	cfg.PLLuM.RequestsPerSecond = 1000
	bot, _ := newTestBot(t, cfg)

	// direct messages have no guild ID and need no mention
	bot.handleMessage(
		context.Background(),
		newTestEvent("user-1", "dm-channel", "", "hi there", false),
	)

	assert.Len(t, prompts(), 1)
	_, ok := bot.conversations.Get(
		ConversationKey{UserID: "user-1", ChannelID: "dm-channel"},
	)
	assert.True(t, ok)
}

func TestReplyToBotRoutedToConversation(t *testing.T) {
	cfg := DefaultTestConfig(t)
	srv, prompts := newGenerationRecorder(t, "continuing")
	cfg.PLLuM.BaseURL = srv.URL
	cfg.PLLuM.RequestsPerSecond = 1000
	bot, _ := newTestBot(t, cfg)

	message := &discordgo.Message{
		ID:        "msg-1",
		ChannelID: "channel-1",
		GuildID:   "guild-1",
		Content:   "what about this?",
		Author:    &discordgo.User{ID: "user-1", Username: "someone"},
		ReferencedMessage: &discordgo.Message{
			ID:     "bot-msg",
			Author: &discordgo.User{ID: "bot-user-id"},
		},
	}
	event := newMessageEvent(&discordgo.MessageCreate{Message: message}, "bot-user-id")
	require.True(t, event.IsReplyToBot)

	bot.handleMessage(context.Background(), event)
	assert.Len(t, prompts(), 1)
}

func TestChannelAllowListBlocksMessages(t *testing.T) {
	cfg := DefaultTestConfig(t)
	srv, prompts := newGenerationRecorder(t, "ok")
	cfg.PLLuM.BaseURL = srv.URL
	bot, session := newTestBot(t, cfg)
	ctx := context.Background()

	_, err := bot.guildSettings.Update(ctx, "guild-1", func(s *GuildSettings) {
		s.AllowedChannels = StringList{"allowed-channel"}
	})
	require.NoError(t, err)

	bot.handleMessage(ctx, newTestEvent(
		"user-1", "blocked-channel", "guild-1", "<@bot-user-id> hello", true,
	))
	assert.Empty(t, prompts())
	assert.Empty(t, session.Replies)

	bot.handleMessage(ctx, newTestEvent(
		"user-1", "allowed-channel", "guild-1", "<@bot-user-id> hello", true,
	))
	assert.Len(t, prompts(), 1)
}

func TestGuildPrefixOverride(t *testing.T) {
	bot, session := newTestBot(t, nil)
	ctx := context.Background()

	_, err := bot.guildSettings.Update(ctx, "guild-1", func(s *GuildSettings) {
		s.Prefix = "?"
	})
	require.NoError(t, err)

	// the default prefix no longer works in this guild
	bot.handleMessage(ctx, newTestEvent("user-1", "channel-1", "guild-1", "!ping", false))
	assert.Empty(t, session.Replies)

	bot.handleMessage(ctx, newTestEvent("user-1", "channel-1", "guild-1", "?ping", false))
	assert.Len(t, session.Replies, 1)

	// other guilds still use the default
	bot.handleMessage(ctx, newTestEvent("user-1", "channel-1", "guild-2", "!ping", false))
	assert.Len(t, session.Replies, 2)
}

func TestParseCommand(t *testing.T) {
	name, args := parseCommand("!ask what is up", "!")
	assert.Equal(t, "ask", name)
	assert.Equal(t, "what is up", args)

	name, args = parseCommand("!PING", "!")
	assert.Equal(t, "ping", name)
	assert.Empty(t, args)

	name, args = parseCommand("??help", "??")
	assert.Equal(t, "help", name)
	assert.Empty(t, args)
}

func TestShortenReply(t *testing.T) {
	assert.Equal(t, "short", shortenReply("short", 2000))

	long := strings.Repeat("word ", 600)
	shortened := shortenReply(long, 2000)
	assert.LessOrEqual(t, len([]rune(shortened)), 2000)
	assert.Contains(t, shortened, "(output limit reached)")
}
