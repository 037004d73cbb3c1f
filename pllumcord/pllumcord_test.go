package pllumcord

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/require"
)

// DefaultTestConfig returns a config suitable for tests: sqlite in a
// temp dir, fake tokens, short timeouts, quiet logging.
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.Discord.Token = "test-discord-token"
	cfg.PLLuM.Token = "test-hf-token"

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.PLLuM.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)

	return cfg
}

// newTestBot creates a Bot wired to a fakeSessionHandler and a real
// sqlite-backed guild settings provider, without opening any gateway
// connection.
func newTestBot(t testing.TB, cfg *Config) (*Bot, *fakeSessionHandler) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultTestConfig(t)
	}

	bot, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	db, err := CreateDB(
		ctx,
		cfg.DatabaseType,
		cfg.Database,
		newLogHandler(cfg.DatabaseLogLevel),
		cfg.DatabaseSlowThreshold,
	)
	require.NoError(t, err)
	bot.db = db

	bot.guildSettings = NewGuildSettingsProvider(
		db,
		cfg.Bot.CommandPrefix,
		cfg.PLLuM.Model,
		bot.logger,
	)
	require.NoError(t, bot.guildSettings.Load(ctx))

	session := newFakeSessionHandler()
	bot.discord.session = session
	bot.startedAt = time.Now()
	return bot, session
}

type sentMessage struct {
	ChannelID string
	Content   string
}

// fakeSessionHandler implements DiscordSessionHandler for tests,
// recording outbound traffic instead of calling Discord.
type fakeSessionHandler struct {
	mu sync.Mutex

	Sent    []sentMessage
	Replies []sentMessage
	Embeds  []*discordgo.MessageEmbed
	Deleted []string
	Typing  []string

	Permissions int64
	User        *discordgo.User

	nextID int
}

func newFakeSessionHandler() *fakeSessionHandler {
	return &fakeSessionHandler{
		User: &discordgo.User{ID: "bot-user-id", Username: "pllumcord"},
	}
}

func (f *fakeSessionHandler) newMessage(channelID string) *discordgo.Message {
	f.nextID++
	return &discordgo.Message{
		ID:        fmt.Sprintf("sent-%d", f.nextID),
		ChannelID: channelID,
	}
}

func (f *fakeSessionHandler) Open() error  { return nil }
func (f *fakeSessionHandler) Close() error { return nil }

func (f *fakeSessionHandler) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, sentMessage{ChannelID: channelID, Content: message})
	return f.newMessage(channelID), nil
}

func (f *fakeSessionHandler) ChannelMessageSendReply(
	channelID string,
	content string,
	_ *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Replies = append(f.Replies, sentMessage{ChannelID: channelID, Content: content})
	return f.newMessage(channelID), nil
}

func (f *fakeSessionHandler) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Embeds = append(f.Embeds, embed)
	return f.newMessage(channelID), nil
}

func (f *fakeSessionHandler) ChannelMessageDelete(
	_ string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deleted = append(f.Deleted, messageID)
	return nil
}

func (f *fakeSessionHandler) ChannelTyping(
	channelID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Typing = append(f.Typing, channelID)
	return nil
}

func (f *fakeSessionHandler) UpdateCustomStatus(string) error { return nil }

func (f *fakeSessionHandler) AddHandler(any) func() { return func() {} }

func (f *fakeSessionHandler) HeartbeatLatency() time.Duration {
	return 42 * time.Millisecond
}

func (f *fakeSessionHandler) MessagePermissions(*discordgo.Message) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Permissions, nil
}

func (f *fakeSessionHandler) BotUser() *discordgo.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.User
}

func (f *fakeSessionHandler) SetHTTPClient(*http.Client) {}

func (f *fakeSessionHandler) SetLogLevel(slog.Level) error { return nil }

func (f *fakeSessionHandler) replyContents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	contents := make([]string, len(f.Replies))
	for i, reply := range f.Replies {
		contents[i] = reply.Content
	}
	return contents
}

// newTestEvent builds a messageEvent the way the gateway handler would.
func newTestEvent(
	userID string,
	channelID string,
	guildID string,
	content string,
	mentionsBot bool,
) messageEvent {
	message := &discordgo.Message{
		ID:        fmt.Sprintf("msg-%s-%d", userID, time.Now().UnixNano()),
		ChannelID: channelID,
		GuildID:   guildID,
		Content:   content,
		Author:    &discordgo.User{ID: userID, Username: "user-" + userID},
	}
	if mentionsBot {
		message.Mentions = []*discordgo.User{{ID: "bot-user-id"}}
	}
	return newMessageEvent(
		&discordgo.MessageCreate{Message: message}, "bot-user-id",
	)
}
