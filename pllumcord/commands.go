package pllumcord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	embedColorInfo     = 0x5865F2
	embedColorResponse = 0x57F287
	embedColorError    = 0xED4245
)

// messageEvent is the dispatcher's view of a message-create gateway
// event, with the routing-relevant fields pulled out up front.
type messageEvent struct {
	Message        *discordgo.Message
	MessageID      string
	ChannelID      string
	GuildID        string
	AuthorID       string
	AuthorUsername string
	Content        string
	RoleIDs        []string
	IsMention      bool
	IsReplyToBot   bool
}

func newMessageEvent(m *discordgo.MessageCreate, botUserID string) messageEvent {
	event := messageEvent{
		Message:        m.Message,
		MessageID:      m.ID,
		ChannelID:      m.ChannelID,
		GuildID:        m.GuildID,
		AuthorID:       m.Author.ID,
		AuthorUsername: m.Author.Username,
		Content:        strings.TrimSpace(m.Content),
		IsMention:      messageMentionsUser(m.Message, botUserID),
	}
	if m.Member != nil {
		event.RoleIDs = m.Member.Roles
	}
	if m.ReferencedMessage != nil &&
		m.ReferencedMessage.Author != nil &&
		m.ReferencedMessage.Author.ID == botUserID {
		event.IsReplyToBot = true
	}
	return event
}

func (e messageEvent) conversationKey() ConversationKey {
	return ConversationKey{UserID: e.AuthorID, ChannelID: e.ChannelID}
}

func (e messageEvent) reference() *discordgo.MessageReference {
	return &discordgo.MessageReference{
		MessageID: e.MessageID,
		ChannelID: e.ChannelID,
		GuildID:   e.GuildID,
	}
}

// handleMessage classifies and routes one message: prefix commands
// first, then conversation traffic (mentions, replies to the bot, and
// any direct message). Everything else is ignored.
func (b *Bot) handleMessage(ctx context.Context, event messageEvent) {
	prefix := b.guildSettings.Prefix(event.GuildID)

	if strings.HasPrefix(event.Content, prefix) {
		name, args := parseCommand(event.Content, prefix)
		if name == "admin" {
			b.handleAdminCommand(ctx, event, args)
			return
		}
		if !b.guildSettings.MessageAllowed(event.GuildID, event.ChannelID, event.RoleIDs) {
			return
		}
		switch name {
		case "help":
			b.commandHelp(ctx, event)
		case "ask":
			b.commandAsk(ctx, event, args)
		case "chat":
			b.commandChat(ctx, event)
		case "end":
			b.commandEnd(ctx, event)
		case "ping":
			b.commandPing(ctx, event)
		case "info":
			b.commandInfo(ctx, event)
		}
		return
	}

	if event.IsMention || event.IsReplyToBot || event.GuildID == "" {
		if !b.guildSettings.MessageAllowed(event.GuildID, event.ChannelID, event.RoleIDs) {
			return
		}
		b.handleConversationMessage(ctx, event)
	}
}

// parseCommand splits a prefixed message into a lowercased command name
// and the remaining argument string.
func parseCommand(content string, prefix string) (string, string) {
	rest := strings.TrimPrefix(content, prefix)
	name, args, _ := strings.Cut(rest, " ")
	return strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(args)
}

// handleConversationMessage appends the user's message to their
// conversation (creating one if needed), calls the model with the
// accumulated history, and replies. The conversation lock keeps turns
// for one conversation in arrival order; other conversations are
// unaffected.
func (b *Bot) handleConversationMessage(ctx context.Context, event messageEvent) {
	logger := b.logger.With(
		"user_id", event.AuthorID,
		"channel_id", event.ChannelID,
	)

	if allowed, scope := b.rateLimiter.Admit(event.AuthorID); !allowed {
		logger.InfoContext(ctx, "rate limited", "scope", string(scope))
		b.replyText(ctx, event, b.config.Bot.RateLimitMessage)
		return
	}

	key := event.conversationKey()
	release := b.convLocks.Acquire(key)
	defer release()

	input := strings.TrimSpace(stripMentions(event.Content, b.botUserID()))
	if input == "" {
		return
	}

	conversation := b.conversations.Append(key, Turn{
		Role:      TurnRoleUser,
		Content:   input,
		Timestamp: time.Now(),
	})
	if conversation.Language == "" {
		conversation.Language = DetectLanguage(input)
		b.conversations.SetLanguage(key, conversation.Language)
	}

	reply, err := b.generate(ctx, event, GenerationRequest{
		History:  conversation.Turns[:len(conversation.Turns)-1],
		Input:    input,
		Language: conversation.Language,
		Model:    b.guildSettings.Model(event.GuildID),
	})
	if err != nil {
		logger.ErrorContext(ctx, "generation failed", tint.Err(err))
		b.replyText(ctx, event, b.config.Bot.ErrorMessage)
		return
	}

	b.conversations.Append(key, Turn{
		Role:      TurnRoleAssistant,
		Content:   reply,
		Timestamp: time.Now(),
	})
	b.replyText(ctx, event, shortenReply(reply, discordMaxMessageLength))
}

// generate runs one inference call with the user-facing ceremony around
// it: typing indicator, thinking placeholder, placeholder cleanup.
func (b *Bot) generate(
	ctx context.Context,
	event messageEvent,
	req GenerationRequest,
) (string, error) {
	if typingErr := b.discord.session.ChannelTyping(event.ChannelID); typingErr != nil {
		b.logger.DebugContext(ctx, "unable to start typing", tint.Err(typingErr))
	}

	var thinkingID string
	thinking, err := b.discord.session.ChannelMessageSend(
		event.ChannelID,
		b.config.Bot.ThinkingMessage,
	)
	if err != nil {
		b.logger.WarnContext(ctx, "unable to send thinking message", tint.Err(err))
	} else if thinking != nil {
		thinkingID = thinking.ID
	}

	b.inferenceInFlight.Add(1)
	reply, err := b.pllum.Generate(ctx, req)
	b.inferenceInFlight.Add(-1)

	if thinkingID != "" {
		if deleteErr := b.discord.session.ChannelMessageDelete(
			event.ChannelID, thinkingID,
		); deleteErr != nil {
			b.logger.DebugContext(
				ctx,
				"unable to delete thinking message",
				tint.Err(deleteErr),
			)
		}
	}
	return reply, err
}

func (b *Bot) commandHelp(ctx context.Context, event messageEvent) {
	prefix := b.guildSettings.Prefix(event.GuildID)
	embed := &discordgo.MessageEmbed{
		Title: "🤖 PLLuM Bot Help",
		Description: "Chat with the PLLuM language model. Mention me or " +
			"reply to one of my messages to keep a conversation going.",
		Color: embedColorInfo,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name: "Commands",
				Value: fmt.Sprintf(
					"`%[1]sask <question>` - one-shot question, no memory\n"+
						"`%[1]schat` - start a fresh conversation\n"+
						"`%[1]send` - end your conversation\n"+
						"`%[1]sping` - check the bot's latency\n"+
						"`%[1]sinfo` - bot status and settings",
					prefix,
				),
			},
			{
				Name: "Conversations",
				Value: fmt.Sprintf(
					"I remember up to %d turns per conversation. "+
						"Conversations expire after %s of inactivity.",
					b.config.Bot.MaxHistoryLength,
					b.config.Bot.ConversationTimeout,
				),
			},
			{
				Name: "Rate Limits",
				Value: fmt.Sprintf(
					"%d requests per user per minute, %d globally.",
					b.config.Bot.RateLimitUser,
					b.config.Bot.RateLimitGlobal,
				),
			},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Admins: see %sadmin settings", prefix),
		},
	}
	b.sendEmbed(ctx, event.ChannelID, embed)
}

// commandAsk answers a single question with no conversation state. It
// never reads or writes the author's conversation, even when one is
// active in the same channel.
func (b *Bot) commandAsk(ctx context.Context, event messageEvent, question string) {
	if question == "" {
		prefix := b.guildSettings.Prefix(event.GuildID)
		b.replyText(ctx, event, fmt.Sprintf(
			"Usage: `%sask <question>`", prefix,
		))
		return
	}

	if allowed, scope := b.rateLimiter.Admit(event.AuthorID); !allowed {
		b.logger.InfoContext(
			ctx,
			"rate limited",
			"scope", string(scope),
			"user_id", event.AuthorID,
		)
		b.replyText(ctx, event, b.config.Bot.RateLimitMessage)
		return
	}

	reply, err := b.generate(ctx, event, GenerationRequest{
		Input:    question,
		Language: DetectLanguage(question),
		Model:    b.guildSettings.Model(event.GuildID),
	})
	if err != nil {
		b.logger.ErrorContext(
			ctx,
			"generation failed",
			tint.Err(err),
			"user_id", event.AuthorID,
		)
		b.replyText(ctx, event, b.config.Bot.ErrorMessage)
		return
	}

	embed := &discordgo.MessageEmbed{
		Title:       "💬 PLLuM AI Response",
		Description: shortenReply(reply, 4096),
		Color:       embedColorResponse,
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Asked by " + event.AuthorUsername,
		},
	}
	b.sendEmbed(ctx, event.ChannelID, embed)
}

func (b *Bot) commandChat(ctx context.Context, event messageEvent) {
	b.conversations.Start(event.conversationKey())
	prefix := b.guildSettings.Prefix(event.GuildID)
	embed := &discordgo.MessageEmbed{
		Title: "🆕 New Conversation Started",
		Description: fmt.Sprintf(
			"Mention me or reply to my messages to chat. I'll remember the "+
				"last %d turns. Use `%send` when you're done, or just go "+
				"quiet for %s and I'll forget on my own.",
			b.config.Bot.MaxHistoryLength,
			prefix,
			b.config.Bot.ConversationTimeout,
		),
		Color: embedColorResponse,
	}
	b.sendEmbed(ctx, event.ChannelID, embed)
}

func (b *Bot) commandEnd(ctx context.Context, event messageEvent) {
	if b.conversations.End(event.conversationKey()) {
		b.replyText(ctx, event, "✅ Conversation ended. Talk to you later!")
		return
	}
	b.replyText(ctx, event, "❓ You don't have an active conversation in this channel.")
}

func (b *Bot) commandPing(ctx context.Context, event messageEvent) {
	latency := b.discord.session.HeartbeatLatency()
	b.replyText(ctx, event, fmt.Sprintf(
		"🏓 Pong! Gateway latency: %dms", latency.Milliseconds(),
	))
}

func (b *Bot) commandInfo(ctx context.Context, event messageEvent) {
	model := b.guildSettings.Model(event.GuildID)
	embed := &discordgo.MessageEmbed{
		Title: "ℹ️ PLLuM Bot",
		Color: embedColorInfo,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Model",
				Value:  fmt.Sprintf("`%s`", ResolveModelID(model)),
				Inline: true,
			},
			{
				Name:   "Active Conversations",
				Value:  fmt.Sprintf("%d", b.conversations.Len()),
				Inline: true,
			},
			{
				Name:   "Uptime",
				Value:  time.Since(b.startedAt).Round(time.Second).String(),
				Inline: true,
			},
			{
				Name:   "Max Tokens",
				Value:  fmt.Sprintf("%d", b.config.PLLuM.MaxTokens),
				Inline: true,
			},
			{
				Name:   "Temperature",
				Value:  fmt.Sprintf("%.1f", b.config.PLLuM.Temperature),
				Inline: true,
			},
			{
				Name:   "Prefix",
				Value:  fmt.Sprintf("`%s`", b.guildSettings.Prefix(event.GuildID)),
				Inline: true,
			},
		},
	}
	b.sendEmbed(ctx, event.ChannelID, embed)
}

func (b *Bot) botUserID() string {
	if user := b.discord.session.BotUser(); user != nil {
		return user.ID
	}
	return ""
}

// replyText sends text as a reply to the triggering message.
func (b *Bot) replyText(ctx context.Context, event messageEvent, content string) {
	_, err := b.discord.session.ChannelMessageSendReply(
		event.ChannelID, content, event.reference(),
	)
	if err != nil {
		b.logger.ErrorContext(
			ctx,
			"error sending reply",
			tint.Err(err),
			"channel_id", event.ChannelID,
		)
	}
}

func (b *Bot) sendEmbed(
	ctx context.Context,
	channelID string,
	embed *discordgo.MessageEmbed,
) {
	_, err := b.discord.session.ChannelMessageSendEmbed(channelID, embed)
	if err != nil {
		b.logger.ErrorContext(
			ctx,
			"error sending embed",
			tint.Err(err),
			"channel_id", channelID,
		)
	}
}
