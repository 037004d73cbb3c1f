package pllumcord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.SetTagName("binding")
	return v
}

// Bot is the top-level pllumcord instance. It owns the Discord session,
// the PLLuM client, conversation state, rate limiting, per-guild
// settings and the status API.
type Bot struct {
	config *Config
	logger *slog.Logger

	db            *gorm.DB
	discord       *Discord
	pllum         *PLLuM
	conversations *ConversationStore
	rateLimiter   *RateLimiter
	guildSettings *GuildSettingsProvider

	api       *http.Server
	startedAt time.Time

	// convLocks serializes event handling per conversation key, so
	// overlapping events for the same conversation append turns in
	// arrival order. Events for different keys proceed concurrently.
	convLocks conversationLocks

	// eventsInFlight tracks message handlers still running, so shutdown
	// can wait for them.
	eventsInFlight sync.WaitGroup

	messagesHandled   atomic.Int64
	inferenceInFlight atomic.Int64
}

// conversationLocks hands out one mutex per conversation key, dropping
// entries once nothing holds or waits on them.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[ConversationKey]*conversationLock
}

type conversationLock struct {
	mu   sync.Mutex
	refs int
}

// Acquire locks the mutex for the given key, returning the release func.
func (c *conversationLocks) Acquire(key ConversationKey) func() {
	c.mu.Lock()
	if c.locks == nil {
		c.locks = map[ConversationKey]*conversationLock{}
	}
	entry, ok := c.locks[key]
	if !ok {
		entry = &conversationLock{}
		c.locks[key] = entry
	}
	entry.refs++
	c.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		c.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}

// New creates a Bot from the given config. Missing required
// configuration (discord token, API token) is reported here, before any
// connection is attempted.
func New(config *Config) (*Bot, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	if err := structValidator.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := slog.New(newLogHandler(config.LogLevel)).With(
		loggerNameKey, "pllumcord",
	)
	slog.SetDefault(logger)

	if config.HTTPClient != nil {
		config.Discord.httpClient = config.HTTPClient
	}

	b := &Bot{
		config: config,
		logger: logger,
		pllum:  newPLLuM(config.PLLuM, config.HTTPClient),
		conversations: NewConversationStore(
			config.Bot.MaxHistoryLength,
			config.Bot.ConversationTimeout,
			logger,
		),
		rateLimiter: NewRateLimiter(
			config.Bot.RateLimitGlobal,
			config.Bot.RateLimitUser,
			logger,
		),
	}

	b.discord = newDiscord(config.Discord)
	b.discord.logger = slog.New(newLogHandler(config.Discord.LogLevel)).With(
		loggerNameKey, "discord",
	)
	b.discord.bot = b

	return b, nil
}

// Run starts the bot and blocks until the given context is canceled or
// startup fails. On cancellation it attempts a graceful shutdown within
// the configured shutdown timeout.
func (b *Bot) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	if err := b.init(startCtx); err != nil {
		return err
	}

	runtimeWG := &sync.WaitGroup{}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		b.watchConversations(ctx)
	}()

	apiGroup, apiCtx := errgroup.WithContext(ctx)
	if b.config.API.Enabled {
		b.startAPIServer(apiCtx, apiGroup)
	}

	if err := b.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord connection: %w", err)
	}
	b.logger.Info("pllumcord started", "config", b.config)

	select {
	case <-ctx.Done():
		b.logger.Warn("context canceled, shutting down")
	case <-apiCtx.Done():
		if err := apiGroup.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("api server failed", tint.Err(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer shutdownCancel()
	b.shutdown(shutdownCtx)

	cancel()
	runtimeWG.Wait()
	return nil
}

// init performs all startup work that happens before the gateway
// connection is opened: database, guild settings, discord session and
// handlers.
func (b *Bot) init(ctx context.Context) error {
	db, err := CreateDB(
		ctx,
		b.config.DatabaseType,
		b.config.Database,
		newLogHandler(b.config.DatabaseLogLevel),
		b.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.db = db

	b.guildSettings = NewGuildSettingsProvider(
		db,
		b.config.Bot.CommandPrefix,
		b.config.PLLuM.Model,
		b.logger,
	)
	if err = b.guildSettings.Load(ctx); err != nil {
		return err
	}

	session, err := b.discord.newSession()
	if err != nil {
		return err
	}
	b.discord.session = session

	discordgoLogger := discordgoLoggerFunc(
		context.WithoutCancel(ctx),
		newLogHandler(b.config.Discord.DiscordGoLogLevel),
	)
	discordgo.Logger = discordgoLogger

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.handlerMessageCreate(context.WithoutCancel(ctx))),
	}

	b.startedAt = time.Now()
	return nil
}

// watchConversations runs the periodic sweep of idle conversations and
// prunes stale rate-limit counters on the same cadence.
func (b *Bot) watchConversations(ctx context.Context) {
	ticker := time.NewTicker(b.config.Bot.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.conversations.Sweep(now)
			b.rateLimiter.Prune()
		}
	}
}

func (b *Bot) startAPIServer(ctx context.Context, group *errgroup.Group) {
	b.api = &http.Server{
		Handler:           b.apiEngine(),
		ReadTimeout:       b.config.API.ReadTimeout,
		ReadHeaderTimeout: b.config.API.ReadHeaderTimeout,
		WriteTimeout:      b.config.API.WriteTimeout,
		IdleTimeout:       b.config.API.IdleTimeout,
	}

	group.Go(
		func() error {
			listener, err := net.Listen(
				b.config.API.ListenNetwork,
				b.config.API.Listen,
			)
			if err != nil {
				return fmt.Errorf("error creating api listener: %w", err)
			}
			b.logger.Info("api server listening", "listen", b.config.API.Listen)
			return b.api.Serve(listener)
		},
	)

	group.Go(
		func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(
				context.Background(),
				5*time.Second,
			)
			defer shutdownCancel()
			return b.api.Shutdown(shutdownCtx)
		},
	)
}

// shutdown closes the gateway connection, waits for in-flight message
// handlers, and closes the database.
func (b *Bot) shutdown(ctx context.Context) {
	for _, remove := range b.discord.discordgoRemoveHandlerFuncs {
		remove()
	}
	if err := b.discord.session.Close(); err != nil {
		b.logger.Error("error closing discord session", tint.Err(err))
	}

	done := make(chan struct{})
	go func() {
		b.eventsInFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("all in-flight events finished")
	case <-ctx.Done():
		b.logger.Warn("timed out waiting for in-flight events")
	}

	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			if closeErr := sqlDB.Close(); closeErr != nil {
				b.logger.Error("error closing database", tint.Err(closeErr))
			}
		}
	}
	b.logger.Info("shutdown complete")
}

// handlerMessageCreate returns the gateway handler for message-create
// events. Each event is handled in its own goroutine; per-conversation
// ordering is enforced downstream with conversationLocks, so a slow
// inference call never blocks other conversations.
func (b *Bot) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		botUser := b.discord.session.BotUser()
		if botUser == nil {
			return
		}

		event := newMessageEvent(m, botUser.ID)

		b.eventsInFlight.Add(1)
		go func() {
			defer b.eventsInFlight.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error(
						"panic handling message",
						tint.Err(fmt.Errorf("%v", r)),
						"message_id", event.MessageID,
					)
				}
			}()
			b.messagesHandled.Add(1)
			b.handleMessage(WithLogger(ctx, b.logger), event)
		}()
	}
}
