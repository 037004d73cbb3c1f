package pllumcord

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// guildSettingsUpdate is the PATCH payload for guild settings. Nil
// fields are left unchanged.
type guildSettingsUpdate struct {
	Prefix          *string   `json:"prefix" binding:"omitempty,max=5"`
	Model           *string   `json:"model"`
	AllowedChannels *[]string `json:"allowed_channels"`
	AllowedRoles    *[]string `json:"allowed_roles"`
}

// apiEngine builds the gin router for the status/administration API.
// The API binds to localhost by default and carries no authentication,
// so it should only be exposed behind a reverse proxy that adds some.
func (b *Bot) apiEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	logger := slog.New(newLogHandler(b.config.API.LogLevel)).With(
		loggerNameKey, "api",
	)
	engine.Use(apiRequestLogger(logger), gin.Recovery())
	engine.Use(cors.New(b.config.API.CORS.GINConfig()))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := engine.Group("/api")
	api.GET("/status", b.apiStatus)
	api.GET("/guilds", b.apiListGuilds)
	api.GET("/guilds/:guild_id", b.apiGetGuild)
	api.PATCH("/guilds/:guild_id", b.apiUpdateGuild)
	api.DELETE("/guilds/:guild_id", b.apiResetGuild)

	return engine
}

func apiRequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.InfoContext(
			c.Request.Context(),
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(started),
			"client_ip", c.ClientIP(),
		)
	}
}

func (b *Bot) apiStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected":            b.discord.connected.Load(),
		"uptime_seconds":       int64(time.Since(b.startedAt).Seconds()),
		"active_conversations": b.conversations.Len(),
		"rate_limited_users":   b.rateLimiter.UserCount(),
		"messages_handled":     b.messagesHandled.Load(),
		"inference_in_flight":  b.inferenceInFlight.Load(),
		"model":                ResolveModelID(b.config.PLLuM.Model),
		"gateway_connects":     b.discord.metricConnects.Load(),
		"gateway_disconnects":  b.discord.metricDisconnects.Load(),
	})
}

func (b *Bot) apiListGuilds(c *gin.Context) {
	c.JSON(http.StatusOK, b.guildSettings.All())
}

func (b *Bot) apiGetGuild(c *gin.Context) {
	guildID := c.Param("guild_id")
	settings := b.guildSettings.Get(guildID)
	if settings.GuildID == "" {
		c.JSON(
			http.StatusNotFound,
			gin.H{"error": "no settings stored for guild"},
		)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (b *Bot) apiUpdateGuild(c *gin.Context) {
	guildID := c.Param("guild_id")

	var update guildSettingsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	settings, err := b.guildSettings.Update(
		c.Request.Context(),
		guildID,
		func(s *GuildSettings) {
			if update.Prefix != nil {
				s.Prefix = *update.Prefix
			}
			if update.Model != nil {
				s.Model = *update.Model
			}
			if update.AllowedChannels != nil {
				s.AllowedChannels = *update.AllowedChannels
			}
			if update.AllowedRoles != nil {
				s.AllowedRoles = *update.AllowedRoles
			}
		},
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (b *Bot) apiResetGuild(c *gin.Context) {
	guildID := c.Param("guild_id")
	if err := b.guildSettings.Reset(c.Request.Context(), guildID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
