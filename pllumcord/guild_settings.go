package pllumcord

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StringList is a string slice stored as a JSON column, so the
// channel/role allow-lists work identically on sqlite and postgres.
type StringList []string

// Scan implements the sql.Scanner interface.
func (s *StringList) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return errors.New("invalid type for StringList")
	}
}

// Value implements the driver.Valuer interface.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	return string(data), err
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (StringList) GormDataType() string {
	return "string"
}

func (s StringList) contains(v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}

// GuildSettings is the per-guild configuration record. Empty fields fall
// back to the process-wide defaults; empty allow-lists allow everything.
// Updates are last-writer-wins.
//
//nolint:lll // struct tags can't be split
type GuildSettings struct {
	GuildID string `gorm:"primaryKey" json:"guild_id"`
	ModelUnixTime

	// Prefix overrides the default command prefix for this guild
	Prefix string `json:"prefix" gorm:"type:string" binding:"omitempty,max=5"`

	// Model overrides the configured model for this guild (catalog key
	// or full model ID)
	Model string `json:"model" gorm:"type:string"`

	// AllowedChannels restricts the bot to these channel IDs. Empty
	// means all channels.
	AllowedChannels StringList `json:"allowed_channels"`

	// AllowedRoles restricts the bot to users holding one of these role
	// IDs. Empty means all roles.
	AllowedRoles StringList `json:"allowed_roles"`
}

func (GuildSettings) TableName() string {
	return "guild_settings"
}

// GuildSettingsProvider loads and caches per-guild settings, backed by
// the database. The dispatcher consults it before command routing; admin
// commands mutate it.
type GuildSettingsProvider struct {
	db     *gorm.DB
	cache  map[string]GuildSettings
	logger *slog.Logger
	mu     sync.RWMutex

	defaultPrefix string
	defaultModel  string
}

func NewGuildSettingsProvider(
	db *gorm.DB,
	defaultPrefix string,
	defaultModel string,
	logger *slog.Logger,
) *GuildSettingsProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuildSettingsProvider{
		db:            db,
		cache:         map[string]GuildSettings{},
		logger:        logger.With(loggerNameKey, "guild_settings"),
		defaultPrefix: defaultPrefix,
		defaultModel:  defaultModel,
	}
}

// Load populates the cache from the database. Called once on startup.
func (p *GuildSettingsProvider) Load(ctx context.Context) error {
	var records []GuildSettings
	if err := p.db.WithContext(ctx).Find(&records).Error; err != nil {
		return fmt.Errorf("error loading guild settings: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]GuildSettings, len(records))
	for _, record := range records {
		p.cache[record.GuildID] = record
	}
	p.logger.InfoContext(ctx, "loaded guild settings", "guilds", len(records))
	return nil
}

// Get returns the settings for a guild, or a zero record (defaults
// apply) if none have been saved. An empty guild ID (direct messages)
// always gets the zero record.
func (p *GuildSettingsProvider) Get(guildID string) GuildSettings {
	if guildID == "" {
		return GuildSettings{}
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cache[guildID]
}

// All returns every stored guild settings record.
func (p *GuildSettingsProvider) All() []GuildSettings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	records := make([]GuildSettings, 0, len(p.cache))
	for _, record := range p.cache {
		records = append(records, record)
	}
	return records
}

// Prefix returns the command prefix in effect for a guild.
func (p *GuildSettingsProvider) Prefix(guildID string) string {
	if custom := p.Get(guildID).Prefix; custom != "" {
		return custom
	}
	return p.defaultPrefix
}

// Model returns the model (catalog key or model ID) in effect for a guild.
func (p *GuildSettingsProvider) Model(guildID string) string {
	if custom := p.Get(guildID).Model; custom != "" {
		return custom
	}
	return p.defaultModel
}

// MessageAllowed reports whether a message in the given channel, from a
// user with the given roles, passes the guild's allow-lists. Direct
// messages are always allowed.
func (p *GuildSettingsProvider) MessageAllowed(
	guildID string,
	channelID string,
	roleIDs []string,
) bool {
	if guildID == "" {
		return true
	}
	settings := p.Get(guildID)

	if len(settings.AllowedChannels) > 0 && !settings.AllowedChannels.contains(channelID) {
		return false
	}
	if len(settings.AllowedRoles) > 0 {
		for _, roleID := range roleIDs {
			if settings.AllowedRoles.contains(roleID) {
				return true
			}
		}
		return false
	}
	return true
}

// Update applies mutate to the guild's settings record (creating it if
// absent), persists the result, and refreshes the cache. Last writer
// wins.
func (p *GuildSettingsProvider) Update(
	ctx context.Context,
	guildID string,
	mutate func(*GuildSettings),
) (GuildSettings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	settings := p.cache[guildID]
	settings.GuildID = guildID
	mutate(&settings)

	err := p.db.WithContext(ctx).Clauses(
		clause.OnConflict{UpdateAll: true},
	).Create(&settings).Error
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"error saving guild settings",
			tint.Err(err),
			"guild_id", guildID,
		)
		return settings, fmt.Errorf("error saving guild settings: %w", err)
	}

	p.cache[guildID] = settings
	p.logger.InfoContext(
		ctx,
		"saved guild settings",
		"guild_id", guildID,
		"settings", settings,
	)
	return settings, nil
}

// Reset deletes the guild's settings record, reverting it to defaults.
func (p *GuildSettingsProvider) Reset(ctx context.Context, guildID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.db.WithContext(ctx).Delete(
		&GuildSettings{GuildID: guildID},
	).Error
	if err != nil {
		return fmt.Errorf("error resetting guild settings: %w", err)
	}
	delete(p.cache, guildID)
	p.logger.InfoContext(ctx, "reset guild settings", "guild_id", guildID)
	return nil
}

func (g GuildSettings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", g.GuildID),
		slog.String("prefix", g.Prefix),
		slog.String("model", g.Model),
		slog.Int("allowed_channels", len(g.AllowedChannels)),
		slog.Int("allowed_roles", len(g.AllowedRoles)),
	)
}
