// Package pllumcord implements a Discord chat bot backed by the PLLuM
// family of language models (and other models reachable through the
// Hugging Face hosted inference API).
//
// The bot holds per-user, per-channel conversations in memory, with a
// bounded history and idle-timeout eviction. Incoming traffic passes a
// fixed-window rate limiter (global first, then per-user) before any
// inference call is made. Prompts carry a language directive chosen by
// detecting Polish or English in the user's first message of a
// conversation.
//
// Per-guild settings (command prefix, model, channel/role allow-lists)
// are stored via GORM in sqlite or postgres and managed through the
// `!admin` command group or the optional HTTP API.
package pllumcord

// Set via ldflags at build time.
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)
