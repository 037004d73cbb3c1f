package pllumcord

import (
	"log/slog"
	"sync"
	"time"
)

// TurnRole tags a conversation turn as user- or assistant-authored.
type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
)

// Turn is one message exchanged within a conversation.
type Turn struct {
	Role      TurnRole  `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationKey uniquely identifies one conversation.
type ConversationKey struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
}

// Conversation holds the ordered history of a single (user, channel)
// exchange, plus the language detected for it. The store owns these
// exclusively: callers get copies and never retain a reference across
// events.
type Conversation struct {
	Key          ConversationKey `json:"key"`
	Turns        []Turn          `json:"turns"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`

	// Language is set by the first detection on the conversation and
	// does not change for its lifetime, so a conversation's language
	// doesn't flap from turn to turn.
	Language Language `json:"language"`
}

func (c Conversation) clone() Conversation {
	turns := make([]Turn, len(c.Turns))
	copy(turns, c.Turns)
	c.Turns = turns
	return c
}

// ConversationStore keeps per-conversation history in memory, with
// timeout-based eviction. Expiry is lazy on Get (a logically expired
// conversation is never observable) plus a periodic Sweep to bound
// memory for keys that are never touched again.
type ConversationStore struct {
	conversations map[ConversationKey]*Conversation

	maxHistory int
	timeout    time.Duration

	logger *slog.Logger
	mu     sync.Mutex

	// now is swappable for tests
	now func() time.Time
}

func NewConversationStore(
	maxHistory int,
	timeout time.Duration,
	logger *slog.Logger,
) *ConversationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationStore{
		conversations: map[ConversationKey]*Conversation{},
		maxHistory:    maxHistory,
		timeout:       timeout,
		logger:        logger.With(loggerNameKey, "conversation_store"),
		now:           time.Now,
	}
}

func (s *ConversationStore) expired(c *Conversation, now time.Time) bool {
	return now.Sub(c.LastActivity) > s.timeout
}

// Get returns a copy of the conversation for the given key, if one
// exists and hasn't idled past the timeout. An expired conversation is
// removed on access, so callers never see one regardless of whether a
// sweep has run.
func (s *ConversationStore) Get(key ConversationKey) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[key]
	if !ok {
		return Conversation{}, false
	}
	if s.expired(c, s.now()) {
		delete(s.conversations, key)
		s.logger.Info(
			"conversation expired",
			"user_id", key.UserID,
			"channel_id", key.ChannelID,
		)
		return Conversation{}, false
	}
	return c.clone(), true
}

// Start creates a fresh, empty conversation for the key, replacing any
// existing one.
func (s *ConversationStore) Start(key ConversationKey) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := &Conversation{
		Key:          key,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.conversations[key] = c
	return c.clone()
}

// Append adds a turn to the conversation, creating it if absent. History
// is trimmed to the configured maximum, oldest turns first, and
// last-activity is refreshed. Returns a copy of the updated conversation.
func (s *ConversationStore) Append(key ConversationKey, turn Turn) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.conversations[key]
	if !ok || s.expired(c, now) {
		c = &Conversation{Key: key, CreatedAt: now}
		s.conversations[key] = c
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}
	c.Turns = append(c.Turns, turn)
	if excess := len(c.Turns) - s.maxHistory; excess > 0 {
		c.Turns = c.Turns[excess:]
	}
	c.LastActivity = now
	return c.clone()
}

// SetLanguage records the detected language for a conversation, if it
// doesn't already have one. The first detection wins.
func (s *ConversationStore) SetLanguage(key ConversationKey, lang Language) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[key]
	if !ok || c.Language != "" {
		return
	}
	c.Language = lang
}

// End removes the conversation for the key, reporting whether one
// existed. Ending a conversation that doesn't exist isn't an error.
func (s *ConversationStore) End(key ConversationKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.conversations[key]
	if ok {
		delete(s.conversations, key)
	}
	return ok
}

// Sweep evicts every conversation that has idled past the timeout as of
// now, returning the number evicted. Runs in O(stored conversations).
func (s *ConversationStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, c := range s.conversations {
		if s.expired(c, now) {
			delete(s.conversations, key)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Info("swept idle conversations", "evicted", evicted)
	}
	return evicted
}

// Len returns the number of stored conversations, including any not yet
// swept.
func (s *ConversationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}
