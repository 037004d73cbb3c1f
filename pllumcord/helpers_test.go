package pllumcord

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripMentions(t *testing.T) {
	assert.Equal(
		t,
		"hello there",
		stripMentions("<@12345> hello there", "12345"),
	)
	assert.Equal(
		t,
		"hello there",
		stripMentions("<@!12345> hello there", "12345"),
	)
	assert.Equal(
		t,
		"hello <@99999> there",
		stripMentions("hello <@99999> there", "12345"),
		"mentions of other users are kept",
	)
	assert.Equal(t, "", stripMentions("<@12345>", "12345"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "zażó", truncate("zażółć", 4), "truncates on runes, not bytes")
}

func TestConversationLocksSerializePerKey(t *testing.T) {
	var locks conversationLocks
	key := ConversationKey{UserID: "user-1", ChannelID: "channel-1"}

	counter := 0
	wg := sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.Acquire(key)
			defer release()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)

	// entries are dropped once released
	locks.mu.Lock()
	assert.Empty(t, locks.locks)
	locks.mu.Unlock()
}

func TestConversationLocksIndependentKeys(t *testing.T) {
	var locks conversationLocks

	releaseA := locks.Acquire(ConversationKey{UserID: "a", ChannelID: "c"})
	// a different key must not block
	done := make(chan struct{})
	go func() {
		releaseB := locks.Acquire(ConversationKey{UserID: "b", ChannelID: "c"})
		releaseB()
		close(done)
	}()
	<-done
	releaseA()
}

func TestStructToSlogValueRedaction(t *testing.T) {
	type secretStruct struct {
		Name  string `json:"name"`
		Token string `json:"token" log:"[redacted]"`
	}

	value := structToSlogValue(secretStruct{Name: "bot", Token: "super-secret"})
	rendered := value.String()
	assert.Contains(t, rendered, "bot")
	assert.Contains(t, rendered, "[redacted]")
	assert.NotContains(t, rendered, "super-secret")
}
