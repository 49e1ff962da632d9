package run

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/sigdesk/pkg/bus"
	"github.com/tinyland-inc/sigdesk/pkg/conversation"
	"github.com/tinyland-inc/sigdesk/pkg/store"
)

func TestNewRunCommand(t *testing.T) {
	cmd := NewRunCommand()

	require.NotNil(t, cmd)

	assert.Equal(t, "run", cmd.Use)
	assert.Equal(t, "Connect to signald and print incoming messages", cmd.Short)
	assert.Equal(t, []string{"r"}, cmd.Aliases)

	assert.False(t, cmd.HasSubCommands())
	assert.Nil(t, cmd.Run)
	assert.NotNil(t, cmd.RunE)

	debug := cmd.Flags().Lookup("debug")
	require.NotNil(t, debug)
	assert.Equal(t, "d", debug.Shorthand)
	assert.NotNil(t, cmd.Flags().Lookup("metrics-addr"))
	assert.NotNil(t, cmd.Flags().Lookup("ordered"))
}

func TestDescribe(t *testing.T) {
	names := func(n string) string {
		if n == "+15551234" {
			return "Alice"
		}
		return n
	}
	conv := conversation.Conversation{Kind: conversation.Individual, ID: "+15551234", Name: "Alice"}
	number := "+15551234"

	line := describe(conv, bus.NewMessage(store.Message{
		Timestamp: time.Now().UnixMilli(),
		Number:    &number,
		Body:      "hello",
	}), names)
	assert.True(t, strings.HasPrefix(line, "Alice "))
	assert.Contains(t, line, "hello")

	line = describe(conv, bus.NewReaction(bus.Reaction{Emoji: "👍", Author: number}), names)
	assert.Equal(t, "Alice reacted 👍", line)

	assert.Empty(t, describe(conv, bus.Notification{Kind: bus.KindNewMessage}, names))
}
