package internal

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/sigdesk/pkg/conversation"
	"github.com/tinyland-inc/sigdesk/pkg/protocol"
	"github.com/tinyland-inc/sigdesk/pkg/store"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("SIGDESK_CONFIG", "")
	t.Setenv("HOME", "/tmp/home")
	assert.Equal(t, filepath.Join("/tmp/home", ".sigdesk", "config.json"), GetConfigPath())

	t.Setenv("SIGDESK_CONFIG", "/etc/sigdesk.json")
	assert.Equal(t, "/etc/sigdesk.json", GetConfigPath())
}

func TestResolveConversation(t *testing.T) {
	reg := conversation.NewRegistry()
	reg.AddContacts([]protocol.Profile{{Name: "Alice", Address: protocol.NewAddress("+15551234")}})

	c, err := ResolveConversation(reg, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "+15551234", c.ID)

	c, err = ResolveConversation(reg, "+15559999")
	require.NoError(t, err)
	assert.Equal(t, conversation.Individual, c.Kind)
	_, ok := reg.Get(store.Individual("+15559999"))
	assert.True(t, ok)

	_, err = ResolveConversation(reg, "nobody")
	assert.Error(t, err)
}

func TestFormatMessage(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	number := "+15551234"
	atts := "a1\na2\n"
	quote := int64(1)

	line := FormatMessage(store.Message{
		Timestamp:      now.Add(-3 * time.Minute).UnixMilli(),
		Number:         &number,
		Body:           "look",
		Attachments:    &atts,
		QuoteTimestamp: &quote,
	}, func(string) string { return "Alice" }, now)

	assert.Contains(t, line, "3 minutes ago")
	assert.Contains(t, line, "Alice: look")
	assert.Contains(t, line, "2 attachment(s), reply")

	line = FormatMessage(store.Message{Timestamp: now.UnixMilli(), FromMe: true, Body: "ok"}, nil, now)
	assert.Contains(t, line, "me: ok")
	assert.False(t, strings.Contains(line, "attachment"))
}

func TestTerminalLinker(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, TerminalLinker(&buf).ShowLinkingURI("sgnl://linkdevice?uuid=abc"))
	assert.Contains(t, buf.String(), "sgnl://linkdevice?uuid=abc")
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "dev", FormatVersion())
	_, goVer := FormatBuildInfo()
	assert.NotEmpty(t, goVer)
}
