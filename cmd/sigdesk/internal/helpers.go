package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/tinyland-inc/sigdesk/pkg/app"
	"github.com/tinyland-inc/sigdesk/pkg/config"
	"github.com/tinyland-inc/sigdesk/pkg/conversation"
	"github.com/tinyland-inc/sigdesk/pkg/logger"
	"github.com/tinyland-inc/sigdesk/pkg/store"
)

const Logo = "📨"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

func GetConfigPath() string {
	if p := os.Getenv("SIGDESK_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sigdesk", "config.json")
}

// LoadConfig reads .env, the config file and the environment, in that order
// of increasing precedence.
func LoadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	return config.LoadConfig(GetConfigPath())
}

// SetupLogging configures the global logger from cfg. debug forces the
// debug level.
func SetupLogging(cfg *config.Config, debug bool) error {
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if debug {
		level = logger.DEBUG
	}
	return logger.Init(logger.Options{
		Level: level,
		JSON:  cfg.Log.Format == "json",
		File:  cfg.LogFile(),
	})
}

// TerminalLinker prints the linking URI for the user to open on the primary
// device.
func TerminalLinker(w io.Writer) app.Linker {
	return app.LinkerFunc(func(uri string) error {
		_, err := fmt.Fprintf(w, "\nOpen Signal on your phone, go to Settings > Linked devices and scan or enter:\n\n  %s\n\nWaiting for confirmation...\n", uri)
		return err
	})
}

// OpenSession connects and initializes a session. linker may be nil when
// linking a new device is not wanted.
func OpenSession(ctx context.Context, cfg *config.Config, linker app.Linker) (*app.Session, error) {
	s, err := app.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Initialize(ctx, linker); err != nil {
		s.Close()
		if errors.Is(err, app.ErrNotLinked) {
			return nil, fmt.Errorf("%w: run `sigdesk link` first", err)
		}
		return nil, err
	}
	return s, nil
}

// ResolveConversation finds target by number, group id or name. An unknown
// phone number yields a new individual conversation.
func ResolveConversation(reg *conversation.Registry, target string) (conversation.Conversation, error) {
	if c, ok := reg.Find(target); ok {
		return c, nil
	}
	if strings.HasPrefix(target, "+") {
		return reg.Upsert(conversation.Conversation{Kind: conversation.Individual, ID: target}), nil
	}
	return conversation.Conversation{}, fmt.Errorf("unknown conversation %q", target)
}

var (
	sentStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	receivedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	metaStyle     = lipgloss.NewStyle().Faint(true)
)

// FormatMessage renders one message as a single terminal line. name maps a
// number to a display name and may be nil.
func FormatMessage(m store.Message, name func(string) string, now time.Time) string {
	sender := "me"
	style := sentStyle
	if !m.FromMe {
		style = receivedStyle
		sender = "unknown"
		if m.Number != nil {
			sender = *m.Number
			if name != nil {
				sender = name(sender)
			}
		}
	}

	var extras []string
	if ids := store.AttachmentIDs(m.Attachments); len(ids) > 0 {
		extras = append(extras, fmt.Sprintf("%d attachment(s)", len(ids)))
	}
	if m.QuoteTimestamp != nil {
		extras = append(extras, "reply")
	}

	when := humanize.RelTime(time.UnixMilli(m.Timestamp), now, "ago", "from now")
	line := fmt.Sprintf("%s %s %s", metaStyle.Render("["+when+"]"), style.Render(sender+":"), m.Body)
	if len(extras) > 0 {
		line += " " + metaStyle.Render("("+strings.Join(extras, ", ")+")")
	}
	return line
}

// NameLookup resolves numbers to the registry's display names.
func NameLookup(reg *conversation.Registry) func(string) string {
	return func(number string) string {
		if c, ok := reg.Get(store.Individual(number)); ok && c.Name != "" {
			return c.Name
		}
		return number
	}
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

func GetVersion() string {
	return version
}
