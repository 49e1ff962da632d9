package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/tinyland-inc/sigdesk/cmd/sigdesk/internal"
	"github.com/tinyland-inc/sigdesk/pkg/bus"
	"github.com/tinyland-inc/sigdesk/pkg/conversation"
	"github.com/tinyland-inc/sigdesk/pkg/logger"
	"github.com/tinyland-inc/sigdesk/pkg/store"
)

// session is the part of app.Session the chat loop drives.
type session interface {
	SendText(ctx context.Context, conv conversation.Conversation, body string) (*store.Message, error)
	SetTyping(ctx context.Context, conv conversation.Conversation, typing bool) error
	MarkRead(ctx context.Context, conv conversation.Conversation) (int, error)
}

func chatCmd(cmd *cobra.Command, target string, historyLen int, debug bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := internal.SetupLogging(cfg, debug); err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	s, err := internal.OpenSession(ctx, cfg, internal.TerminalLinker(cmd.OutOrStdout()))
	if err != nil {
		return err
	}
	defer s.Close()

	conv, err := internal.ResolveConversation(s.Registry(), target)
	if err != nil {
		return err
	}
	names := internal.NameLookup(s.Registry())

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s  (/read marks messages read, /quit leaves)\n\n", internal.Logo, conv)
	msgs, err := s.History(conv)
	if err != nil {
		return err
	}
	if historyLen > 0 && len(msgs) > historyLen {
		msgs = msgs[len(msgs)-historyLen:]
	}
	for _, m := range msgs {
		if m.Body != "" {
			fmt.Fprintln(out, internal.FormatMessage(m, names, time.Now()))
		}
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var printer lockedWriter
	printer.w = out
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(serveCtx, func(c conversation.Conversation, n bus.Notification) {
			if line := incoming(conv, c, n, names); line != "" {
				printer.println(line)
			}
		})
	}()

	typing := newTypingState(serveCtx, s, conv)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".sigdesk_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Listener: readline.FuncListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
			typing.set(len(line) > 0)
			return nil, 0, false
		}),
	})
	if err != nil {
		fmt.Fprintf(out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(out, "Falling back to simple input mode...")
		simpleInteractiveMode(serveCtx, s, conv, os.Stdin, &printer)
	} else {
		printer.setWriter(rl.Stdout())
		go func() {
			<-serveCtx.Done()
			rl.Close()
		}()
		interactiveMode(serveCtx, s, conv, rl, &printer, typing)
		rl.Close()
	}

	typing.close()
	cancel()
	if err := <-serveErr; err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func interactiveMode(ctx context.Context, s session, conv conversation.Conversation, rl *readline.Instance, out *lockedWriter, typing *typingState) {
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				out.println("Goodbye!")
				return
			}
			out.println(fmt.Sprintf("Error reading input: %v", err))
			continue
		}
		typing.set(false)
		if handleLine(ctx, s, conv, line, out) {
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, s session, conv conversation.Conversation, in io.Reader, out *lockedWriter) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		reader := bufio.NewReader(in)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				out.println("Goodbye!")
				return
			}
			if handleLine(ctx, s, conv, line, out) {
				return
			}
		}
	}
}

// handleLine runs one line of input and reports whether the user asked to
// leave.
func handleLine(ctx context.Context, s session, conv conversation.Conversation, line string, out *lockedWriter) bool {
	input := strings.TrimSpace(line)
	switch input {
	case "":
		return false
	case "/quit", "/exit", "exit", "quit":
		out.println("Goodbye!")
		return true
	case "/read":
		n, err := s.MarkRead(ctx, conv)
		if err != nil {
			out.println(fmt.Sprintf("Error: %v", err))
			return false
		}
		out.println(fmt.Sprintf("Marked %d message(s) read", n))
		return false
	}

	msg, err := s.SendText(ctx, conv, input)
	if err != nil {
		if msg != nil {
			out.println(fmt.Sprintf("Not delivered (saved locally): %v", err))
		} else {
			out.println(fmt.Sprintf("Error: %v", err))
		}
		return false
	}
	out.println(internal.FormatMessage(*msg, nil, time.Now()))
	return false
}

// incoming renders a notification for the open conversation, or a one-line
// notice for any other.
func incoming(open, c conversation.Conversation, n bus.Notification, names func(string) string) string {
	if c.Selector() != open.Selector() {
		if n.Kind == bus.KindNewMessage && n.Message != nil && !n.Message.FromMe {
			return fmt.Sprintf("* new message in %s", c)
		}
		return ""
	}
	switch n.Kind {
	case bus.KindNewMessage:
		if n.Message == nil || n.Message.Body == "" {
			return ""
		}
		return internal.FormatMessage(*n.Message, names, time.Now())
	case bus.KindReaction:
		if n.Reaction == nil {
			return ""
		}
		return fmt.Sprintf("* %s reacted %s", names(n.Reaction.Author), n.Reaction.Emoji)
	}
	return ""
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) setWriter(w io.Writer) {
	l.mu.Lock()
	l.w = w
	l.mu.Unlock()
}

func (l *lockedWriter) println(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

// typingState sends typing started/stopped only on transitions. Updates run
// one at a time in a background goroutine so key handling never blocks.
type typingState struct {
	ctx  context.Context
	s    session
	conv conversation.Conversation

	mu      sync.Mutex
	want    bool
	sent    bool
	running bool
	wg      sync.WaitGroup
}

func newTypingState(ctx context.Context, s session, conv conversation.Conversation) *typingState {
	return &typingState{ctx: ctx, s: s, conv: conv}
}

func (t *typingState) set(typing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.want = typing
	if t.running || t.want == t.sent {
		return
	}
	t.running = true
	t.wg.Add(1)
	go t.flush()
}

func (t *typingState) flush() {
	defer t.wg.Done()
	for {
		t.mu.Lock()
		if t.want == t.sent || t.ctx.Err() != nil {
			t.running = false
			t.mu.Unlock()
			return
		}
		want := t.want
		t.mu.Unlock()

		if err := t.s.SetTyping(t.ctx, t.conv, want); err != nil {
			logger.DebugCF("chat", "Typing update failed", map[string]any{"error": err.Error()})
		}

		t.mu.Lock()
		t.sent = want
		t.mu.Unlock()
	}
}

// close waits for a pending update and clears a started indicator.
func (t *typingState) close() {
	t.set(false)
	t.wg.Wait()
}
