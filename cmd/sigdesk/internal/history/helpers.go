package history

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/sigdesk/cmd/sigdesk/internal"
	"github.com/tinyland-inc/sigdesk/pkg/store"
)

// historyCmd reads the local database only; the daemon need not be running.
func historyCmd(cmd *cobra.Command, number, group string, limit int) error {
	sel, err := selector(number, group)
	if err != nil {
		return err
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return err
	}
	defer st.Close()

	return printHistory(cmd.OutOrStdout(), st, sel, limit, time.Now())
}

func selector(number, group string) (store.Selector, error) {
	switch {
	case number != "" && group != "":
		return store.Selector{}, errors.New("give either a number or --group, not both")
	case group != "":
		return store.Group(group), nil
	case number != "":
		return store.Individual(number), nil
	}
	return store.Selector{}, errors.New("a number or --group is required")
}

func printHistory(w io.Writer, st *store.Store, sel store.Selector, limit int, now time.Time) error {
	all, err := st.QueryConversation(sel)
	if err != nil {
		return err
	}
	// reaction-only rows carry no body
	msgs := all[:0]
	for _, m := range all {
		if m.Body != "" {
			msgs = append(msgs, m)
		}
	}
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return nil
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	for _, m := range msgs {
		fmt.Fprintln(w, internal.FormatMessage(m, nil, now))
	}
	return nil
}
