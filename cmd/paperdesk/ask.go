package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/paperdesk/internal/config"
	"github.com/kalambet/paperdesk/internal/conversation"
	"github.com/kalambet/paperdesk/internal/exchange"
)

var (
	askChannel   string
	watchChannel string
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the assistant a question and stream the answer",
	Long: `Ask the assistant a question in a channel and stream the answer.

Press Ctrl-C to cancel the answer while it is streaming.

Examples:
  paperdesk ask --channel c1 "find recent papers on graph transformers"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if askChannel == "" {
			return fmt.Errorf("--channel is required")
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runAsk(ctx, a.conv, askChannel, strings.Join(args, " "), cmd.OutOrStdout())
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the conversation of a channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchChannel == "" {
			return fmt.Errorf("--channel is required")
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		w := newWatcher(a.conv, cmd.OutOrStdout())
		unsubscribe := a.conv.Subscribe(conversation.ObserverFunc(func(string) { w.changed() }))
		defer unsubscribe()

		if err := a.conv.SwitchChannel(ctx, watchChannel); err != nil {
			printWarning("loading history: %v", err)
		}
		w.changed()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			a.conv.Poll(gctx, cfg.Assistant.PollInterval)
			return nil
		})
		g.Go(func() error {
			return a.events.Run(gctx, a.conv.HandlePush)
		})
		return g.Wait()
	},
}

func init() {
	askCmd.Flags().StringVar(&askChannel, "channel", "", "channel to ask in")
	watchCmd.Flags().StringVar(&watchChannel, "channel", "", "channel to follow")
}

// runAsk asks question in channelID and writes the answer to w as it
// streams. Cancelling ctx cancels the exchange.
func runAsk(ctx context.Context, conv *conversation.Conversation, channelID, question string, w io.Writer) error {
	if err := conv.SwitchChannel(ctx, channelID); err != nil {
		if errors.Is(err, conversation.ErrNoChannel) {
			return err
		}
		printWarning("loading history: %v", err)
	}

	changed := make(chan struct{}, 1)
	unsubscribe := conv.Subscribe(conversation.ObserverFunc(func(string) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))
	defer unsubscribe()

	id, err := conv.Ask(context.WithoutCancel(ctx), question)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		_ = conv.Wait(context.Background(), id)
		close(done)
	}()

	printed := ""
	interrupted := ctx.Done()
	for {
		select {
		case <-changed:
			if ex, ok := conv.Exchange(id); ok && ex.Status == exchange.StatusStreaming {
				printed = writeDelta(w, printed, ex.ResponseText)
			}
		case <-interrupted:
			interrupted = nil
			if err := conv.Cancel(id); err != nil {
				printWarning("cancelling: %v", err)
			}
		case <-done:
			return finishAsk(w, conv, id, printed)
		}
	}
}

// writeDelta writes the part of text not yet printed. It returns what has
// been printed so far.
func writeDelta(w io.Writer, printed, text string) string {
	if !strings.HasPrefix(text, printed) {
		return printed
	}
	fmt.Fprint(w, text[len(printed):])
	return text
}

func finishAsk(w io.Writer, conv *conversation.Conversation, id, printed string) error {
	ex, ok := conv.Exchange(id)
	if !ok {
		exchanges := conv.Snapshot().Exchanges
		if len(exchanges) == 0 {
			return fmt.Errorf("exchange %s is gone", id)
		}
		ex = exchanges[len(exchanges)-1]
	}

	switch {
	case strings.HasPrefix(ex.ResponseText, printed):
		fmt.Fprintln(w, colorizeAnswer(ex, ex.ResponseText[len(printed):]))
	default:
		if printed != "" {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, colorizeAnswer(ex, ex.ResponseText))
	}
	for i, c := range ex.Citations {
		fmt.Fprintf(w, "  [%d] %s (%s %s)\n", i+1, c.Label, c.Origin, c.OriginID)
	}

	snap := conv.Snapshot()
	if snap.Session.SearchID != "" {
		fmt.Fprintln(w)
		writeSession(w, snap.Session)
	}
	if len(snap.Pending) > 0 {
		fmt.Fprintln(w)
		writeActions(w, snap.Pending)
	}

	if ex.Failed {
		return fmt.Errorf("assistant request failed: %s", valueOr(ex.ErrorMessage, "unknown error"))
	}
	return nil
}

func colorizeAnswer(ex exchange.Exchange, text string) string {
	switch {
	case ex.Failed:
		return colorize(colorRed, text)
	case ex.Status == exchange.StatusCancelled:
		return colorize(colorDim, text)
	}
	return text
}

// watcher prints finished exchanges and search result changes as they
// arrive.
type watcher struct {
	conv   *conversation.Conversation
	out    io.Writer
	seen   map[string]exchange.Status
	search string

	notify chan struct{}
}

func newWatcher(conv *conversation.Conversation, out io.Writer) *watcher {
	w := &watcher{
		conv:   conv,
		out:    out,
		seen:   make(map[string]exchange.Status),
		notify: make(chan struct{}, 1),
	}
	go w.loop()
	return w
}

func (w *watcher) changed() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *watcher) loop() {
	for range w.notify {
		w.print()
	}
}

func (w *watcher) print() {
	snap := w.conv.Snapshot()
	for _, ex := range snap.Exchanges {
		prev, ok := w.seen[ex.ID]
		switch {
		case !ok && !ex.Status.Terminal():
			fmt.Fprintf(os.Stderr, "%s\n", colorize(colorDim, fmt.Sprintf("%s asked: %s", valueOr(ex.Author, "you"), ex.Question)))
		case ex.Status.Terminal() && (!ok || !prev.Terminal()):
			writeExchange(w.out, ex)
			fmt.Fprintln(w.out)
		}
		w.seen[ex.ID] = ex.Status
	}
	if snap.Session.SearchID != w.search {
		w.search = snap.Session.SearchID
		writeSession(w.out, snap.Session)
		fmt.Fprintln(w.out)
	}
}
