package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/sensei/pkg/chat"
	"github.com/go-go-golems/sensei/pkg/chat/history"
	"github.com/go-go-golems/sensei/pkg/identity"
	"github.com/go-go-golems/sensei/pkg/notify"
)

func newAskCmd(a *app) *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "ask [question...]",
		Short: "Ask a question and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runAsk(cmd.Context(), threadID, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "continue an existing thread by id")
	return cmd
}

func (a *app) runAsk(ctx context.Context, threadID, question string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, ix, err := a.openIndex()
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	ident, err := identity.NewManager(backend)
	if err != nil {
		return err
	}
	user, err := ident.CurrentUser(ctx)
	if err != nil {
		return err
	}

	bus, err := notify.NewBus(a.cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	clog := chat.NewConversationLog()
	continuing := threadID != ""
	if threadID == "" {
		threadID = uuid.NewString()
	}
	if continuing {
		h, err := history.NewClient(a.cfg.Server.HTTPURL).FetchThread(ctx, threadID)
		if err != nil {
			log.Warn().Err(err).Str("thread_id", threadID).Msg("thread hydration failed, continuing without history")
		} else {
			history.HydrateLog(clog, h)
		}
	}

	ctrl, err := chat.NewController(chat.ControllerConfig{
		ThreadID: threadID,
		UserID:   user.ID,
		Dial:     chat.NewWSDialer(a.cfg.Server.WSURL),
		Index:    ix,
		Bus:      bus,
		Log:      clog,
		OnCanonicalURL: func(slug string) {
			fmt.Fprintf(os.Stderr, "\nthread: %s (%s)\n", slug, threadID)
		},
		BaseCtx: ctx,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	notices, err := bus.SubscribeNotices(ctx)
	if err != nil {
		return err
	}

	queryID := chat.NewQueryID()
	if err := ctrl.Ask(ctx, question, queryID); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g := new(errgroup.Group)
	g.Go(func() error {
		for {
			select {
			case <-runCtx.Done():
				return nil
			case n, ok := <-notices:
				if !ok {
					return nil
				}
				fmt.Fprintf(os.Stderr, "%s: %s\n", n.Level, n.Message)
			}
		}
	})
	g.Go(func() error {
		streamAnswer(runCtx, os.Stdout, ctrl, queryID)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		select {
		case <-runCtx.Done():
			ctrl.Close()
		case <-ctrl.Wait():
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if ctrl.State() == chat.StateErrored {
		return errors.New("sensei: session failed")
	}
	printTrailer(os.Stdout, ctrl, queryID)
	return nil
}

// streamAnswer prints the growing answer of the asked turn as it flushes,
// until the session settles.
func streamAnswer(ctx context.Context, w io.Writer, ctrl *chat.Controller, queryID string) {
	var printed int
	emit := func() {
		last, ok := ctrl.Log().Last()
		if !ok || last.ID != queryID || last.Answer == nil {
			return
		}
		s := *last.Answer
		if len(s) > printed {
			fmt.Fprint(w, s[printed:])
			printed = len(s)
		}
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			emit()
			return
		case <-ticker.C:
			emit()
		}
	}
}

func printTrailer(w io.Writer, ctrl *chat.Controller, queryID string) {
	fmt.Fprintln(w)
	last, ok := ctrl.Log().Last()
	if ok && last.ID == queryID {
		if len(last.Sources) > 0 {
			fmt.Fprintln(w, "\nSources:")
			for _, s := range last.Sources {
				fmt.Fprintf(w, "  [%d] %s <%s>\n", s.Index, s.Title, s.URL)
			}
		}
		if len(last.Media) > 0 {
			fmt.Fprintln(w, "\nMedia:")
			for _, m := range last.Media {
				fmt.Fprintf(w, "  (%s) %s\n", m.Medium, m.URL)
			}
		}
	}
	if suggestions := ctrl.Suggestions(); len(suggestions) > 0 {
		fmt.Fprintln(w, "\nRelated questions:")
		for _, q := range suggestions {
			fmt.Fprintf(w, "  - %s\n", q)
		}
	}
}
