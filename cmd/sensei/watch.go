package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/sensei/pkg/notify"
	"github.com/go-go-golems/sensei/pkg/threads/threadlist"
)

func newThreadsWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the thread list, reconciling as threads finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runThreadsWatch(cmd.Context())
		},
	}
}

func (a *app) runThreadsWatch(ctx context.Context) error {
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

	bus, err := notify.NewBus(a.cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()

	agg, err := threadlist.NewAggregator(threadlist.IndexConfig(ix, time.Local))
	if err != nil {
		return err
	}
	if err := agg.LoadNextPage(ctx); err != nil {
		return err
	}
	printGroups(agg)

	updates, err := bus.SubscribeThreadUpdates(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "thread finished: %s\n", u.Slug)
			if err := agg.Reconcile(ctx); err != nil {
				return err
			}
			printGroups(agg)
		}
	}
}

func printGroups(agg *threadlist.Aggregator) {
	for _, g := range agg.Groups() {
		fmt.Println(g.DateKey)
		for _, t := range g.Threads {
			name := t.DisplayName
			if name == "" {
				name = t.Slug
			}
			fmt.Printf("  %s  %s\n", t.CreatedAt.In(time.Local).Format("15:04"), name)
		}
	}
}
