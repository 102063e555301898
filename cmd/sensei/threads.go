package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/sensei/pkg/threads"
	"github.com/go-go-golems/sensei/pkg/threads/threadlist"
)

func newThreadsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "Manage the local thread index",
	}
	cmd.AddCommand(newThreadsListCmd(a))
	cmd.AddCommand(newThreadsRenameCmd(a))
	cmd.AddCommand(newThreadsDeleteCmd(a))
	cmd.AddCommand(newThreadsWatchCmd(a))
	return cmd
}

func newThreadsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List threads grouped by day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runThreadsList(cmd.Context())
		},
	}
}

func (a *app) runThreadsList(ctx context.Context) error {
	backend, ix, err := a.openIndex()
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	agg, err := threadlist.NewAggregator(threadlist.IndexConfig(ix, time.Local))
	if err != nil {
		return err
	}
	for agg.HasMore() {
		if err := agg.LoadNextPage(ctx); err != nil {
			return err
		}
	}

	groups := agg.Groups()
	if len(groups) == 0 {
		fmt.Println("No threads yet.")
		return nil
	}
	for _, g := range groups {
		fmt.Println(g.DateKey)
		for _, t := range g.Threads {
			name := t.DisplayName
			if name == "" {
				name = t.Slug
			}
			fmt.Printf("  %s  %-40s  %s\n", t.CreatedAt.In(time.Local).Format("15:04"), name, t.ID)
		}
	}
	return nil
}

// resolveThread finds a thread by slug first, then by id.
func resolveThread(ctx context.Context, ix *threads.Index, ref string) (threads.ThreadSummary, error) {
	if entry, ok, err := ix.FindBySlug(ctx, ref); err != nil {
		return threads.ThreadSummary{}, err
	} else if ok {
		return entry, nil
	}
	entries, err := ix.All(ctx)
	if err != nil {
		return threads.ThreadSummary{}, err
	}
	for _, e := range entries {
		if e.ID == ref {
			return e, nil
		}
	}
	return threads.ThreadSummary{}, errors.Errorf("sensei: no thread with slug or id %q", ref)
}

func newThreadsRenameCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <slug-or-id> <new name...>",
		Short: "Rename a thread",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runThreadsRename(cmd.Context(), args[0], strings.Join(args[1:], " "))
		},
	}
}

func (a *app) runThreadsRename(ctx context.Context, ref, name string) error {
	backend, ix, err := a.openIndex()
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	entry, err := resolveThread(ctx, ix, ref)
	if err != nil {
		return err
	}
	entry.DisplayName = name
	return ix.Update(ctx, entry)
}

func newThreadsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <slug-or-id>",
		Short: "Remove a thread from the local index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, ix, err := a.openIndex()
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			entry, err := resolveThread(cmd.Context(), ix, args[0])
			if err != nil {
				return err
			}
			return ix.Delete(cmd.Context(), entry.ID)
		},
	}
}
