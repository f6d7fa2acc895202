package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pidline/internal/domain"
	"pidline/internal/lifecycle"
	"pidline/internal/repo"
)

func identifierCmds() []*cobra.Command {
	return []*cobra.Command{
		mintCmd(),
		lifecycleCmd("update", "Resubmit a record's metadata", func(ctx context.Context, m *lifecycle.Manager, id int64) (lifecycle.Result, error) {
			return m.Update(ctx, id, actor())
		}),
		lifecycleCmd("verify", "Check that a record's identifier resolves", func(ctx context.Context, m *lifecycle.Manager, id int64) (lifecycle.Result, error) {
			return m.Verify(ctx, id, actor())
		}),
		deactivateCmd(),
		lifecycleCmd("reactivate", "Make a hidden identifier findable again", func(ctx context.Context, m *lifecycle.Manager, id int64) (lifecycle.Result, error) {
			return m.Reactivate(ctx, id, actor())
		}),
		showCmd(),
		actionsCmd(),
	}
}

type lifecycleFunc func(context.Context, *lifecycle.Manager, int64) (lifecycle.Result, error)

func lifecycleCmd(use, short string, fn lifecycleFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <record-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(cmd.Context(), args[0], fn)
		},
	}
}

func runLifecycle(ctx context.Context, arg string, fn lifecycleFunc) error {
	id, err := parseRecordID(arg)
	if err != nil {
		return err
	}
	return withEnv(ctx, func(ctx context.Context, e *env) error {
		res, err := fn(ctx, e.Manager, id)
		if err != nil {
			return err
		}
		return printResult(res)
	})
}

var errOperationFailed = errors.New("operation failed")

// printResult prints res and turns a failed result into a non-zero exit.
func printResult(res lifecycle.Result) error {
	if viper.GetBool("json") {
		if err := printJSON(res); err != nil {
			return err
		}
	} else if res.OK {
		fmt.Printf("%s ok: %s (%s)\n", res.Action, res.Identifier, res.State)
		if res.Message != "" {
			fmt.Println(res.Message)
		}
	}
	if !res.OK {
		return fmt.Errorf("%w: %s [%s]", errOperationFailed, res.Message, res.Kind)
	}
	return nil
}

func mintCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "mint <record-id>",
		Short: "Mint an identifier for a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := domain.IdentifierState(state)
			if target != "" && !target.Mintable() {
				return fmt.Errorf("invalid state %q: use draft, registered or findable", state)
			}
			return runLifecycle(cmd.Context(), args[0], func(ctx context.Context, m *lifecycle.Manager, id int64) (lifecycle.Result, error) {
				return m.Mint(ctx, id, target, actor())
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "initial state (default from config)")
	return cmd
}

func deactivateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "deactivate <record-id>",
		Short: "Hide a record's identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(cmd.Context(), args[0], func(ctx context.Context, m *lifecycle.Manager, id int64) (lifecycle.Result, error) {
				return m.Deactivate(ctx, id, reason, actor())
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "deactivation reason")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <record-id>",
		Short: "Show a record's identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rec, err := r.GetIdentifierByRecord(ctx, nil, id)
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("record %d has no identifier", id)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rec)
				}
				fmt.Printf("Identifier: %s\n", rec.Identifier)
				fmt.Printf("State:      %s\n", rec.State)
				fmt.Printf("Group:      %s\n", rec.GroupCode)
				fmt.Printf("Last sync:  %s\n", deref(rec.LastSyncAt))
				if reason := deref(rec.DeactivationReason); reason != "" {
					fmt.Printf("Reason:     %s\n", reason)
				}
				return nil
			})
		},
	}
}

func actionsCmd() *cobra.Command {
	var limit int
	var action string
	cmd := &cobra.Command{
		Use:   "actions <record-id>",
		Short: "List action log entries for a record, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListActions(ctx, repo.ActionFilters{RecordID: id, Action: domain.LogAction(action), Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Time", "Action", "Before", "After", "Actor")
				for _, a := range items {
					tw.AppendRow([]any{a.ID, a.TS, a.Action, a.StateBefore, a.StateAfter, a.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	cmd.Flags().StringVar(&action, "action", "", "filter by action, e.g. mint_failed")
	return cmd
}
