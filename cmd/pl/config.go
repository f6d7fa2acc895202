package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pidline/internal/app"
	"pidline/internal/config"
	"pidline/internal/domain"
	"pidline/internal/repo"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage registration config",
		Long:  "Config holds the registration endpoint, per-group overrides, mapping rules, queue and log settings. It is edited as pidline.yml and imported into the workspace database.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var prefix string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pidline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(prefix)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "identifier prefix (default 10.5072)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := app.NewResolver(r, 0).Import(ctx, cfg); err != nil {
					return err
				}
				return printJSONOrTable(redacted(cfg))
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (default <workspace>/pidline.yml)")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := app.NewResolver(r, 0).Config(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(redacted(cfg))
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the stored config and resolve a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := app.NewResolver(r, 0).Config(ctx)
				if err != nil {
					return err
				}
				if err := cfg.Validate(); err != nil {
					return err
				}
				_, err = cfg.Resolve(group)
				return err
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if errors.Is(err, config.ErrNotConfigured) {
				fmt.Println("config valid, registration not configured for group", fmt.Sprintf("%q", group))
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "repository code to resolve")
	return cmd
}

// redacted returns a copy of cfg without credentials.
func redacted(cfg *config.Config) *config.Config {
	out := *cfg
	if out.Registration.Password != "" {
		out.Registration.Password = "***"
	}
	out.Groups = make(map[string]config.Registration, len(cfg.Groups))
	for code, g := range cfg.Groups {
		if g.Password != "" {
			g.Password = "***"
		}
		out.Groups[code] = g
	}
	out.Webhooks = make([]config.Webhook, len(cfg.Webhooks))
	for i, h := range cfg.Webhooks {
		if h.Secret != "" {
			h.Secret = "***"
		}
		out.Webhooks[i] = h
	}
	return &out
}

func recordCmd() *cobra.Command {
	rec := &cobra.Command{Use: "record", Short: "Manage source records"}
	rec.AddCommand(recordImportCmd())
	rec.AddCommand(recordListCmd())
	rec.AddCommand(recordShowCmd())
	return rec
}

func recordImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import source records from a YAML or JSON list",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			// JSON is valid YAML, so one decoder covers both.
			var recs []domain.SourceRecord
			if err := yaml.Unmarshal(data, &recs); err != nil {
				return fmt.Errorf("parse %s: %w", filePath, err)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				for _, rec := range recs {
					if rec.ID <= 0 {
						return fmt.Errorf("record %q: id must be positive", rec.Title)
					}
					if err := r.UpsertRecord(ctx, rec); err != nil {
						return fmt.Errorf("record %d: %w", rec.ID, err)
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"imported": len(recs)})
				}
				fmt.Printf("imported %d records\n", len(recs))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to records file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func recordListCmd() *cobra.Command {
	var group string
	var limit int
	var withoutIdentifier bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List source records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRecords(ctx, repo.RecordFilters{
					RepositoryCode:    group,
					WithoutIdentifier: withoutIdentifier,
					Limit:             limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Repository", "Level", "Digital")
				for _, rec := range items {
					tw.AppendRow([]any{rec.ID, rec.Title, rec.RepositoryCode, rec.Level, rec.HasDigitalObject})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "repository code")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum records")
	cmd.Flags().BoolVar(&withoutIdentifier, "without-identifier", false, "only records without an identifier")
	return cmd
}

func recordShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <record-id>",
		Short: "Show a source record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rec, err := r.GetRecord(ctx, id)
				if err != nil {
					return fmt.Errorf("record %d: %w", id, err)
				}
				return printJSONOrTable(rec)
			})
		},
	}
}
