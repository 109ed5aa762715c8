package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/medical-dx-engine/internal/config"
	"github.com/medical-dx-engine/internal/database"
	"github.com/medical-dx-engine/internal/domain"
	"github.com/medical-dx-engine/internal/service"
)

func (c *cli) trainCmd() *cobra.Command {
	var examplesFile string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a new model and activate it when it is valid",
		Long: "Trains every configured candidate on the generated knowledge base examples " +
			"plus the stored clinician examples, or on --examples when given.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var examples []domain.TrainingExample
			if examplesFile != "" {
				data, err := os.ReadFile(examplesFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &examples); err != nil {
					return fmt.Errorf("%w: %s: %v", domain.ErrInvalidInput, examplesFile, err)
				}
			}
			return c.withApp(cmd.Context(), func(app *service.App) error {
				a, err := app.Service.Train(cmd.Context(), examples)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a.Summary())
			})
		},
	}
	cmd.Flags().StringVar(&examplesFile, "examples", "", "JSON array of {text, label} examples")
	return cmd
}

func (c *cli) analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <symptoms...>",
		Short: "Rank candidate conditions for a symptom description",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(app *service.App) error {
				res, err := app.Service.Analyze(cmd.Context(), joinArgs(args))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func (c *cli) interactionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interactions <medication> <medication...>",
		Short: "Check a medication list for pairwise interactions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(app *service.App) error {
				report, err := app.Service.CheckInteractions(cmd.Context(), args)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func (c *cli) enrichCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enrich [condition...]",
		Short: "Refresh condition records from literature and health indicators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(app *service.App) error {
				report, err := app.Service.Enrich(cmd.Context(), args...)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func (c *cli) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
	}

	run := func(action string) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			dbCfg := c.cfg().Database
			if !dbCfg.Enabled {
				return fmt.Errorf("%w: database.enabled is false", domain.ErrInvalidInput)
			}
			runner, err := database.NewMigrationRunner(config.DatabaseURL(dbCfg), c.logger)
			if err != nil {
				return err
			}
			defer runner.Close()

			switch action {
			case "up":
				err = runner.Up(cmd.Context())
			case "down":
				err = runner.Down(cmd.Context())
			}
			if err != nil {
				return err
			}
			version, dirty, err := runner.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
			return nil
		}
	}

	cmd.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply pending migrations", Args: cobra.NoArgs, RunE: run("up")},
		&cobra.Command{Use: "down", Short: "Roll back one migration", Args: cobra.NoArgs, RunE: run("down")},
		&cobra.Command{Use: "version", Short: "Print the schema version", Args: cobra.NoArgs, RunE: run("version")},
	)
	return cmd
}

func (c *cli) examplesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "examples",
		Short: "Manage clinician-labeled training examples",
	}

	var out string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write every stored example as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return c.withApp(cmd.Context(), func(app *service.App) error {
				return app.Service.ExportExamples(cmd.Context(), w)
			})
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Load examples from a JSON export; existing ones are skipped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return c.withApp(cmd.Context(), func(app *service.App) error {
				imported, skipped, err := app.Service.ImportExamples(cmd.Context(), f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d, skipped %d\n", imported, skipped)
				return nil
			})
		},
	}

	var label string
	var weight float64
	add := &cobra.Command{
		Use:   "add <text...>",
		Short: "Store one labeled example",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(app *service.App) error {
				ex, err := app.Service.AddExample(cmd.Context(), domain.TrainingExample{
					Text:   joinArgs(args),
					Label:  label,
					Weight: weight,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ex)
			})
		},
	}
	add.Flags().StringVarP(&label, "label", "l", "", "condition name or alias")
	add.Flags().Float64Var(&weight, "weight", 1, "sample weight")
	_ = add.MarkFlagRequired("label")

	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored examples, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(app *service.App) error {
				examples, err := app.Service.Examples(cmd.Context(), limit, offset)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), examples)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of examples")
	list.Flags().IntVar(&offset, "offset", 0, "examples to skip")

	cmd.AddCommand(export, importCmd, add, list)
	return cmd
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				// Validation already ran in the root pre-run hook.
				cfg := c.cfg()
				fmt.Fprintf(cmd.OutOrStdout(), "configuration OK (mode=%s, knowledge=%s, examples=%s, cache=%s)\n",
					cfg.Mode, cfg.Knowledge.Source, cfg.Dataset.Backend, cfg.Cache.Backend)
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with secrets redacted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return printJSON(cmd.OutOrStdout(), redacted(*c.cfg()))
			},
		},
	)
	return cmd
}

func redacted(cfg domain.Config) domain.Config {
	const mask = "********"
	mask1 := func(s *string) {
		if *s != "" {
			*s = mask
		}
	}
	mask1(&cfg.Database.Password)
	mask1(&cfg.Cache.Redis.Password)
	mask1(&cfg.Dataset.PostgresURL)
	mask1(&cfg.ExternalAPI.PubMed.APIKey)
	mask1(&cfg.ExternalAPI.OpenFDA.APIKey)
	mask1(&cfg.ExternalAPI.RxNorm.APIKey)
	mask1(&cfg.ExternalAPI.GHO.APIKey)
	return cfg
}
