package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/medical-dx-engine/internal/config"
	"github.com/medical-dx-engine/internal/domain"
	"github.com/medical-dx-engine/internal/logging"
	"github.com/medical-dx-engine/internal/service"
)

// cli holds the state shared by every subcommand.
type cli struct {
	configFile string
	envFile    string
	logLevel   string

	manager domain.ConfigManager
	logger  *logrus.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "dxctl",
		Short:         "Operate the diagnostic inference engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "path to a config file")
	flags.StringVar(&c.envFile, "env-file", ".env", "optional dotenv file")
	flags.StringVar(&c.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		c.trainCmd(),
		c.analyzeCmd(),
		c.interactionsCmd(),
		c.enrichCmd(),
		c.migrateCmd(),
		c.examplesCmd(),
		c.configCmd(),
	)
	return root
}

func (c *cli) setup() error {
	if err := godotenv.Load(c.envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", c.envFile, err)
	}
	m, err := config.NewManager(config.WithConfigFile(c.configFile))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if c.logLevel != "" {
		m.GetConfig().Logging.Level = c.logLevel
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	c.manager = m
	c.logger = logging.NewLogger(m.GetConfig().Logging)
	c.logger.SetOutput(os.Stderr)
	return nil
}

func (c *cli) cfg() *domain.Config {
	return c.manager.GetConfig()
}

// withApp builds the engine, runs fn and releases the engine.
func (c *cli) withApp(ctx context.Context, fn func(*service.App) error) error {
	app, err := service.NewApp(ctx, c.cfg(), c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			c.logger.WithError(cerr).Warn("Error while releasing resources")
		}
	}()
	return fn(app)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
