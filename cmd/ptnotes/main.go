package main

import (
	"os"

	"github.com/ptnotes"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func rootCommand() *cobra.Command {
	var (
		stdpaths ptnotes.StandardPaths
		verbose  bool
	)

	root := &cobra.Command{
		Use:   "ptnotes",
		Short: "Penetration-testing engagement tracker",
		Long: `
		ptnotes imports vulnerability-scan output, stores discovered
		hosts and services per engagement, correlates them against a
		signature catalog, and serves a browsable report with editable
		notes.
		`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			return nil
		},
	}

	root.AddGroup(
		&cobra.Group{ID: "manage", Title: "Engagement management:"},
		&cobra.Group{ID: "run", Title: "Scan data and reports:"},
	)

	pflags := root.PersistentFlags()
	pflags.StringVar(&stdpaths.PTN_APPNAME, "profile", "", "Application profile name")
	pflags.StringVar(&stdpaths.DATA_HOME, "data", "", "Data directory holding the registry and project stores")
	pflags.StringVar(&stdpaths.CONFIG_HOME, "config", "", "Configuration directory")
	pflags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	var conf ptnotes.Configuration
	cobra.OnInitialize(func() {
		if err := ptnotes.LoadConfiguration(ptnotes.BindStandardPaths(stdpaths), &conf); err != nil {
			log.Fatal().Err(err).Msg("failed to load configuration")
		}
	})

	root.AddCommand(ptnotes.Commands(&conf)...)
	return root
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
