// rvm runs RISC-V ELF programs on the metered machine, either interpreted or
// from an ahead-of-time compiled artifact.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/colorfulnotion/rvm/config"
	log "github.com/colorfulnotion/rvm/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

type globalFlags struct {
	configPath string
	logLevel   string
	debug      string
	xlen       int
	maxCycles  uint64
	cachePath  string
}

// profile loads the configured profile and applies command line overrides.
func (g *globalFlags) profile(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return nil, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if flags.Changed("xlen") {
		cfg.Machine.XLEN = g.xlen
	}
	if flags.Changed("max-cycles") {
		cfg.Machine.MaxCycles = g.maxCycles
	}
	if flags.Changed("cache") {
		cfg.Cache.Path = g.cachePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.InitLogging(os.Stderr); err != nil {
		return nil, err
	}
	if g.debug != "" {
		log.EnableModules(g.debug)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "rvm",
		Short:         "Metered deterministic RISC-V machine",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "machine profile (TOML)")
	pf.StringVar(&g.logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	pf.StringVar(&g.debug, "debug", "", "comma separated log modules to enable, or \"all\"")
	pf.IntVar(&g.xlen, "xlen", 64, "register width, 32 or 64")
	pf.Uint64Var(&g.maxCycles, "max-cycles", 0, "cycle budget, 0 for unlimited")
	pf.StringVar(&g.cachePath, "cache", "", "artifact cache directory, empty for in-memory")

	rootCmd.AddCommand(
		newRunCmd(g),
		newCompileCmd(g),
		newInspectCmd(g),
		newBenchCmd(g),
		newCacheCmd(g),
		newConfigCmd(g),
	)
	return rootCmd
}

func newConfigCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective machine profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.profile(cmd)
			if err != nil {
				return err
			}
			return cfg.Write(cmd.OutOrStdout())
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(int(exit.code))
		}
		fmt.Fprintf(os.Stderr, "rvm: %v\n", err)
		os.Exit(1)
	}
}
