package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// buildRootCmdWith constructs the command tree. Persistent flags fill opts;
// empty values leave the config file (or defaults) in charge.
func buildRootCmdWith(opts *Options) *cobra.Command {
	root := &cobra.Command{
		Use:           "modelmgr",
		Short:         "Manage the local model catalog: install, sync, convert and merge models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.ConfigPath, "config", envStr("MODELMGR_CONFIG", ""), "Config file (.yaml, .json or .toml)")
	pf.StringVar(&opts.RootDir, "root", envStr("MODELMGR_ROOT", ""), "Root directory (defaults to root_dir from config or ~/invokeai)")
	pf.StringVar(&opts.LogLevel, "log-level", envStr("MODELMGR_LOG_LEVEL", ""), "Log level: trace|debug|info|warn|error|off")
	pf.StringVar(&opts.LogFormat, "log-format", envStr("MODELMGR_LOG_FORMAT", ""), "Log format: console|json")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Sync the catalog, then run the ops server and periodic maintenance until interrupted",
		Example: "  modelmgr serve --root ~/invokeai",
		Args:    noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), opts, fnServe)
		},
	}

	root.AddCommand(serveCmd)
	root.AddCommand(catalogCommands(opts)...)
	root.AddCommand(opCommands(opts)...)
	return root
}

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return usageError{err}
	}
	return nil
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func rangeArgs(lo, hi int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.RangeArgs(lo, hi)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}
