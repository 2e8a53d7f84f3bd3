package main

import (
	"github.com/spf13/cobra"
)

var debug bool

var rootCmd = &cobra.Command{
	Use:   "scriptrun",
	Short: "scriptrun - interactive script sessions over the web",
	Long: `scriptrun runs trusted scripts under a pseudo-terminal and streams them
to browsers over server-sent events or WebSockets.

Serve the scripts directory:
  scriptrun serve
  SCRIPTRUN_SCRIPTS_DIR=./scripts scriptrun serve --port 9000

Run one script in this terminal:
  scriptrun run ./scripts/hello.py`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}
