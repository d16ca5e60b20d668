package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pixtracker",
	Short: "An in-memory BitTorrent tracker",
	Long:  Cyan + Bold + banner + Reset + "\n  " + Dim + "An in-memory BitTorrent tracker for v1, v2 and hybrid torrents" + Reset,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
