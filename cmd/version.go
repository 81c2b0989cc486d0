package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/heronchat/heron/internal/app"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "heron %s (%s/%s)\n", app.Version, runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
