package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var extended bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information. Use --extended for commit, build and library versions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		identity := GetAppIdentity()
		_, _ = fmt.Fprintf(w, "%s %s\n", identity.BinaryName, versionInfo.Version)
		if !extended {
			return nil
		}

		version := crucible.GetVersion()
		_, _ = fmt.Fprintf(w, "Commit: %s\nBuilt: %s\nGo: %s\n\n", versionInfo.Commit, versionInfo.BuildDate, runtime.Version())
		_, _ = fmt.Fprintf(w, "Gofulmen: %s\nCrucible: %s\n", version.Gofulmen, version.Crucible)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVarP(&extended, "extended", "e", false, "show extended version information")
}
