package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"hut.evalgo.org/version"
)

func init() {
	RootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("deps", false, "include dependency versions")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		info := version.GetBuildInfo()

		if deps, _ := cmd.Flags().GetBool("deps"); !deps {
			_, err := fmt.Fprintf(out, "hutd %s (%s)\n", version.GetModuleVersion(), info.GoVersion)
			return err
		}
		return yaml.NewEncoder(out).Encode(info)
	},
}
