// Command hutd runs the sovereign container and cross-chain operation
// orchestrator. See the cli package for the available commands.
package main

import (
	"os"

	"hut.evalgo.org/cli"
	"hut.evalgo.org/common"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		common.Logger.WithError(err).Error("hutd failed")
		os.Exit(1)
	}
}
