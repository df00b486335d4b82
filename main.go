// Package main is the entry point for the ALD agent binary.
package main

import (
	"os"

	"github.com/nanofab/ald-agent/cli"
	"github.com/nanofab/ald-agent/common"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		common.Logger.Error(err)
		os.Exit(1)
	}
}
