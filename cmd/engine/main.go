package main

import (
	"os"

	"github.com/warp/inbound-engine/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
