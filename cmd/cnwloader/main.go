package main

import (
	"os"

	"github.com/CloudNativeWorks/cnw-loader-sdk/cmd/cnwloader/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
