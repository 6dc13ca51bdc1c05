package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/coder/roomctl/cli"
)

func main() {
	var rootCmd cli.RootCmd
	err := rootCmd.Command().Invoke().WithOS().Run()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
