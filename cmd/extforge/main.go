package main

import (
	"context"
	"fmt"
	"os"

	"github.com/platinummonkey/extforge/pkg/cli"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	root := cli.NewRootCommand(cli.WithVersion(version))
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
