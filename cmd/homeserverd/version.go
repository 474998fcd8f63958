package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is the build version, set via -ldflags at release build time;
// left as "dev" for local builds.
var Version = "dev"

func commandVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf(`homeserverd Version: %s
Go Version: %s
Go OS/ARCH: %s %s
`, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
