package main

import (
	"context"
	"fmt"

	"github.com/samcharles93/seqgen/internal/version"

	"github.com/urfave/cli/v3"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info := version.Resolve()
			fmt.Printf("seqgen %s\n", info)
			if info.BuildTime != "" {
				fmt.Printf("built:  %s\n", info.BuildTime)
			}
			fmt.Printf("go:     %s\n", info.GoVersion)
			return nil
		},
	}
}
