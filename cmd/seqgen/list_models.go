package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/seqgen/internal/api"
	"github.com/samcharles93/seqgen/internal/logger"
)

func listModelsCmd() *cli.Command {
	return &cli.Command{
		Name:    "list-models",
		Aliases: []string{"ls", "models"},
		Usage:   "List available model directories",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "models-path",
				Aliases:     []string{"path"},
				Usage:       "path to a directory of model directories",
				Destination: &modelsPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelsConfig(cmd, fileCfg)

			dir := strings.TrimSpace(modelsPath)
			if dir == "" {
				dir = strings.TrimSpace(os.Getenv("SEQGEN_MODELS_DIR"))
			}
			if dir == "" {
				return cli.Exit("error: --models-path is required unless SEQGEN_MODELS_DIR is set", 1)
			}

			models, err := api.DiscoverModels(dir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if len(models) == 0 {
				log.Info("no models found", "path", dir)
				return nil
			}

			fmt.Printf("Models in %s:\n\n", dir)
			loader := api.DirLoader{}
			for _, path := range models {
				name := filepath.Base(path)
				m, _, err := loader.Load(path)
				if err != nil {
					fmt.Printf("  %-40s (unreadable: %v)\n", name, err)
					continue
				}
				info := m.Info()
				kind := "decoder-only"
				if info.EncoderDecoder {
					kind = "encoder-decoder"
				}
				fmt.Printf("  %-40s vocab=%-6d layers=%-3d %s\n", name, info.VocabSize, info.NumLayers, kind)
			}
			fmt.Printf("\n%d model(s) found\n", len(models))
			return nil
		},
	}
}
