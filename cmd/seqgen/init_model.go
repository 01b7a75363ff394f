package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/seqgen/internal/logger"
	"github.com/samcharles93/seqgen/internal/toy"
)

func initModelCmd() *cli.Command {
	var (
		dir string
		cfg = toy.DefaultConfig()
	)
	vocab := cfg.Vocab
	hidden := cfg.Hidden
	heads := cfg.Heads
	layers := cfg.Layers
	ffn := cfg.FFN
	encLayers := 0
	seed := cfg.Seed

	return &cli.Command{
		Name:      "init-model",
		Usage:     "Write a model directory with a config and seeded weights",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "vocab", Value: vocab, Destination: &vocab},
			&cli.IntFlag{Name: "hidden", Value: hidden, Destination: &hidden},
			&cli.IntFlag{Name: "heads", Value: heads, Destination: &heads},
			&cli.IntFlag{Name: "layers", Value: layers, Destination: &layers},
			&cli.IntFlag{Name: "ffn", Value: ffn, Destination: &ffn},
			&cli.IntFlag{Name: "encoder-layers", Usage: "build an encoder-decoder model", Destination: &encLayers},
			&cli.Int64Flag{Name: "seed", Value: seed, Destination: &seed},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			dir = cmd.Args().First()
			if dir == "" {
				return cli.Exit("error: model directory argument is required", 1)
			}
			cfg = toy.Config{
				Vocab:         vocab,
				Hidden:        hidden,
				Heads:         heads,
				Layers:        layers,
				FFN:           ffn,
				Seed:          seed,
				EncoderLayers: encLayers,
			}
			m, err := toy.New(cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			if err := os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := m.SaveWeights(filepath.Join(dir, "weights.bin")); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log.Info("model written", "dir", dir, "vocab", vocab, "layers", layers, "encoder_layers", encLayers)
			return nil
		},
	}
}
