package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/seqgen/internal/api"
	"github.com/samcharles93/seqgen/internal/generation"
	"github.com/samcharles93/seqgen/internal/logger"
)

func generateCmd() *cli.Command {
	var (
		inputs     []string
		assistant  string
		configFile string
		stream     bool
		jsonOut    bool
	)

	flags := append(commonModelFlags(),
		&cli.StringSliceFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "comma separated prompt token ids, one flag per batch row",
			Destination: &inputs,
		},
		&cli.StringFlag{
			Name:        "assistant",
			Usage:       "assistant model name or directory for assisted decoding",
			Destination: &assistant,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "generation config file (.json, .yaml) replacing the model defaults",
			Destination: &configFile,
		},
		&cli.BoolFlag{
			Name:        "stream",
			Usage:       "print tokens as they are generated",
			Destination: &stream,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the full result as JSON",
			Destination: &jsonOut,
		},
	)
	flags = append(flags, generationFlags()...)

	return &cli.Command{
		Name:    "generate",
		Aliases: []string{"gen"},
		Usage:   "Generate continuations of token id prompts",
		Flags:   flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelsConfig(c, fileCfg)

			ids, err := parseInputs(inputs)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			overrides := flagOverrides(c).Merge(fileCfg.Generation)
			raw, err := generationConfigJSON(configFile, overrides)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			provider := api.NewCachedModelProvider(api.ModelProviderConfig{
				DefaultModelPath: modelPath,
				ModelsPath:       modelsPath,
			})
			service := api.NewGenerationService(provider, generation.WithLogger(log))
			req := &api.GenerateRequest{
				AssistantModel:   assistant,
				InputIDs:         ids,
				GenerationConfig: raw,
			}
			var tw api.TokenWriter
			if stream {
				tw = &tokenPrinter{w: os.Stdout}
			}
			resp, err := service.Generate(ctx, req, tw)
			if err != nil {
				if errors.Is(err, api.ErrInvalidRequest) {
					return cli.Exit(fmt.Sprintf("error: %v", err), 2)
				}
				return cli.Exit(fmt.Sprintf("error: generate: %v", err), 1)
			}
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			if !stream {
				printResult(os.Stdout, resp)
			}
			log.Info("generation finished",
				"mode", resp.Mode,
				"tokens", resp.Usage.GeneratedTokens,
				"steps", resp.Usage.Steps,
				"forward_passes", resp.Usage.ForwardPasses,
				"tps", fmt.Sprintf("%.2f", resp.Usage.TokensPerSecond))
			return nil
		},
	}
}

// flagOverrides collects the generation flags that were set explicitly.
func flagOverrides(c *cli.Command) generation.Overrides {
	var o generation.Overrides
	intFlag := func(name string) *int {
		if !c.IsSet(name) {
			return nil
		}
		v := c.Int(name)
		return &v
	}
	floatFlag := func(name string) *float64 {
		if !c.IsSet(name) {
			return nil
		}
		v := c.Float64(name)
		return &v
	}
	boolFlag := func(name string) *bool {
		if !c.IsSet(name) {
			return nil
		}
		v := c.Bool(name)
		return &v
	}
	o.MaxNewTokens = intFlag("max-new-tokens")
	o.MaxLength = intFlag("max-length")
	o.MinNewTokens = intFlag("min-new-tokens")
	o.DoSample = boolFlag("do-sample")
	o.NumBeams = intFlag("num-beams")
	o.NumBeamGroups = intFlag("num-beam-groups")
	o.DiversityPenalty = floatFlag("diversity-penalty")
	o.PenaltyAlpha = floatFlag("penalty-alpha")
	o.LowMemory = boolFlag("low-memory")
	if c.IsSet("seed") {
		v := c.Int64("seed")
		o.Seed = &v
	}
	o.Temperature = floatFlag("temperature")
	o.TopK = intFlag("top-k")
	o.TopP = floatFlag("top-p")
	o.RepetitionPenalty = floatFlag("repetition-penalty")
	o.LengthPenalty = floatFlag("length-penalty")
	o.NoRepeatNGramSize = intFlag("no-repeat-ngram-size")
	o.NumReturnSequences = intFlag("num-return-sequences")
	o.NumAssistantTokens = intFlag("num-assistant-tokens")
	o.PadTokenID = intFlag("pad")
	if c.IsSet("eos") {
		o.EOSTokenID = generation.TokenIDs(c.IntSlice("eos"))
	}
	if scores := boolFlag("output-scores"); scores != nil {
		o.OutputScores = scores
		o.ReturnDictInGenerate = scores
	}
	return o
}

// generationConfigJSON encodes the config sent with the request. Without a
// config file only the overrides are sent, so the model defaults fill the
// rest.
func generationConfigJSON(path string, o generation.Overrides) (json.RawMessage, error) {
	if path == "" {
		return json.Marshal(o)
	}
	base, err := generation.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return json.Marshal(o.Apply(base))
}

func parseInputs(rows []string) ([][]int, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("--input is required")
	}
	ids := make([][]int, 0, len(rows))
	for i, row := range rows {
		fields := strings.FieldsFunc(row, func(r rune) bool { return r == ',' || r == ' ' })
		if len(fields) == 0 {
			return nil, fmt.Errorf("input row %d is empty", i)
		}
		parsed := make([]int, len(fields))
		for j, f := range fields {
			v, err := strconv.Atoi(f)
			if err != nil {
				return nil, fmt.Errorf("input row %d: %w", i, err)
			}
			parsed[j] = v
		}
		ids = append(ids, parsed)
	}
	return ids, nil
}

func printResult(w io.Writer, resp *api.GenerateResponse) {
	for i, seq := range resp.Sequences {
		parts := make([]string, len(seq))
		for j, id := range seq {
			parts[j] = strconv.Itoa(id)
		}
		line := strings.Join(parts, " ")
		if i < len(resp.SequencesScores) {
			line += fmt.Sprintf("\t(score %.4f)", resp.SequencesScores[i])
		}
		_, _ = fmt.Fprintln(w, line)
	}
}

// tokenPrinter prints streamed tokens, one line per delta.
type tokenPrinter struct {
	w io.Writer
}

func (p *tokenPrinter) Begin(api.GenerateResponse) error { return nil }

func (p *tokenPrinter) EmitTokens(row int, tokens []int) error {
	parts := make([]string, len(tokens))
	for i, id := range tokens {
		parts[i] = strconv.Itoa(id)
	}
	_, err := fmt.Fprintf(p.w, "[%d] %s\n", row, strings.Join(parts, " "))
	return err
}

func (p *tokenPrinter) Complete(api.GenerateResponse) error { return nil }

func (p *tokenPrinter) Failed(_ api.GenerateResponse, err error) error {
	_, werr := fmt.Fprintf(p.w, "failed: %v\n", err)
	return werr
}
