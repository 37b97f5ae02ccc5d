// Package cmd implements the cascade command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmorganca/cascade/envconfig"
	"github.com/jmorganca/cascade/logutil"
	"github.com/jmorganca/cascade/schedule"
	"github.com/jmorganca/cascade/version"
	"github.com/jmorganca/cascade/weights"
)

// weightFlags maps each weight file to the flag overriding its location.
var weightFlags = map[weights.File]string{
	weights.Tokenizer:      "tokenizer",
	weights.PriorTokenizer: "prior-tokenizer",
	weights.CLIP:           "clip-weights",
	weights.PriorCLIP:      "prior-clip-weights",
	weights.Decoder:        "decoder-weights",
	weights.VQGAN:          "vqgan-weights",
	weights.Prior:          "prior-weights",
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "cascade",
		Short:   "Two-stage cascaded latent diffusion image generator",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
	}

	cobra.EnableCommandSorting = false

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate images from a text prompt",
		Args:  cobra.NoArgs,
		RunE:  generateHandler,
	}

	generateCmd.Flags().String("prompt", "A very realistic photo of a rusty robot walking on a sandy beach", "The prompt to be used for image generation")
	generateCmd.Flags().String("uncond-prompt", "", "The negative prompt")
	generateCmd.Flags().Bool("cpu", false, "Run on CPU rather than on GPU")
	generateCmd.Flags().Int("height", 1024, "The height in pixels of the generated image")
	generateCmd.Flags().Int("width", 1024, "The width in pixels of the generated image")
	generateCmd.Flags().Int("sliced-attention-size", 0, "Split attention into slices of this size, 0 disables slicing")
	generateCmd.Flags().Int("n-steps", 30, "The number of denoising steps of each stage")
	generateCmd.Flags().Int("prior-steps", 0, "Override the number of prior steps")
	generateCmd.Flags().Int("decoder-steps", 0, "Override the number of decoder steps")
	generateCmd.Flags().Int("num-samples", 1, "The number of samples to generate")
	generateCmd.Flags().String("final-image", "sd_final.png", "The name of the final image to generate")
	generateCmd.Flags().Uint64("seed", 0, "Seed of the first sample, random when unset")
	generateCmd.Flags().Float64("guidance-scale", 7.5, "Classifier-free guidance scale of both stages")
	generateCmd.Flags().String("prior-scheduler", "wuerstchen", "Noise schedule of the prior ("+kinds()+")")
	generateCmd.Flags().String("decoder-scheduler", "wuerstchen", "Noise schedule of the decoder ("+kinds()+")")
	generateCmd.Flags().String("backend", "", "Network backend, CASCADE_BACKEND when empty")
	generateCmd.Flags().String("cpuprofile", "", "Write a CPU profile to this file")
	generateCmd.Flags().String("tracing", "", "Write an execution trace to this file, cascade.trace when given without a value")
	generateCmd.Flags().Lookup("tracing").NoOptDefVal = "cascade.trace"
	addWeightFlags(generateCmd)

	weightsCmd := &cobra.Command{
		Use:   "weights",
		Short: "Fetch and list the weight files",
		Args:  cobra.NoArgs,
		RunE:  weightsHandler,
	}
	addWeightFlags(weightsCmd)

	envVars := envconfig.AsMap()
	envs := []envconfig.EnvVar{envVars["CASCADE_DEBUG"], envVars["CASCADE_MODELS"], envVars["CASCADE_HF_ENDPOINT"], envVars["CASCADE_HF_TOKEN"], envVars["CASCADE_BACKEND"]}
	appendEnvDocs(weightsCmd, envs)
	appendEnvDocs(generateCmd, append(envs, envVars["CASCADE_NUM_PARALLEL"]))

	rootCmd.AddCommand(generateCmd, weightsCmd)
	return rootCmd
}

func addWeightFlags(cmd *cobra.Command) {
	for _, file := range weights.Files() {
		cmd.Flags().String(weightFlags[file], "", fmt.Sprintf("Local %s file, fetched from %s when empty", file, file.Repo()))
	}
}

// weightOverrides collects the weight files given on the command line.
func weightOverrides(cmd *cobra.Command) (map[weights.File]string, error) {
	overrides := make(map[weights.File]string)
	for file, name := range weightFlags {
		path, err := cmd.Flags().GetString(name)
		if err != nil {
			return nil, err
		}

		if path != "" {
			overrides[file] = path
		}
	}

	return overrides, nil
}

func kinds() string {
	var s []string
	for _, k := range schedule.Kinds() {
		s = append(s, string(k))
	}
	return strings.Join(s, ", ")
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	slices.SortFunc(envs, func(a, b envconfig.EnvVar) int {
		return strings.Compare(a.Name, b.Name)
	})

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}
