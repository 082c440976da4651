package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/stellarlinkco/threadbot/internal/channel"
	"github.com/stellarlinkco/threadbot/internal/completion"
	"github.com/stellarlinkco/threadbot/internal/config"
	"github.com/stellarlinkco/threadbot/internal/gateway"
	"github.com/stellarlinkco/threadbot/internal/metadata"
)

// Chatter answers one-shot prompts (allows mocking in tests).
type Chatter interface {
	Chat(ctx context.Context, prompt, imageURL string) (string, error)
}

// ChatterFactory creates a Chatter from config.
type ChatterFactory func(cfg *config.Config) (Chatter, error)

// DefaultChatterFactory uses the configured model provider.
func DefaultChatterFactory(cfg *config.Config) (Chatter, error) {
	if cfg.Provider.APIKey == "" {
		return nil, errors.New("API key not set. Run 'threadbot onboard' or set THREADBOT_API_KEY / ANTHROPIC_API_KEY")
	}
	return completion.New(completion.NewProvider(cfg), cfg.Agent), nil
}

// Options carries the injectable dependencies of the CLI.
type Options struct {
	ChatterFactory ChatterFactory
	ImageFactory   gateway.ImageGeneratorFactory
	SessionFactory channel.SessionFactory
	Stdin          io.Reader
}

func main() {
	if err := newRootCmd(Options{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(opts Options) *cobra.Command {
	if opts.ChatterFactory == nil {
		opts.ChatterFactory = DefaultChatterFactory
	}
	if opts.ImageFactory == nil {
		opts.ImageFactory = gateway.DefaultImageGeneratorFactory
	}
	if opts.SessionFactory == nil {
		opts.SessionFactory = channel.NewDiscordSession
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}

	root := &cobra.Command{
		Use:           "threadbot",
		Short:         "threadbot - chat threads backed by a language model",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load(".env")
		},
	}

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"gateway"},
		Short:   "Connect the channels and answer messages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return errors.Wrap(err, "invalid config")
			}
			gw, err := gateway.New(cfg)
			if err != nil {
				return errors.Wrap(err, "create gateway")
			}
			return gw.Run(cmd.Context())
		},
	}

	var message string
	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Send a one-shot prompt, or start a prompt loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, message)
		},
	}
	chatCmd.Flags().StringVarP(&message, "message", "m", "", "Single prompt to send")

	var output string
	imageCmd := &cobra.Command{
		Use:   "image <prompt>",
		Short: "Generate an image from a prompt and write it to a file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImage(cmd, opts, strings.Join(args, " "), output)
		},
	}
	imageCmd.Flags().StringVarP(&output, "output", "o", "image.png", "File to write the image to")

	commandsCmd := &cobra.Command{
		Use:   "commands",
		Short: "Manage Discord slash commands",
	}
	commandsCmd.AddCommand(&cobra.Command{
		Use:   "register",
		Short: "Overwrite the global slash commands with /chat, /image and /newchat",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Discord.Token == "" {
				return errors.New("discord token not set")
			}
			s, err := opts.SessionFactory(cfg.Discord.Token)
			if err != nil {
				return errors.Wrap(err, "create discord session")
			}
			created, err := channel.RegisterCommands(s, cfg.Discord.ClientID)
			if err != nil {
				return err
			}
			for _, c := range created {
				fmt.Fprintf(cmd.OutOrStdout(), "registered /%s\n", c.Name)
			}
			return nil
		},
	})

	decodeCmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode a metadata message read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(opts.Stdin, cmd.OutOrStdout())
		},
	}

	onboardCmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(cmd.OutOrStdout())
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show threadbot status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.OutOrStdout())
		},
	}

	root.AddCommand(serveCmd, chatCmd, imageCmd, commandsCmd, decodeCmd, onboardCmd, statusCmd)
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	setupLogging(cfg.Log, os.Stderr)
	return cfg, nil
}

func runChat(cmd *cobra.Command, opts Options, message string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	chatter, err := opts.ChatterFactory(cfg)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	stdout := cmd.OutOrStdout()

	if message != "" {
		answer, err := chatter.Chat(ctx, message, "")
		if err != nil {
			return errors.Wrap(err, "chat")
		}
		fmt.Fprintln(stdout, answer)
		return nil
	}

	fmt.Fprintln(stdout, "threadbot chat (type 'exit' to quit)")
	scanner := bufio.NewScanner(opts.Stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		answer, err := chatter.Chat(ctx, input, "")
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, answer)
	}
	return nil
}

func runImage(cmd *cobra.Command, opts Options, prompt, output string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	gen, err := opts.ImageFactory(cfg)
	if err != nil {
		return err
	}
	if gen == nil {
		return errors.New("image generation not configured. Set THREADBOT_IMAGE_API_KEY or OPENAI_API_KEY")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	img, err := gen.Generate(ctx, prompt)
	if err != nil {
		return errors.Wrap(err, "image")
	}
	if err := os.WriteFile(output, img.Data, 0644); err != nil {
		return errors.Wrap(err, "write image")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", output, len(img.Data))
	if img.RevisedPrompt != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Revised prompt: %s\n", img.RevisedPrompt)
	}
	return nil
}

type decodedRecord struct {
	Owner           string  `json:"owner"`
	UserTurns       []int   `json:"userTurns"`
	AssistantGroups [][]int `json:"assistantGroups"`
	Busy            bool    `json:"busy"`
	Footer          string  `json:"footer"`
}

func runDecode(in io.Reader, out io.Writer) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return errors.Wrap(err, "read stdin")
	}
	rec, err := metadata.Decode(strings.TrimRight(string(data), "\n"))
	if err != nil {
		return errors.Wrap(err, "decode metadata")
	}
	view := decodedRecord{
		Owner:           rec.OwnerID,
		UserTurns:       rec.UserTurns,
		AssistantGroups: rec.AssistantGroups,
		Busy:            rec.Busy,
		Footer:          rec.Footer,
	}
	if view.UserTurns == nil {
		view.UserTurns = []int{}
	}
	if view.AssistantGroups == nil {
		view.AssistantGroups = [][]int{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

func runOnboard(out io.Writer) error {
	cfgPath := config.ConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
		return nil
	}
	if err := config.SaveConfig(config.DefaultConfig()); err != nil {
		return errors.Wrap(err, "write config")
	}
	fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your Discord token and API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set DISCORD_TOKEN and THREADBOT_API_KEY (a .env file works too)")
	fmt.Fprintln(out, "  3. Run 'threadbot commands register' once, then 'threadbot serve'")
	return nil
}

func runStatus(out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", mask(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Discord: enabled=%v token=%s\n", cfg.Discord.Enabled, mask(cfg.Discord.Token))
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Telegram.Enabled)
	fmt.Fprintf(out, "Max chat length: %d\n", cfg.Thread.MaxChatLength)
	fmt.Fprintf(out, "Admin API: enabled=%v addr=%s:%d\n", cfg.Admin.Enabled, cfg.Admin.Host, cfg.Admin.Port)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(out, "Validation: %v\n", err)
	} else {
		fmt.Fprintln(out, "Validation: ok")
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func mask(secret string) string {
	switch {
	case secret == "":
		return "not set"
	case len(secret) > 8:
		return secret[:4] + "..." + secret[len(secret)-4:]
	default:
		return "set"
	}
}
