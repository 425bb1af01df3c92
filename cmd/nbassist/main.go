package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Desarso/nbassist"
	"github.com/Desarso/nbassist/models"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose bool
	envFile string
	backend string
	model   string

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "nbassist",
	Short: "Notebook code-generation assistant",
	Long: `nbassist turns notebook cells into a conversation with a chat model.

The model's narrative is streamed into markdown cells and the code it asks
to run is inserted into code cells, executed, and fed back until the model
answers without code.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the notebook HTTP and websocket API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var askCmd = &cobra.Command{
	Use:   "ask <file.ipynb> <prompt>",
	Short: "Append a prompt to a notebook, generate until done and save it",
	Args:  cobra.ExactArgs(2),
	RunE:  runAsk,
}

var exportCmd = &cobra.Command{
	Use:   "export <notebook-id> <file.ipynb>",
	Short: "Write a stored notebook to an .ipynb file",
	Args:  cobra.ExactArgs(2),
	RunE:  runExport,
}

var (
	addr    string
	timeout time.Duration
	output  string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Read environment from this file instead of .env")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "Completion backend: openai or gemini (or set NBASSIST_BACKEND)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "Model name (or set NBASSIST_MODEL)")

	serveCmd.Flags().StringVar(&addr, "addr", ":8000", "Listen address")

	askCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Give up after this long")
	askCmd.Flags().StringVarP(&output, "output", "o", "", "Write the result here instead of overwriting the input")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*nbassist.Config, error) {
	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	cfg, err := nbassist.LoadConfig(files...)
	if err != nil {
		return nil, err
	}
	if backend != "" {
		cfg.WithBackend(strings.ToLower(backend))
	}
	if model != "" {
		cfg.WithModelName(model)
	}
	cfg.WithLogger(logger)
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := nbassist.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Serve(ctx, addr)
}

func runAsk(cmd *cobra.Command, args []string) error {
	path, prompt := args[0], args[1]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.WithoutStore()
	if cfg.APIKey == "" {
		key, err := readAPIKey(cmd)
		if err != nil {
			return err
		}
		cfg.WithAPIKey(key)
	}

	a, err := nbassist.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ws, err := a.OpenFile(path)
	if err != nil {
		return err
	}
	first := ws.Document.CellCount()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, askErr := a.Ask(ctx, ws, prompt)

	out := output
	if out == "" {
		out = path
	}
	if err := nbassist.SaveFile(ws, out); err != nil {
		return err
	}
	printCells(cmd, ws, first)
	return askErr
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.StoreType == "" {
		return fmt.Errorf("export needs a notebook store (set NBASSIST_STORE)")
	}
	a, err := nbassist.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := os.Create(args[1])
	if err != nil {
		return err
	}
	if err := a.Export(cmd.Context(), args[0], f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readAPIKey(cmd *cobra.Command) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), "API key: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read API key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// printCells echoes the cells generated from index first onwards.
func printCells(cmd *cobra.Command, ws *nbassist.Workspace, first int) {
	out := cmd.OutOrStdout()
	for _, c := range ws.Document.Snapshot().Cells[first:] {
		switch c.Type {
		case models.CellCode:
			if c.Source == "" {
				continue
			}
			fmt.Fprintf(out, "```python\n%s\n```\n", c.Source)
		default:
			fmt.Fprintln(out, c.Source)
		}
	}
}
