package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"kindred/internal/config"
	"kindred/internal/domain"
	"kindred/internal/engine"
	"kindred/internal/metrics"
	"kindred/internal/store"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "kindred",
		Short:   "Kindred: per-user memory and relationship state engine",
		Long:    "Kindred persists conversation history, long-term facts, relationship progression, and personality state for companion applications.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.kindred/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(usersCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(factsCmd())
	root.AddCommand(rememberCmd())
	root.AddCommand(moodCmd())
	root.AddCommand(contextCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to defaults when it does
// not exist yet.
func loadConfig() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
		config.ApplyEnv(cfg)
	}
	setLogLevel(cfg.General.LogLevel)
	return cfg
}

func setLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// openEngine wires a full engine from configuration. The caller must
// Close it.
func openEngine(cfg *config.Config, collector *metrics.Collector) (*engine.Engine, error) {
	st, err := store.Open(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(cfg, st, collector, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	return eng, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data", cfg.Storage.DataDir)
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [user]",
		Short: "Record conversation turns interactively",
		Long:  "Reads lines from stdin and records each as a user turn, printing what the engine derived (facts, mood, relationship changes).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(args[0])
		},
	}
}

func runChat(userID string) error {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	eng, err := openEngine(cfg, collector)
	if err != nil {
		return err
	}
	defer eng.Close()

	if cfg.Metrics.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port)
		go serveMetrics(ctx, addr, collector)
	}

	user, err := eng.GetOrCreateUser(ctx, userID, "")
	if err != nil {
		return err
	}
	state, err := eng.GetRelationshipState(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Printf("%s remembers %s (stage: %s). Type a message, Ctrl-D to quit.\n",
		user.CompanionName, userID, state.Stage)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		result, err := eng.RecordMessage(ctx, userID, domain.RoleUser, line, nil)
		if err != nil {
			logger.Error("record message failed", "err", err)
			continue
		}
		printTurn(result)
	}
	return scanner.Err()
}

func printTurn(r *engine.TurnResult) {
	fmt.Printf("  recorded #%d (%d words, depth %.2f, stage %s)\n", r.Seq, r.WordCount, r.Depth, r.Stage)
	for _, f := range r.Facts {
		fmt.Printf("  learned: %s = %s (%.1f, %s)\n", f.Key, f.Value, f.Confidence, f.Source)
	}
	if r.Mood != nil {
		fmt.Printf("  mood: %s (%.1f), trend %s\n", r.Mood.Emotion, r.Mood.Intensity, r.Trend)
	}
	if r.SupportEscalation {
		fmt.Println("  !! sustained negative trend, consider extra support")
	}
	for _, m := range r.Milestones {
		fmt.Printf("  milestone: %s\n", m.Name)
	}
}

func usersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List known users",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			eng, err := openEngine(cfg, nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			refs, err := eng.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			for _, ref := range refs {
				fmt.Printf("%s\t%s\t%s\n", ref.ID, ref.Name, ref.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [user]",
		Short: "Show a user's metrics, relationship state, and traits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			eng, err := openEngine(cfg, nil)
			if err != nil {
				return err
			}
			defer eng.Close()
			ctx := cmd.Context()
			userID := args[0]

			m, err := eng.GetMetrics(ctx, userID)
			if err != nil {
				return err
			}
			state, err := eng.GetRelationshipState(ctx, userID)
			if err != nil {
				return err
			}
			traits, err := eng.GetTraits(ctx, userID)
			if err != nil {
				return err
			}

			out := map[string]any{
				"metrics":      m,
				"relationship": state,
				"traits":       traits,
			}
			data, _ := json.MarshalIndent(out, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
}

func factsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Inspect and edit a user's long-term facts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list [user]",
		Short: "List all facts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			eng, err := openEngine(cfg, nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			facts, err := eng.GetFacts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, f := range facts {
				fmt.Printf("%s\t%s\t%s\t%.1f\t%s\n", f.Key, f.Value, f.Category, f.Confidence, f.Source)
			}
			return nil
		},
	})

	var category string
	var confidence float64
	setCmd := &cobra.Command{
		Use:   "set [user] [key] [value]",
		Short: "Store or update a fact",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			eng, err := openEngine(cfg, nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			applied, err := eng.UpsertFact(cmd.Context(), args[0], domain.Fact{
				Key:        args[1],
				Value:      args[2],
				Category:   category,
				Confidence: confidence,
				Source:     domain.SourceUserStated,
			})
			if err != nil {
				return err
			}
			if !applied {
				fmt.Println("kept existing fact (higher confidence)")
			}
			return nil
		},
	}
	setCmd.Flags().StringVar(&category, "category", "context", "fact category")
	setCmd.Flags().Float64Var(&confidence, "confidence", 1.0, "confidence in [0,1]")
	cmd.AddCommand(setCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [user] [key]",
		Short: "Delete a fact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			eng, err := openEngine(cfg, nil)
			if err != nil {
				return err
			}
			defer eng.Close()
			return eng.DeleteFact(cmd.Context(), args[0], args[1])
		},
	})

	return cmd
}

func rememberCmd() *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "remember [user] [text...]",
		Short: "Store a permanent memory (never evicted)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			eng, err := openEngine(cfg, nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			mem, err := eng.AddPermanentMemory(cmd.Context(), args[0], strings.Join(args[1:], " "), tag)
			if err != nil {
				return err
			}
			fmt.Println(mem.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "optional tag")
	return cmd
}

func moodCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mood [user] [emotion] [intensity]",
		Short: "Record a mood sample and print the trend",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			intensity, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("intensity must be a number: %w", err)
			}
			cfg := loadConfig()
			eng, err := openEngine(cfg, nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			trend, escalate, err := eng.AddMoodSample(cmd.Context(), args[0], domain.MoodSample{
				Emotion:   args[1],
				Intensity: intensity,
			})
			if err != nil {
				return err
			}
			fmt.Printf("trend: %s escalation: %v\n", trend, escalate)
			return nil
		},
	}
}

func contextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Manage cross-user global context",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [key]",
		Short: "Read a global context value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			eng, err := openEngine(cfg, nil)
			if err != nil {
				return err
			}
			defer eng.Close()

			value, err := eng.GetGlobalContext(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [key] [value]",
		Short: "Write a global context value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			eng, err := openEngine(cfg, nil)
			if err != nil {
				return err
			}
			defer eng.Close()
			return eng.SetGlobalContext(cmd.Context(), args[0], args[1])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [key]",
		Short: "Delete a global context value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			eng, err := openEngine(cfg, nil)
			if err != nil {
				return err
			}
			defer eng.Close()
			return eng.DeleteGlobalContext(cmd.Context(), args[0])
		},
	})

	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			collector := metrics.NewCollector()
			eng, err := openEngine(cfg, collector)
			if err != nil {
				return err
			}
			defer eng.Close()

			addr := fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port)
			logger.Info("serving metrics", "addr", addr)
			serveMetrics(ctx, addr, collector)
			return nil
		},
	}
}

func serveMetrics(ctx context.Context, addr string, collector *metrics.Collector) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", collector.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server", "err", err)
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. storage.backend)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. memory.historyLimit 200)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show the full configuration (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	return cmd
}
