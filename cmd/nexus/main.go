// Package main is the entry point for the Nexus CLI and API server.
// Nexus is a local-first assistant that routes each message to a local model,
// grounds it in attached documents and remembered facts, and streams the answer.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/nexus/internal/config"
	"github.com/normanking/nexus/internal/data"
	"github.com/normanking/nexus/internal/logging"
	"github.com/normanking/nexus/internal/memory"
	"github.com/normanking/nexus/internal/router"
	"github.com/normanking/nexus/internal/scheduler"
	"github.com/normanking/nexus/internal/server"
)

var (
	version = "0.1.0"
	cfgPath string
	dbPath  string
	verbose bool
	log     *logging.Logger
	cfg     *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nexus",
		Short: "Nexus - local-first assistant with model routing and memory",
		Long: `Nexus runs a local API that streams answers from Ollama models:
  • Per-message routing across fast, balanced, document and quality tiers
  • Document retrieval and long-term memory folded into each prompt
  • SSE and WebSocket streaming for desktop clients

Start the API:      nexus serve
Classify a message: nexus classify "summarize this contract"
Configuration:      nexus config show`,
		PersistentPreRunE: initLogging,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				log.Close()
			}
		},
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.nexus/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "data directory (default ~/.nexus)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Nexus v%s\n", version)
		},
	})

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(memoriesCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(healthCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var (
		c   *config.Config
		err error
	)
	if cfgPath != "" {
		c, err = config.LoadFromPath(cfgPath)
	} else {
		c, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		c.Database.DataDir = dbPath
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// initLogging loads configuration and installs the global logger.
func initLogging(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = c

	lc := &logging.Config{
		Level:    cfg.Logging.Level,
		FilePath: cfg.Logging.File,
		Console:  cfg.Logging.Console,
	}
	if verbose {
		lc.Level = "debug"
		lc.Caller = true
	}
	log = logging.New(lc)
	logging.SetGlobal(log)

	if verbose {
		log.Debug().Str("config", cfgPath).Str("data_dir", cfg.Database.DataDir).Msg("verbose logging enabled")
	}
	return nil
}

func openStore() (*data.Store, error) {
	store, err := data.NewDB(cfg.Database.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Nexus Configuration:")
			fmt.Println("────────────────────")
			fmt.Printf("Listen Address: %s\n", cfg.Addr())
			fmt.Printf("Ollama:         %s\n", cfg.LLM.Endpoint)
			fmt.Printf("Embeddings:     %s\n", cfg.LLM.EmbeddingModel)
			fmt.Printf("Data Dir:       %s\n", cfg.Database.DataDir)
			fmt.Printf("Log Level:      %s\n", cfg.Logging.Level)
			if cfg.Redis.Addr != "" {
				fmt.Printf("Redis Stream:   %s (%s)\n", cfg.Redis.Stream, cfg.Redis.Addr)
			}
			fmt.Printf("Decay Schedule: %q\n", cfg.Memory.DecaySchedule)

			fmt.Println("\nTiers:")
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for _, name := range cfg.TierNames() {
				t := cfg.Routing.Tiers[name]
				fmt.Fprintf(w, "  %s\t%s\t%d tokens\t%s latency\n", name, t.Model, t.ContextWindow, t.Latency)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to the config path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgPath
			if path == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				path = home + "/.nexus/config.yaml"
			}
			if err := config.Default().SaveToPath(path); err != nil {
				return err
			}
			fmt.Printf("Wrote defaults to %s\n", path)
			return nil
		},
	})

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// CLASSIFY COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func classifyCmd() *cobra.Command {
	var withDocs bool
	cmd := &cobra.Command{
		Use:   "classify [message]",
		Short: "Show how a message would be classified and routed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args, " ")
			c := router.NewClassifier(router.DefaultClassifierConfig()).Classify(message, nil, withDocs)
			d := router.NewModelRouter(router.NewRoutingConfig(cfg.Routing)).RouteMessage(c.Category, message, 0)

			fmt.Printf("Task:       %s (confidence %.2f)\n", c.Category, c.Confidence)
			fmt.Printf("Reason:     %s\n", c.Reason)
			if len(c.Signals) > 0 {
				fmt.Printf("Signals:    %s\n", strings.Join(c.Signals, ", "))
			}
			fmt.Printf("Tier:       %s\n", d.Profile.Tier)
			fmt.Printf("Model:      %s (%d tokens)\n", d.Profile.Model, d.Profile.ContextWindow)
			if d.Complexity != "" {
				fmt.Printf("Complexity: %s\n", d.Complexity)
			}
			fmt.Printf("Routing:    %s\n", d.Reason)
			return nil
		},
	}
	cmd.Flags().BoolVar(&withDocs, "documents", false, "classify as if the session had attached documents")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect conversation sessions",
	}

	var (
		archived bool
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions(cmd.Context(), data.SessionFilter{IncludeArchived: archived, Limit: limit})
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tDOCS\tUPDATED")
			for _, s := range sessions {
				title := s.Title
				if s.Archived {
					title += " [archived]"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", s.ID, title, s.MessageCount, len(s.DocumentIDs),
					s.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	list.Flags().BoolVar(&archived, "archived", false, "include archived sessions")
	list.Flags().IntVar(&limit, "limit", 50, "maximum sessions to show")
	cmd.AddCommand(list)

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func memoriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memories",
		Short: "Inspect and export long-term memories",
	}

	var (
		category string
		query    string
		limit    int
		format   string
	)
	filter := func() (data.MemoryFilter, error) {
		f := data.MemoryFilter{Category: data.MemoryCategory(category), Query: query, Limit: limit}
		if f.Category != "" && !f.Category.IsValid() {
			return f, fmt.Errorf("unknown category %q", category)
		}
		return f, nil
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List active memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filter()
			if err != nil {
				return err
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			mems, err := store.ListMemories(cmd.Context(), f)
			if err != nil {
				return err
			}
			if len(mems) == 0 {
				fmt.Println("No memories.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCATEGORY\tCONF\tUSES\tCONTENT")
			for _, m := range mems {
				fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\t%s\n", m.ID, m.Category, m.Confidence, m.AccessCount, m.Content)
			}
			return w.Flush()
		},
	}

	export := &cobra.Command{
		Use:   "export",
		Short: "Write memories to stdout as JSON or YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmtName, err := memory.ParseFormat(format)
			if err != nil {
				return err
			}
			f, err := filter()
			if err != nil {
				return err
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			mems, err := store.ListMemories(cmd.Context(), f)
			if err != nil {
				return err
			}
			return memory.WriteExport(os.Stdout, mems, fmtName, time.Now())
		},
	}
	export.Flags().StringVar(&format, "format", "json", "output format (json, yaml)")

	for _, c := range []*cobra.Command{list, export} {
		c.Flags().StringVar(&category, "category", "", "only this category")
		c.Flags().StringVarP(&query, "query", "q", "", "substring filter")
		c.Flags().IntVar(&limit, "limit", 0, "maximum memories (0 = all)")
	}
	cmd.AddCommand(list, export)

	cmd.AddCommand(&cobra.Command{
		Use:   "maintain",
		Short: "Run confidence decay and purge once, outside the schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			mc := cfg.Memory
			mc.DecaySchedule = ""
			sched, err := scheduler.New(store, mc)
			if err != nil {
				return err
			}
			report, err := sched.RunMaintenance(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Decayed %d, purged %d\n", report.Decayed, report.Purged)
			return nil
		},
	})

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// INGEST COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func ingestCmd() *cobra.Command {
	var (
		title   string
		expires int
	)
	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Index a plain-text document for retrieval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if title == "" {
				title = args[0]
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			req := knowledgeRequest(title, string(content), expires)
			res, err := a.ingester.Ingest(cmd.Context(), req)
			if err != nil {
				return err
			}
			if res.Duplicate {
				fmt.Printf("Already indexed as %s (%d chunks)\n", res.Document.ID, res.Document.ChunkCount)
				return nil
			}
			fmt.Printf("Indexed %s: %d chunks in %s\n", res.Document.ID, res.Chunks, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "document title (default: file path)")
	cmd.Flags().IntVar(&expires, "expires-in-days", 0, "stop retrieving the document after this many days")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// HEALTH COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Query the running server's health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cfg.Addr()+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("server not reachable at %s: %w", cfg.Addr(), err)
			}
			defer resp.Body.Close()

			var h server.HealthResponse
			if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
				return fmt.Errorf("decode health response: %w", err)
			}

			fmt.Printf("Status:  %s (v%s, up %s)\n", h.Status, h.Version, h.Uptime)
			for name, s := range h.Services {
				mark := "✓"
				if !s.Healthy {
					mark = "✗"
				}
				line := fmt.Sprintf("  %s %s", mark, name)
				if s.Message != "" {
					line += ": " + s.Message
				}
				fmt.Println(line)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server unhealthy (HTTP %d)", resp.StatusCode)
			}
			return nil
		},
	}
}
