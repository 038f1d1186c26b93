package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/variation-orchestrator/internal/config"
	"github.com/hochfrequenz/variation-orchestrator/internal/domain"
	"github.com/hochfrequenz/variation-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/variation-orchestrator/internal/sink"
	"github.com/hochfrequenz/variation-orchestrator/web/api"
)

var (
	runFile        string
	runFlags       scheduler.Request
	runCredentials []string
	runFollow      bool
	runJSON        bool

	servePort int

	statusLimit int
	statusJSON  bool

	cancelServer string

	chunksVariation string
	chunksType      string
	chunksLimit     int
	chunksRedis     bool

	purgeOlderThan time.Duration
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a prompt as N variations and wait for all of them",
		RunE:  runRun,
	}
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "YAML request file")
	runCmd.Flags().StringVarP(&runFlags.Prompt, "prompt", "p", "", "prompt sent to every variation")
	runCmd.Flags().IntVarP(&runFlags.VariationCount, "variations", "n", 0, "number of variations")
	runCmd.Flags().StringVar(&runFlags.SourceRef, "ref", "", "git ref the variations start from")
	runCmd.Flags().StringVar(&runFlags.Provider, "provider", "", "agent CLI: claude, opencode or gemini")
	runCmd.Flags().StringVar(&runFlags.Model, "model", "", "model passed to the agent CLI")
	runCmd.Flags().DurationVar(&runFlags.Timeout, "timeout", 0, "idle timeout per agent")
	runCmd.Flags().StringArrayVar(&runCredentials, "credential", nil, "KEY=VALUE passed to every agent (repeatable)")
	runCmd.Flags().BoolVar(&runFollow, "follow", true, "print agent output while the run executes")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the finished run as JSON")
	rootCmd.AddCommand(runCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	rootCmd.AddCommand(serveCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status [RUN]",
		Short: "Show recent runs or one run in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of runs to list")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
	rootCmd.AddCommand(statusCmd)

	// cancel command
	cancelCmd := &cobra.Command{
		Use:   "cancel RUN",
		Short: "Cancel a run on a running server",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	cancelCmd.Flags().StringVar(&cancelServer, "server", "", "server base URL (default from config)")
	rootCmd.AddCommand(cancelCmd)

	// chunks command
	chunksCmd := &cobra.Command{
		Use:   "chunks RUN",
		Short: "Print the stored output of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runChunks,
	}
	chunksCmd.Flags().StringVar(&chunksVariation, "variation", "", "only this variation ID")
	chunksCmd.Flags().StringVar(&chunksType, "type", "", "only this content type")
	chunksCmd.Flags().IntVar(&chunksLimit, "limit", 0, "maximum number of chunks")
	chunksCmd.Flags().BoolVar(&chunksRedis, "redis", false, "read from the redis stream instead of sqlite")
	rootCmd.AddCommand(chunksCmd)

	// purge command
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete stored chunks older than the retention period",
		RunE:  runPurge,
	}
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "override sink.retention")
	rootCmd.AddCommand(purgeCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	req := scheduler.Request{}
	if runFile != "" {
		var err error
		if req, err = loadRequest(runFile); err != nil {
			return err
		}
	}
	creds, err := parseCredentials(runCredentials)
	if err != nil {
		return err
	}
	flags := runFlags
	flags.Credentials = creds
	req = mergeRequest(req, flags)
	if req.VariationCount == 0 {
		req.VariationCount = 1
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.scheduler.Submit(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s %s with %d variations\n", titleStyle.Render("Started run"), run.ID, run.VariationCount)

	printed := make(chan struct{})
	unsubscribe := func() {}
	if runFollow {
		var chunks <-chan domain.OutputChunk
		chunks, unsubscribe = a.broadcast.Subscribe(run.ID)
		defer unsubscribe()
		go func() {
			defer close(printed)
			for c := range chunks {
				fmt.Println(renderChunk(c))
			}
		}()
	} else {
		close(printed)
	}

	final, err := a.scheduler.Wait(ctx, run.ID)
	if err != nil {
		// Interrupted: cancel the run and wait for it to settle
		fmt.Fprintln(os.Stderr, warningStyle.Render("Interrupted, cancelling run..."))
		waitCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := a.scheduler.CancelRun(waitCtx, run.ID); err != nil {
			a.logger.Warn("cancel failed", slog.Any("error", err))
		}
		if final, err = a.scheduler.Wait(waitCtx, run.ID); err != nil {
			return err
		}
	}

	// Clean up now instead of after the cleanup delay
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("cleanup incomplete", slog.Any("error", err))
	}
	unsubscribe()
	<-printed

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(final)
	}
	fmt.Print("\n" + renderRun(final))
	if final.Status != domain.RunCompleted {
		return fmt.Errorf("run %s %s", final.ID, final.Status)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Gate limits follow the config file
	watcher, err := config.NewWatcher(resolvedConfigPath(), func(next *config.Config) {
		a.gate.SetLimits(next.Gate.MaxRuns, next.Gate.MaxJobs)
	}, a.logger)
	if err != nil {
		a.logger.Warn("config watching disabled", slog.Any("error", err))
	} else {
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	if cfg.Sink.Kind != "redis" && cfg.Sink.Retention > 0 {
		retention, err := sink.NewRetention(a.store, cfg.Sink.PurgeCron, cfg.Sink.Retention.Std(), a.logger)
		if err != nil {
			return err
		}
		go retention.Run(ctx)
	}

	port := servePort
	if port == 0 {
		port = cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)
	server := api.NewServer(addr, api.Deps{
		Runner:  a.scheduler,
		Store:   a.store,
		Gate:    a.gate,
		Stream:  a.broadcast,
		Metrics: a.metrics,
		Logger:  a.logger,
	})

	fmt.Printf("Starting API at http://%s\n", addr)
	serveErr := server.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("shutdown incomplete", slog.Any("error", err))
	}
	return serveErr
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if len(args) == 1 {
		run, err := store.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		if statusJSON {
			return json.NewEncoder(os.Stdout).Encode(run)
		}
		fmt.Print(renderRun(run))
		return nil
	}

	runs, err := store.ListRuns(ctx, statusLimit)
	if err != nil {
		return err
	}
	if statusJSON {
		return json.NewEncoder(os.Stdout).Encode(runs)
	}
	fmt.Print(renderRunList(runs))
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	server := cancelServer
	if server == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		server = fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()
	resp, err := cancelRemote(ctx, http.DefaultClient, server, args[0])
	if err != nil {
		return err
	}
	if resp.AllJobsDeleted {
		fmt.Printf("Cancelled run %s\n", resp.RunID)
	} else {
		fmt.Printf("Cancelled run %s, %s\n", resp.RunID, warningStyle.Render("some jobs could not be deleted yet"))
	}
	return nil
}

// cancelRemote asks a running server to cancel a run
func cancelRemote(ctx context.Context, client *http.Client, server, runID string) (*api.CancelResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/api/runs/"+runID+"/cancel", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return nil, fmt.Errorf("cancel %s: %s: %s", runID, resp.Status, body.Error)
	}
	var out api.CancelResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func runChunks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	ct := domain.ContentType(chunksType)
	if ct != "" && !ct.Valid() {
		return fmt.Errorf("unknown content type %q", chunksType)
	}

	var chunks []domain.OutputChunk
	if chunksRedis {
		if cfg.Sink.RedisURL == "" {
			return fmt.Errorf("sink.redis_url not configured")
		}
		r, err := sink.NewRedis(ctx, sink.RedisOptions{URL: cfg.Sink.RedisURL})
		if err != nil {
			return err
		}
		defer r.Close()
		all, err := r.ReadChunks(ctx, args[0])
		if err != nil {
			return err
		}
		for _, c := range all {
			if (chunksVariation == "" || c.VariationID == chunksVariation) && (ct == "" || c.ContentType == ct) {
				chunks = append(chunks, c)
			}
		}
		if chunksLimit > 0 && len(chunks) > chunksLimit {
			chunks = chunks[:chunksLimit]
		}
	} else {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		chunks, err = store.ListChunks(ctx, args[0], sink.ChunkFilter{
			VariationID: chunksVariation,
			ContentType: ct,
			Limit:       chunksLimit,
		})
		if err != nil {
			return err
		}
	}

	for _, c := range chunks {
		fmt.Println(renderChunk(c))
	}
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	age := purgeOlderThan
	if age == 0 {
		age = cfg.Sink.Retention.Std()
	}
	if age <= 0 {
		return fmt.Errorf("no retention configured; pass --older-than")
	}
	retention, err := sink.NewRetention(store, cfg.Sink.PurgeCron, age, newLogger(cfg))
	if err != nil {
		return err
	}
	n, err := retention.PurgeOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d chunks older than %s\n", n, age)
	return nil
}
