package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Pavua/krab/internal/audit"
	"github.com/Pavua/krab/internal/backend"
	"github.com/Pavua/krab/internal/bus"
	"github.com/Pavua/krab/internal/channels"
	"github.com/Pavua/krab/internal/commands"
	"github.com/Pavua/krab/internal/config"
	"github.com/Pavua/krab/internal/corekit"
	"github.com/Pavua/krab/internal/gateway"
	"github.com/Pavua/krab/internal/mood"
	otelpkg "github.com/Pavua/krab/internal/otel"
	"github.com/Pavua/krab/internal/ops"
	"github.com/Pavua/krab/internal/orchestrator"
	"github.com/Pavua/krab/internal/persistence"
	"github.com/Pavua/krab/internal/policy"
	"github.com/Pavua/krab/internal/queue"
	"github.com/Pavua/krab/internal/router"
	"github.com/Pavua/krab/internal/stream"
	"github.com/Pavua/krab/internal/telemetry"
	"github.com/Pavua/krab/internal/watchdog"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Version is stamped at build time via -ldflags; the dev default marks an
// unreleased binary.
var Version = "v0.5-dev"

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: krab [command]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  (none)    run the orchestrator in the foreground")
	fmt.Fprintln(os.Stderr, "  daemon    run the orchestrator in the foreground (alias)")
	fmt.Fprintln(os.Stderr, "  status    query a running instance's /health/lite endpoint")
	fmt.Fprintln(os.Stderr, "  doctor    run startup diagnostics without serving traffic")
	fmt.Fprintln(os.Stderr, "  help      print this message")
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	run(ctx)
}

// run wires every module of the orchestrator together and blocks until ctx
// is cancelled (SIGINT/SIGTERM) or a listener fails.
func run(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if cfg.NeedsGenesis {
		if err := writeMinimalConfig(cfg.HomeDir); err != nil {
			fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(nil, "E_CONFIG_RELOAD", err)
		}
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{Enabled: false})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(ctx) }()

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "krab.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup", "phase", "schema_migrated")

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}
	webAPIKey := cfg.WebAPIKey
	if webAPIKey == "" {
		webAPIKey = authToken
	}

	eventBus := bus.NewWithLogger(logger)

	defaults := policy.Default()
	if cfg.ForceModeDefault != "" {
		defaults.ForceMode = corekit.ForceMode(cfg.ForceModeDefault)
	}
	policyStore := policy.New(policy.Config{
		Defaults: defaults,
		OwnerID:  cfg.OwnerID,
		KV:       store,
	})

	moodEngine := mood.New(0)

	type registeredBackend struct {
		tier corekit.Tier
		name string
		be   backend.Backend
	}
	var registered []registeredBackend
	for _, bc := range cfg.Backends {
		if bc.Tier != "local" {
			// Cloud-tier gateways have no reference adapter in this build;
			// a deployment that configures one is routed to nothing until
			// an adapter exists.
			logger.Warn("backend tier has no adapter, skipping", "name", bc.Name, "tier", bc.Tier)
			continue
		}
		models := bc.Models
		if len(models) == 0 {
			models = []string{""}
		}
		for _, modelID := range models {
			name := bc.Name
			if modelID != "" {
				name = bc.Name + ":" + modelID
			}
			registered = append(registered, registeredBackend{
				tier: corekit.Tier(bc.Tier),
				name: name,
				be:   backend.NewOllamaBackend(bc.BaseURL, modelID),
			})
		}
	}

	watchdogSup := watchdog.New(watchdog.Config{Logger: logger}, eventBus)
	for _, rb := range registered {
		watchdogSup.Register(rb.name, rb.be)
	}
	watchdogSup.Start(ctx, 30*time.Second)
	defer watchdogSup.Stop()

	streamRunner := stream.New(stream.Config{
		ReasoningCapChars: cfg.ReasoningCapChars,
		ContentCapChars:   cfg.ContentCapChars,
		IdleChunkTimeout:  cfg.IdleChunkTimeout(),
	}, eventBus)

	modelRouter := router.New(router.Config{
		NCloudCandidates:        cfg.NCloudCandidates,
		CloudAutoswitchCooldown: cfg.CloudAutoswitchCooldown(),
	}, store, watchdogSup, moodEngine, streamRunner, eventBus, logger)
	for _, rb := range registered {
		modelRouter.Register(rb.tier, rb.be)
	}

	opsTelemetry := ops.New(ops.Config{Logger: logger}, eventBus)
	go opsTelemetry.Run(ctx)

	exporter := ops.NewExporter(opsTelemetry, filepath.Join(cfg.HomeDir, "ops-snapshot.jsonl"), logger)
	if err := exporter.Start(""); err != nil {
		logger.Error("ops exporter failed to start", "error", err)
	}
	defer exporter.Stop()

	dispatcher := &commands.Dispatcher{
		Policy:    policyStore,
		Models:    modelRouter,
		Ops:       opsTelemetry,
		Mood:      moodEngine,
		Reactions: store,
	}

	// submitter and tg resolve a circular dependency: the chat transport
	// needs a Submitter reaching the Queue, and the Queue's ReplySink is
	// that same transport. submitter.Bind closes the loop once the Queue
	// exists.
	submitter := orchestrator.NewQueueSubmitter()

	var tg *channels.TelegramChannel
	if cfg.Channels.Telegram.Enabled {
		tg = channels.NewTelegramChannel(
			cfg.Channels.Telegram.Token,
			cfg.Channels.Telegram.AllowedIDs,
			submitter,
			dispatcher,
			logger,
			eventBus,
		)
	}

	var replySink queue.ReplySink
	if tg != nil {
		replySink = tg
	}

	idleTTL, sla := cfg.QueueDurations()
	workQueue := queue.New(
		queue.Config{QueueMax: cfg.QueueMax, IdleTTL: idleTTL, SLA: sla},
		policy.NewBuilder(policyStore, moodEngine),
		orchestrator.NewExecutor(modelRouter),
		replySink,
		eventBus,
		logger,
	)
	submitter.Bind(workQueue)
	workQueue.Start(ctx)
	defer workQueue.Stop()

	if tg != nil {
		go func() {
			if err := tg.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	}

	go syncPersistence(ctx, store, opsTelemetry, logger)

	gw := gateway.New(gateway.Config{
		Models:    modelRouter,
		Ops:       opsTelemetry,
		Health:    orchestrator.NewHealthView(watchdogSup),
		Policy:    policyStore,
		Bus:       eventBus,
		WebAPIKey: webAPIKey,
	})

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErrCh:
		if err != nil {
			if isAddrInUse(err) {
				fatalStartup(logger, "E_ADDR_IN_USE", fmt.Errorf("%s: %s", err, portOccupantHint(cfg.BindAddr)))
			}
			fatalStartup(logger, "E_LISTEN", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// syncPersistence flushes the Ops Telemetry ledger and alert set into
// durable storage on the same cadence as its JSONL snapshot export, so a
// restart recovers the running totals rather than starting cold.
func syncPersistence(ctx context.Context, store *persistence.Store, telemetry *ops.Ops, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := telemetry.Snapshot()
			for _, row := range snap.Rows {
				err := store.UpsertUsage(persistence.UsageRow{
					Tier:             row.Tier,
					ModelID:          row.ModelID,
					Calls:            row.Calls,
					Failures:         row.Failures,
					EstimatedCostUSD: row.EstimatedCostUSD,
					TokensIn:         row.TokensIn,
					TokensOut:        row.TokensOut,
				})
				if err != nil {
					logger.Error("usage persistence sync failed", "error", err)
				}
			}
			for _, alert := range telemetry.Alerts() {
				err := store.UpsertAlert(persistence.AlertRecord{
					Code:      alert.Code,
					Severity:  string(alert.Severity),
					Message:   alert.Message,
					Count:     alert.Count,
					FirstSeen: alert.FirstSeen,
					LastSeen:  alert.LastSeen,
					Acked:     alert.Acked,
				})
				if err != nil {
					logger.Error("alert persistence sync failed", "error", err)
				}
			}
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("KRAB_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

// writeMinimalConfig writes a starter config.yaml to disk. Used as a
// fallback when the orchestrator is started without an existing config.yaml.
func writeMinimalConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}

	cfg := config.Config{
		BindAddr:                       "127.0.0.1:18789",
		LogLevel:                       "info",
		ForceModeDefault:               "auto",
		CloudTierAutoswitchCooldownSec: 60,
		CloudTierStickyOnPaid:          true,
		NCloudCandidates:               2,
		QueueMax:                       16,
		IdleTTLSec:                     120,
		SLASec:                        90,
		IdleChunkMS:                    20000,
		ReasoningCapChars:              2000,
		ContentCapChars:                8000,
		Backends: []config.BackendConfig{
			{Name: "ollama-local", Tier: "local", BaseURL: "http://127.0.0.1:11434", Models: []string{"llama3"}},
		},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	configPath := filepath.Join(homeDir, "config.yaml")
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: krab daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: krab daemon [--help]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the orchestrator in the foreground (same as no subcommand).")
}
