package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/schaermu/fastdeploy/internal/activation"
	"github.com/schaermu/fastdeploy/internal/config"
	"github.com/schaermu/fastdeploy/internal/deploy"
	"github.com/schaermu/fastdeploy/internal/hooks"
	"github.com/schaermu/fastdeploy/internal/journal"
	"github.com/schaermu/fastdeploy/internal/ledger"
	"github.com/schaermu/fastdeploy/internal/remote"
	"github.com/schaermu/fastdeploy/internal/revision"
	"github.com/schaermu/fastdeploy/internal/webhook"
	"github.com/schaermu/fastdeploy/internal/workspace"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile     string
	logLevel    string
	logFormat   string
	hostNames   []string
	revisionArg string
	operator    string
	parallel    int

	// runs command flags
	runsHost  string
	runsLimit int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fastdeploy",
	Short: "Deploy Git checkouts to remote hosts in place",
	Long: `fastdeploy deploys an application by keeping a Git checkout on every host and
resetting it to the requested revision, instead of copying a fresh release
directory for each deployment.

Each host records its deployment history in a revision log and marks the
live revision in a REVISION file, so rollbacks and audits need no extra
state.`,
	SilenceUsage: true,
}

var procedureHelp = map[deploy.Procedure]string{
	deploy.ProcedureCold:       "First deployment: clone, create the revision log, update and restart",
	deploy.ProcedureWarm:       "Convert a running host: clone next to the live copy, then swap it in",
	deploy.ProcedureUpdate:     "Update the checkout to a revision, record it and restart",
	deploy.ProcedureMigrations: "Update, run migrations, then restart",
	deploy.ProcedureLong:       "Like migrations, with the application in maintenance mode",
	deploy.ProcedureRollback:   "Redeploy the revision that was live before the current one",
	deploy.ProcedureSetup:      "Create the deploy root and hand it to the deploy user",
	deploy.ProcedureCleanup:    "Remove old releases (nothing to do with in-place checkouts)",
}

var currentCmd = &cobra.Command{
	Use:   "current",
	Short: "Print the live revision of each host",
	RunE:  runCurrent,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the revision log of each host",
	RunE:  runHistory,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [revision]",
	Short: "Resolve a branch, tag or commit to the commit that would be deployed",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runResolve,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent procedure runs from the local journal",
	RunE:  runRuns,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve starts a long-running HTTP server that listens for GitHub push events
and runs an update of every configured host to the pushed commit.

When started through systemd socket activation, the socket named "webhook"
is used instead of serve.listen_addr; activation without a socket of that
name is an error. Name the socket with FileDescriptorName=webhook.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fastdeploy %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/fastdeploy/config.yaml)")
	pf.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	pf.StringSliceVar(&hostNames, "hosts", nil, "comma-separated host names to target (default all)")
	pf.StringVar(&revisionArg, "revision", "", "branch, tag or commit to deploy (default repo.ref)")
	pf.StringVar(&operator, "operator", "", "operator name written to the revision log (default deploy.operator)")
	pf.IntVar(&parallel, "parallel", 0, "number of hosts deployed at once (default deploy.parallelism)")

	runsCmd.Flags().StringVar(&runsHost, "host", "", "only list runs for this host")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to list")

	for _, proc := range deploy.Procedures {
		rootCmd.AddCommand(procedureCmd(proc))
	}
	rootCmd.AddCommand(currentCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func procedureCmd(proc deploy.Procedure) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(proc),
		Short: procedureHelp[proc],
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcedure(cmd, proc)
		},
	}
	if proc == deploy.ProcedureUpdate {
		cmd.Aliases = []string{"deploy"}
	}
	return cmd
}

// app holds the components built from the configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	ledger   *ledger.ShellLedger
	resolver *revision.Resolver
	journal  *journal.Store
	orch     *deploy.Orchestrator
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if operator != "" {
		cfg.Deploy.Operator = operator
	}
	if parallel > 0 {
		cfg.Deploy.Parallelism = parallel
	}

	l := cfg.Layout()
	exec := &remote.Mux{
		SSH:   remote.NewSSHExecutor(cfg.SSHOptions(), logger),
		Local: remote.NewLocalExecutor(logger),
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		ledger:   ledger.NewShellLedger(exec, l, logger),
		resolver: revision.NewResolver(newLister(cfg), cfg.Repo.Remotes),
	}

	deps := deploy.Deps{
		Workspace: workspace.NewShellManager(exec, l, cfg.WorkspaceOptions(), logger),
		Ledger:    a.ledger,
		Resolver:  a.resolver,
	}
	shellHooks := hooks.NewShellHooks(exec, l, cfg.HookCommands(), logger)
	deps.Notifier = shellHooks
	deps.Migrator = shellHooks

	if !cfg.Journal.Disabled {
		store, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		a.journal = store
		deps.Journal = store
	}

	a.orch = deploy.NewOrchestrator(deps, l, deploy.Options{
		Repo:            cfg.Repository(),
		Operator:        cfg.Deploy.Operator,
		NormalizeAssets: cfg.Deploy.NormalizeAssetTimestamps,
		Parallelism:     cfg.Deploy.Parallelism,
	}, logger)
	return a, nil
}

func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("failed to close journal", "error", err)
		}
	}
}

func newLister(cfg *config.Config) revision.RefLister {
	if cfg.Repo.Lister == config.ListerGoGit {
		return revision.NewGoGitLister(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	}
	return revision.NewShellLister(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
}

// setup loads the configuration and builds the application.
func setup() (*app, *slog.Logger, error) {
	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, logger, nil
}

func runProcedure(cmd *cobra.Command, proc deploy.Procedure) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, logger, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	hosts, err := a.cfg.SelectHosts(hostNames)
	if err != nil {
		return err
	}

	spec := revisionArg
	if spec == "" {
		spec = a.cfg.Repo.Ref
	}

	logger.Info("starting procedure", "procedure", string(proc), "hosts", len(hosts), "revision", spec)
	results, err := a.orch.Run(ctx, proc, hosts, spec)
	printResults(cmd.OutOrStdout(), results)
	if err != nil {
		logger.Error("procedure failed", "procedure", string(proc), "error", err)
		return err
	}
	return nil
}

func printResults(w io.Writer, results []deploy.Result) {
	if len(results) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = "FAILED"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Host, status, r.Revision.Short())
	}
	_ = tw.Flush()
}

func runCurrent(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, _, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	hosts, err := a.cfg.SelectHosts(hostNames)
	if err != nil {
		return err
	}

	var failed error
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, h := range hosts {
		id, err := a.ledger.Current(ctx, h)
		switch {
		case errors.Is(err, ledger.ErrNoDeploymentYet):
			_, _ = fmt.Fprintf(tw, "%s\t(not deployed)\n", h)
		case err != nil:
			_, _ = fmt.Fprintf(tw, "%s\terror: %v\n", h, err)
			failed = err
		default:
			_, _ = fmt.Fprintf(tw, "%s\t%s\n", h, id)
		}
	}
	_ = tw.Flush()
	return failed
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, _, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	hosts, err := a.cfg.SelectHosts(hostNames)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, h := range hosts {
		records, err := a.ledger.History(ctx, h)
		if err != nil {
			return fmt.Errorf("failed to read history of %s: %w", h, err)
		}
		_, _ = fmt.Fprintf(out, "%s:\n", h)
		for _, r := range records {
			_, _ = fmt.Fprintf(out, "  %s\n", ledger.FormatRecord(r))
		}
	}
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, _, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	spec := revisionArg
	if len(args) == 1 {
		spec = args[0]
	}
	if spec == "" {
		spec = a.cfg.Repo.Ref
	}

	id, err := a.resolver.Resolve(ctx, a.cfg.Repository(), spec)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, _, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	if a.journal == nil {
		return fmt.Errorf("journal is disabled")
	}
	runs, err := a.journal.List(ctx, journal.ListOptions{Host: runsHost, Limit: runsLimit})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, r := range runs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Host, r.Procedure, r.Status,
			revision.ID(r.Revision).Short(), r.Error)
	}
	return tw.Flush()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, logger, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	secret, err := webhook.LoadSecret(a.cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return err
	}
	hosts, err := a.cfg.SelectHosts(hostNames)
	if err != nil {
		return err
	}

	ln, activated, err := activation.Listen("webhook", a.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	logger.Info("listener ready", "addr", ln.Addr().String(), "socket_activated", activated)

	var runs webhook.RunLister
	if a.journal != nil {
		runs = a.journal
	}
	srv := webhook.NewServer(a.orch, runs, webhook.Options{
		Secret:            secret,
		AllowedEventTypes: a.cfg.Serve.AllowedEventTypes,
		AllowedRefs:       a.cfg.Serve.AllowedRefs,
		Debounce:          a.cfg.Serve.Debounce,
		Hosts:             hosts,
	}, logger)
	return srv.Serve(ctx, ln)
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Logs go to stderr so command output stays parseable.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/fastdeploy/config.yaml", home)
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Repo.URL,
		"ref", cfg.Repo.Ref,
		"root", cfg.Deploy.Root,
		"hosts", len(cfg.Hosts),
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
