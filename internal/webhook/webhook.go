package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/lo"

	"github.com/schaermu/fastdeploy/internal/deploy"
	"github.com/schaermu/fastdeploy/internal/journal"
	"github.com/schaermu/fastdeploy/internal/remote"
	"github.com/schaermu/fastdeploy/internal/revision"
)

const maxBodyBytes = 1 << 20

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Deployer runs a procedure against a set of hosts.
type Deployer interface {
	Run(ctx context.Context, proc deploy.Procedure, hosts []remote.Host, spec string) ([]deploy.Result, error)
}

// RunLister exposes recent journal entries.
type RunLister interface {
	List(ctx context.Context, opts journal.ListOptions) ([]journal.Run, error)
}

// Options configures the webhook server
type Options struct {
	Secret            []byte
	AllowedEventTypes []string
	AllowedRefs       []string
	Debounce          time.Duration
	Hosts             []remote.Host
}

// Server deploys pushed commits to every configured host.
type Server struct {
	deployer Deployer
	runs     RunLister
	opts     Options
	logger   *slog.Logger

	deployMu      sync.Mutex // guards deployRunning and pendingSpec
	deployRunning bool
	pendingSpec   string // spec to deploy after the current run, "" if none
	debounce      *debouncer
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// LoadSecret reads the webhook secret, trimming surrounding whitespace.
func LoadSecret(path string) ([]byte, error) {
	secret, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", path)
	}
	return secret, nil
}

// NewServer creates a new webhook server. runs may be nil.
func NewServer(deployer Deployer, runs RunLister, opts Options, logger *slog.Logger) *Server {
	return &Server{
		deployer: deployer,
		runs:     runs,
		opts:     opts,
		logger:   logger,
		debounce: &debouncer{delay: opts.Debounce},
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/", s.handleWebhook)
	r.Post("/webhook", s.handleWebhook)
	if s.runs != nil {
		r.Get("/runs", s.handleRuns)
	}
	return r
}

// Serve accepts requests on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Router(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String(), "hosts", len(s.opts.Hosts))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.deployMu.Lock()
	running := s.deployRunning
	s.deployMu.Unlock()

	respondJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"deploying": running,
		"time":      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.runs.List(r.Context(), journal.ListOptions{Host: r.URL.Query().Get("host"), Limit: limit})
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, runs)
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType, "delivery", r.Header.Get("X-GitHub-Delivery"))

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for deployment\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for deployment\n")
		return
	}

	spec := deploySpec(event)
	if spec == "" {
		s.logger.Info("ignoring push without a deployable commit", "ref", event.Ref, "deleted", event.Deleted)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Nothing to deploy\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.performDeploy(context.Background(), spec)
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Deployment triggered\n")
}

// deploySpec returns the pushed commit, falling back to the ref's short name.
func deploySpec(event GitHubPushEvent) string {
	if event.Deleted || strings.Trim(event.After, "0") == "" {
		return ""
	}
	if revision.IsFullHash(event.After) {
		return event.After
	}
	return revision.NormalizeRefName(event.Ref)
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.opts.Secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	return len(s.opts.AllowedEventTypes) == 0 || lo.Contains(s.opts.AllowedEventTypes, eventType)
}

// isRefAllowed checks if the ref is in the allowed list
func (s *Server) isRefAllowed(ref string) bool {
	return len(s.opts.AllowedRefs) == 0 || lo.Contains(s.opts.AllowedRefs, ref)
}

// performDeploy runs an update with single-flight semantics. While a
// deployment is running, only the most recent requested spec is kept and
// deployed once the current run finishes.
func (s *Server) performDeploy(ctx context.Context, spec string) {
	s.deployMu.Lock()
	if s.deployRunning {
		s.pendingSpec = spec
		s.deployMu.Unlock()
		s.logger.Info("deployment already in progress, queuing pending run", "spec", spec)
		return
	}
	s.deployRunning = true
	s.deployMu.Unlock()

	for {
		s.logger.Info("starting deployment", "spec", spec)
		if _, err := s.deployer.Run(ctx, deploy.ProcedureUpdate, s.opts.Hosts, spec); err != nil {
			s.logger.Error("deployment failed", "spec", spec, "error", err)
		} else {
			s.logger.Info("deployment completed successfully", "spec", spec)
		}

		s.deployMu.Lock()
		if s.pendingSpec == "" {
			s.deployRunning = false
			s.deployMu.Unlock()
			break
		}
		spec, s.pendingSpec = s.pendingSpec, ""
		s.deployMu.Unlock()

		s.logger.Info("re-running deployment due to pending request", "spec", spec)
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
