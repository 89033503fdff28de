package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/schaermu/fastdeploy/internal/hooks"
	"github.com/schaermu/fastdeploy/internal/layout"
	"github.com/schaermu/fastdeploy/internal/ledger"
	"github.com/schaermu/fastdeploy/internal/remote"
	"github.com/schaermu/fastdeploy/internal/revision"
	"github.com/schaermu/fastdeploy/internal/workspace"
)

// Procedure names a deployment procedure.
type Procedure string

const (
	ProcedureCold       Procedure = "cold"
	ProcedureWarm       Procedure = "warm"
	ProcedureUpdate     Procedure = "update"
	ProcedureMigrations Procedure = "migrations"
	ProcedureLong       Procedure = "long"
	ProcedureRollback   Procedure = "rollback"
	ProcedureSetup      Procedure = "setup"
	ProcedureCleanup    Procedure = "cleanup"
)

// Procedures lists every procedure in CLI order.
var Procedures = []Procedure{
	ProcedureCold, ProcedureWarm, ProcedureUpdate, ProcedureMigrations,
	ProcedureLong, ProcedureRollback, ProcedureSetup, ProcedureCleanup,
}

// NeedsRevision reports whether the procedure deploys a resolved revision.
func (p Procedure) NeedsRevision() bool {
	switch p {
	case ProcedureRollback, ProcedureSetup, ProcedureCleanup:
		return false
	}
	return true
}

// ParseProcedure validates a procedure name. "deploy" is accepted as an alias of update.
func ParseProcedure(name string) (Procedure, error) {
	if name == "deploy" {
		return ProcedureUpdate, nil
	}
	for _, p := range Procedures {
		if string(p) == name {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown procedure %q", name)
}

// DeployContext carries everything a procedure needs for one host.
type DeployContext struct {
	Target   remote.Host
	Repo     revision.Repository
	Revision revision.ID
	Operator string
}

// RevisionResolver turns a user supplied revision into a commit identifier.
type RevisionResolver interface {
	Resolve(ctx context.Context, repo revision.Repository, spec string) (revision.ID, error)
}

// Options controls orchestrator behaviour.
type Options struct {
	Repo            revision.Repository
	Operator        string
	NormalizeAssets bool
	// Parallelism is the number of hosts deployed concurrently; values below 1 mean 1.
	Parallelism int
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Workspace workspace.Manager
	Ledger    ledger.Ledger
	Notifier  hooks.Notifier
	Migrator  hooks.Migrator
	Resolver  RevisionResolver
	// Journal is optional.
	Journal Journal
}

// Orchestrator runs deployment procedures against hosts.
type Orchestrator struct {
	workspace workspace.Manager
	ledger    ledger.Ledger
	notifier  hooks.Notifier
	migrator  hooks.Migrator
	resolver  RevisionResolver
	journal   Journal
	layout    layout.Layout
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Deps, l layout.Layout, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Orchestrator{
		workspace: deps.Workspace,
		ledger:    deps.Ledger,
		notifier:  deps.Notifier,
		migrator:  deps.Migrator,
		resolver:  deps.Resolver,
		journal:   deps.Journal,
		layout:    l,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// Cold performs the first deployment of a host. Re-running it is safe.
func (o *Orchestrator) Cold(ctx context.Context, dc DeployContext) error {
	log := o.hostLogger(dc, ProcedureCold)
	host := dc.Target

	log.Info("cloning repository", "dest", o.layout.LivePath())
	if err := o.workspace.ColdClone(ctx, host, dc.Repo, o.layout.LivePath()); err != nil {
		return o.stepErr(dc, ProcedureCold, StepClone, err)
	}
	if err := o.workspace.FinalizePermissions(ctx, host); err != nil {
		return o.stepErr(dc, ProcedureCold, StepPermissions, err)
	}
	if err := o.ledger.EnsureLog(ctx, host); err != nil {
		return o.stepErr(dc, ProcedureCold, StepEnsureLog, err)
	}
	if err := o.update(ctx, log, dc, ProcedureCold); err != nil {
		return err
	}

	o.signal(ctx, log, host, hooks.SignalRestart)
	log.Info("cold deployment completed", "revision", dc.Revision.Short())
	return nil
}

// Warm converts a running host to this layout. The live copy keeps serving
// while the new clone downloads next to it.
func (o *Orchestrator) Warm(ctx context.Context, dc DeployContext) error {
	log := o.hostLogger(dc, ProcedureWarm)
	host := dc.Target

	log.Info("cloning repository to staging", "dest", o.layout.StagingPath())
	if err := o.workspace.CloneStaged(ctx, host, dc.Repo); err != nil {
		return o.stepErr(dc, ProcedureWarm, StepClone, err)
	}

	o.signal(ctx, log, host, hooks.SignalWebDisable)
	defer o.signal(context.WithoutCancel(ctx), log, host, hooks.SignalWebEnable)

	if err := o.workspace.PromoteStaged(ctx, host); err != nil {
		return o.stepErr(dc, ProcedureWarm, StepPromote, err)
	}
	if err := o.workspace.FinalizePermissions(ctx, host); err != nil {
		return o.stepErr(dc, ProcedureWarm, StepPermissions, err)
	}
	if err := o.update(ctx, log, dc, ProcedureWarm); err != nil {
		return err
	}

	o.signal(ctx, log, host, hooks.SignalRestart)
	log.Info("warm deployment completed", "revision", dc.Revision.Short())
	return nil
}

// Update brings the live checkout to dc.Revision and restarts the application.
// Nothing is recorded or restarted when the checkout update fails.
func (o *Orchestrator) Update(ctx context.Context, dc DeployContext) error {
	log := o.hostLogger(dc, ProcedureUpdate)
	if err := o.update(ctx, log, dc, ProcedureUpdate); err != nil {
		return err
	}
	o.signal(ctx, log, dc.Target, hooks.SignalRestart)
	log.Info("update completed", "revision", dc.Revision.Short())
	return nil
}

// Migrations updates the checkout, runs migrations and restarts. A migration
// failure leaves the updated checkout and ledger in place.
func (o *Orchestrator) Migrations(ctx context.Context, dc DeployContext) error {
	return o.migrations(ctx, dc, ProcedureMigrations)
}

// Long runs Migrations with the application in maintenance mode.
func (o *Orchestrator) Long(ctx context.Context, dc DeployContext) error {
	log := o.hostLogger(dc, ProcedureLong)

	o.signal(ctx, log, dc.Target, hooks.SignalWebDisable)
	defer o.signal(context.WithoutCancel(ctx), log, dc.Target, hooks.SignalWebEnable)

	return o.migrations(ctx, dc, ProcedureLong)
}

// Rollback redeploys the revision that was live before the current one and
// returns it.
func (o *Orchestrator) Rollback(ctx context.Context, dc DeployContext) (revision.ID, error) {
	log := o.hostLogger(dc, ProcedureRollback)
	host := dc.Target

	current, err := o.ledger.Current(ctx, host)
	if err != nil {
		return "", o.stepErr(dc, ProcedureRollback, StepCurrent, err)
	}
	records, err := o.ledger.History(ctx, host)
	if err != nil {
		return "", o.stepErr(dc, ProcedureRollback, StepPrevious, err)
	}
	previous, err := ledger.PreviousOf(records, current)
	if err != nil {
		return "", o.stepErr(dc, ProcedureRollback, StepPrevious, err)
	}

	log.Info("rolling back", "from", current.Short(), "to", previous.Short())
	dc.Revision = previous
	if err := o.update(ctx, log, dc, ProcedureRollback); err != nil {
		return "", err
	}

	o.signal(ctx, log, host, hooks.SignalRestart)
	log.Info("rollback completed", "revision", previous.Short())
	return previous, nil
}

// Setup prepares the deploy root on a host.
func (o *Orchestrator) Setup(ctx context.Context, dc DeployContext) error {
	log := o.hostLogger(dc, ProcedureSetup)
	if err := o.workspace.EnsureRoot(ctx, dc.Target); err != nil {
		return o.stepErr(dc, ProcedureSetup, StepSetup, err)
	}
	log.Info("deploy root ready", "root", o.layout.Root)
	return nil
}

// Cleanup does nothing: this layout keeps no release directories to prune.
func (o *Orchestrator) Cleanup(_ context.Context, dc DeployContext) error {
	o.hostLogger(dc, ProcedureCleanup).Info("nothing to clean up")
	return nil
}

// FinalizeUpdate normalizes asset timestamps when enabled. Failures are only logged.
func (o *Orchestrator) FinalizeUpdate(ctx context.Context, dc DeployContext) {
	if !o.opts.NormalizeAssets {
		return
	}
	if err := o.workspace.NormalizeAssetTimestamps(ctx, dc.Target, o.now()); err != nil {
		o.logger.Warn("failed to normalize asset timestamps", "host", dc.Target.String(), "error", err)
	}
}

func (o *Orchestrator) migrations(ctx context.Context, dc DeployContext, proc Procedure) error {
	log := o.hostLogger(dc, proc)
	if err := o.update(ctx, log, dc, proc); err != nil {
		return err
	}

	log.Info("running migrations")
	if err := o.migrator.Migrate(ctx, dc.Target); err != nil {
		return o.stepErr(dc, proc, StepMigrate, err)
	}

	o.signal(ctx, log, dc.Target, hooks.SignalRestart)
	log.Info("migrations completed", "revision", dc.Revision.Short())
	return nil
}

// update is the fail-stop core shared by every procedure: the ledger is only
// written once the checkout sits on the new revision.
func (o *Orchestrator) update(ctx context.Context, log *slog.Logger, dc DeployContext, proc Procedure) error {
	if !revision.IsFullHash(dc.Revision.String()) {
		return o.stepErr(dc, proc, StepUpdate, fmt.Errorf("revision %q is not a full commit hash", dc.Revision))
	}

	log.Info("updating checkout", "revision", dc.Revision.Short())
	if err := o.workspace.UpdateInPlace(ctx, dc.Target, dc.Repo, dc.Revision); err != nil {
		return o.stepErr(dc, proc, StepUpdate, err)
	}

	o.FinalizeUpdate(ctx, dc)

	if err := o.ledger.Record(ctx, dc.Target, dc.Revision, dc.Operator, o.now()); err != nil {
		return o.stepErr(dc, proc, StepRecord, err)
	}
	return nil
}

// signal sends a notification and only logs failures.
func (o *Orchestrator) signal(ctx context.Context, log *slog.Logger, host remote.Host, sig hooks.Signal) {
	log.Debug("sending signal", "signal", sig)
	if err := o.notifier.Notify(ctx, host, sig); err != nil {
		log.Warn("signal failed", "signal", sig, "error", err)
	}
}

func (o *Orchestrator) stepErr(dc DeployContext, proc Procedure, step string, err error) error {
	return &StepError{Host: dc.Target.String(), Procedure: proc, Step: step, Err: err}
}

func (o *Orchestrator) hostLogger(dc DeployContext, proc Procedure) *slog.Logger {
	return o.logger.With("host", dc.Target.String(), "procedure", string(proc))
}
