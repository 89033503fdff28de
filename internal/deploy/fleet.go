package deploy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/fastdeploy/internal/journal"
	"github.com/schaermu/fastdeploy/internal/remote"
	"github.com/schaermu/fastdeploy/internal/revision"
)

// Journal records procedure runs on the operator side.
type Journal interface {
	Begin(ctx context.Context, run journal.Run) (journal.Run, error)
	Finish(ctx context.Context, id uuid.UUID, revision string, runErr error) error
}

// Result is the outcome of one procedure on one host.
type Result struct {
	Host     string
	Revision revision.ID
	Err      error
}

// Run resolves spec once and executes proc on every host. Hosts fail
// independently; all failures are returned together.
func (o *Orchestrator) Run(ctx context.Context, proc Procedure, hosts []remote.Host, spec string) ([]Result, error) {
	var id revision.ID
	if proc.NeedsRevision() {
		resolved, err := o.resolver.Resolve(ctx, o.opts.Repo, spec)
		if err != nil {
			return nil, &StepError{Host: "*", Procedure: proc, Step: StepResolve, Err: err}
		}
		id = resolved
		o.logger.Info("resolved revision", "spec", spec, "revision", id.String(), "procedure", string(proc))
	}

	results := make([]Result, len(hosts))
	var (
		mu   sync.Mutex
		errs *multierror.Error
		g    errgroup.Group
	)
	g.SetLimit(o.opts.Parallelism)

	for i, host := range hosts {
		i, host := i, host
		g.Go(func() error {
			dc := DeployContext{
				Target:   host,
				Repo:     o.opts.Repo,
				Revision: id,
				Operator: o.opts.Operator,
			}
			deployed, err := o.runHost(ctx, proc, dc, spec)
			results[i] = Result{Host: host.String(), Revision: deployed, Err: err}
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			// Per-host failures never cancel the other hosts.
			return nil
		})
	}
	_ = g.Wait()

	return results, errs.ErrorOrNil()
}

// RunHost executes proc against a single host with an already resolved revision.
func (o *Orchestrator) RunHost(ctx context.Context, proc Procedure, dc DeployContext) (revision.ID, error) {
	return o.runHost(ctx, proc, dc, dc.Revision.String())
}

func (o *Orchestrator) runHost(ctx context.Context, proc Procedure, dc DeployContext, spec string) (revision.ID, error) {
	entry := o.beginJournal(ctx, proc, dc, spec)

	deployed := dc.Revision
	var err error
	switch proc {
	case ProcedureCold:
		err = o.Cold(ctx, dc)
	case ProcedureWarm:
		err = o.Warm(ctx, dc)
	case ProcedureUpdate:
		err = o.Update(ctx, dc)
	case ProcedureMigrations:
		err = o.Migrations(ctx, dc)
	case ProcedureLong:
		err = o.Long(ctx, dc)
	case ProcedureRollback:
		deployed, err = o.Rollback(ctx, dc)
	case ProcedureSetup:
		err = o.Setup(ctx, dc)
	case ProcedureCleanup:
		err = o.Cleanup(ctx, dc)
	default:
		err = fmt.Errorf("unknown procedure %q", proc)
	}

	o.finishJournal(ctx, entry, deployed, err)
	return deployed, err
}

func (o *Orchestrator) beginJournal(ctx context.Context, proc Procedure, dc DeployContext, spec string) uuid.UUID {
	if o.journal == nil {
		return uuid.Nil
	}
	run, err := o.journal.Begin(ctx, journal.Run{
		Procedure: string(proc),
		Host:      dc.Target.String(),
		Spec:      spec,
		Revision:  dc.Revision.String(),
		Operator:  dc.Operator,
	})
	if err != nil {
		o.logger.Warn("failed to write journal entry", "host", dc.Target.String(), "error", err)
		return uuid.Nil
	}
	return run.ID
}

func (o *Orchestrator) finishJournal(ctx context.Context, id uuid.UUID, deployed revision.ID, runErr error) {
	if o.journal == nil || id == uuid.Nil {
		return
	}
	if err := o.journal.Finish(context.WithoutCancel(ctx), id, deployed.String(), runErr); err != nil {
		o.logger.Warn("failed to finish journal entry", "run", id.String(), "error", err)
	}
}
