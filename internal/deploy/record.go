package deploy

import (
	"context"
	"time"

	"github.com/joescharf/dm/internal/models"
)

// operation tracks one lifecycle call so its outcome lands in the action
// log and the deployment history exactly once.
type operation struct {
	o       *Orchestrator
	ctx     context.Context
	name    string
	action  models.DeploymentAction
	trigger Trigger
	started time.Time
}

func (o *Orchestrator) begin(ctx context.Context, name string, action models.DeploymentAction) *operation {
	return &operation{
		o:       o,
		ctx:     context.WithoutCancel(ctx),
		name:    name,
		action:  action,
		trigger: TriggerFrom(ctx),
		started: o.now(),
	}
}

func (op *operation) fail(err error) error {
	op.o.logger.Warn("deploy: operation failed",
		"trigger", op.trigger,
		"action", op.action,
		"project", op.name,
		"kind", KindOf(err),
		"error", err,
	)
	op.append("%s %s: failed: %v", op.action, op.name, err)
	if KindOf(err) == KindNotFound {
		return err
	}
	op.record(&models.Deployment{Status: models.DeploymentFailed, Error: err.Error()})
	return err
}

func (op *operation) succeed(out *Outcome) {
	d := &models.Deployment{Status: models.DeploymentSuccess}
	msg := "ok"
	if out != nil {
		d.InstallStatus = string(out.Install.Status)
		if out.Degraded {
			d.Status = models.DeploymentDegraded
			d.Error = out.Install.Message
			msg = "degraded: dependency install " + string(out.Install.Status)
			if out.Install.Message != "" {
				msg += ": " + out.Install.Message
			}
		} else {
			msg = "ok (install " + string(out.Install.Status) + ")"
		}
		if out.Report != nil && len(out.Report.Warnings) > 0 {
			op.append("%s %s: %d archive entries skipped", op.action, op.name, len(out.Report.Warnings))
		}
	}
	op.o.logger.Info("deploy: operation finished",
		"trigger", op.trigger,
		"action", op.action,
		"project", op.name,
		"status", d.Status,
		"duration", op.o.now().Sub(op.started),
	)
	op.append("%s %s: %s", op.action, op.name, msg)
	op.record(d)
}

func (op *operation) append(format string, args ...any) {
	if op.o.log == nil {
		return
	}
	op.o.log.Append(string(op.trigger)+": "+format, args...)
}

func (op *operation) record(d *models.Deployment) {
	if op.o.history == nil {
		return
	}
	d.Project = op.name
	d.Action = op.action
	d.Trigger = string(op.trigger)
	d.StartedAt = op.started
	d.FinishedAt = op.o.now()
	if err := op.o.history.Record(op.ctx, d); err != nil {
		op.o.logger.Warn("deploy: recording history failed", "project", op.name, "error", err)
	}
}
