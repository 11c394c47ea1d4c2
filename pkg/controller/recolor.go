package controller

import (
	"context"
	"fmt"

	"github.com/markus-lassfolk/airbalance/pkg"
	"github.com/markus-lassfolk/airbalance/pkg/audit"
	"github.com/markus-lassfolk/airbalance/pkg/coloring"
)

// Recolor solves the channel plan of every conflicting AP and commits the
// changed channels. An infeasible solve keeps the current assignment.
// Isolated APs are never passed to the solver and keep their channel.
func (l *Loop) Recolor(ctx context.Context) (coloring.Result, []coloring.Change) {
	return l.recolor(ctx, "")
}

func (l *Loop) recolor(ctx context.Context, trigger string) (coloring.Result, []coloring.Change) {
	if _, pending := l.state.Handover.Pending(); pending {
		l.logger.Debug("Recolor skipped, handover pending")
		return coloring.Result{}, nil
	}

	g := l.state.Graph.SolverInput()
	if len(g.Nodes) == 0 {
		return coloring.Result{Feasible: true, Assignment: map[pkg.APID]pkg.Channel{}}, nil
	}

	op := l.perf.Start("channel_solve")
	res := coloring.Solve(g, coloring.Options{
		Channels:       l.config.Channels,
		Domains:        l.state.domains(g.Nodes),
		Prune:          l.config.Prune,
		PruneThreshold: l.config.PruneThreshold,
		Utilization:    l.state.utilization(),
	})
	var solveErr error
	if !res.Feasible {
		solveErr = pkg.ErrSolverInfeasible
	}
	l.metrics.SolverDuration.Observe(op.Complete(solveErr).Seconds())

	decisionRec := &audit.DecisionRecord{
		DecisionType: audit.DecisionRecolor,
		Trigger:      trigger,
		Context: map[string]interface{}{
			"nodes":  len(g.Nodes),
			"steps":  res.Steps,
			"pruned": res.Pruned,
		},
	}

	if !res.Feasible {
		l.metrics.Recolorings.WithLabelValues("infeasible").Inc()
		l.logger.Warn("Channel assignment infeasible, keeping current plan",
			"nodes", len(g.Nodes), "channels", l.config.Channels, "steps", res.Steps)
		l.emit(&pkg.Event{
			Type:    pkg.EventRecolorInfeasible,
			Trigger: trigger,
			Reason:  pkg.ErrSolverInfeasible.Error(),
			Data:    map[string]interface{}{"nodes": g.Nodes},
		})
		decisionRec.Error = pkg.ErrSolverInfeasible.Error()
		decisionRec.Reasoning = "no conflict-free assignment"
		l.record(ctx, decisionRec)
		return res, nil
	}

	current := make(map[pkg.APID]pkg.Channel, len(g.Nodes))
	for _, ap := range g.Nodes {
		current[ap] = l.state.Assignment[ap]
	}

	// The solved plan is committed as a whole so the stored assignment stays
	// conflict-free. Switches the AP rejected are logged and left to the
	// next recolor.
	changes := coloring.Diff(current, res.Assignment)
	var failed []pkg.APID
	for _, change := range changes {
		issued := true
		if err := l.topology.SetAPChannel(ctx, change.AP, change.To); err != nil {
			l.logger.Warn("Channel switch failed", "ap", change.AP, "from", change.From, "to", change.To, "error", err)
			l.metrics.SwitchFailures.Inc()
			failed = append(failed, change.AP)
			issued = false
		} else {
			l.metrics.ChannelSwitches.Inc()
		}
		if err := l.state.Store.SetChannel(change.AP, change.To); err != nil {
			l.logger.Warn("Failed to record channel", "ap", change.AP, "error", err)
		}
		l.state.Assignment[change.AP] = change.To
		l.emit(&pkg.Event{
			Type:    pkg.EventChannelSwitch,
			Trigger: trigger,
			From:    change.AP,
			Data:    map[string]interface{}{"from": change.From, "to": change.To, "issued": issued},
		})
	}

	l.metrics.Recolorings.WithLabelValues("applied").Inc()
	l.emit(&pkg.Event{
		Type:    pkg.EventRecolor,
		Trigger: trigger,
		Data: map[string]interface{}{
			"nodes":   len(g.Nodes),
			"changes": len(changes),
			"failed":  failed,
		},
	})
	if len(failed) > 0 {
		l.logger.Warn("Channel plan committed with rejected switches", "nodes", len(g.Nodes), "changes", len(changes), "failed", failed)
	} else {
		l.logger.Info("Channel plan applied", "nodes", len(g.Nodes), "changes", len(changes), "steps", res.Steps)
	}

	decisionRec.Success = len(failed) == 0
	decisionRec.Reasoning = "conflict-free assignment found"
	decisionRec.Context["changes"] = changes
	if len(failed) > 0 {
		decisionRec.Context["failed"] = failed
		decisionRec.Error = fmt.Sprintf("%d channel switches rejected", len(failed))
	}
	l.record(ctx, decisionRec)
	l.saveAssignment()
	return res, changes
}
