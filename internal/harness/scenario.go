// Package harness executes scripted scenarios against a demo aggregate and
// records a trace of meta-state transitions and validation messages. Traces
// serialize to canonical JSON and compare against golden files, pinning the
// engine's observable behavior step by step.
package harness

import (
	"context"
	"fmt"
	"strconv"

	"github.com/roach88/verity/engine"
)

// Scenario is a named sequence of steps against a fresh demo aggregate.
type Scenario struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step drives one operation.
//
// Ops:
//   - "set":           write Property/Value on the order
//   - "add-line":      append a new Line with Sku = Value
//   - "set-line":      write Property/Value on the live line at index Target
//   - "remove-line":   remove the live line at index Target
//   - "undelete-line": restore the pending line at index Target
//   - "save":          persist the aggregate
//   - "check":         full re-validation (CheckAll)
type Step struct {
	Op       string `yaml:"op"`
	Target   string `yaml:"target,omitempty"`
	Property string `yaml:"property,omitempty"`
	Value    any    `yaml:"value,omitempty"`
}

// TraceEvent snapshots the aggregate after one step.
type TraceEvent struct {
	Seq      int64            `json:"seq"`
	Op       string           `json:"op"`
	Target   string           `json:"target,omitempty"`
	Error    string           `json:"error,omitempty"`
	Valid    bool             `json:"valid"`
	Modified bool             `json:"modified"`
	IsNew    bool             `json:"is_new"`
	Lines    int              `json:"lines"`
	Pending  int              `json:"pending"`
	Messages []engine.Message `json:"messages,omitempty"`
	Portal   []string         `json:"portal,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	Trace []TraceEvent `json:"trace"`
}

// Run executes a scenario against a fresh demo aggregate and returns the
// trace. A step whose operation itself is malformed (unknown op, bad index)
// aborts the run; engine rejections (NOT_SAVABLE, ITEM_BUSY, ...) are
// recorded in the trace and the run continues.
func Run(s *Scenario) (*Result, error) {
	d, err := newDemo()
	if err != nil {
		return nil, err
	}
	ctx := context.Background()

	result := &Result{Trace: []TraceEvent{}}
	for i, step := range s.Steps {
		opsBefore := len(d.portal.Calls())
		stepErr, err := d.apply(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}

		ev := TraceEvent{
			Seq:      int64(i + 1),
			Op:       step.Op,
			Target:   step.Target,
			Valid:    d.order.IsValid(),
			Modified: d.order.IsModified(),
			IsNew:    d.order.IsNew(),
			Lines:    d.lines.Len(),
			Pending:  len(d.lines.PendingDeletion()),
			Messages: d.order.AllMessages(),
		}
		if stepErr != nil {
			ev.Error = string(engine.CodeOf(stepErr))
			if ev.Error == "" {
				ev.Error = stepErr.Error()
			}
		}
		if calls := d.portal.Calls(); len(calls) > opsBefore {
			for _, c := range calls[opsBefore:] {
				ev.Portal = append(ev.Portal, c.Op+":"+c.Type)
			}
		}
		result.Trace = append(result.Trace, ev)
	}
	return result, nil
}

// apply runs one step. The first return is the engine's verdict (recorded in
// the trace); the second is a harness-level failure that aborts the run.
func (d *demo) apply(ctx context.Context, step Step) (error, error) {
	switch step.Op {
	case "set":
		v, err := stepValue(step.Value)
		if err != nil {
			return nil, err
		}
		return d.order.Set(step.Property, v), nil
	case "add-line":
		sku, ok := step.Value.(string)
		if !ok {
			return nil, fmt.Errorf("add-line value must be a string sku, got %T", step.Value)
		}
		item, err := engine.NewNode(d.lineSpec)
		if err != nil {
			return nil, err
		}
		if err := item.Set("Sku", engine.String(sku)); err != nil {
			return nil, err
		}
		return d.lines.Add(item), nil
	case "set-line":
		item, err := d.lineAt(d.lines.Items(), step.Target)
		if err != nil {
			return nil, err
		}
		v, err := stepValue(step.Value)
		if err != nil {
			return nil, err
		}
		return item.Set(step.Property, v), nil
	case "remove-line":
		item, err := d.lineAt(d.lines.Items(), step.Target)
		if err != nil {
			return nil, err
		}
		return d.lines.Remove(item), nil
	case "undelete-line":
		item, err := d.lineAt(d.lines.PendingDeletion(), step.Target)
		if err != nil {
			return nil, err
		}
		return item.UnDelete(), nil
	case "save":
		return d.order.Save(ctx), nil
	case "check":
		return d.order.CheckAll(ctx), nil
	default:
		return nil, fmt.Errorf("unknown op %q", step.Op)
	}
}

func (d *demo) lineAt(items []*engine.Node, target string) (*engine.Node, error) {
	i, err := strconv.Atoi(target)
	if err != nil {
		return nil, fmt.Errorf("line index %q: %w", target, err)
	}
	if i < 0 || i >= len(items) {
		return nil, fmt.Errorf("line index %d out of range (%d lines)", i, len(items))
	}
	return items[i], nil
}

// stepValue maps YAML/literal step values onto engine values.
func stepValue(raw any) (engine.Value, error) {
	switch v := raw.(type) {
	case nil:
		return engine.Null{}, nil
	case string:
		return engine.String(v), nil
	case int:
		return engine.Int(v), nil
	case int64:
		return engine.Int(v), nil
	case bool:
		return engine.Bool(v), nil
	case float64:
		return engine.Float(v), nil
	default:
		return nil, fmt.Errorf("unsupported step value type %T", raw)
	}
}
