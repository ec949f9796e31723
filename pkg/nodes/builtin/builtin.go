// Package builtin provides the config-driven node plugins that ship with the
// rowline binary: generic field transforms, a threshold gate, a row exploder,
// and batch aggregations. Anything domain-specific is expected to be registered
// by the embedding program instead.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rowline/rowline/pkg/domain"
	"github.com/rowline/rowline/pkg/engine"
	"github.com/rowline/rowline/pkg/engine/runtime"
	"github.com/rowline/rowline/pkg/schema"
)

// Register installs every builtin plugin into the registry.
func Register(reg *engine.Registry) {
	reg.RegisterTransform("noop", runtime.TransformFunc(noop), "identity", "passthrough")
	reg.RegisterTransform("set_field", runtime.TransformFunc(setField), "set")
	reg.RegisterTransform("rename_field", runtime.TransformFunc(renameField), "rename")
	reg.RegisterTransform("explode", runtime.TransformFunc(explode))
	reg.RegisterGate("threshold_gate", runtime.GateFunc(thresholdGate), "threshold")
	reg.RegisterAggregation("batch_stats", runtime.AggregationFunc(batchStats))
}

func noop(_ context.Context, row schema.Row, _ *domain.Node) (runtime.Result, error) {
	return runtime.Result{Data: row.ToMap()}, nil
}

// setField writes a literal value into the row.
// Config: field (string, required), value (any).
func setField(_ context.Context, row schema.Row, node *domain.Node) (runtime.Result, error) {
	field, err := stringOption(node, "field")
	if err != nil {
		return runtime.Result{}, err
	}
	data := row.ToMap()
	data[field] = node.Config["value"]
	return runtime.Result{Data: data}, nil
}

// renameField moves a value from one key to another. A missing source key is
// left alone rather than treated as an error, so optional fields survive.
// Config: from (string, required), to (string, required).
func renameField(_ context.Context, row schema.Row, node *domain.Node) (runtime.Result, error) {
	from, err := stringOption(node, "from")
	if err != nil {
		return runtime.Result{}, err
	}
	to, err := stringOption(node, "to")
	if err != nil {
		return runtime.Result{}, err
	}
	data := row.ToMap()
	if v, ok := data[from]; ok {
		delete(data, from)
		data[to] = v
	}
	return runtime.Result{Data: data}, nil
}

// explode replaces the row with one child per element of a list-valued field.
// Scalar elements land under child_field; object elements are merged with the
// parent row's remaining fields.
// Config: field (string, required), child_field (string, default "value").
func explode(_ context.Context, row schema.Row, node *domain.Node) (runtime.Result, error) {
	field, err := stringOption(node, "field")
	if err != nil {
		return runtime.Result{}, err
	}
	childField := "value"
	if cf, ok := node.Config["child_field"].(string); ok && cf != "" {
		childField = cf
	}

	raw, err := row.Get(field)
	if err != nil {
		return runtime.Result{}, fmt.Errorf("explode node %q: %w", node.ID, err)
	}
	items, ok := raw.([]any)
	if !ok {
		return runtime.Result{}, fmt.Errorf("explode node %q: field %q is %T, want a list", node.ID, field, raw)
	}

	base := row.ToMap()
	delete(base, field)

	children := make([]map[string]any, 0, len(items))
	for _, item := range items {
		child := make(map[string]any, len(base)+1)
		for k, v := range base {
			child[k] = v
		}
		if obj, ok := item.(map[string]any); ok {
			for k, v := range obj {
				child[k] = v
			}
		} else {
			child[childField] = item
		}
		children = append(children, child)
	}
	return runtime.Result{Expand: children}, nil
}

// thresholdGate compares a numeric field against a minimum. Rows at or above
// the minimum continue; rows below are dropped, or routed along below_label
// when one is configured.
// Config: field (string, required), min (number, required), below_label (string).
func thresholdGate(_ context.Context, row schema.Row, node *domain.Node) (runtime.Result, error) {
	field, err := stringOption(node, "field")
	if err != nil {
		return runtime.Result{}, err
	}
	min, err := numberOption(node, "min")
	if err != nil {
		return runtime.Result{}, err
	}

	raw, err := row.Get(field)
	if err != nil {
		return runtime.Result{}, fmt.Errorf("threshold gate node %q: %w", node.ID, err)
	}
	value, ok := asFloat(raw)
	if !ok {
		return runtime.Result{}, fmt.Errorf("threshold gate node %q: field %q is %T, want a number", node.ID, field, raw)
	}

	result := runtime.Result{Data: row.ToMap()}
	if value >= min {
		result.Routing = runtime.Continue()
		return result, nil
	}
	if label, ok := node.Config["below_label"].(string); ok && label != "" {
		result.Routing = runtime.To(label)
		return result, nil
	}
	result.Routing = runtime.Drop()
	return result, nil
}

// batchStats reduces a batch to one summary row: the batch size plus a
// <field>_sum for every configured numeric field.
// Config: fields ([]string).
func batchStats(_ context.Context, rows []schema.Row, node *domain.Node) (runtime.FlushResult, error) {
	fields, err := stringListOption(node, "fields")
	if err != nil {
		return runtime.FlushResult{}, err
	}

	out := map[string]any{"batch_size": len(rows)}
	for _, field := range fields {
		sum := 0.0
		for _, row := range rows {
			raw, err := row.Get(field)
			if err != nil {
				continue
			}
			if v, ok := asFloat(raw); ok {
				sum += v
			}
		}
		out[field+"_sum"] = sum
	}
	return runtime.FlushResult{Rows: []map[string]any{out}}, nil
}

func stringOption(node *domain.Node, key string) (string, error) {
	v, ok := node.Config[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("node %q: config option %q must be a non-empty string", node.ID, key)
	}
	return v, nil
}

func numberOption(node *domain.Node, key string) (float64, error) {
	raw, ok := node.Config[key]
	if !ok {
		return 0, fmt.Errorf("node %q: config option %q is required", node.ID, key)
	}
	v, ok := asFloat(raw)
	if !ok {
		return 0, fmt.Errorf("node %q: config option %q must be a number, got %T", node.ID, key, raw)
	}
	return v, nil
}

func stringListOption(node *domain.Node, key string) ([]string, error) {
	raw, ok := node.Config[key]
	if !ok {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("node %q: config option %q must be a list of field names", node.ID, key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("node %q: config option %q must contain only strings", node.ID, key)
		}
		out = append(out, s)
	}
	return out, nil
}

// asFloat coerces the numeric shapes rows carry after YAML config parsing or
// JSON decoding with UseNumber.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
