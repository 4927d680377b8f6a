package runner

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"

	"github.com/irschad/kpt/pkg/pipeline"
)

// runStarlark executes a function as an in-process Starlark script. The
// request is exposed to the script as the predeclared `resource_list` dict,
// which the script mutates in place; a script may instead assign a global
// named `output` holding a replacement response. A script error is a
// nonzero invocation, not an orchestrator error.
func (d *Dispatcher) runStarlark(ctx context.Context, rt *pipeline.StarlarkRuntime, input []byte) (*pipeline.RunnerResponse, error) {
	script := rt.Source
	name := "inline.star"
	if rt.Path != "" {
		path, err := d.resolvePath(rt.Path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read starlark script: %w", err)
		}
		script = string(data)
		name = rt.Path
	}

	var request yaml.Node
	if err := yaml.Unmarshal(input, &request); err != nil {
		return nil, fmt.Errorf("failed to decode request for starlark: %w", err)
	}

	d.logger.Debug().Str("script", name).Msg("Running starlark function")

	thread := &starlark.Thread{
		Name: "kpt",
		Print: func(_ *starlark.Thread, msg string) {
			// Starlark print is the script's diagnostic channel; it
			// lands in the invocation log, not in the response.
			d.logger.Debug().Str("script", name).Msg(msg)
		},
	}

	in, err := nodeToStarlark(&request)
	if err != nil {
		return nil, fmt.Errorf("failed to convert request for starlark: %w", err)
	}

	type evalResult struct {
		globals starlark.StringDict
		err     error
	}
	resultCh := make(chan evalResult, 1)
	go func() {
		predeclared := starlark.StringDict{"resource_list": in}
		globals, err := starlark.ExecFile(thread, name, script, predeclared)
		resultCh <- evalResult{globals: globals, err: err}
	}()

	var res evalResult
	select {
	case <-ctx.Done():
		thread.Cancel("cancelled")
		<-resultCh
		return nil, fmt.Errorf("starlark script %s: %w", name, ctx.Err())
	case res = <-resultCh:
	}

	if res.err != nil {
		return &pipeline.RunnerResponse{
			ExitCode: 1,
			Stderr:   res.err.Error(),
			ParseErr: fmt.Errorf("starlark execution failed: %w", res.err),
		}, nil
	}

	// An `output` global replaces the response wholesale; otherwise the
	// (possibly mutated) input is the response.
	out, ok := res.globals["output"]
	if !ok {
		out = in
	}

	node, err := starlarkToNode(out)
	if err != nil {
		return &pipeline.RunnerResponse{ExitCode: 1, Stderr: err.Error(), ParseErr: err}, nil
	}
	data, err := yaml.Marshal(node)
	if err != nil {
		return &pipeline.RunnerResponse{ExitCode: 1, Stderr: err.Error(), ParseErr: err}, nil
	}
	return buildResponse(data, nil, 0), nil
}

// nodeToStarlark converts a YAML node tree into a Starlark value directly,
// so mapping key order and non-string keys survive the trip through the
// interpreter. Starlark dicts iterate in insertion order.
func nodeToStarlark(node *yaml.Node) (starlark.Value, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return starlark.None, nil
		}
		return nodeToStarlark(node.Content[0])
	case yaml.AliasNode:
		return nodeToStarlark(node.Alias)
	case yaml.MappingNode:
		dict := starlark.NewDict(len(node.Content) / 2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, err := nodeToStarlark(node.Content[i])
			if err != nil {
				return nil, err
			}
			value, err := nodeToStarlark(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(key, value); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case yaml.SequenceNode:
		items := make([]starlark.Value, len(node.Content))
		for i, item := range node.Content {
			conv, err := nodeToStarlark(item)
			if err != nil {
				return nil, err
			}
			items[i] = conv
		}
		return starlark.NewList(items), nil
	case yaml.ScalarNode:
		return scalarToStarlark(node)
	default:
		return nil, fmt.Errorf("unsupported yaml node kind %d", node.Kind)
	}
}

func scalarToStarlark(node *yaml.Node) (starlark.Value, error) {
	switch node.ShortTag() {
	case "!!null":
		return starlark.None, nil
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return nil, err
		}
		return starlark.Bool(b), nil
	case "!!int":
		var i int64
		if err := node.Decode(&i); err != nil {
			return nil, err
		}
		return starlark.MakeInt64(i), nil
	case "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return nil, err
		}
		return starlark.Float(f), nil
	default:
		return starlark.String(node.Value), nil
	}
}

// starlarkToNode converts a Starlark value back into a YAML node.
func starlarkToNode(v starlark.Value) (*yaml.Node, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	case starlark.Bool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(bool(val))}, nil
	case starlark.Int:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: val.String()}, nil
	case starlark.Float:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float",
			Value: strconv.FormatFloat(float64(val), 'g', -1, 64)}, nil
	case starlark.String:
		node := &yaml.Node{}
		node.SetString(string(val))
		return node, nil
	case starlark.Tuple:
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range val {
			conv, err := starlarkToNode(item)
			if err != nil {
				return nil, err
			}
			seq.Content = append(seq.Content, conv)
		}
		return seq, nil
	case *starlark.List:
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for i := 0; i < val.Len(); i++ {
			conv, err := starlarkToNode(val.Index(i))
			if err != nil {
				return nil, err
			}
			seq.Content = append(seq.Content, conv)
		}
		return seq, nil
	case *starlark.Dict:
		mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, item := range val.Items() {
			key, err := starlarkToNode(item[0])
			if err != nil {
				return nil, err
			}
			value, err := starlarkToNode(item[1])
			if err != nil {
				return nil, err
			}
			mapping.Content = append(mapping.Content, key, value)
		}
		return mapping, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
