package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/macossetup/macossetup/pkg/engine"
)

// maxExecutionSteps bounds a single script run.
const maxExecutionSteps = 10_000_000

// fileOptions lets generators branch on host facts at top level.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// StarlarkResult is the outcome of a script run.
type StarlarkResult struct {
	// Output holds the script's public globals converted to Go values.
	Output map[string]interface{}

	ExecutionTime time.Duration
}

// StarlarkEvaluator executes generator scripts in a sandbox: no file system,
// no network, bounded steps and wall time.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Evaluate executes a script with the given predeclared input and returns
// its public globals.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "macsetup:" + filename,
		Print: func(_ *starlark.Thread, msg string) {
			log.Debug().Str("script", filename).Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(maxExecutionSteps)

	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(fmt.Sprintf("execution timeout after %v", se.timeout))
	})
	defer stop()

	output, err := se.evaluateSync(thread, filename, script, input)
	if err != nil {
		if evalCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("starlark execution timeout: %w", err)
		}
		return nil, err
	}

	return &StarlarkResult{
		Output:        output,
		ExecutionTime: time.Since(startTime),
	}, nil
}

func (se *StarlarkEvaluator) evaluateSync(thread *starlark.Thread, filename, script string, input map[string]interface{}) (map[string]interface{}, error) {
	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
		"pin":    starlark.NewBuiltin("pin", builtinPin),
	}

	for key, val := range input {
		starlarkVal, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = starlarkVal
	}

	globals, err := starlark.ExecFileOptions(fileOptions, thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		// Underscore globals and functions are private to the script.
		if name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return output, nil
}

// Generate runs the generator script at path. The script sees the host
// facts as the struct "host" and declares subjects through the globals
// brew, pipx, pyenv, mas, npm, configs (lists of entries) and defaults (a
// dict of domain to dict of key to value). Other globals are ignored.
func (se *StarlarkEvaluator) Generate(ctx context.Context, path string, facts map[string]interface{}) (*File, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read generator: %w", err)
	}

	result, err := se.Evaluate(ctx, path, string(script), map[string]interface{}{"host": facts})
	if err != nil {
		return nil, fmt.Errorf("generator %s: %w", path, err)
	}

	f, err := fileFromOutput(result.Output)
	if err != nil {
		return nil, fmt.Errorf("generator %s: %w", path, err)
	}
	if err := NewValidator().Validate(f); err != nil {
		return nil, fmt.Errorf("generator %s: %w", path, err)
	}

	log.Debug().Str("script", path).Dur("elapsed", result.ExecutionTime).Msg("generator finished")
	return f, nil
}

func fileFromOutput(output map[string]interface{}) (*File, error) {
	f := NewFile()
	for _, kind := range engine.KnownKinds() {
		raw, ok := output[string(kind)]
		if !ok || kind.IsPreferenceStore() {
			continue
		}
		list, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%s must be a list, got %T", kind, raw)
		}
		for i, v := range list {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%s[%d] must be a string, got %T", kind, i, v)
			}
			id, version := ParseEntry(s)
			if _, err := f.SetItem(kind, id, version); err != nil {
				return nil, err
			}
		}
	}

	if raw, ok := output["defaults"]; ok {
		domains, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("defaults must be a dict, got %T", raw)
		}
		names := make([]string, 0, len(domains))
		for d := range domains {
			names = append(names, d)
		}
		sort.Strings(names)
		for _, domain := range names {
			keys, ok := domains[domain].(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("defaults[%q] must be a dict, got %T", domain, domains[domain])
			}
			for k, v := range keys {
				if v == nil {
					return nil, fmt.Errorf("defaults[%q][%q] is None", domain, k)
				}
				f.SetPreference(engine.PreferenceKey{Domain: domain, Key: k}, v)
			}
		}
	}
	return f, nil
}

// toStarlarkValue converts a Go value to a Starlark value. Maps become
// structs so scripts can write host.arch.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for k, s := range val {
			if err := dict.SetKey(starlark.String(k), starlark.String(s)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]interface{}:
		fields := make(starlark.StringDict, len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			fields[k] = starlarkVal
		}
		return starlarkstruct.FromStringDict(starlarkstruct.Default, fields), nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Indexable:
		// list and tuple
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

// builtinPin implements pin(name, version) -> "name==version".
func builtinPin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, version string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "version", &version); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%s: empty name", b.Name())
	}
	return starlark.String(FormatEntry(name, version)), nil
}
