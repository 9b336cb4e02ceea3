package engine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/petrijr/stepflow/pkg/api"
)

// runMap builds the projected object of a Map entry. Sources are read in key
// order so the first failing key is deterministic.
func (r *runner) runMap(entry api.FlowEntry, sc *scope, key string, input, init any) outcome {
	keys := make([]string, 0, len(entry.Mapping))
	for k := range entry.Mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, err := r.resolveSource(entry.Mapping[k], sc, input, init)
		if err != nil {
			return failed(&api.StepExecutionError{
				StepID: key,
				Err:    fmt.Errorf("map key %q: %w", k, err),
			})
		}
		out[k] = v
	}
	return succeeded(out)
}

func (r *runner) resolveSource(src api.MapSource, sc *scope, input, init any) (any, error) {
	var v any
	switch src.Kind {
	case api.SourceStep:
		res, err := sc.lookup(r.rc, src.Step)
		if err != nil {
			return nil, err
		}
		v = res
	case api.SourceInput:
		v = init
	case api.SourcePrevious:
		v = input
	case api.SourceValue:
		return src.Value, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", src.Kind)
	}
	if src.Path == "" {
		return v, nil
	}
	return project(v, src.Path)
}

// project selects path from the JSON form of v.
func project(v any, path string) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value for %q: %w", path, err)
	}
	res := gjson.GetBytes(data, path)
	if !res.Exists() {
		return nil, fmt.Errorf("%w: %s", api.ErrMappingPath, path)
	}
	return res.Value(), nil
}
