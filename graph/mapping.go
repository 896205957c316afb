package graph

import (
	"github.com/BaSui01/cycleflow/expr"
	"github.com/BaSui01/cycleflow/types"
)

// ResolveMappings extracts the mapped fields from a producer's output and
// returns them keyed by target input name. Resolution is pure and
// all-or-nothing: a missing source path fails the whole call and nothing is
// applied.
//
// An empty mapping list passes the producer output through field by field.
// A mapping with an empty Source passes the whole output value through under
// its Target name.
func ResolveMappings(mappings []Mapping, output map[string]any) (map[string]any, error) {
	if len(mappings) == 0 {
		resolved := make(map[string]any, len(output))
		for k, v := range output {
			resolved[k] = v
		}
		return resolved, nil
	}

	resolved := make(map[string]any, len(mappings))
	for _, m := range mappings {
		if m.Target == "" {
			return nil, types.NewError(types.ErrInvalidMapping, "mapping target must not be empty")
		}
		if m.Source == "" {
			resolved[m.Target] = output
			continue
		}
		value, ok := expr.LookupOK(m.Source, output)
		if !ok {
			return nil, types.Errorf(types.ErrMissingMappingField,
				"source path %q not found in producer output (target input %q)", m.Source, m.Target)
		}
		resolved[m.Target] = value
	}
	return resolved, nil
}
