// Package celresolve builds policy resolvers from CEL expressions, so a
// deployment can define conflict resolution rules in configuration instead
// of code.
//
// The expression sees one variable, "claims": a list of maps with keys
// "admin" (the admin identity string) and "value" (the claim value as plain
// JSON data). Whatever the expression evaluates to is re-encoded through
// the policy kind's codec. Evaluation failures fail closed: the resolver
// returns no value, so no policy is in effect.
package celresolve

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/mantle-labs/aegis/pkg/policy"
)

// Resolver evaluates a compiled CEL expression over the claim list.
type Resolver struct {
	program cel.Program
	expr    string
	codec   policy.Codec
	logger  *slog.Logger
}

// New compiles expr into a Resolver. codec converts the expression's result
// into the policy kind's value type.
func New(expr string, codec policy.Codec, logger *slog.Logger) (*Resolver, error) {
	if codec == nil {
		return nil, fmt.Errorf("%w: codec", policy.ErrNilArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("claims", cel.ListType(cel.MapType(cel.StringType, cel.DynType))),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile resolver expression %q: %w", expr, issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build resolver program: %w", err)
	}
	return &Resolver{
		program: program,
		expr:    expr,
		codec:   codec,
		logger:  logger.With("component", "celresolve"),
	}, nil
}

// Resolve implements policy.Resolver.
func (r *Resolver) Resolve(claims []policy.Claim) policy.Value {
	if len(claims) == 0 {
		return nil
	}

	input := make([]map[string]interface{}, 0, len(claims))
	for _, c := range claims {
		v, err := claimValueData(c.Value)
		if err != nil {
			r.logger.Error("claim value not convertible for resolution",
				"expr", r.expr, "admin", c.Admin.String(), "error", err)
			return nil
		}
		input = append(input, map[string]interface{}{
			"admin": c.Admin.String(),
			"value": v,
		})
	}

	out, _, err := r.program.Eval(map[string]interface{}{"claims": input})
	if err != nil {
		r.logger.Error("resolver expression evaluation failed",
			"expr", r.expr, "error", err)
		return nil
	}

	native, err := nativize(out)
	if err != nil {
		r.logger.Error("resolver expression produced unusable result",
			"expr", r.expr, "error", err)
		return nil
	}
	raw, err := json.Marshal(native)
	if err != nil {
		r.logger.Error("serializing resolver result failed",
			"expr", r.expr, "error", err)
		return nil
	}
	value, err := r.codec(raw)
	if err != nil {
		r.logger.Error("resolver result does not match policy value kind",
			"expr", r.expr, "error", err)
		return nil
	}
	return value
}

// claimValueData round-trips a policy value through JSON into plain Go data
// the CEL runtime understands.
func claimValueData(v policy.Value) (interface{}, error) {
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// nativize converts a CEL result into plain Go data.
func nativize(v ref.Val) (interface{}, error) {
	switch v.Type() {
	case types.BoolType:
		return v.Value(), nil
	case types.IntType, types.UintType, types.DoubleType, types.StringType:
		return v.Value(), nil
	case types.NullType:
		return nil, nil
	case types.ListType:
		lister, ok := v.(traits.Lister)
		if !ok {
			return nil, fmt.Errorf("list result does not implement lister")
		}
		size, _ := lister.Size().Value().(int64)
		out := make([]interface{}, 0, size)
		for i := int64(0); i < size; i++ {
			elem, err := nativize(lister.Get(types.Int(i)))
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		return out, nil
	case types.MapType:
		mapper, ok := v.(traits.Mapper)
		if !ok {
			return nil, fmt.Errorf("map result does not implement mapper")
		}
		out := make(map[string]interface{})
		it := mapper.Iterator()
		for it.HasNext() == types.True {
			key := it.Next()
			ks, ok := key.Value().(string)
			if !ok {
				return nil, fmt.Errorf("map result has non-string key %v", key.Value())
			}
			elem, err := nativize(mapper.Get(key))
			if err != nil {
				return nil, err
			}
			out[ks] = elem
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported result type %s", v.Type().TypeName())
	}
}
