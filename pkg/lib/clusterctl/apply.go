package clusterctl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/itchyny/gojq"
	"github.com/pkg/errors"

	"github.com/operator-framework/testdeps/pkg/lib/manifest"
)

// Apply saves obj to a temporary manifest and runs "apply -f" on it. Applying
// replaces the live object's spec, so repeating it with the same object is a no-op.
func Apply(ctx context.Context, r Runner, obj interface{}) error {
	path, err := manifest.SaveTemp("", "testdeps-*.yaml", obj)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	_, err = r.Run(ctx, "apply", "-f", path)
	return err
}

// Get runs args with "-o json" and decodes the output into obj.
func Get(ctx context.Context, r Runner, obj interface{}, args ...string) error {
	out, err := r.Run(ctx, append(args, "-o", "json")...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(out), obj); err != nil {
		return errors.Wrap(err, "decoding command output")
	}
	return nil
}

// Query runs args with "-o json" and evaluates the jq expression over the output.
func Query(ctx context.Context, r Runner, expr string, args ...string) ([]interface{}, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing query %q", expr)
	}

	var input interface{}
	if err := Get(ctx, r, &input, args...); err != nil {
		return nil, err
	}
	return eval(ctx, query, expr, input)
}

// Eval evaluates the jq expression over an already decoded JSON document.
func Eval(ctx context.Context, expr string, input interface{}) ([]interface{}, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing query %q", expr)
	}
	return eval(ctx, query, expr, input)
}

// EvalStrings is Eval for expressions that yield strings. Null results are
// skipped.
func EvalStrings(ctx context.Context, expr string, input interface{}) ([]string, error) {
	results, err := Eval(ctx, expr, input)
	if err != nil {
		return nil, err
	}
	return toStrings(expr, results)
}

func eval(ctx context.Context, query *gojq.Query, expr string, input interface{}) ([]interface{}, error) {
	var results []interface{}
	iter := query.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, errors.Wrapf(err, "evaluating query %q", expr)
		}
		results = append(results, v)
	}
	return results, nil
}

// QueryStrings is Query for expressions that yield strings. Null results are
// skipped.
func QueryStrings(ctx context.Context, r Runner, expr string, args ...string) ([]string, error) {
	results, err := Query(ctx, r, expr, args...)
	if err != nil {
		return nil, err
	}
	return toStrings(expr, results)
}

func toStrings(expr string, results []interface{}) ([]string, error) {
	strs := make([]string, 0, len(results))
	for _, v := range results {
		switch s := v.(type) {
		case nil:
		case string:
			strs = append(strs, s)
		default:
			return nil, fmt.Errorf("query %q yielded %T, expected string", expr, v)
		}
	}
	return strs, nil
}
