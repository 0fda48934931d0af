package handlers

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

// TypeDataProcessing is the task type served by DataProcessing.
const TypeDataProcessing = "data_processing"

type record = map[string]any

type dataInput struct {
	Operation      string            `json:"operation"`
	Data           []record          `json:"data"`
	Key            string            `json:"key"`
	Reverse        bool              `json:"reverse"`
	Condition      map[string]any    `json:"condition"`
	Transformation map[string]string `json:"transformation"`
}

// DataProcessing sorts, filters or transforms a list of records.
//
//	sort       by "key" (default "id"), optionally "reverse"
//	filter     keeps records whose fields equal every entry of "condition"
//	transform  applies "uppercase" or "lowercase" to the named fields
func DataProcessing(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
	var in dataInput
	if err := decode(data, &in); err != nil {
		return nil, dataError(err.Error(), err)
	}

	switch in.Operation {
	case "sort":
		key := cmp.Or(in.Key, "id")
		out := slices.Clone(in.Data)
		slices.SortStableFunc(out, func(a, b record) int {
			c := compareValues(a[key], b[key])
			if in.Reverse {
				return -c
			}
			return c
		})
		return result(nonNil(out))

	case "filter":
		out := make([]record, 0, len(in.Data))
		for _, item := range in.Data {
			if matchesCondition(item, in.Condition) {
				out = append(out, item)
			}
		}
		return result(out)

	case "transform":
		for field, how := range in.Transformation {
			if how != "uppercase" && how != "lowercase" {
				return nil, dataError(fmt.Sprintf("unsupported transformation %q for field %q", how, field), nil)
			}
		}
		out := make([]record, 0, len(in.Data))
		for _, item := range in.Data {
			next := maps.Clone(item)
			if next == nil {
				next = record{}
			}
			for field, how := range in.Transformation {
				s := stringify(next[field])
				if how == "uppercase" {
					next[field] = strings.ToUpper(s)
				} else {
					next[field] = strings.ToLower(s)
				}
			}
			out = append(out, next)
		}
		return result(out)
	}
	return nil, dataError(fmt.Sprintf("unsupported operation %q", in.Operation), nil)
}

// compareValues orders missing values first, then numbers, then strings,
// then booleans, then anything else by its JSON text.
func compareValues(a, b any) int {
	if c := cmp.Compare(rank(a), rank(b)); c != 0 {
		return c
	}
	switch x := a.(type) {
	case nil:
		return 0
	case float64:
		return cmp.Compare(x, b.(float64))
	case string:
		return strings.Compare(x, b.(string))
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return strings.Compare(string(ja), string(jb))
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case float64:
		return 1
	case string:
		return 2
	case bool:
		return 3
	}
	return 4
}

func matchesCondition(item record, condition map[string]any) bool {
	for k, want := range condition {
		if !reflect.DeepEqual(item[k], want) {
			return false
		}
	}
	return true
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64, bool:
		return fmt.Sprint(x)
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func nonNil(rs []record) []record {
	if rs == nil {
		return []record{}
	}
	return rs
}

func dataError(msg string, cause error) error {
	return errors.NewExecutionError("data processing error: "+msg, cause)
}
