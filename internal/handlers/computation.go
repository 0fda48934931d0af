package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

// TypeComputation is the task type served by Computation.
const TypeComputation = "computation"

type computationInput struct {
	Operation string      `json:"operation"`
	Numbers   []float64   `json:"numbers"`
	Matrix1   [][]float64 `json:"matrix1"`
	Matrix2   [][]float64 `json:"matrix2"`
}

// Computation performs arithmetic. operation defaults to "sum".
//
//	{"operation":"sum","numbers":[1,2,3]}            -> {"result":6}
//	{"operation":"average","numbers":[1,2,3]}        -> {"result":2}
//	{"operation":"matrix_multiply","matrix1":[[..]],"matrix2":[[..]]} -> {"result":[[..]]}
func Computation(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
	var in computationInput
	if err := decode(data, &in); err != nil {
		return nil, computationError(err.Error(), err)
	}

	switch in.Operation {
	case "", "sum":
		var total float64
		for _, n := range in.Numbers {
			total += n
		}
		return result(total)

	case "average":
		if len(in.Numbers) == 0 {
			return nil, computationError("cannot average an empty list", nil)
		}
		var total float64
		for _, n := range in.Numbers {
			total += n
		}
		return result(total / float64(len(in.Numbers)))

	case "matrix_multiply":
		product, err := matmul(in.Matrix1, in.Matrix2)
		if err != nil {
			return nil, computationError(err.Error(), nil)
		}
		return result(product)
	}
	return nil, computationError(fmt.Sprintf("unsupported operation %q", in.Operation), nil)
}

func matmul(a, b [][]float64) ([][]float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return nil, fmt.Errorf("matrix1 and matrix2 are required")
	}
	inner := len(a[0])
	for i, row := range a {
		if len(row) != inner {
			return nil, fmt.Errorf("matrix1 row %d has %d columns, want %d", i, len(row), inner)
		}
	}
	if len(b) != inner {
		return nil, fmt.Errorf("cannot multiply %dx%d by %dx%d", len(a), inner, len(b), len(b[0]))
	}
	cols := len(b[0])
	for i, row := range b {
		if len(row) != cols {
			return nil, fmt.Errorf("matrix2 row %d has %d columns, want %d", i, len(row), cols)
		}
	}

	out := make([][]float64, len(a))
	for i := range a {
		out[i] = make([]float64, cols)
		for j := range cols {
			var sum float64
			for k := range inner {
				sum += a[i][k] * b[k][j]
			}
			out[i][j] = sum
		}
	}
	return out, nil
}

func computationError(msg string, cause error) error {
	return errors.NewExecutionError("computation error: "+msg, cause)
}
