package wtlars

import (
	"encoding/gob"
	"fmt"
	"io"
)

// resultVersion guards the serialized layout.
const resultVersion = 1

// resultState is the serializable form of a Result.
type resultState struct {
	Version           int
	Status            int
	X                 []float64
	Active            []int
	Coeffs            []float64
	ActiveModeIndices [][]int
	UsedModeColumns   [][]int
	Reconstruction    []float64
	TensorDims        []int
	Stats             Stats
	Iterations        []IterationStat
	History           [][]float64
}

// Save serializes the result to gob format, for checkpointing a run's
// outcome or handing it to another process.
func (r *Result) Save(w io.Writer) error {
	state := resultState{
		Version:           resultVersion,
		Status:            int(r.Status),
		X:                 r.X,
		Active:            r.Active,
		Coeffs:            r.Coeffs,
		ActiveModeIndices: r.ActiveModeIndices,
		UsedModeColumns:   r.UsedModeColumns,
		Reconstruction:    r.Reconstruction,
		TensorDims:        r.TensorDims,
		Stats:             r.Stats,
		Iterations:        r.Iterations,
		History:           r.History,
	}
	if err := gob.NewEncoder(w).Encode(&state); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

// LoadResult deserializes a result previously written by Save.
func LoadResult(r io.Reader) (*Result, error) {
	var state resultState
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	if state.Version != resultVersion {
		return nil, fmt.Errorf("unsupported result version %d, expected %d", state.Version, resultVersion)
	}
	return &Result{
		Status:            Status(state.Status),
		X:                 state.X,
		Active:            state.Active,
		Coeffs:            state.Coeffs,
		ActiveModeIndices: state.ActiveModeIndices,
		UsedModeColumns:   state.UsedModeColumns,
		Reconstruction:    state.Reconstruction,
		TensorDims:        state.TensorDims,
		Stats:             state.Stats,
		Iterations:        state.Iterations,
		History:           state.History,
	}, nil
}
