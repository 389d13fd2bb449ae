package prover

import (
	"context"
	"fmt"
	"sync"
)

// Mock is an in-memory Prover used by tests across the admission and
// pricing packages. It never touches storage or a real zkVM backend.
type Mock struct {
	mu      sync.Mutex
	Results map[string]Result // keyed by imageURI+"|"+inputURI
	Errors  map[string]error
	Calls   int
}

// NewMock creates an empty Mock.
func NewMock() *Mock {
	return &Mock{
		Results: make(map[string]Result),
		Errors:  make(map[string]error),
	}
}

func mockKey(imageURI, inputURI string) string {
	return imageURI + "|" + inputURI
}

// SetResult configures the Result returned for a given image/input pair
// (ErrSessionLimitExceeded if its TotalCycles exceed the ceiling).
func (m *Mock) SetResult(imageURI, inputURI string, res Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Results[mockKey(imageURI, inputURI)] = res
}

func (m *Mock) SetError(imageURI, inputURI string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[mockKey(imageURI, inputURI)] = err
}

func (m *Mock) Preflight(ctx context.Context, imageURI, inputURI string, cycleCeiling uint64) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++

	key := mockKey(imageURI, inputURI)
	if err, ok := m.Errors[key]; ok {
		return Result{}, err
	}
	if res, ok := m.Results[key]; ok {
		if res.TotalCycles > cycleCeiling {
			return Result{}, ErrSessionLimitExceeded
		}
		return res, nil
	}
	return Result{TotalCycles: 1_000_000, JournalSize: 32}, nil
}

func (m *Mock) StageImage(ctx context.Context, imageRef string) (string, error) {
	return fmt.Sprintf("staged://%s", imageRef), nil
}

func (m *Mock) StageInput(ctx context.Context, inputRef string) (string, error) {
	return fmt.Sprintf("staged://%s", inputRef), nil
}
