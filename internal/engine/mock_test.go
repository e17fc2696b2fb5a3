package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/geekxflood/common/logging"

	"github.com/geekxflood/proteus/internal/mo"
	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/types"
)

// mockConfigProvider implements the config.Provider interface for testing.
type mockConfigProvider struct {
	values map[string]interface{}
}

func newMockConfigProvider() *mockConfigProvider {
	return &mockConfigProvider{
		values: map[string]interface{}{
			"engine.workers":          2,
			"engine.queue_size":       16,
			"engine.max_repetitions":  50,
			"engine.max_phase_passes": 4,
		},
	}
}

func (m *mockConfigProvider) GetString(path string, defaultValue ...string) (string, error) {
	if val, exists := m.values[path]; exists {
		if str, ok := val.(string); ok {
			return str, nil
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return "", fmt.Errorf("path not found: %s", path)
}

func (m *mockConfigProvider) GetInt(path string, defaultValue ...int) (int, error) {
	if val, exists := m.values[path]; exists {
		if i, ok := val.(int); ok {
			return i, nil
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, fmt.Errorf("path not found: %s", path)
}

func (m *mockConfigProvider) GetFloat(path string, defaultValue ...float64) (float64, error) {
	if val, exists := m.values[path]; exists {
		if f, ok := val.(float64); ok {
			return f, nil
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, fmt.Errorf("path not found: %s", path)
}

func (m *mockConfigProvider) GetBool(path string, defaultValue ...bool) (bool, error) {
	if val, exists := m.values[path]; exists {
		if b, ok := val.(bool); ok {
			return b, nil
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return false, fmt.Errorf("path not found: %s", path)
}

func (m *mockConfigProvider) GetDuration(path string, defaultValue ...time.Duration) (time.Duration, error) {
	if val, exists := m.values[path]; exists {
		if str, ok := val.(string); ok {
			return time.ParseDuration(str)
		}
		if d, ok := val.(time.Duration); ok {
			return d, nil
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, fmt.Errorf("path not found: %s", path)
}

func (m *mockConfigProvider) GetStringSlice(path string, defaultValue ...[]string) ([]string, error) {
	if val, exists := m.values[path]; exists {
		if slice, ok := val.([]string); ok {
			return slice, nil
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return nil, fmt.Errorf("path not found: %s", path)
}

func (m *mockConfigProvider) GetMap(path string) (map[string]any, error) {
	if val, exists := m.values[path]; exists {
		if m, ok := val.(map[string]any); ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("path not found: %s", path)
}

func (m *mockConfigProvider) Exists(path string) bool {
	_, exists := m.values[path]
	return exists
}

func (m *mockConfigProvider) Validate() error {
	return nil
}

func createTestLogger() logging.Logger {
	logger, _, _ := logging.NewLogger(logging.Config{
		Level:  "error",
		Format: "json",
	})
	return logger
}

// memHandler serves a set of read-write instances under one subtree and
// records how it was driven.
type memHandler struct {
	scope oid.Scope

	mu        sync.Mutex
	instances []oid.OID
	values    map[string]types.Variable

	failCommit  types.ErrorStatus
	failUndo    bool
	deferPasses int // prepare calls left incomplete per sub-request
	prepares    map[int]int

	commits  int
	undos    map[string]int
	cleanups int
}

func newMemHandler(prefix string, values map[string]types.Variable) *memHandler {
	h := &memHandler{
		scope:    oid.Subtree(oid.MustParse(prefix)),
		values:   make(map[string]types.Variable),
		prepares: make(map[int]int),
		undos:    make(map[string]int),
	}
	for k, v := range values {
		o := oid.MustParse(k)
		h.instances = append(h.instances, o)
		h.values[o.String()] = v
	}
	sort.Slice(h.instances, func(i, j int) bool { return oid.Compare(h.instances[i], h.instances[j]) < 0 })
	return h
}

func (h *memHandler) value(o oid.OID) types.Variable {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.values[o.String()]
}

func (h *memHandler) Scope() oid.Scope { return h.scope }

func (h *memHandler) Find(scope oid.Scope) (oid.OID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, o := range h.instances {
		if scope.Covers(o) {
			return o, true
		}
	}
	return nil, false
}

func (h *memHandler) Get(sub mo.SubRequest) {
	vb := sub.VarBind()
	if v, ok := h.values[vb.OID.String()]; ok {
		vb.Variable = v
	} else {
		vb.Variable = types.NoSuchInstance
	}
	sub.Complete()
}

func (h *memHandler) Next(sub mo.SubRequest) bool {
	o, ok := h.Find(sub.Scope())
	if !ok {
		return false
	}
	vb := sub.VarBind()
	vb.OID = o
	vb.Variable = h.value(o)
	sub.Complete()
	return true
}

func (h *memHandler) Prepare(sub mo.SubRequest) {
	h.prepares[sub.Index()]++
	if h.prepares[sub.Index()] <= h.deferPasses {
		return
	}
	sub.Complete()
}

func (h *memHandler) Commit(sub mo.SubRequest) {
	h.commits++
	if h.failCommit.IsError() {
		sub.SetErrorStatus(h.failCommit)
		return
	}
	vb := sub.VarBind()
	h.mu.Lock()
	sub.SetUndoValue(h.values[vb.OID.String()])
	h.values[vb.OID.String()] = vb.Variable
	h.mu.Unlock()
	sub.Complete()
}

func (h *memHandler) Undo(sub mo.SubRequest) {
	vb := sub.VarBind()
	h.undos[vb.OID.String()]++
	if h.failUndo {
		sub.SetErrorStatus(types.ErrorStatusUndoFailed)
		return
	}
	h.mu.Lock()
	h.values[vb.OID.String()] = sub.UndoValue().(types.Variable)
	h.mu.Unlock()
	sub.Complete()
}

func (h *memHandler) Cleanup(sub mo.SubRequest) {
	h.cleanups++
	sub.Complete()
}
