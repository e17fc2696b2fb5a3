package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/storage"
	"github.com/geekxflood/proteus/internal/types"
)

// mockConfigManager implements config.Manager for testing
type mockConfigManager struct {
	data map[string]any
}

func newMockConfigManager(t *testing.T) *mockConfigManager {
	return &mockConfigManager{
		data: map[string]any{
			"app.log_level":             "error",
			"agent.host":                "127.0.0.1",
			"agent.port":                0,
			"agent.read_timeout":        "50ms",
			"engine.workers":            2,
			"metrics.enabled":           false,
			"reload.enabled":            false,
			"storage.connection_string": filepath.Join(t.TempDir(), "proteus.db"),
			"storage.save_interval":     "0s",
			"retry.max_attempts":        1,
			"app.shutdown_timeout":      "5s",
		},
	}
}

func (m *mockConfigManager) Get(key string) (any, error) {
	if value, exists := m.data[key]; exists {
		return value, nil
	}
	return nil, fmt.Errorf("key not found: %s", key)
}

func (m *mockConfigManager) GetString(key string, defaultValue ...string) (string, error) {
	if value, ok := m.data[key].(string); ok {
		return value, nil
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return "", fmt.Errorf("key not found: %s", key)
}

func (m *mockConfigManager) GetInt(key string, defaultValue ...int) (int, error) {
	if value, ok := m.data[key].(int); ok {
		return value, nil
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, fmt.Errorf("key not found: %s", key)
}

func (m *mockConfigManager) GetBool(key string, defaultValue ...bool) (bool, error) {
	if value, ok := m.data[key].(bool); ok {
		return value, nil
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return false, fmt.Errorf("key not found: %s", key)
}

func (m *mockConfigManager) GetDuration(key string, defaultValue ...time.Duration) (time.Duration, error) {
	if value, ok := m.data[key].(string); ok {
		return time.ParseDuration(value)
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, fmt.Errorf("key not found: %s", key)
}

func (m *mockConfigManager) GetFloat(key string, defaultValue ...float64) (float64, error) {
	if value, ok := m.data[key].(float64); ok {
		return value, nil
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, fmt.Errorf("key not found: %s", key)
}

func (m *mockConfigManager) GetStringSlice(key string, defaultValue ...[]string) ([]string, error) {
	if value, ok := m.data[key].([]string); ok {
		return value, nil
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return nil, fmt.Errorf("key not found: %s", key)
}

func (m *mockConfigManager) GetMap(key string) (map[string]any, error) {
	if value, ok := m.data[key].(map[string]any); ok {
		return value, nil
	}
	return nil, fmt.Errorf("key not found: %s", key)
}

func (m *mockConfigManager) Exists(key string) bool {
	_, exists := m.data[key]
	return exists
}

func (m *mockConfigManager) Validate() error { return nil }
func (m *mockConfigManager) Reload() error { return nil }
func (m *mockConfigManager) Close() error { return nil }
func (m *mockConfigManager) OnConfigChange(callback func(error)) {}
func (m *mockConfigManager) StartHotReload(ctx context.Context) error { return nil }
func (m *mockConfigManager) StopHotReload() {}

func startApplication(t *testing.T, cm *mockConfigManager) *Application {
	t.Helper()

	app, err := NewApplication(cm)
	require.NoError(t, err)
	require.NoError(t, app.Initialize())
	require.NoError(t, app.Start())
	return app
}

func newClient(t *testing.T, app *Application) *gosnmp.GoSNMP {
	t.Helper()

	addr := app.Agent().Addr()
	require.NotNil(t, addr)

	client := &gosnmp.GoSNMP{
		Target:    "127.0.0.1",
		Port:      uint16(addr.Port),
		Community: "public",
		Version:   gosnmp.Version2c,
		Timeout:   time.Second,
		Retries:   1,
	}
	require.NoError(t, client.Connect())
	t.Cleanup(func() { client.Conn.Close() })
	return client
}

func TestNewApplication(t *testing.T) {
	_, err := NewApplication(nil)
	assert.Error(t, err)

	app, err := NewApplication(newMockConfigManager(t))
	require.NoError(t, err)
	assert.Equal(t, "proteus", app.GetConfig().Name)
	assert.Equal(t, 5*time.Second, app.GetConfig().ShutdownTimeout)
	assert.NotNil(t, app.GetLogger())
	assert.False(t, app.IsHealthy())
}

func TestApplicationServesSeededObjects(t *testing.T) {
	cm := newMockConfigManager(t)
	app := startApplication(t, cm)
	assert.True(t, app.IsHealthy())

	client := newClient(t, app)

	result, err := client.Get([]string{".1.3.6.1.2.1.1.1.0", ".1.3.6.1.2.1.1.7.0"})
	require.NoError(t, err)
	require.Len(t, result.Variables, 2)
	assert.Equal(t, []byte("proteus SNMP agent"), result.Variables[0].Value)
	assert.Equal(t, int64(72), gosnmp.ToBigInt(result.Variables[1].Value).Int64())

	set, err := client.Set([]gosnmp.SnmpPDU{{
		Name:  ".1.3.6.1.2.1.1.4.0",
		Type:  gosnmp.OctetString,
		Value: "noc@example.net",
	}})
	require.NoError(t, err)
	assert.Equal(t, gosnmp.NoError, set.Error)

	stats := app.GetStats()
	assert.Contains(t, stats.ComponentStats, "processor")
	assert.Contains(t, stats.ComponentStats, "storage")

	require.NoError(t, app.Shutdown())
	assert.False(t, app.IsHealthy())

	// The final save on shutdown keeps the written contact.
	s, err := storage.NewStorage(cm, app.GetLogger())
	require.NoError(t, err)
	defer s.Close()

	records, err := s.Records(context.Background())
	require.NoError(t, err)

	var found bool
	for _, rec := range records {
		if rec.Key == "1.3.6.1.2.1.1.4" {
			found = true
			assert.Equal(t, []types.Variable{types.OctetString("noc@example.net")}, rec.Values)
		}
	}
	assert.True(t, found, "sysContact was not saved")
}

func TestApplicationRestoresState(t *testing.T) {
	cm := newMockConfigManager(t)

	first := startApplication(t, cm)
	_, ok := first.Directory().Lookup(nil, oid.MustParse("1.3.6.1.2.1.1.5.0"))
	require.True(t, ok)

	client := newClient(t, first)
	_, serr := client.Set([]gosnmp.SnmpPDU{{Name: ".1.3.6.1.2.1.1.5.0", Type: gosnmp.OctetString, Value: "edge-1"}})
	require.NoError(t, serr)
	require.NoError(t, first.Shutdown())

	second := startApplication(t, cm)
	defer second.Shutdown()

	result, gerr := newClient(t, second).Get([]string{".1.3.6.1.2.1.1.5.0"})
	require.NoError(t, gerr)
	assert.Equal(t, []byte("edge-1"), result.Variables[0].Value)
}

func TestSeedReload(t *testing.T) {
	cm := newMockConfigManager(t)
	app := startApplication(t, cm)
	defer app.Shutdown()

	before := app.Directory().Len()

	path := filepath.Join(t.TempDir(), "seed.cue")
	require.NoError(t, os.WriteFile(path, []byte(`objects: [
	{name: "labValue", oid: "1.3.6.1.4.1.99999.1", syntax: "INTEGER", value: "7"},
]`), 0o644))
	cm.data["seed.path"] = path

	require.NoError(t, app.seeds.Reload(cm))
	assert.Equal(t, 1, app.Directory().Len())

	_, ok := app.Directory().Lookup(nil, oid.MustParse("1.3.6.1.4.1.99999.1.0"))
	assert.True(t, ok)
	_, ok = app.Directory().Lookup(nil, oid.MustParse("1.3.6.1.2.1.1.1.0"))
	assert.False(t, ok)

	// A broken seed leaves the installed objects alone.
	require.NoError(t, os.WriteFile(path, []byte(`objects: [`), 0o644))
	assert.Error(t, app.seeds.Reload(cm))
	assert.Equal(t, 1, app.Directory().Len())

	delete(cm.data, "seed.path")
	require.NoError(t, app.seeds.Reload(cm))
	assert.Equal(t, before, app.Directory().Len())
}

func TestSeedTableRowChangesAreObserved(t *testing.T) {
	cm := newMockConfigManager(t)
	path := filepath.Join(t.TempDir(), "seed.cue")
	require.NoError(t, os.WriteFile(path, []byte(`tables: [{
	name:  "labTable"
	entry: "1.3.6.1.4.1.99999.3.1.1"
	columns: [
		{id: 2, name: "labCount", syntax: "INTEGER", access: "read-create", default: "0"},
		{id: 3, name: "labStatus", syntax: "INTEGER", access: "read-create", rowstatus: true},
	]
}]`), 0o644))
	cm.data["seed.path"] = path

	app := startApplication(t, cm)
	defer app.Shutdown()
	client := newClient(t, app)

	set, err := client.Set([]gosnmp.SnmpPDU{{Name: ".1.3.6.1.4.1.99999.3.1.1.3.5", Type: gosnmp.Integer, Value: 4}})
	require.NoError(t, err)
	require.Equal(t, gosnmp.NoError, set.Error)

	seedStats, ok := app.GetStats().ComponentStats["seed"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, int64(2), seedStats["row_changes"])
	assert.Equal(t, 1, seedStats["objects"])

	get, err := client.Get([]string{".1.3.6.1.4.1.99999.3.1.1.2.5"})
	require.NoError(t, err)
	assert.Equal(t, 0, get.Variables[0].Value)
}
