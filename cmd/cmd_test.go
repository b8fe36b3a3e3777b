package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/proteus/cmd/schemas"
	"github.com/geekxflood/proteus/internal/agent"
	"github.com/geekxflood/proteus/internal/cmdserver"
	"github.com/geekxflood/proteus/internal/device"
	"github.com/geekxflood/proteus/internal/history"
	"github.com/geekxflood/proteus/internal/mib"
	"github.com/geekxflood/proteus/internal/reload"
	"github.com/geekxflood/proteus/internal/retry"
	"github.com/geekxflood/proteus/internal/server"
	"github.com/geekxflood/proteus/internal/testutil"
	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckComponents(t *testing.T) {
	require.NoError(t, checkComponents(testutil.NewMockConfig()))

	tests := []struct {
		key     string
		value   any
		section string
	}{
		{"server.family", "ipx", "server"},
		{"agent.max_varbinds", 0, "agent"},
		{"device.source", "usb", "device"},
		{"retry.max_attempts", 0, "retry"},
		{"history.batch_size", 0, "history"},
		{"command_server.max_connections", 0, "command_server"},
		{"reload.delay", "-1s", "reload"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := testutil.NewMockConfig()
			cfg.Set(tt.key, tt.value)

			err := checkComponents(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid "+tt.section+" configuration")
		})
	}
}

func TestCheckMIB(t *testing.T) {
	cfg := testutil.NewMockConfig()
	entries, err := checkMIB(cfg)
	require.NoError(t, err)
	assert.Greater(t, entries, 0)

	cfg.Set("mib.demo", true)
	withDemo, err := checkMIB(cfg)
	require.NoError(t, err)
	assert.Equal(t, entries+2, withDemo)

	cfg.Set("mib.system.object_id", "not an oid")
	_, err = checkMIB(cfg)
	assert.Error(t, err)
}

func TestNewWalkClient(t *testing.T) {
	defer func(target, version string, tcp bool) {
		walkTarget, walkVersion, walkTCP = target, version, tcp
	}(walkTarget, walkVersion, walkTCP)

	walkTarget, walkVersion, walkTCP = "10.0.0.7:1161", "1", true
	client, err := newWalkClient()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7", client.Target)
	assert.Equal(t, uint16(1161), client.Port)
	assert.Equal(t, gosnmp.Version1, client.Version)
	assert.Equal(t, "tcp", client.Transport)

	walkVersion = "3"
	_, err = newWalkClient()
	assert.Error(t, err)

	walkVersion, walkTarget = "2c", "10.0.0.7"
	_, err = newWalkClient()
	assert.Error(t, err)

	walkTarget = "10.0.0.7:70000"
	_, err = newWalkClient()
	assert.Error(t, err)
}

func TestPrintVariable(t *testing.T) {
	tests := []struct {
		pdu  gosnmp.SnmpPDU
		want string
	}{
		{gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.1.5.0", Type: gosnmp.OctetString, Value: []byte("proteus")}, `.1.3.6.1.2.1.1.5.0 = STRING: "proteus"` + "\n"},
		{gosnmp.SnmpPDU{Name: ".1.3.6.1.4.1.126.3.2.0", Type: gosnmp.Integer, Value: 41}, ".1.3.6.1.4.1.126.3.2.0 = INTEGER: 41\n"},
		{gosnmp.SnmpPDU{Name: ".1.3.6.1.2.1.1.3.0", Type: gosnmp.TimeTicks, Value: uint32(1234)}, ".1.3.6.1.2.1.1.3.0 = Timeticks: 1234\n"},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		printVariable(&buf, tt.pdu)
		if got := buf.String(); got != tt.want {
			t.Errorf("printVariable(%s) = %q, want %q", tt.pdu.Name, got, tt.want)
		}
	}
}

func TestGenerateConfig(t *testing.T) {
	defer func(file string, f bool) { outputFile, force = file, f }(outputFile, force)

	path := filepath.Join(t.TempDir(), "etc", "proteus.yaml")
	outputFile, force = path, false

	var out bytes.Buffer
	generateCmd.SetOut(&out)
	require.NoError(t, generateConfig(generateCmd, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	sample, err := sampleConfig()
	require.NoError(t, err)
	assert.Equal(t, sample, data)
	assert.Contains(t, string(data), "udp_port: 161")
	assert.Contains(t, out.String(), path)

	assert.Error(t, generateConfig(generateCmd, nil), "existing file without --force")

	force = true
	assert.NoError(t, generateConfig(generateCmd, nil))
}

func TestSchemaDefaultsMatchComponentDefaults(t *testing.T) {
	schemaPath, cleanup, err := schemas.WriteTemp()
	require.NoError(t, err)
	defer cleanup()

	manager, err := config.NewManager(config.Options{SchemaPath: schemaPath})
	require.NoError(t, err)
	defer manager.Close()

	serverConfig, err := server.LoadServerConfig(manager)
	require.NoError(t, err)
	assert.Equal(t, server.DefaultServerConfig(), serverConfig)

	accessConfig, err := agent.LoadAccessConfig(manager)
	require.NoError(t, err)
	assert.Equal(t, agent.DefaultAccessConfig(), accessConfig)

	deviceConfig, err := device.LoadDeviceConfig(manager)
	require.NoError(t, err)
	assert.Equal(t, device.DefaultDeviceConfig(), deviceConfig)

	retryConfig, err := retry.LoadRetryConfig(manager)
	require.NoError(t, err)
	assert.Equal(t, retry.DefaultRetryConfig(), retryConfig)

	historyConfig, err := history.LoadHistoryConfig(manager)
	require.NoError(t, err)
	assert.Equal(t, history.DefaultHistoryConfig(), historyConfig)

	cmdConfig, err := cmdserver.LoadCommandServerConfig(manager)
	require.NoError(t, err)
	assert.Equal(t, cmdserver.DefaultCommandServerConfig(), cmdConfig)

	reloadConfig, err := reload.LoadReloadConfig(manager)
	require.NoError(t, err)
	assert.Equal(t, reload.DefaultReloadConfig(), reloadConfig)

	layout, err := mib.LoadLayout(manager)
	require.NoError(t, err)
	builtin, err := mib.LoadLayout(testutil.NewMockConfig())
	require.NoError(t, err)
	assert.Equal(t, builtin, layout)
}
