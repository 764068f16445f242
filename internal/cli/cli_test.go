package cli

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/procpool/internal/control"
	"github.com/ChuLiYu/procpool/internal/gateway"
	"github.com/ChuLiYu/procpool/internal/state"
	"github.com/ChuLiYu/procpool/internal/worker"
	"github.com/ChuLiYu/procpool/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "procpool", cmd.Use)
	assert.Equal(t, version, cmd.Version)

	// 檢查子命令
	commands := cmd.Commands()
	assert.Len(t, commands, 4, "Should have 4 subcommands")

	byName := make(map[string]bool)
	for _, c := range commands {
		byName[c.Use] = c.Hidden
	}
	assert.Contains(t, byName, "run")
	assert.Contains(t, byName, "submit")
	assert.Contains(t, byName, "status")
	assert.True(t, byName["worker"], "worker command should be hidden")

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildSubmitCommand(t *testing.T) {
	cmd := buildSubmitCommand()

	assert.Equal(t, "submit", cmd.Use)
	groupFlag := cmd.Flags().Lookup("group")
	require.NotNil(t, groupFlag)
	assert.Equal(t, "g", groupFlag.Shorthand)
	assert.Equal(t, defaultGatewayAddress, cmd.Flags().Lookup("gateway").DefValue)
	assert.NotNil(t, cmd.RunE)
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "test_config.yaml")
	configContent := `
pool:
  run_dir: /tmp/procpool-test
  pickup_strategy: least-jobs
  heartbeat_interval: 500ms
  shutdown_timeout: 15s

groups:
  - name: echo
    type: reactor
    entry_point: tcp-echo
    min_workers: 2
    max_workers: 4
    restart_policy: limited:5
    options:
      address: 127.0.0.1:7070
  - name: hashers
    type: job
    min_workers: 1
    job_runner: sha256

logging:
  level: debug
  format: json
  outputs: [stderr]

metrics:
  enabled: true
  port: 8080

gateway:
  enabled: true
  timeout: 3s
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/procpool-test", cfg.Pool.RunDir)
	assert.Equal(t, "least-jobs", cfg.Pool.PickupStrategy)
	assert.Equal(t, 500*time.Millisecond, cfg.Pool.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, cfg.Pool.ShutdownTimeout)
	assert.Equal(t, "/tmp/procpool-test/state", cfg.statePath())

	require.Len(t, cfg.Groups, 2)
	assert.Equal(t, types.WorkerTypeReactor, cfg.Groups[0].Type)
	assert.Equal(t, "tcp-echo", cfg.Groups[0].EntryPoint)
	assert.Equal(t, 4, cfg.Groups[0].MaxWorkers)
	assert.Equal(t, "limited:5", cfg.Groups[0].RestartPolicy)
	assert.Equal(t, "127.0.0.1:7070", cfg.Groups[0].Options["address"])
	assert.Equal(t, "sha256", cfg.Groups[1].JobRunner)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"stderr"}, cfg.Logging.Outputs)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.Metrics.Port)
	assert.True(t, cfg.Gateway.Enabled)
	assert.Equal(t, defaultGatewayAddress, cfg.Gateway.Address, "unset fields get defaults")
	assert.Equal(t, 3*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, "procpool", cfg.Tracing.ServiceName)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err)
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	invalidYAML := `
pool:
  heartbeat_interval: "not a duration"
  invalid yaml structure
    broken indentation
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	cfg, err := loadConfig(configPath)

	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(""), 0644))

	// 空文件應該能解析，只套用預設值
	cfg, err := loadConfig(configPath)
	require.NoError(t, err)
	assert.Empty(t, cfg.Groups)
	assert.Equal(t, defaultMetricsPort, cfg.Metrics.Port)
	assert.Empty(t, cfg.statePath(), "no run dir means a temporary one")
}

func TestPoolConfig(t *testing.T) {
	cfg := &Config{}
	cfg.Pool.RunDir = "/run/procpool"
	cfg.Pool.PickupStrategy = "random"
	cfg.Pool.HeartbeatInterval = 2 * time.Second
	cfg.Pool.StartTimeout = time.Minute
	cfg.Metrics.SampleInterval = 10 * time.Second

	pc := poolConfig(cfg, zap.NewNop(), nil)
	assert.Equal(t, "/run/procpool", pc.RunDir)
	assert.Equal(t, "random", pc.PickupStrategy)
	assert.Equal(t, 2*time.Second, pc.HeartbeatInterval)
	assert.Equal(t, time.Minute, pc.StartTimeout)
	assert.Equal(t, 10*time.Second, pc.SampleInterval)
	assert.NotNil(t, pc.Factory)
	assert.Nil(t, pc.Metrics)
}

func TestShowStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	store, err := state.Create(path, state.Layout{MaxWorkers: 3, MaxGroups: 1})
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.SetPoolRange(1, state.Range{Low: 1, High: 2}))

	rec, err := store.Record(1)
	require.NoError(t, err)
	require.NoError(t, rec.Claim(1, 4242))
	require.NoError(t, rec.SetReady(true))
	require.NoError(t, rec.AddJobs(3))
	require.NoError(t, rec.Touch())

	var out bytes.Buffer
	require.NoError(t, showStatus(&out, path, time.Now().Add(time.Second)))

	lines := strings.Split(out.String(), "\n")
	assert.Contains(t, out.String(), "Group 1 (workers 1-2):")
	assert.Contains(t, out.String(), "Ready workers: 1")

	var w1, w2 string
	for _, l := range lines {
		switch {
		case strings.Contains(l, "worker 1 "):
			w1 = l
		case strings.Contains(l, "worker 2 "):
			w2 = l
		}
	}
	assert.Contains(t, w1, "✓")
	assert.Contains(t, w1, "4242")
	assert.Contains(t, w1, "jobs 3")
	assert.Contains(t, w1, "ago")
	assert.Contains(t, w2, "✗")
	assert.Contains(t, w2, "never")
}

func TestShowStatus_MissingState(t *testing.T) {
	err := showStatus(&bytes.Buffer{}, filepath.Join(t.TempDir(), "missing"), time.Now())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open shared state")
}

type echoSubmitter struct{}

func (echoSubmitter) Run(_ context.Context, groupID, _ int, payload []byte) (types.JobResponse, error) {
	return types.JobResponse{WorkerGroupID: groupID, Payload: bytes.ToUpper(payload)}, nil
}

func TestSubmitJob(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gw := gateway.New(gateway.Config{Submitter: echoSubmitter{}})
	go gw.Serve(lis)
	defer gw.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, submitJob(ctx, &out, lis.Addr().String(), 1, 0, []byte("hello")))
	assert.Equal(t, "HELLO\n", out.String())
}

func TestReadPayload(t *testing.T) {
	data, err := readPayload("-", strings.NewReader("from stdin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from stdin"), data)

	file := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(file, []byte{1, 2, 3}, 0644))
	data, err = readPayload(file, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, err = readPayload("/nonexistent/payload", nil)
	assert.ErrorContains(t, err, "failed to read payload file")
}

func TestRunWorkerExitsFatalOnUnknownGroup(t *testing.T) {
	// worker stdin / stdout
	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	outR, outW, err := os.Pipe()
	require.NoError(t, err)

	supervisor := control.NewChannel(control.NewPipe(outR, inW))
	defer supervisor.Close()

	var stderr bytes.Buffer
	codes := make(chan int, 1)
	go func() { codes <- runWorker(inR, outW, &stderr) }()

	require.NoError(t, supervisor.Send(control.Start{StartPayload: types.StartPayload{ID: 1, GroupID: 7}}))

	select {
	case code := <-codes:
		assert.Equal(t, worker.ExitCodeFatal, code)
		assert.Contains(t, stderr.String(), "Worker exited")
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
}
