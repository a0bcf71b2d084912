package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/taskmesh/internal/api"
	"github.com/danmuck/taskmesh/internal/dispatch"
	"github.com/danmuck/taskmesh/internal/events"
	"github.com/danmuck/taskmesh/internal/protocol/session"
	"github.com/danmuck/taskmesh/internal/supervisor"
	"github.com/danmuck/taskmesh/internal/testutil/testlog"
	"github.com/danmuck/taskmesh/internal/testutil/workertest"
	"github.com/stretchr/testify/require"
)

const (
	settle = 10 * time.Second
	tick   = 20 * time.Millisecond
)

func fastSession() session.Config {
	cfg := session.DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.SessionDeadAfter = time.Second
	cfg.AckTimeout = 2 * time.Second
	cfg.Backoff = session.BackoffConfig{InitialDelay: 20 * time.Millisecond, Multiplier: 2, MaxDelay: 200 * time.Millisecond}
	return cfg
}

func testConfig(t *testing.T, ns string, seeds ...string) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Namespace = ns
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Seeds = seeds
	cfg.ArchivePath = filepath.Join(dir, "archive", "tasks.tar.gz")
	cfg.WorkspacePath = filepath.Join(dir, "workspace")
	cfg.InvocationTimeout = 2 * time.Second
	cfg.SyncMaxRetries = 3
	cfg.SyncChunkSize = 8 * 1024
	cfg.Session = fastSession()
	return cfg
}

func startNode(t *testing.T, cfg Config, opts ...Option) *Node {
	t.Helper()
	opts = append([]Option{WithSpawner(workertest.NewSpawner())}, opts...)
	n, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func client(n *Node) *api.Client {
	return api.NewClient(n.Addr(), nil)
}

func waitForHosts(t *testing.T, want int, nodes ...*Node) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if len(n.Hosts()) != want {
				return false
			}
		}
		return true
	}, settle, tick)
}

func initFixture(t *testing.T, n *Node, instances int) (string, map[string]supervisor.InitResult) {
	t.Helper()
	base := workertest.Workspace(t)
	results, err := client(n).Init(context.Background(), supervisor.InitRequest{
		BaseFolder: base,
		TaskFolder: "tasks",
		Instances:  instances,
		Env:        map[string]string{"NODE_ENV": "production"},
	})
	require.NoError(t, err)
	return base, results
}

func TestNodesConverge(t *testing.T) {
	testlog.Start(t)

	a := startNode(t, testConfig(t, "app1"))
	b := startNode(t, testConfig(t, "app1", a.Addr()))
	c := startNode(t, testConfig(t, "app1", a.Addr()))
	waitForHosts(t, 2, a, b, c)

	hosts, err := client(c).Hosts(context.Background())
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	for _, h := range hosts {
		require.NotEqual(t, c.Addr(), h.Key(), "registry holds self")
	}
}

func TestNamespaceMismatchNeverPeers(t *testing.T) {
	testlog.Start(t)

	a := startNode(t, testConfig(t, "app1"))
	b := startNode(t, testConfig(t, "app2", a.Addr()))
	time.Sleep(300 * time.Millisecond)
	require.Empty(t, a.Hosts())
	require.Empty(t, b.Hosts())
}

func TestInitReplicatesAndServes(t *testing.T) {
	testlog.Start(t)

	a := startNode(t, testConfig(t, "app1"))
	bCfg := testConfig(t, "app1", a.Addr())
	b := startNode(t, bCfg)
	waitForHosts(t, 1, a, b)

	_, results := initFixture(t, a, 1)
	require.Len(t, results, len(workertest.FixtureTasks))
	require.Equal(t, a.APIPort()+1, results["echo"].Port)
	require.Equal(t, "task:echo", results["echo"].SupervisedName)

	tasks, err := client(a).Tasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, len(workertest.FixtureTasks))

	require.Eventually(t, func() bool {
		hosts := a.Hosts()
		return len(hosts) == 1 && hosts[0].Synchronized
	}, settle, tick)
	sent, err := os.Stat(a.Serialize().ArchivePath)
	require.NoError(t, err)
	got, err := os.Stat(bCfg.ArchivePath)
	require.NoError(t, err)
	require.Equal(t, sent.Size(), got.Size())

	require.Eventually(t, func() bool { return len(b.Tasks()) == len(workertest.FixtureTasks) }, settle, tick)
	port, err := b.GetPort("echo")
	require.NoError(t, err)
	require.Equal(t, b.APIPort()+1, port)
	_, err = os.Stat(filepath.Join(bCfg.WorkspacePath, "tasks", "echo"))
	require.NoError(t, err)
}

func TestEchoOverForm(t *testing.T) {
	testlog.Start(t)

	a := startNode(t, testConfig(t, "app1"))
	initFixture(t, a, 5)
	require.Len(t, a.Tasks(), 5*len(workertest.FixtureTasks))

	form := url.Values{}
	form.Set("task_id", "echo")
	form.Set("data[name]", "yey")
	resp, err := http.PostForm("http://"+a.Addr()+"/tasks/lb_trigger_single", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "yey", body.Data["hello"])
}

func TestProcessingTracksInFlight(t *testing.T) {
	testlog.Start(t)

	a := startNode(t, testConfig(t, "app1"))
	initFixture(t, a, 1)

	done := make(chan error, 1)
	go func() {
		_, err := a.Trigger(context.Background(), "slow", json.RawMessage(`{"ms":500}`))
		done <- err
	}()
	require.Eventually(t, func() bool {
		ids, err := client(a).Processing(context.Background())
		return err == nil && len(ids) == 1 && ids[0] == "slow"
	}, settle, tick)
	require.NoError(t, <-done)
	require.Empty(t, a.ProcessingTaskIDs())
}

func TestClearThenReinitKeepsPorts(t *testing.T) {
	testlog.Start(t)

	a := startNode(t, testConfig(t, "app1"))
	base, first := initFixture(t, a, 1)

	require.NoError(t, client(a).Clear(context.Background()))
	require.Empty(t, a.Tasks())
	_, err := a.Trigger(context.Background(), "echo", json.RawMessage(`{"name":"x"}`))
	require.True(t, errors.Is(err, dispatch.ErrTaskNotFound), "got %v", err)

	workertest.AddTask(t, base, "tasks", "aaa")
	second, err := a.Init(context.Background(), supervisor.InitRequest{BaseFolder: base, TaskFolder: "tasks", Instances: 1})
	require.NoError(t, err)
	for id, res := range first {
		require.Equal(t, res.Port, second[id].Port, "port of %s moved", id)
	}
	require.Equal(t, a.APIPort()+len(first)+1, second["aaa"].Port)
}

func TestInitMissingWorkspace(t *testing.T) {
	testlog.Start(t)

	a := startNode(t, testConfig(t, "app1"))
	_, err := client(a).Init(context.Background(), supervisor.InitRequest{BaseFolder: t.TempDir(), TaskFolder: "nope"})
	var apiErr *api.Error
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.Equal(t, api.CodeWorkspaceNotFound, apiErr.Code)
}

func TestLateJoinerConverges(t *testing.T) {
	testlog.Start(t)

	a := startNode(t, testConfig(t, "app1"))
	b := startNode(t, testConfig(t, "app1", a.Addr()))
	waitForHosts(t, 1, a, b)
	initFixture(t, a, 1)
	require.Eventually(t, func() bool { return len(b.Tasks()) == len(workertest.FixtureTasks) }, settle, tick)

	c := startNode(t, testConfig(t, "app1", b.Addr()))
	waitForHosts(t, 2, a, b, c)
	require.Eventually(t, func() bool { return len(c.Tasks()) == len(workertest.FixtureTasks) }, settle, tick)
	require.Eventually(t, func() bool {
		for _, n := range []*Node{a, b} {
			for _, h := range n.Hosts() {
				if h.Key() == c.Addr() && !h.Synchronized {
					return false
				}
			}
		}
		return true
	}, settle, tick)
}

func TestSerializeRecreatesNode(t *testing.T) {
	testlog.Start(t)

	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	a, err := New(testConfig(t, "app1"), WithSpawner(workertest.NewSpawner()), WithBus(bus))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), settle)
	defer cancel()
	ready, err := events.WaitFor(ctx, sub, func(ev events.Event) bool { return ev.Kind() == events.KindReady })
	require.NoError(t, err)
	require.Equal(t, a.Addr(), ready.(events.Ready).Address)

	cfg := a.Serialize()
	require.NotZero(t, cfg.Port)
	require.NoError(t, a.Close())
	<-a.Done()

	b := startNode(t, cfg)
	require.Equal(t, cfg.Port, b.APIPort())
	require.Equal(t, cfg.NodeID, b.NodeID())
	require.Equal(t, cfg.ArchivePath, b.Serialize().ArchivePath)
}

func TestReadyPrecedesPeerEvents(t *testing.T) {
	testlog.Start(t)

	a := startNode(t, testConfig(t, "app1"))

	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()
	b := startNode(t, testConfig(t, "app1", a.Addr()), WithBus(bus))

	select {
	case env := <-sub.C():
		require.Equal(t, events.KindReady, env.Event.Kind(), "first event was %s", env.Event.Kind())
	case <-time.After(settle):
		t.Fatalf("no event after start")
	}
	ctx, cancel := context.WithTimeout(context.Background(), settle)
	defer cancel()
	joined, err := events.WaitFor(ctx, sub, func(ev events.Event) bool { return ev.Kind() == events.KindPeerJoined })
	require.NoError(t, err)
	require.NotNil(t, joined)
	waitForHosts(t, 1, a, b)
}

func TestConfReportsManagers(t *testing.T) {
	testlog.Start(t)

	a := startNode(t, testConfig(t, "app1"))
	initFixture(t, a, 1)

	conf, err := client(a).Conf(context.Background())
	require.NoError(t, err)
	require.Equal(t, "app1", conf["namespace"])
	fm, ok := conf["file_manager"].(map[string]any)
	require.True(t, ok, "file_manager missing: %#v", conf)
	require.Equal(t, a.Serialize().ArchivePath, fm["archive_path"])
	tm, ok := conf["task_manager"].(map[string]any)
	require.True(t, ok, "task_manager missing: %#v", conf)
	taskMap, ok := tm["tasks"].(map[string]any)
	require.True(t, ok)
	require.Len(t, taskMap, len(workertest.FixtureTasks))
	require.Equal(t, "2s", tm["invocation_timeout"])
	defs, ok := tm["definitions"].([]any)
	require.True(t, ok, "definitions missing: %#v", tm)
	require.Len(t, defs, len(workertest.FixtureTasks))
	prev := ""
	for _, raw := range defs {
		def := raw.(map[string]any)
		id, _ := def["task_id"].(string)
		require.Greater(t, id, prev, "definitions not in lexical order")
		require.NotEmpty(t, def["entry_point"], "task %s has no entry point", id)
		prev = id
	}
}

func TestOperationsBeforeStart(t *testing.T) {
	testlog.Start(t)

	n, err := New(testConfig(t, "app1"), WithSpawner(workertest.NewSpawner()))
	require.NoError(t, err)
	_, err = n.Init(context.Background(), supervisor.InitRequest{BaseFolder: "x", TaskFolder: "y"})
	require.ErrorIs(t, err, ErrNotStarted)
	require.Empty(t, n.Hosts())
	require.Empty(t, n.Tasks())
	require.NoError(t, n.Close())
	require.ErrorIs(t, n.Start(context.Background()), ErrClosed)

	_, err = New(Config{Namespace: "  "})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
