package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/dreamware/ferry/internal/cluster"
	"github.com/dreamware/ferry/internal/dispatch"
	"github.com/dreamware/ferry/internal/executable"
	"github.com/dreamware/ferry/internal/node"
	"github.com/dreamware/ferry/internal/transport"
)

// testNode is a node agent served over HTTP with an in-memory library.
type testNode struct {
	info    cluster.NodeInfo
	agent   *node.Agent
	manager *executable.Manager
	calls   *atomic.Int32
}

// startNode runs an agent behind httptest. The first failFirst RPCs are
// answered by fail instead of the agent.
func startNode(t *testing.T, id string, failFirst int32, fail http.HandlerFunc) *testNode {
	t.Helper()
	m := executable.NewManager(afero.NewMemMapFs(), "/tmp", "/lib")
	agent := node.NewAgent(id, m, nil)
	handler := agent.Handler()
	calls := atomic.NewInt32(0)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Inc() <= failFirst && fail != nil {
			fail(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	return &testNode{
		info:    cluster.NodeInfo{ID: id, Addr: srv.URL},
		agent:   agent,
		manager: m,
		calls:   calls,
	}
}

func unavailable(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "unavailable", http.StatusServiceUnavailable)
}

func rejecting(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"code":303,"message":"disk full"}`))
}

type installerFixture struct {
	installer *Installer
	manager   *executable.Manager
	srcDir    string
}

func newInstallerFixture(t *testing.T, attempts uint64) *installerFixture {
	t.Helper()
	base := t.TempDir()
	m := executable.NewManager(afero.NewOsFs(), filepath.Join(base, "tmp"), filepath.Join(base, "lib"))
	require.NoError(t, m.EnsureRoots())

	srcDir := filepath.Join(base, "src")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))

	d := dispatch.NewDispatcher(transport.NewHTTP(2*time.Second), nil)
	cfg := InstallerConfig{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	return &installerFixture{
		installer: NewInstaller(m, d, NewCatalog(m), cfg, nil),
		manager:   m,
		srcDir:    srcDir,
	}
}

// source writes a file to the local source directory and returns its URI.
func (f *installerFixture) source(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(f.srcDir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return "file://" + filepath.ToSlash(p)
}

func libraryContent(t *testing.T, m *executable.Manager, name string) string {
	t.Helper()
	ok, err := m.ExistsInLibrary(name)
	require.NoError(t, err)
	require.True(t, ok, "%s missing from library", name)
	buf, err := m.ReadBuffer(m.LibraryFile(name))
	require.NoError(t, err)
	return string(buf)
}

func TestInstallerInstall(t *testing.T) {
	f := newInstallerFixture(t, 1)
	n1 := startNode(t, "n1", 0, nil)
	n2 := startNode(t, "n2", 0, nil)

	uris := []string{f.source(t, "math.jar", "jar bytes"), f.source(t, "math.conf", "k=v")}
	report, err := f.installer.Install(context.Background(), "udf-math", uris, []cluster.NodeInfo{n1.info, n2.info})
	require.NoError(t, err)

	assert.True(t, report.Installed)
	assert.Equal(t, []string{"math.conf", "math.jar"}, report.Files)
	require.Len(t, report.Attempts, 1)
	assert.ElementsMatch(t, []string{"n1", "n2"}, report.Attempts[0].Contacted)
	assert.Len(t, report.Attempts[0].Responses, 2)
	assert.Empty(t, report.Pending)

	for _, n := range []*testNode{n1, n2} {
		assert.Equal(t, "jar bytes", libraryContent(t, n.manager, "udf-math/math.jar"))
		assert.Equal(t, "k=v", libraryContent(t, n.manager, "udf-math/math.conf"))
		assert.Equal(t, []string{"udf-math"}, n.agent.Artifacts())
	}

	// The coordinator keeps the promoted directory and a catalog entry.
	ok, err := f.manager.ExistsInLibrary("udf-math")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.manager.ExistsInStaging("0")
	require.NoError(t, err)
	assert.False(t, ok, "staging directory must be promoted away")

	entries, err := f.installer.Installed()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "udf-math", entries[0].Name)
	assert.Equal(t, uris, entries[0].Sources)
	assert.Equal(t, []string{"n1", "n2"}, entries[0].Nodes)

	_, err = f.installer.Install(context.Background(), "udf-math", uris, []cluster.NodeInfo{n1.info})
	assert.ErrorIs(t, err, ErrAlreadyInstalled)
}

// TestInstallerRetriesOnlyPendingNodes verifies a node that fails once is
// retried alone and the install then succeeds.
func TestInstallerRetriesOnlyPendingNodes(t *testing.T) {
	f := newInstallerFixture(t, 3)
	stable := startNode(t, "stable", 0, nil)
	flaky := startNode(t, "flaky", 1, unavailable)

	report, err := f.installer.Install(context.Background(), "udf", []string{f.source(t, "a.jar", "a")},
		[]cluster.NodeInfo{stable.info, flaky.info})
	require.NoError(t, err)

	require.Len(t, report.Attempts, 2)
	assert.ElementsMatch(t, []string{"stable", "flaky"}, report.Attempts[0].Contacted)
	assert.Equal(t, []string{"flaky"}, report.Attempts[1].Contacted)
	assert.Len(t, report.Attempts[0].Responses, 2, "success plus synthesized transport failure")
	assert.Len(t, report.Attempts[1].Responses, 1)

	assert.Equal(t, int32(1), stable.calls.Load())
	assert.Equal(t, int32(2), flaky.calls.Load())
	assert.Equal(t, "a", libraryContent(t, flaky.manager, "udf/a.jar"))
}

// TestInstallerGivesUp verifies the staging directory is discarded and the
// unconfirmed nodes are reported when attempts run out.
func TestInstallerGivesUp(t *testing.T) {
	f := newInstallerFixture(t, 2)
	good := startNode(t, "good", 0, nil)
	down := startNode(t, "down", 100, unavailable)
	refusing := startNode(t, "refusing", 100, rejecting)

	report, err := f.installer.Install(context.Background(), "udf", []string{f.source(t, "a.jar", "a")},
		[]cluster.NodeInfo{good.info, down.info, refusing.info})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConfirmed)

	var pendingErr *PendingError
	require.ErrorAs(t, err, &pendingErr)
	assert.Equal(t, cluster.RequestLoadArtifact, pendingErr.Kind)
	require.Len(t, pendingErr.Errors(), 2)

	// The transport failure carries its cause; the refusal left no record.
	causes := map[string]error{}
	for _, e := range pendingErr.Errors() {
		var ne *NodeError
		require.ErrorAs(t, e, &ne)
		causes[ne.Node.ID] = ne.Cause
	}
	assert.ErrorIs(t, causes["down"], cluster.ErrStatus)
	assert.NoError(t, causes["refusing"])

	assert.False(t, report.Installed)
	require.Len(t, report.Attempts, 2)
	assert.ElementsMatch(t, []string{"down", "refusing"}, report.Attempts[1].Contacted)
	assert.Len(t, report.Attempts[1].Responses, 1, "only the transport failure is recorded")
	ids := []string{}
	for _, n := range report.Pending {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"down", "refusing"}, ids)

	ok, err := f.manager.ExistsInStaging("0")
	require.NoError(t, err)
	assert.False(t, ok, "staging must be discarded")
	ok, err = f.manager.ExistsInLibrary("udf")
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := f.installer.Installed()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInstallerDownloadFailure(t *testing.T) {
	f := newInstallerFixture(t, 1)
	n := startNode(t, "n", 0, nil)

	report, err := f.installer.Install(context.Background(), "udf",
		[]string{f.source(t, "a.jar", "a"), "file:///does/not/exist.jar"}, []cluster.NodeInfo{n.info})
	assert.ErrorIs(t, err, executable.ErrDownload)
	assert.Empty(t, report.Attempts)
	assert.Equal(t, int32(0), n.calls.Load(), "nothing is sent when staging fails")
}

func TestInstallerInvalidName(t *testing.T) {
	f := newInstallerFixture(t, 1)
	for _, name := range []string{"", "..", "a/b"} {
		_, err := f.installer.Install(context.Background(), name, nil, nil)
		assert.ErrorIs(t, err, executable.ErrInvalidName, name)
	}
}

func TestInstallerCanceled(t *testing.T) {
	f := newInstallerFixture(t, 5)
	hang := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-hang
	}))
	defer srv.Close()
	defer close(hang)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := f.installer.Install(ctx, "udf", []string{f.source(t, "a.jar", "a")},
		[]cluster.NodeInfo{{ID: "slow", Addr: srv.URL}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNotConfirmed), err.Error())

	ok, err := f.manager.ExistsInLibrary("udf")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInstallerUninstall(t *testing.T) {
	f := newInstallerFixture(t, 1)
	n1 := startNode(t, "n1", 0, nil)
	n2 := startNode(t, "n2", 0, nil)
	targets := []cluster.NodeInfo{n1.info, n2.info}

	_, err := f.installer.Install(context.Background(), "udf", []string{f.source(t, "a.jar", "a")}, targets)
	require.NoError(t, err)

	statuses, err := f.installer.Uninstall(context.Background(), "udf", targets)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses["n1"].IsSuccess())
	assert.True(t, statuses["n2"].IsSuccess())

	for _, n := range []*testNode{n1, n2} {
		ok, err := n.manager.ExistsInLibrary("udf")
		require.NoError(t, err)
		assert.False(t, ok)
	}
	ok, err := f.manager.ExistsInLibrary("udf")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.installer.Uninstall(context.Background(), "udf", targets)
	assert.ErrorIs(t, err, ErrNotInstalled)
}

// TestInstallerUninstallPartial verifies nothing is removed locally while a
// node has not confirmed the drop.
func TestInstallerUninstallPartial(t *testing.T) {
	f := newInstallerFixture(t, 1)
	good := startNode(t, "good", 0, nil)
	refusing := startNode(t, "refusing", 0, nil)

	_, err := f.installer.Install(context.Background(), "udf", []string{f.source(t, "a.jar", "a")},
		[]cluster.NodeInfo{good.info, refusing.info})
	require.NoError(t, err)

	// Same node id, now refusing every RPC.
	broken := startNode(t, "refusing", 100, rejecting)
	statuses, err := f.installer.Uninstall(context.Background(), "udf", []cluster.NodeInfo{good.info, broken.info})
	require.Error(t, err)

	var pendingErr *PendingError
	require.ErrorAs(t, err, &pendingErr)
	require.Len(t, pendingErr.Nodes, 1)
	assert.Equal(t, "refusing", pendingErr.Nodes[0].ID)
	assert.ErrorIs(t, pendingErr.Errors()[0], cluster.ErrStatus)

	assert.True(t, statuses["good"].IsSuccess())
	assert.Equal(t, cluster.StatusFilesystemError, statuses["refusing"].Code)

	ok, err := f.manager.ExistsInLibrary("udf")
	require.NoError(t, err)
	assert.True(t, ok, "local copy is kept until every node dropped it")
	entries, err := f.installer.Installed()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestInstallerArtifactsShareFileName(t *testing.T) {
	f := newInstallerFixture(t, 1)
	n := startNode(t, "n1", 0, nil)
	targets := []cluster.NodeInfo{n.info}

	_, err := f.installer.Install(context.Background(), "a", []string{f.source(t, "udf.jar", "A")}, targets)
	require.NoError(t, err)
	_, err = f.installer.Install(context.Background(), "b", []string{f.source(t, "other/udf.jar", "B")}, targets)
	require.NoError(t, err)

	assert.Equal(t, "A", libraryContent(t, n.manager, "a/udf.jar"))
	assert.Equal(t, "B", libraryContent(t, n.manager, "b/udf.jar"))

	_, err = f.installer.Uninstall(context.Background(), "a", targets)
	require.NoError(t, err)

	ok, err := n.manager.ExistsInLibrary("a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "B", libraryContent(t, n.manager, "b/udf.jar"))
	assert.Equal(t, []string{"b"}, n.agent.Artifacts())

	entries, err := f.installer.Installed()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].Name)
}
