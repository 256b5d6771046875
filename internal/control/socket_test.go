package control_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ztcore/tunneld/internal/catalog"
	"github.com/ztcore/tunneld/internal/control"
	"github.com/ztcore/tunneld/internal/database"
	"github.com/ztcore/tunneld/internal/engine"
	"github.com/ztcore/tunneld/internal/identity"
	"github.com/ztcore/tunneld/internal/overlay"
)

type fakeSDK struct{}

func (f *fakeSDK) LoadIdentity(path string, disabled bool) (overlay.Context, error) {
	return "ctx:" + path, nil
}
func (f *fakeSDK) Enroll(overlay.EnrollOptions, func(overlay.EnrollResult)) {}
func (f *fakeSDK) Dial(overlay.Context, string) (overlay.Conn, error)      { return nil, nil }
func (f *fakeSDK) Write(overlay.Conn, []byte, func(error))                 {}
func (f *fakeSDK) Close(overlay.Conn, func(error))                         {}
func (f *fakeSDK) ResolveConnect(overlay.Context, string, func(error), func([]byte)) (overlay.Conn, error) {
	return nil, nil
}
func (f *fakeSDK) Events(overlay.Context) <-chan overlay.Event { return nil }

func (f *fakeSDK) EnrollMFA(overlay.Context) (overlay.MFAEnrollment, error) {
	return overlay.MFAEnrollment{ProvisioningURL: "otpauth://totp/test"}, nil
}
func (f *fakeSDK) VerifyMFA(overlay.Context, string) error            { return nil }
func (f *fakeSDK) RemoveMFA(overlay.Context) error                    { return nil }
func (f *fakeSDK) SubmitMFA(overlay.Context, string) error            { return nil }
func (f *fakeSDK) GenerateMFACodes(overlay.Context) ([]string, error) { return []string{"aaa", "bbb"}, nil }
func (f *fakeSDK) GetMFACodes(overlay.Context) ([]string, error)      { return []string{"aaa", "bbb"}, nil }
func (f *fakeSDK) ExternalAuth(overlay.Context, string) error         { return nil }
func (f *fakeSDK) AccessTokenAuth(overlay.Context, string) error      { return nil }
func (f *fakeSDK) GetMetrics(overlay.Context) (overlay.Metrics, error) {
	return overlay.Metrics{UpRate: "10", DownRate: "20"}, nil
}

func newTestServer(t *testing.T) (*control.Server, string, string) {
	t.Helper()
	dir := t.TempDir()

	pool, err := catalog.NewPool("100.64.0.1/10", netip.MustParseAddr("100.64.0.1"))
	require.NoError(t, err)
	cat := catalog.New(pool)

	reg := identity.New(&fakeSDK{}, cat, nil, nil, nil)
	eng := engine.New(cat, nil, nil, nil)

	db, err := database.Open(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cmdPath := filepath.Join(dir, "tunneld.sock")
	evtPath := filepath.Join(dir, "tunneld-event.sock")

	srv := control.NewServer(control.Config{
		CommandPath: cmdPath,
		EventPath:   evtPath,
		ConfigDir:   dir,
		TunName:     "tun0",
		SDK:         &fakeSDK{},
		Registry:    reg,
		Catalog:     cat,
		Engine:      eng,
		DB:          db,
	})
	return srv, cmdPath, evtPath
}

func dialWithRetry(t *testing.T, path string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", path)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	return conn
}

// TestCommandRoundTrip_StatusThenMalformedRecovery covers the literal
// command-socket scenario: a Status request gets a single well-formed
// success response, and a malformed line followed by a valid command on
// the same connection yields an error response then a success response,
// proving the line-oriented tokenizer resynchronizes after bad input.
func TestCommandRoundTrip_StatusThenMalformedRecovery(t *testing.T) {
	srv, cmdPath, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop(time.Second)

	conn := dialWithRetry(t, cmdPath)
	defer conn.Close()

	_, err := conn.Write([]byte(`{"Command":"Status"}` + "\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var resp control.Response
	require.NoError(t, json.Unmarshal(line, &resp))
	require.True(t, resp.Success)
	require.Equal(t, 0, resp.Code)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	require.Contains(t, data, "config_dir")
	require.Contains(t, data, "tun_name")

	_, err = conn.Write([]byte(`{not valid json` + "\n"))
	require.NoError(t, err)
	line, err = reader.ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, &resp))
	require.False(t, resp.Success)

	_, err = conn.Write([]byte(`{"Command":"Status"}` + "\n"))
	require.NoError(t, err)
	line, err = reader.ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, &resp))
	require.True(t, resp.Success)
}

func TestDispatch_UnknownCommandRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := srv.Dispatch(control.Request{Command: "NotARealCommand"})
	require.False(t, resp.Success)
	require.Equal(t, 1, resp.Code)
}

func TestDispatch_LoadRemoveIdentity(t *testing.T) {
	srv, _, _ := newTestServer(t)

	load, _ := json.Marshal(map[string]any{"Identifier": "id1", "Path": "/tmp/id1.json"})
	resp := srv.Dispatch(control.Request{Command: "LoadIdentity", Data: load})
	require.True(t, resp.Success)

	list := srv.Dispatch(control.Request{Command: "ListIdentities"})
	require.True(t, list.Success)

	remove, _ := json.Marshal(map[string]any{"Identifier": "id1"})
	resp = srv.Dispatch(control.Request{Command: "RemoveIdentity", Data: remove})
	require.True(t, resp.Success)

	resp = srv.Dispatch(control.Request{Command: "RemoveIdentity", Data: remove})
	require.False(t, resp.Success)
}

func TestDispatch_LoadIdentityRequiresIdentifierAndPath(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp := srv.Dispatch(control.Request{Command: "LoadIdentity", Data: json.RawMessage(`{}`)})
	require.False(t, resp.Success)
}

func TestDispatch_UpdateTunIpv4ValidatesPrefixLength(t *testing.T) {
	srv, _, _ := newTestServer(t)

	bad, _ := json.Marshal(map[string]any{"TunIPv4": "10.0.0.1", "TunPrefixLength": 4})
	resp := srv.Dispatch(control.Request{Command: "UpdateTunIpv4", Data: bad})
	require.False(t, resp.Success)

	good, _ := json.Marshal(map[string]any{"TunIPv4": "10.0.0.1", "TunPrefixLength": 16})
	resp = srv.Dispatch(control.Request{Command: "UpdateTunIpv4", Data: good})
	require.True(t, resp.Success)
}

func TestDispatch_SetUpstreamDNSRejectsTooMany(t *testing.T) {
	srv, _, _ := newTestServer(t)

	entries := make([]map[string]any, 6)
	for i := range entries {
		entries[i] = map[string]any{"host": "1.1.1.1", "port": 53}
	}
	raw, _ := json.Marshal(entries)
	resp := srv.Dispatch(control.Request{Command: "SetUpstreamDNS", Data: raw})
	require.False(t, resp.Success)
}

func TestDispatch_SetUpstreamDNSPersistsAndBumpsVersion(t *testing.T) {
	srv, _, _ := newTestServer(t)

	before := srv.Status().ConfigVersion

	entries, _ := json.Marshal([]map[string]any{{"host": "9.9.9.9", "port": 53}})
	resp := srv.Dispatch(control.Request{Command: "SetUpstreamDNS", Data: entries})
	require.True(t, resp.Success)

	after := srv.Status()
	require.Greater(t, after.ConfigVersion, before)
}

func TestDispatch_SetLogLevel(t *testing.T) {
	srv, _, _ := newTestServer(t)
	raw, _ := json.Marshal(map[string]any{"Level": "debug"})
	resp := srv.Dispatch(control.Request{Command: "SetLogLevel", Data: raw})
	require.True(t, resp.Success)

	raw, _ = json.Marshal(map[string]any{"Level": "not-a-level"})
	resp = srv.Dispatch(control.Request{Command: "SetLogLevel", Data: raw})
	require.False(t, resp.Success)
}

func TestEventSocket_SendsSnapshotOnlyToNewClient(t *testing.T) {
	srv, _, evtPath := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop(time.Second)

	first := dialWithRetry(t, evtPath)
	defer first.Close()
	r1 := bufio.NewReader(first)
	line, err := r1.ReadBytes('\n')
	require.NoError(t, err)
	var ev control.Event
	require.NoError(t, json.Unmarshal(line, &ev))
	require.Equal(t, control.EventTunnelStatus, ev.Kind)

	_ = first.SetReadDeadline(time.Now().Add(50 * time.Millisecond))

	second := dialWithRetry(t, evtPath)
	defer second.Close()
	r2 := bufio.NewReader(second)
	line, err = r2.ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, &ev))
	require.Equal(t, control.EventTunnelStatus, ev.Kind)

	// the first client must not have received a second snapshot triggered
	// by the second client's connect.
	_, err = r1.ReadBytes('\n')
	require.Error(t, err)
}

func TestResolveInstance_NoPeersNoDiscriminator(t *testing.T) {
	dir := t.TempDir()
	disc, err := control.ResolveInstance(dir, "tunneld.sock", "", dir)
	require.NoError(t, err)
	require.Empty(t, disc)
}

func TestResolveInstance_PeerWithSameConfigDirRejected(t *testing.T) {
	srv, cmdPath, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop(time.Second)

	configDir := srv.Status().ConfigDir
	dir := filepath.Dir(cmdPath)
	_, err := control.ResolveInstance(dir, filepath.Base(cmdPath), "", configDir)
	require.Error(t, err)
}

func TestScanPeers_MissingDirReturnsNoError(t *testing.T) {
	peers, err := control.ScanPeers(filepath.Join(os.TempDir(), "does-not-exist-tunneld-test"), "tunneld.sock")
	require.NoError(t, err)
	require.Empty(t, peers)
}
