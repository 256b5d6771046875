package proxyresolve_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztcore/tunneld/internal/dns"
	"github.com/ztcore/tunneld/internal/overlay"
	"github.com/ztcore/tunneld/internal/proxyresolve"
)

// fakeSDK is a hand-rolled overlay.SDK that lets tests drive the
// connect/write/data callbacks directly instead of talking to a real
// overlay controller.
type fakeSDK struct {
	connectErr error
	onConnect  map[string]func(error)
	onData     map[string]func([]byte)
	writes     []string
	deferOpen  bool
}

func newFakeSDK() *fakeSDK {
	return &fakeSDK{onConnect: map[string]func(error){}, onData: map[string]func([]byte){}}
}

func (f *fakeSDK) LoadIdentity(string, bool) (overlay.Context, error)       { return nil, nil }
func (f *fakeSDK) Enroll(overlay.EnrollOptions, func(overlay.EnrollResult)) {}
func (f *fakeSDK) Dial(overlay.Context, string) (overlay.Conn, error)       { return nil, nil }
func (f *fakeSDK) Events(overlay.Context) <-chan overlay.Event              { return nil }

func (f *fakeSDK) EnrollMFA(overlay.Context) (overlay.MFAEnrollment, error) { return overlay.MFAEnrollment{}, nil }
func (f *fakeSDK) VerifyMFA(overlay.Context, string) error                 { return nil }
func (f *fakeSDK) RemoveMFA(overlay.Context) error                         { return nil }
func (f *fakeSDK) SubmitMFA(overlay.Context, string) error                 { return nil }
func (f *fakeSDK) GenerateMFACodes(overlay.Context) ([]string, error)      { return nil, nil }
func (f *fakeSDK) GetMFACodes(overlay.Context) ([]string, error)           { return nil, nil }
func (f *fakeSDK) ExternalAuth(overlay.Context, string) error              { return nil }
func (f *fakeSDK) AccessTokenAuth(overlay.Context, string) error           { return nil }
func (f *fakeSDK) GetMetrics(overlay.Context) (overlay.Metrics, error)     { return overlay.Metrics{}, nil }

func (f *fakeSDK) Write(conn overlay.Conn, data []byte, cb func(error)) {
	f.writes = append(f.writes, string(data))
	cb(nil)
}

func (f *fakeSDK) Close(overlay.Conn, func(error)) {}

func (f *fakeSDK) ResolveConnect(ctx overlay.Context, domain string, onConnect func(error), onData func([]byte)) (overlay.Conn, error) {
	f.onConnect[domain] = onConnect
	f.onData[domain] = onData
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	if !f.deferOpen {
		onConnect(nil)
	}
	return "conn:" + domain, nil
}

func mxQuery(id uint16, name string) dns.Packet {
	return dns.Packet{
		Header:    dns.Header{ID: id},
		Questions: []dns.Question{{Name: name, Type: uint16(dns.TypeMX), Class: uint16(dns.ClassIN)}},
	}
}

func TestResolve_UnsupportedTypeReturnsNotImpl(t *testing.T) {
	sdk := newFakeSDK()
	r := proxyresolve.New(sdk, nil, nil)

	req := dns.Packet{
		Header:    dns.Header{ID: 1},
		Questions: []dns.Question{{Name: "a.example.com", Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)}},
	}

	var got proxyresolve.Result
	called := false
	r.Resolve("example.com", req, func(res proxyresolve.Result) { got = res; called = true })

	require.True(t, called)
	assert.Equal(t, dns.RCodeNotImp, got.RCode)
	assert.Empty(t, sdk.writes, "unsupported types must not open a connection")
}

func TestResolve_OpensConnectionAndWritesQuestion(t *testing.T) {
	sdk := newFakeSDK()
	r := proxyresolve.New(sdk, nil, nil)

	req := mxQuery(0x0055, "mail.corp.example")
	r.Resolve("corp.example", req, func(proxyresolve.Result) {})

	require.Len(t, sdk.writes, 1)

	var wire struct {
		ID       uint16 `json:"id"`
		Question []struct {
			Type uint16 `json:"type"`
		} `json:"question"`
	}
	require.NoError(t, json.Unmarshal([]byte(sdk.writes[0]), &wire))
	assert.Equal(t, uint16(0x0055), wire.ID)
	require.Len(t, wire.Question, 1)
	assert.Equal(t, uint16(15), wire.Question[0].Type)
}

func TestResolve_CompletesOnOverlayReply(t *testing.T) {
	sdk := newFakeSDK()
	r := proxyresolve.New(sdk, nil, nil)

	req := mxQuery(0x0055, "mail.corp.example")
	var got proxyresolve.Result
	r.Resolve("corp.example", req, func(res proxyresolve.Result) { got = res })

	reply := `{"id":85,"rcode":0,"answers":[{"name":"mail.corp.example","type":15,"ttl":60,"priority":10,"data":"mx.corp.example"}]}`
	sdk.onData["corp.example"]([]byte(reply))

	require.Len(t, got.Answers, 1)
	assert.Equal(t, dns.RCodeNoError, got.RCode)
	mx, ok := got.Answers[0].Data.(dns.MXData)
	require.True(t, ok)
	assert.Equal(t, uint16(10), mx.Preference)
	assert.Equal(t, "mx.corp.example", mx.Exchange)
}

func TestResolve_ReusesConnectionForSecondQuery(t *testing.T) {
	sdk := newFakeSDK()
	r := proxyresolve.New(sdk, nil, nil)

	r.Resolve("corp.example", mxQuery(1, "mail.corp.example"), func(proxyresolve.Result) {})
	r.Resolve("corp.example", mxQuery(2, "mail2.corp.example"), func(proxyresolve.Result) {})

	assert.Len(t, sdk.onConnect, 1, "only one resolve connection should be opened per domain")
	assert.Len(t, sdk.writes, 2)
}

func TestResolve_ConnectFailureServfailsAllPending(t *testing.T) {
	sdk := newFakeSDK()
	sdk.connectErr = errors.New("dial failed")
	r := proxyresolve.New(sdk, nil, nil)

	var got proxyresolve.Result
	r.Resolve("corp.example", mxQuery(1, "mail.corp.example"), func(res proxyresolve.Result) { got = res })

	assert.Equal(t, dns.RCodeServFail, got.RCode)
	assert.Error(t, got.Err)
}

func TestResolve_QueuedWritesFlushOnConnect(t *testing.T) {
	sdk := newFakeSDK()
	sdk.deferOpen = true
	r := proxyresolve.New(sdk, nil, nil)

	r.Resolve("corp.example", mxQuery(1, "a.corp.example"), func(proxyresolve.Result) {})
	r.Resolve("corp.example", mxQuery(2, "b.corp.example"), func(proxyresolve.Result) {})
	assert.Empty(t, sdk.writes, "writes must queue while Connecting")

	sdk.onConnect["corp.example"](nil)
	assert.Len(t, sdk.writes, 2, "queued writes must flush once Open")
}
