package engine_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztcore/tunneld/internal/catalog"
	"github.com/ztcore/tunneld/internal/dns"
	"github.com/ztcore/tunneld/internal/engine"
	"github.com/ztcore/tunneld/internal/forwarder"
	"github.com/ztcore/tunneld/internal/overlay"
	"github.com/ztcore/tunneld/internal/proxyresolve"
)

func buildQuery(id uint16, name string, qtype dns.RecordType, rd bool) []byte {
	flags := uint16(0)
	if rd {
		flags |= dns.RDFlag
	}
	p := dns.Packet{
		Header:    dns.Header{ID: id, Flags: flags},
		Questions: []dns.Question{{Name: name, Type: uint16(qtype), Class: uint16(dns.ClassIN)}},
	}
	b, err := p.Marshal()
	if err != nil {
		panic(err)
	}
	return b
}

func buildQueryWithEDNS(id uint16, name string, qtype dns.RecordType, rd bool) []byte {
	b := buildQuery(id, name, qtype, rd)
	p := dns.Packet{
		Header:    dns.Header{ID: id},
		Questions: []dns.Question{{Name: name, Type: uint16(qtype), Class: uint16(dns.ClassIN)}},
	}
	return dns.AddEDNSToRequestBytes(p, b, dns.EDNSDefaultUDPPayloadSize)
}

type recorder struct {
	sent map[engine.SessionHandle][][]byte
}

func newRecorder() *recorder {
	return &recorder{sent: make(map[engine.SessionHandle][][]byte)}
}

func (r *recorder) callbacks() engine.StackCallbacks {
	return engine.StackCallbacks{
		Send: func(session engine.SessionHandle, data []byte) {
			r.sent[session] = append(r.sent[session], data)
		},
		SetIdleTimeout: func(engine.SessionHandle, time.Duration) {},
		AckRead:        func(engine.SessionHandle, any) {},
	}
}

func (r *recorder) last(session engine.SessionHandle) dns.Packet {
	msgs := r.sent[session]
	if len(msgs) == 0 {
		panic("no response recorded")
	}
	p, err := dns.ParsePacket(msgs[len(msgs)-1])
	if err != nil {
		panic(err)
	}
	return p
}

func newTestEngine(t *testing.T, cidr string) (*engine.Engine, *catalog.Catalog, *recorder) {
	t.Helper()
	pool, err := catalog.NewPool(cidr, netip.MustParseAddr("100.64.0.1"))
	require.NoError(t, err)
	cat := catalog.New(pool)
	e := engine.New(cat, nil, nil, nil)
	rec := newRecorder()
	e.Callbacks = rec.callbacks()
	return e, cat, rec
}

// Scenario 1: Local A answer.
func TestScenario_LocalAAnswer(t *testing.T) {
	e, cat, rec := newTestEngine(t, "100.64.0.1/10")

	ip, err := cat.RegisterHostname("svc.example.internal", "H1")
	require.NoError(t, err)

	session := e.OnNewUDPFlow("H1", nil)
	query := buildQueryWithEDNS(0x1234, "svc.example.internal", dns.TypeA, true)
	e.OnUDPData(session, query, nil)

	resp := rec.last(session)
	assert.Equal(t, uint16(0x1234), resp.Header.ID)
	assert.NotZero(t, resp.Header.Flags&dns.QRFlag)
	assert.NotZero(t, resp.Header.Flags&dns.RDFlag)
	assert.Equal(t, dns.RCodeNoError, dns.RCodeFromFlags(resp.Header.Flags))
	require.Len(t, resp.Answers, 1)
	assert.Equal(t, uint32(60), resp.Answers[0].TTL)
	gotIP, ok := resp.Answers[0].IPv4()
	require.True(t, ok)
	assert.Equal(t, ip.String(), gotIP)
	require.Len(t, resp.Additionals, 1)
	assert.Equal(t, uint16(dns.TypeOPT), resp.Additionals[0].Type)

	// No forwarder is configured, so RA must be unset even though this
	// particular query resolved with a non-nil answer.
	assert.Zero(t, resp.Header.Flags&dns.RAFlag)
}

// Scenario 2: Miss with no upstream configured -> REFUSED.
func TestScenario_MissRefused(t *testing.T) {
	e, _, rec := newTestEngine(t, "100.64.0.1/10")

	session := e.OnNewUDPFlow("H1", nil)
	query := buildQueryWithEDNS(0xABCD, "unknown.test", dns.TypeA, true)
	e.OnUDPData(session, query, nil)

	resp := rec.last(session)
	assert.Equal(t, uint16(0xABCD), resp.Header.ID)
	assert.Equal(t, dns.RCodeRefused, dns.RCodeFromFlags(resp.Header.Flags))
	assert.Empty(t, resp.Answers)
	require.Len(t, resp.Additionals, 1)
	assert.Zero(t, resp.Header.Flags&dns.RAFlag)
}

// TestRAFlag_ReflectsForwarderPresenceNotAnswerOutcome covers spec.md:65 and
// the scenario-1 requirement (spec.md:240): RA is a static property of
// whether an upstream forwarder is configured, not of whether the specific
// answer being built happens to be an error.
func TestRAFlag_ReflectsForwarderPresenceNotAnswerOutcome(t *testing.T) {
	pool, err := catalog.NewPool("100.64.0.1/10", netip.MustParseAddr("100.64.0.1"))
	require.NoError(t, err)
	cat := catalog.New(pool)

	fwd, err := forwarder.New([]string{"127.0.0.1:1"}, nil)
	require.NoError(t, err)
	defer fwd.Close()

	e := engine.New(cat, fwd, nil, nil)
	rec := newRecorder()
	e.Callbacks = rec.callbacks()

	session := e.OnNewUDPFlow("H1", nil)
	query := buildQuery(0x2222, "missing.test", dns.TypeA, true)
	e.OnUDPData(session, query, nil)

	// Simulate an upstream NXDOMAIN reply for the query the engine just
	// forwarded (forward ID 1, the first ID this engine ever assigns).
	nxdomain := dns.Packet{
		Header:    dns.Header{ID: 1, Flags: dns.QRFlag | (uint16(dns.RCodeNXDomain) & dns.RCodeMask)},
		Questions: []dns.Question{{Name: "missing.test", Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)}},
	}
	data, err := nxdomain.Marshal()
	require.NoError(t, err)
	e.HandleForwarderResponse(forwarder.Response{TransactionID: 1, Data: data})

	resp := rec.last(session)
	assert.Equal(t, dns.RCodeNXDomain, dns.RCodeFromFlags(resp.Header.Flags))
	assert.Empty(t, resp.Answers)
	assert.NotZero(t, resp.Header.Flags&dns.RAFlag)
}

// Scenario 3: Wildcard lazy creation, stable across repeated lookups.
func TestScenario_WildcardLazyCreation(t *testing.T) {
	e, cat, rec := newTestEngine(t, "100.64.0.1/10")
	_, err := cat.RegisterHostname("*.corp.example", "H1")
	require.NoError(t, err)

	session := e.OnNewUDPFlow("H1", nil)

	e.OnUDPData(session, buildQuery(1, "host1.corp.example", dns.TypeA, true), nil)
	first := rec.last(session)
	require.Len(t, first.Answers, 1)
	firstIP, _ := first.Answers[0].IPv4()

	e.OnUDPData(session, buildQuery(2, "host1.corp.example", dns.TypeA, true), nil)
	second := rec.last(session)
	require.Len(t, second.Answers, 1)
	secondIP, _ := second.Answers[0].IPv4()

	assert.Equal(t, firstIP, secondIP)
}

// Scenario 5: Pool exhaustion.
func TestScenario_PoolExhaustion(t *testing.T) {
	// Both usable addresses of the /30 are reserved: 10.0.0.1 (tun IP) and
	// 10.0.0.2 (DNS IP).
	pool, err := catalog.NewPool("10.0.0.0/30", netip.MustParseAddr("10.0.0.2"))
	require.NoError(t, err)
	cat := catalog.New(pool)
	e := engine.New(cat, nil, nil, nil)
	rec := newRecorder()
	e.Callbacks = rec.callbacks()

	_, err = cat.RegisterHostname("only.example", "H1")
	assert.ErrorIs(t, err, catalog.ErrPoolExhausted)

	session := e.OnNewUDPFlow("H1", nil)
	e.OnUDPData(session, buildQuery(1, "only.example", dns.TypeA, true), nil)

	resp := rec.last(session)
	assert.Equal(t, dns.RCodeRefused, dns.RCodeFromFlags(resp.Header.Flags))
}

func TestOnFlowClose_RemovesInFlightRequests(t *testing.T) {
	e, cat, rec := newTestEngine(t, "100.64.0.1/10")
	_, err := cat.RegisterHostname("svc.example.internal", "H1")
	require.NoError(t, err)

	session := e.OnNewUDPFlow("H1", nil)
	e.OnFlowClose(session)

	e.OnUDPData(session, buildQuery(1, "svc.example.internal", dns.TypeA, true), nil)
	assert.Empty(t, rec.sent[session], "responses must not be sent for a closed session")
}

func TestSameTransactionID_AcceptedAfterCompletion(t *testing.T) {
	e, cat, rec := newTestEngine(t, "100.64.0.1/10")
	_, err := cat.RegisterHostname("svc.example.internal", "H1")
	require.NoError(t, err)

	session := e.OnNewUDPFlow("H1", nil)
	query := buildQuery(1, "svc.example.internal", dns.TypeA, true)

	// Deliver the same bytes twice without the first having completed is
	// impossible to simulate directly since respond() is synchronous here,
	// so instead assert the in-flight slot is cleared after the response
	// completes, permitting a legitimate retry with the same ID.
	e.OnUDPData(session, query, nil)
	e.OnUDPData(session, query, nil)
	assert.Len(t, rec.sent[session], 2)
}

// Fake overlay SDK reused from the MX-via-proxy scenario (4).
type fakeSDK struct {
	onData map[string]func([]byte)
}

func (f *fakeSDK) LoadIdentity(string, bool) (overlay.Context, error) { return nil, nil }
func (f *fakeSDK) Enroll(overlay.EnrollOptions, func(overlay.EnrollResult)) {}
func (f *fakeSDK) Dial(overlay.Context, string) (overlay.Conn, error)       { return nil, nil }
func (f *fakeSDK) Events(overlay.Context) <-chan overlay.Event              { return nil }
func (f *fakeSDK) Close(overlay.Conn, func(error))                         {}

func (f *fakeSDK) EnrollMFA(overlay.Context) (overlay.MFAEnrollment, error) { return overlay.MFAEnrollment{}, nil }
func (f *fakeSDK) VerifyMFA(overlay.Context, string) error                 { return nil }
func (f *fakeSDK) RemoveMFA(overlay.Context) error                         { return nil }
func (f *fakeSDK) SubmitMFA(overlay.Context, string) error                 { return nil }
func (f *fakeSDK) GenerateMFACodes(overlay.Context) ([]string, error)      { return nil, nil }
func (f *fakeSDK) GetMFACodes(overlay.Context) ([]string, error)           { return nil, nil }
func (f *fakeSDK) ExternalAuth(overlay.Context, string) error              { return nil }
func (f *fakeSDK) AccessTokenAuth(overlay.Context, string) error           { return nil }
func (f *fakeSDK) GetMetrics(overlay.Context) (overlay.Metrics, error)     { return overlay.Metrics{}, nil }

func (f *fakeSDK) Write(conn overlay.Conn, data []byte, cb func(error)) { cb(nil) }

func (f *fakeSDK) ResolveConnect(ctx overlay.Context, domain string, onConnect func(error), onData func([]byte)) (overlay.Conn, error) {
	if f.onData == nil {
		f.onData = map[string]func([]byte){}
	}
	f.onData[domain] = onData
	onConnect(nil)
	return "conn:" + domain, nil
}

// Scenario 4: MX via proxy.
func TestScenario_MXViaProxy(t *testing.T) {
	pool, err := catalog.NewPool("100.64.0.1/10", netip.MustParseAddr("100.64.0.1"))
	require.NoError(t, err)
	cat := catalog.New(pool)
	_, err = cat.RegisterHostname("*.corp.example", "H2")
	require.NoError(t, err)

	sdk := &fakeSDK{}
	proxy := proxyresolve.New(sdk, nil, nil)

	e := engine.New(cat, nil, proxy, nil)
	rec := newRecorder()
	e.Callbacks = rec.callbacks()

	session := e.OnNewUDPFlow("H2", nil)
	e.OnUDPData(session, buildQuery(0x0055, "mail.corp.example", dns.TypeMX, true), nil)

	reply := `{"id":85,"rcode":0,"answers":[{"name":"mail.corp.example","type":15,"ttl":60,"priority":10,"data":"mx.corp.example"}]}`
	sdk.onData["corp.example"]([]byte(reply))

	resp := rec.last(session)
	assert.Equal(t, dns.RCodeNoError, dns.RCodeFromFlags(resp.Header.Flags))
	require.Len(t, resp.Answers, 1)
	mx, ok := resp.Answers[0].Data.(dns.MXData)
	require.True(t, ok)
	assert.Equal(t, uint16(10), mx.Preference)
	assert.Equal(t, "mx.corp.example", mx.Exchange)
}
