// Package engine implements the DNS engine (C6): the heart of the daemon,
// routing every intercepted UDP flow's DNS queries through the name
// catalog (C3), upstream forwarder (C4) and proxy resolver (C5), and
// assembling replies back to the TUN/stack collaborator.
//
// Like internal/catalog, Engine keeps no lock of its own: §5 of the design
// calls for a single-threaded cooperative event loop owning all mutable
// state, so every exported method here is expected to be invoked serially
// by one goroutine (normally cmd/tunneld's main select loop fanning in TUN
// reads, forwarder responses and proxy callbacks).
package engine

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ztcore/tunneld/internal/catalog"
	"github.com/ztcore/tunneld/internal/dns"
	"github.com/ztcore/tunneld/internal/forwarder"
	"github.com/ztcore/tunneld/internal/proxyresolve"
)

// SessionHandle identifies one client UDP flow for the lifetime between
// OnNewUDPFlow and OnFlowClose.
type SessionHandle string

// ClientIdleTimeout is the per-client idle timeout from §5: a session with
// no in-flight activity for this long is expected to be torn down by the
// stack collaborator after the engine's last SetIdleTimeout call expires.
const ClientIdleTimeout = 5 * time.Second

// AssemblyBufferSize bounds how many bytes of answer records the engine
// will pack into one response before setting TC and stopping.
const AssemblyBufferSize = 4096

// MissStatus configures the RCODE returned for a catalog/domain miss when
// no upstream is configured, or RD=0. Default is REFUSED per §4.6.
type MissStatus = dns.RCode

// StackCallbacks is the engine's side of the TUN/stack contract (§6): the
// engine calls these to push a datagram to the client flow, refresh its
// idle timeout, and acknowledge a consumed read.
type StackCallbacks struct {
	Send           func(session SessionHandle, data []byte)
	SetIdleTimeout func(session SessionHandle, d time.Duration)
	AckRead        func(session SessionHandle, ackToken any)
}

type inflightEntry struct {
	session   SessionHandle
	clientID  uint16
	forwardID uint16
	query     dns.Packet
	domain    string // non-empty when proxied via C5
}

type clientSession struct {
	requests map[uint16]*inflightEntry
}

// Engine is the process-wide DNS engine.
type Engine struct {
	Catalog   *catalog.Catalog
	Forwarder *forwarder.Forwarder   // nil if no upstream configured
	Proxy     *proxyresolve.Resolver // nil if no overlay identity is active
	MissRCode MissStatus

	Callbacks StackCallbacks
	Logger    *slog.Logger

	sessions      map[SessionHandle]*clientSession
	byForwardID   map[uint16]*inflightEntry
	nextForwardID uint16
}

// New constructs an Engine. cat must be non-nil; fwd and proxy may be nil
// when no upstream or active overlay identity is configured yet.
func New(cat *catalog.Catalog, fwd *forwarder.Forwarder, proxy *proxyresolve.Resolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		Catalog:   cat,
		Forwarder: fwd,
		Proxy:     proxy,
		MissRCode: dns.RCodeRefused,
		Logger:    logger,
		sessions:  make(map[SessionHandle]*clientSession),
		byForwardID: make(map[uint16]*inflightEntry),
	}
	if fwd != nil {
		go e.drainForwarderResponses()
	}
	return e
}

// SetForwarder swaps the upstream forwarder at runtime (the control
// plane's SetUpstreamDNS command). Any previous forwarder is closed,
// which terminates its read loop and lets the old drain goroutine exit.
func (e *Engine) SetForwarder(fwd *forwarder.Forwarder) {
	if e.Forwarder != nil {
		_ = e.Forwarder.Close()
	}
	e.Forwarder = fwd
	if fwd != nil {
		go e.drainForwarderResponses()
	}
}

// OnNewUDPFlow registers a new client flow and returns the session handle
// the engine will use to key its in-flight table.
func (e *Engine) OnNewUDPFlow(_ catalog.Claimant, _ any) SessionHandle {
	session := SessionHandle(uuid.NewString())
	e.sessions[session] = &clientSession{requests: make(map[uint16]*inflightEntry)}
	return session
}

// OnFlowClose removes every in-flight request belonging to session, so a
// late upstream or proxy reply has nowhere to land.
func (e *Engine) OnFlowClose(session SessionHandle) {
	cs, ok := e.sessions[session]
	if !ok {
		return
	}
	for _, entry := range cs.requests {
		delete(e.byForwardID, entry.forwardID)
	}
	delete(e.sessions, session)
}

// OnUDPData processes one inbound DNS datagram from session. It always
// consumes the whole datagram: DNS over UDP carries exactly one message
// per packet.
func (e *Engine) OnUDPData(session SessionHandle, data []byte, ackToken any) int {
	if e.Callbacks.AckRead != nil {
		e.Callbacks.AckRead(session, ackToken)
	}
	if e.Callbacks.SetIdleTimeout != nil {
		e.Callbacks.SetIdleTimeout(session, ClientIdleTimeout)
	}

	cs, ok := e.sessions[session]
	if !ok {
		return len(data)
	}

	req, err := dns.ParseRequestBounded(data)
	if err != nil {
		e.Logger.Debug("engine: dropping malformed query", "session", session, "error", err)
		return len(data)
	}

	if _, dup := cs.requests[req.Header.ID]; dup {
		e.Logger.Debug("engine: duplicate transaction id, dropping", "session", session, "id", req.Header.ID)
		return len(data)
	}

	entry := &inflightEntry{session: session, clientID: req.Header.ID, query: req}
	cs.requests[req.Header.ID] = entry

	e.route(entry)
	return len(data)
}

func (e *Engine) route(entry *inflightEntry) {
	req := entry.query
	if len(req.Questions) == 0 {
		e.respondError(entry, dns.RCodeFormErr)
		return
	}
	q := req.Questions[0]

	switch dns.RecordType(q.Type) {
	case dns.TypeA, dns.TypeAAAA:
		e.routeAddressQuery(entry, q)
	case dns.TypeMX, dns.TypeSRV, dns.TypeTXT:
		e.routeProxyQuery(entry, q)
	default:
		e.routeOther(entry)
	}
}

func (e *Engine) routeAddressQuery(entry *inflightEntry, q dns.Question) {
	ent, hit := e.Catalog.Lookup(q.Name)
	if !hit {
		e.routeMiss(entry)
		return
	}

	if dns.RecordType(q.Type) == dns.TypeAAAA {
		e.respond(entry, dns.RCodeNoError, nil)
		return
	}

	answer := dns.CreateA(q.Name, 60, ent.IP)
	e.respond(entry, dns.RCodeNoError, []dns.Record{answer})
}

func (e *Engine) routeProxyQuery(entry *inflightEntry, q dns.Question) {
	domain, hit := e.Catalog.MatchDomain(q.Name)
	if !hit {
		e.routeMiss(entry)
		return
	}
	if e.Proxy == nil {
		e.respondError(entry, dns.RCodeServFail)
		return
	}
	entry.domain = domain
	e.Proxy.Resolve(domain, entry.query, func(res proxyresolve.Result) {
		e.completeProxied(entry, res)
	})
}

func (e *Engine) completeProxied(entry *inflightEntry, res proxyresolve.Result) {
	if !e.sessionHasEntry(entry) {
		return // client closed while the proxy reply was in flight
	}
	e.respond(entry, res.RCode, res.Answers)
}

func (e *Engine) routeOther(entry *inflightEntry) {
	if e.Forwarder != nil {
		e.forward(entry)
		return
	}
	e.respondError(entry, dns.RCodeNotImp)
}

// routeMiss implements the shared A/AAAA/MX/SRV/TXT miss policy: forward
// upstream when the client asked for recursion and an upstream is
// configured, otherwise answer locally with MissRCode.
func (e *Engine) routeMiss(entry *inflightEntry) {
	rd := entry.query.Header.Flags&dns.RDFlag != 0
	if rd && e.Forwarder != nil {
		e.forward(entry)
		return
	}
	e.respondError(entry, e.MissRCode)
}

func (e *Engine) forward(entry *inflightEntry) {
	entry.forwardID = e.nextForwardIDValue()
	e.byForwardID[entry.forwardID] = entry

	fwdReq := entry.query
	fwdReq.Header.ID = entry.forwardID
	b, err := fwdReq.Marshal()
	if err != nil {
		delete(e.byForwardID, entry.forwardID)
		e.respondError(entry, dns.RCodeServFail)
		return
	}

	if err := e.Forwarder.Send(b); err != nil {
		delete(e.byForwardID, entry.forwardID)
		e.Logger.Warn("engine: upstream forward failed", "error", err)
		e.respondError(entry, dns.RCodeRefused)
	}
}

func (e *Engine) nextForwardIDValue() uint16 {
	for {
		e.nextForwardID++
		if _, taken := e.byForwardID[e.nextForwardID]; !taken {
			return e.nextForwardID
		}
	}
}

func (e *Engine) drainForwarderResponses() {
	for resp := range e.Forwarder.Responses() {
		e.HandleForwarderResponse(resp)
	}
}

// HandleForwarderResponse completes the in-flight request matching resp's
// transaction ID, if one is still outstanding. Late replies for requests
// whose client has already closed, or whose forward ID was already
// released, are dropped.
func (e *Engine) HandleForwarderResponse(resp forwarder.Response) {
	entry, ok := e.byForwardID[resp.TransactionID]
	if !ok {
		return
	}
	delete(e.byForwardID, resp.TransactionID)

	upstreamPacket, err := dns.ParsePacket(resp.Data)
	if err != nil {
		e.Logger.Warn("engine: malformed upstream response", "error", err)
		e.respondError(entry, dns.RCodeServFail)
		return
	}
	rcode := dns.RCodeFromFlags(upstreamPacket.Header.Flags)
	e.respond(entry, rcode, upstreamPacket.Answers)
}

func (e *Engine) sessionHasEntry(entry *inflightEntry) bool {
	cs, ok := e.sessions[entry.session]
	if !ok {
		return false
	}
	cur, ok := cs.requests[entry.clientID]
	return ok && cur == entry
}

func (e *Engine) respondError(entry *inflightEntry, rcode dns.RCode) {
	e.respond(entry, rcode, nil)
}

// respond assembles and sends the final answer for entry, honoring the
// 4096-byte assembly budget and the client's advertised EDNS UDP size,
// then releases entry from both in-flight tables.
func (e *Engine) respond(entry *inflightEntry, rcode dns.RCode, answers []dns.Record) {
	if !e.sessionHasEntry(entry) {
		return
	}

	resp := buildResponsePacket(entry.query, rcode, answers, e.Forwarder != nil)
	out := assembleResponse(resp)
	out, err := truncateResponse(resp, out, dns.ClientMaxUDPSize(entry.query))
	if err != nil {
		e.Logger.Warn("engine: failed to build truncated response", "error", err)
		out = nil
	}

	cs := e.sessions[entry.session]
	delete(cs.requests, entry.clientID)
	if entry.forwardID != 0 {
		delete(e.byForwardID, entry.forwardID)
	}

	if out != nil && e.Callbacks.Send != nil {
		e.Callbacks.Send(entry.session, out)
	}
}

// buildResponsePacket assembles the reply header and body. RA is set iff
// an upstream forwarder is configured (spec.md:65): it reports the
// resolver's own recursion capability, not whether this particular answer
// happened to resolve.
func buildResponsePacket(req dns.Packet, rcode dns.RCode, answers []dns.Record, recursionAvailable bool) dns.Packet {
	flags := dns.QRFlag
	flags |= req.Header.Flags & dns.RDFlag
	if recursionAvailable {
		flags |= dns.RAFlag
	}
	flags = (flags &^ dns.RCodeMask) | (uint16(rcode) & dns.RCodeMask)

	resp := dns.Packet{
		Header:    dns.Header{ID: req.Header.ID, Flags: flags},
		Questions: req.Questions,
		Answers:   answers,
	}

	if opt := dns.ExtractOPT(req.Additionals); opt != nil {
		reply := dns.CreateOPT(int(opt.UDPPayloadSize))
		resp.Additionals = []dns.Record{reply.ToRecord()}
	}
	return resp
}

// assembleResponse marshals resp, dropping trailing answers and setting TC
// if the result would exceed AssemblyBufferSize, per §4.6's assembly
// policy. OPT is kept whenever the header, question and OPT record
// together still fit.
func assembleResponse(resp dns.Packet) []byte {
	if b, err := resp.Marshal(); err == nil && len(b) <= AssemblyBufferSize {
		return b
	}

	truncated := resp
	truncated.Header.Flags |= dns.TCFlag
	truncated.Answers = nil
	truncated.Authorities = nil

	for n := len(resp.Answers); n > 0; n-- {
		candidate := resp
		candidate.Header.Flags |= dns.TCFlag
		candidate.Answers = resp.Answers[:n-1]
		if b, err := candidate.Marshal(); err == nil && len(b) <= AssemblyBufferSize {
			return b
		}
	}

	if b, err := truncated.Marshal(); err == nil && len(b) <= AssemblyBufferSize {
		return b
	}
	truncated.Additionals = nil
	b, err := truncated.Marshal()
	if err != nil {
		return nil
	}
	return b
}
