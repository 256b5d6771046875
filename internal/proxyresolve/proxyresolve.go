// Package proxyresolve implements the proxy resolver (C5): for each
// wildcard domain matching a non-A/AAAA query, it opens at most one
// "resolve" overlay connection per domain and multiplexes subsequent
// queries for that domain onto it, completing each by transaction ID as
// replies arrive. Like internal/catalog, it keeps no lock of its own; it
// is driven exclusively by the DNS engine's event loop.
package proxyresolve

import (
	"encoding/json"
	"log/slog"

	"github.com/ztcore/tunneld/internal/dns"
	"github.com/ztcore/tunneld/internal/overlay"
)

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateOpen
	stateClosed
)

// Result is delivered to a Resolve caller's callback once a domain
// connection answers, fails, or the query type isn't supported.
type Result struct {
	RCode   dns.RCode
	Answers []dns.Record
	Err     error
}

type wireQuestion struct {
	Name  string `json:"name"`
	Type  uint16 `json:"type"`
	Class uint16 `json:"class"`
}

type wireRequest struct {
	ID       uint16         `json:"id"`
	Question []wireQuestion `json:"question"`
}

type wireAnswer struct {
	Name     string `json:"name"`
	Type     uint16 `json:"type"`
	TTL      uint32 `json:"ttl"`
	Priority uint16 `json:"priority,omitempty"`
	Weight   uint16 `json:"weight,omitempty"`
	Port     uint16 `json:"port,omitempty"`
	Data     string `json:"data,omitempty"`
}

type wireResponse struct {
	ID      uint16       `json:"id"`
	RCode   int          `json:"rcode"`
	Answers []wireAnswer `json:"answers"`
}

type domainConn struct {
	domain  string
	state   connState
	conn    overlay.Conn
	pending map[uint16]func(Result)
	queued  map[uint16][]byte
}

// Resolver multiplexes MX/SRV/TXT queries for wildcard domains over
// per-domain overlay resolve connections.
type Resolver struct {
	sdk    overlay.SDK
	ctx    overlay.Context
	conns  map[string]*domainConn
	logger *slog.Logger
}

// New creates a Resolver driving connections through sdk under the given
// identity context.
func New(sdk overlay.SDK, ctx overlay.Context, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		sdk:    sdk,
		ctx:    ctx,
		conns:  make(map[string]*domainConn),
		logger: logger,
	}
}

func supportedType(t uint16) bool {
	switch dns.RecordType(t) {
	case dns.TypeMX, dns.TypeSRV, dns.TypeTXT:
		return true
	default:
		return false
	}
}

// Resolve submits req (whose sole question must be MX, SRV or TXT) against
// domain's resolve connection, opening one if none exists. cb is called at
// most once: synchronously for unsupported types or when opening the
// connection fails, otherwise when the overlay replies or the connection
// fails. It is not called if no reply ever arrives.
func (r *Resolver) Resolve(domain string, req dns.Packet, cb func(Result)) {
	if len(req.Questions) == 0 || !supportedType(req.Questions[0].Type) {
		cb(Result{RCode: dns.RCodeNotImp})
		return
	}

	dc, ok := r.conns[domain]
	if !ok {
		dc = &domainConn{
			domain:  domain,
			state:   stateIdle,
			pending: make(map[uint16]func(Result)),
			queued:  make(map[uint16][]byte),
		}
		r.conns[domain] = dc
	}

	id := req.Header.ID
	dc.pending[id] = cb
	payload := encodeRequest(req)

	switch dc.state {
	case stateOpen:
		r.writeOne(dc, id, payload)
	case stateConnecting:
		dc.queued[id] = payload
	default: // stateIdle, stateClosed
		dc.queued[id] = payload
		r.connect(dc)
	}
}

func (r *Resolver) connect(dc *domainConn) {
	dc.state = stateConnecting
	conn, err := r.sdk.ResolveConnect(r.ctx, dc.domain,
		func(err error) { r.onConnect(dc, err) },
		func(data []byte) { r.onData(dc, data) },
	)
	if err != nil {
		r.failDomain(dc, err)
		return
	}
	dc.conn = conn
}

func (r *Resolver) onConnect(dc *domainConn, err error) {
	if dc.state == stateClosed {
		return
	}
	if err != nil {
		r.failDomain(dc, err)
		return
	}
	dc.state = stateOpen
	for id, payload := range dc.queued {
		r.writeOne(dc, id, payload)
	}
	dc.queued = make(map[uint16][]byte)
}

func (r *Resolver) writeOne(dc *domainConn, id uint16, payload []byte) {
	r.sdk.Write(dc.conn, payload, func(err error) {
		if err != nil {
			r.failDomain(dc, err)
		}
	})
	delete(dc.queued, id)
}

func (r *Resolver) onData(dc *domainConn, data []byte) {
	var resp wireResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		r.logger.Warn("proxy resolve: malformed overlay reply", "domain", dc.domain, "error", err)
		return
	}
	cb, ok := dc.pending[resp.ID]
	if !ok {
		return
	}
	delete(dc.pending, resp.ID)

	result := Result{RCode: dns.RCode(resp.RCode)}
	for _, a := range resp.Answers {
		result.Answers = append(result.Answers, decodeAnswer(a))
	}
	cb(result)
}

func (r *Resolver) failDomain(dc *domainConn, err error) {
	dc.state = stateClosed
	dc.conn = nil
	for id, cb := range dc.pending {
		cb(Result{RCode: dns.RCodeServFail, Err: err})
		delete(dc.pending, id)
	}
	dc.queued = make(map[uint16][]byte)
}

func encodeRequest(req dns.Packet) []byte {
	wr := wireRequest{ID: req.Header.ID}
	for _, q := range req.Questions {
		wr.Question = append(wr.Question, wireQuestion{Name: q.Name, Type: q.Type, Class: q.Class})
	}
	b, _ := json.Marshal(wr)
	return b
}

func decodeAnswer(a wireAnswer) dns.Record {
	switch dns.RecordType(a.Type) {
	case dns.TypeMX:
		return dns.CreateMX(a.Name, a.TTL, a.Priority, a.Data)
	case dns.TypeSRV:
		return dns.CreateSRV(a.Name, a.TTL, a.Priority, a.Weight, a.Port, a.Data)
	case dns.TypeTXT:
		return dns.CreateTXT(a.Name, a.TTL, a.Data)
	default:
		return dns.Record{Name: a.Name, Type: a.Type, Class: uint16(dns.ClassIN), TTL: a.TTL, Data: a.Data}
	}
}
