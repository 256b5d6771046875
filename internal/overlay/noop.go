package overlay

import (
	"fmt"
	"sync"
)

// NoopSDK is a minimal stand-in SDK used when the daemon is run without a
// real overlay network library wired in (see the package doc comment: the
// overlay collaborator itself is out of scope for this module). It loads
// identities purely in memory, answers Dial/Write/Close without ever
// reaching a network, tracks no services and emits no events. It exists so cmd/tunneld has something concrete to construct;
// swapping in a real overlay SDK means providing another SDK implementation,
// not changing anything in internal/identity, internal/proxyresolve or
// internal/control.
type NoopSDK struct {
	mu      sync.Mutex
	ctxSeq  int
	events  map[Context]chan Event
}

// NewNoopSDK constructs a NoopSDK.
func NewNoopSDK() *NoopSDK {
	return &NoopSDK{events: make(map[Context]chan Event)}
}

type noopContext struct {
	id   int
	path string
}

func (s *NoopSDK) LoadIdentity(path string, disabled bool) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxSeq++
	ctx := &noopContext{id: s.ctxSeq, path: path}
	s.events[ctx] = make(chan Event, 16)
	return ctx, nil
}

func (s *NoopSDK) Enroll(opts EnrollOptions, cb func(EnrollResult)) {
	cb(EnrollResult{IdentityFilePath: opts.Name + ".json"})
}

func (s *NoopSDK) Dial(ctx Context, service string) (Conn, error) {
	return fmt.Sprintf("conn:%v/%s", ctx, service), nil
}

func (s *NoopSDK) Write(conn Conn, data []byte, cb func(error)) {
	cb(nil)
}

func (s *NoopSDK) Close(conn Conn, cb func(error)) {
	cb(nil)
}

func (s *NoopSDK) ResolveConnect(ctx Context, domain string, onConnect func(error), onData func([]byte)) (Conn, error) {
	onConnect(nil)
	return fmt.Sprintf("resolve:%v/%s", ctx, domain), nil
}

func (s *NoopSDK) Events(ctx Context) <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.events[ctx]
	if !ok {
		ch = make(chan Event)
		close(ch)
	}
	return ch
}

func (s *NoopSDK) EnrollMFA(ctx Context) (MFAEnrollment, error) {
	return MFAEnrollment{}, ErrNotConnected
}

func (s *NoopSDK) VerifyMFA(ctx Context, code string) error { return ErrNotConnected }
func (s *NoopSDK) RemoveMFA(ctx Context) error               { return ErrNotConnected }
func (s *NoopSDK) SubmitMFA(ctx Context, code string) error  { return ErrNotConnected }

func (s *NoopSDK) GenerateMFACodes(ctx Context) ([]string, error) {
	return nil, ErrNotConnected
}

func (s *NoopSDK) GetMFACodes(ctx Context) ([]string, error) {
	return nil, ErrNotConnected
}

func (s *NoopSDK) ExternalAuth(ctx Context, provider string) error      { return ErrNotConnected }
func (s *NoopSDK) AccessTokenAuth(ctx Context, token string) error      { return ErrNotConnected }

func (s *NoopSDK) GetMetrics(ctx Context) (Metrics, error) {
	return Metrics{UpRate: "0", DownRate: "0"}, nil
}
