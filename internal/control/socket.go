// Package control implements the control plane (C8): a pair of local
// stream-socket endpoints (Unix domain sockets on POSIX) exposing a
// request/response command surface and a broadcast-only event stream to
// external supervisors, plus the periodic metrics broadcaster (C9).
//
// Its goroutine lifecycle (accept loop + per-connection handler,
// sync.WaitGroup-tracked graceful shutdown) and PascalCase JSON wire
// convention follow this module's established idioms, applied here to a
// local stream socket rather than a UDP/TCP DNS listener or HTTP handler.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ztcore/tunneld/internal/api/models"
	"github.com/ztcore/tunneld/internal/catalog"
	"github.com/ztcore/tunneld/internal/database"
	"github.com/ztcore/tunneld/internal/engine"
	"github.com/ztcore/tunneld/internal/identity"
	"github.com/ztcore/tunneld/internal/overlay"
)

// socketMode is the permission bits applied to both Unix sockets: group
// readable/writable, gating the control plane behind group membership
// rather than world access.
const socketMode = 0o660

// maxCommandLineLength bounds one newline-framed command message; a
// client that exceeds it is disconnected rather than allowed to hold an
// unbounded buffer open.
const maxCommandLineLength = 1 << 20

// Server is the control-plane's command and event socket pair, plus the
// read-only state it exposes to command handlers and the REST mirror in
// internal/api/handlers (via the handlers.TunnelView interface).
type Server struct {
	logger *slog.Logger

	commandPath string
	eventPath   string
	configDir   string
	tunName     string
	tunIPv4     string
	tunPrefixLen int
	dnsIPv4     string
	stateDir    string

	sdk      overlay.SDK
	registry *identity.Registry
	catalog  *catalog.Catalog
	eng      *engine.Engine
	levelVar *slog.LevelVar
	db       *database.DB

	startTime time.Time

	commandLn net.Listener
	eventLn   net.Listener

	mu           sync.Mutex
	eventClients map[net.Conn]chan []byte

	wg sync.WaitGroup
}

// Config bundles the construction-time dependencies and paths for Server.
type Config struct {
	CommandPath     string
	EventPath       string
	ConfigDir       string
	TunName         string
	TunIPv4         string
	TunPrefixLength int
	DNSIPv4         string
	StateDir        string

	SDK      overlay.SDK
	Registry *identity.Registry
	Catalog  *catalog.Catalog
	Engine   *engine.Engine
	LevelVar *slog.LevelVar
	DB       *database.DB

	Logger *slog.Logger
}

// NewServer constructs a Server from cfg. It does not bind any sockets;
// call Start to do so.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:       logger,
		commandPath:  cfg.CommandPath,
		eventPath:    cfg.EventPath,
		configDir:    cfg.ConfigDir,
		tunName:      cfg.TunName,
		tunIPv4:      cfg.TunIPv4,
		tunPrefixLen: cfg.TunPrefixLength,
		dnsIPv4:      cfg.DNSIPv4,
		stateDir:     cfg.StateDir,
		sdk:          cfg.SDK,
		registry:     cfg.Registry,
		catalog:      cfg.Catalog,
		eng:          cfg.Engine,
		levelVar:     cfg.LevelVar,
		db:           cfg.DB,
		startTime:    time.Now(),
		eventClients: make(map[net.Conn]chan []byte),
	}
}

// Start binds both the command and event sockets and begins their accept
// loops. It removes a stale socket file left behind by an unclean exit
// before binding, then lets the OS reject any genuine conflict.
func (s *Server) Start(ctx context.Context) error {
	cmdLn, err := bindUnixSocket(s.commandPath)
	if err != nil {
		return fmt.Errorf("control: bind command socket: %w", err)
	}
	s.commandLn = cmdLn

	evLn, err := bindUnixSocket(s.eventPath)
	if err != nil {
		_ = cmdLn.Close()
		return fmt.Errorf("control: bind event socket: %w", err)
	}
	s.eventLn = evLn

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.acceptCommandLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.acceptEventLoop(ctx)
	}()
	return nil
}

// CommandSocketPath returns the bound path of the command socket.
func (s *Server) CommandSocketPath() string { return s.commandPath }

// EventSocketPath returns the bound path of the event socket.
func (s *Server) EventSocketPath() string { return s.eventPath }

func bindUnixSocket(path string) (net.Listener, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, socketMode); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return ln, nil
}

// Stop closes both listeners and every open connection, waiting up to
// timeout for in-flight handlers to return.
func (s *Server) Stop(timeout time.Duration) error {
	if s.commandLn != nil {
		_ = s.commandLn.Close()
	}
	if s.eventLn != nil {
		_ = s.eventLn.Close()
	}

	s.mu.Lock()
	for conn, ch := range s.eventClients {
		close(ch)
		_ = conn.Close()
	}
	s.eventClients = make(map[net.Conn]chan []byte)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("control: shutdown timed out after %s", timeout)
	}
}

func (s *Server) acceptCommandLoop(ctx context.Context) {
	for {
		conn, err := s.commandLn.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleCommandConn(conn)
		}()
	}
}

// handleCommandConn implements the newline-framed JSON tokenizer and the
// §7 CommandMalformed recovery rule: a bad line gets an error response and
// the connection stays open, since bufio.Scanner's line framing is always
// resynchronized at the next newline.
func (s *Server) handleCommandConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxCommandLineLength)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		resp := func() Response {
			if err := json.Unmarshal(line, &req); err != nil {
				return Response{Success: false, Error: "failed to parse command", Code: 1}
			}
			return s.Dispatch(req)
		}()

		out, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("control: failed to marshal response", "error", err)
			return
		}
		out = append(out, '\n')
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (s *Server) acceptEventLoop(ctx context.Context) {
	for {
		conn, err := s.eventLn.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleEventConn(conn)
		}()
	}
}

// eventClientBuffer bounds how many undelivered events one slow client
// can accumulate before it is dropped, rather than letting a stuck peer
// back-pressure every other event-socket subscriber.
const eventClientBuffer = 256

func (s *Server) handleEventConn(conn net.Conn) {
	defer conn.Close()

	ch := make(chan []byte, eventClientBuffer)
	s.mu.Lock()
	s.eventClients[conn] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.eventClients, conn)
		s.mu.Unlock()
	}()

	snapshot, err := json.Marshal(Event{Kind: EventTunnelStatus, Status: s.Status()})
	if err != nil {
		s.logger.Error("control: failed to marshal status snapshot", "error", err)
		return
	}
	if _, err := conn.Write(append(snapshot, '\n')); err != nil {
		return
	}

	for data := range ch {
		if _, err := conn.Write(data); err != nil {
			return
		}
	}
}

// Broadcast marshals event and enqueues it for every connected event-socket
// client. A client whose buffer is full is considered unresponsive and is
// disconnected instead of stalling the broadcaster.
func (s *Server) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("control: failed to marshal event", "error", err)
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, ch := range s.eventClients {
		select {
		case ch <- data:
		default:
			s.logger.Warn("control: event client too slow, disconnecting")
			close(ch)
			delete(s.eventClients, conn)
			_ = conn.Close()
		}
	}
}

// Status implements handlers.TunnelView.
func (s *Server) Status() models.TunnelStatusResponse {
	var version int64
	if s.db != nil {
		if v, err := s.db.GetVersion(); err == nil {
			version = v
		}
	}
	return models.TunnelStatusResponse{
		ConfigDir:     s.configDir,
		TunName:       s.tunName,
		TunIPv4:       s.tunIPv4,
		DNSIPv4:       s.dnsIPv4,
		Identities:    len(s.registry.List()),
		Uptime:        time.Since(s.startTime).String(),
		ConfigVersion: version,
	}
}

// Identities implements handlers.TunnelView.
func (s *Server) Identities() []models.IdentitySummary {
	ids := s.registry.List()
	out := make([]models.IdentitySummary, 0, len(ids))
	for _, id := range ids {
		ident, ok := s.registry.Get(id)
		if !ok {
			continue
		}
		out = append(out, models.IdentitySummary{
			Identifier:  string(id),
			Active:      ident.Active,
			MFARequired: ident.MFARequired,
			LastMFAOk:   ident.LastMFAOk,
			Intercepts:  ident.InterceptCount(),
		})
	}
	return out
}

// CatalogDump implements handlers.TunnelView.
func (s *Server) CatalogDump() models.CatalogDumpResponse {
	entries := s.catalog.Entries()
	domains := s.catalog.Domains()

	out := models.CatalogDumpResponse{
		Entries: make([]models.CatalogEntryResponse, 0, len(entries)),
		Domains: make([]models.CatalogDomainResponse, 0, len(domains)),
	}
	for _, e := range entries {
		parent := ""
		if e.ParentDomain != nil {
			parent = e.ParentDomain.Suffix
		}
		out.Entries = append(out.Entries, models.CatalogEntryResponse{
			Name:         e.Name,
			IP:           e.IP.String(),
			ParentDomain: parent,
			Claimants:    len(e.Claimants),
		})
	}
	for _, d := range domains {
		out.Domains = append(out.Domains, models.CatalogDomainResponse{
			Suffix:    d.Suffix,
			Claimants: len(d.Claimants),
		})
	}
	return out
}

func writeDumpFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o640)
}
