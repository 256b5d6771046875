// Package forwarder implements the upstream forwarder (C4): a single UDP
// socket that relays DNS queries to up to five configured upstream servers
// and demultiplexes their replies by transaction ID. Unlike the forwarding
// resolver it is adapted from, it holds no cache, no singleflight table and
// no per-upstream health tracking: the DNS engine's in-flight table and
// client idle timeout already provide those guarantees at a higher layer
// (see internal/engine), so duplicating them here would just be dead state.
package forwarder

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
)

// MaxUpstreams is the hard limit on configured upstream servers.
const MaxUpstreams = 5

// recvBufferSize is the fixed receive buffer. Replies larger than this are
// truncated by the kernel and dropped rather than forwarded as garbage.
const recvBufferSize = 1024

// ErrNoUpstreams is returned by New when the upstream list is empty.
var ErrNoUpstreams = errors.New("forwarder: no upstream servers configured")

// ErrTooManyUpstreams is returned by New when more than MaxUpstreams were given.
var ErrTooManyUpstreams = errors.New("forwarder: too many upstream servers")

// ErrSendFailed is returned by Send when every upstream rejected the sendto.
var ErrSendFailed = errors.New("forwarder: all upstream sends failed")

// Response is a single datagram received from an upstream server, still
// keyed by the DNS transaction ID the engine uses to look up its in-flight
// table; the forwarder does not interpret anything else in the payload.
type Response struct {
	TransactionID uint16
	Upstream      netip.AddrPort
	Data          []byte
}

// Forwarder owns one UDP socket shared across all configured upstreams.
type Forwarder struct {
	conn      *net.UDPConn
	isV6      bool
	upstreams []netip.AddrPort
	logger    *slog.Logger

	responses chan Response

	closeOnce sync.Once
	closed    chan struct{}
}

// New binds the shared UDP socket (preferring "::", falling back to
// "0.0.0.0") and resolves upstreams, each "host" or "host:port" with a
// default port of 53, to at most MaxUpstreams addresses.
func New(upstreams []string, logger *slog.Logger) (*Forwarder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(upstreams) == 0 {
		return nil, ErrNoUpstreams
	}
	if len(upstreams) > MaxUpstreams {
		return nil, ErrTooManyUpstreams
	}

	conn, isV6, err := bindSocket()
	if err != nil {
		return nil, fmt.Errorf("forwarder: bind: %w", err)
	}

	resolved := make([]netip.AddrPort, 0, len(upstreams))
	for _, u := range upstreams {
		ap, err := resolveUpstream(u)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("forwarder: upstream %q: %w", u, err)
		}
		if isV6 && ap.Addr().Is4() {
			ap = netip.AddrPortFrom(netip.AddrFrom16(ap.Addr().As16()), ap.Port())
		}
		resolved = append(resolved, ap)
	}

	f := &Forwarder{
		conn:      conn,
		isV6:      isV6,
		upstreams: resolved,
		logger:    logger,
		responses: make(chan Response, 64),
		closed:    make(chan struct{}),
	}
	go f.readLoop()
	return f, nil
}

func bindSocket() (*net.UDPConn, bool, error) {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified})
	if err == nil {
		return conn, true, nil
	}
	conn, err = net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, false, err
	}
	return conn, false, nil
}

func resolveUpstream(addr string) (netip.AddrPort, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, "53"
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	var p uint64
	if port != "" {
		var perr error
		p, perr = parsePort(port)
		if perr != nil {
			return netip.AddrPort{}, perr
		}
	} else {
		p = 53
	}
	return netip.AddrPortFrom(ip, uint16(p)), nil
}

func parsePort(s string) (uint64, error) {
	var n uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid port %q", s)
		}
		n = n*10 + uint64(r-'0')
	}
	if n == 0 || n > 65535 {
		return 0, fmt.Errorf("port %q out of range", s)
	}
	return n, nil
}

// Send attempts a non-blocking sendto against every configured upstream.
// It succeeds, per the engine's error-handling policy, as long as at least
// one upstream accepted the write; no retransmission happens at this layer.
func (f *Forwarder) Send(query []byte) error {
	sent := false
	for _, up := range f.upstreams {
		n, err := f.conn.WriteToUDPAddrPort(query, up)
		if err != nil || n != len(query) {
			f.logger.Debug("forwarder send failed", "upstream", up, "error", err)
			continue
		}
		sent = true
	}
	if !sent {
		return ErrSendFailed
	}
	return nil
}

// Responses returns the channel of datagrams received from upstreams.
func (f *Forwarder) Responses() <-chan Response {
	return f.responses
}

func (f *Forwarder) readLoop() {
	defer close(f.responses)
	buf := make([]byte, recvBufferSize)
	for {
		n, from, err := f.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-f.closed:
				return
			default:
				f.logger.Warn("forwarder read error", "error", err)
				return
			}
		}
		if n < 2 {
			continue
		}
		if n == len(buf) {
			f.logger.Warn("forwarder dropped oversized upstream response", "upstream", from, "limit", recvBufferSize)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		txID := uint16(data[0])<<8 | uint16(data[1])

		select {
		case f.responses <- Response{TransactionID: txID, Upstream: from, Data: data}:
		case <-f.closed:
			return
		}
	}
}

// Close releases the shared UDP socket and stops the read loop.
func (f *Forwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.closed)
		err = f.conn.Close()
	})
	return err
}
