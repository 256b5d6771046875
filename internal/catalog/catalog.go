package catalog

import (
	"net/netip"
	"strings"
)

// Claimant is an opaque handle identifying whoever asked for a name to be
// intercepted (normally an identity identifier from internal/identity). The
// catalog never interprets it beyond set membership and equality.
type Claimant string

// Entry is a single intercepted hostname and the synthetic IP assigned to
// it. ParentDomain is non-nil when Entry was created lazily by a Lookup
// match against a wildcard Domain rather than by an explicit
// RegisterHostname call.
type Entry struct {
	Name         string
	IP           netip.Addr
	Claimants    map[Claimant]struct{}
	ParentDomain *Domain
}

// Domain is a registered wildcard suffix (the "*.example.com" in a service
// intercept config). Matching it does not by itself allocate an IP; the
// first Lookup against a name under the suffix lazily creates an Entry.
type Domain struct {
	Suffix    string
	Claimants map[Claimant]struct{}
}

// Catalog is the name table (C3): the set of hostnames and wildcard domains
// currently intercepted, and the synthetic IPv4 addresses backing them. It
// holds no lock of its own; like Pool, it is owned exclusively by the DNS
// engine's event loop.
type Catalog struct {
	pool *Pool

	hostnames map[string]*Entry
	addresses map[netip.Addr]*Entry
	domains   map[string]*Domain
}

// New creates a Catalog backed by pool for synthetic address allocation.
func New(pool *Pool) *Catalog {
	return &Catalog{
		pool:      pool,
		hostnames: make(map[string]*Entry),
		addresses: make(map[netip.Addr]*Entry),
		domains:   make(map[string]*Domain),
	}
}

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".")
}

// RegisterHostname intercepts addr on behalf of claimant. addr may be an
// exact hostname ("api.example.com") or a wildcard domain
// ("*.example.com"). Exact hostnames are allocated a synthetic IP
// immediately; wildcard domains allocate lazily, one IP per matching name,
// the first time Lookup resolves a name under the suffix.
//
// Registering the same addr twice for different claimants shares the
// existing entry or domain rather than allocating a second IP: the
// operation is idempotent with respect to address assignment.
func (c *Catalog) RegisterHostname(addr string, claimant Claimant) (netip.Addr, error) {
	name := normalizeName(addr)

	if strings.HasPrefix(name, "*.") {
		suffix := strings.TrimPrefix(name, "*.")
		d, ok := c.domains[suffix]
		if !ok {
			d = &Domain{Suffix: suffix, Claimants: make(map[Claimant]struct{})}
			c.domains[suffix] = d
		}
		d.Claimants[claimant] = struct{}{}
		return netip.Addr{}, nil
	}

	if e, ok := c.hostnames[name]; ok {
		e.Claimants[claimant] = struct{}{}
		return e.IP, nil
	}

	ip, err := c.pool.Allocate()
	if err != nil {
		return netip.Addr{}, err
	}
	e := &Entry{
		Name:      name,
		IP:        ip,
		Claimants: map[Claimant]struct{}{claimant: {}},
	}
	c.hostnames[name] = e
	c.addresses[ip] = e
	return ip, nil
}

// Deregister removes claimant from every hostname and domain it holds.
// Entries and domains left with no remaining claimants are pruned and
// their synthetic IPs released back to the pool, including lazily-created
// entries whose parent wildcard domain was just fully vacated.
func (c *Catalog) Deregister(claimant Claimant) {
	for name, e := range c.hostnames {
		delete(e.Claimants, claimant)
		if len(e.Claimants) == 0 && e.ParentDomain == nil {
			c.releaseEntry(name, e)
		}
	}

	for suffix, d := range c.domains {
		delete(d.Claimants, claimant)
		if len(d.Claimants) == 0 {
			delete(c.domains, suffix)
			c.pruneEntriesOf(d)
		}
	}
}

func (c *Catalog) pruneEntriesOf(d *Domain) {
	for name, e := range c.hostnames {
		if e.ParentDomain == d {
			c.releaseEntry(name, e)
		}
	}
}

func (c *Catalog) releaseEntry(name string, e *Entry) {
	delete(c.hostnames, name)
	delete(c.addresses, e.IP)
	c.pool.Release(e.IP)
}

// Lookup resolves name against the catalog. It tries an exact hostname
// match first, then the longest matching wildcard domain suffix (the apex
// of a wildcard, "example.com" itself, is never matched by "*.example.com").
// A wildcard match lazily creates and caches the Entry on first lookup.
// Names containing a literal "*" are never resolvable and always miss.
func (c *Catalog) Lookup(name string) (*Entry, bool) {
	name = normalizeName(name)
	if name == "" || strings.Contains(name, "*") {
		return nil, false
	}

	if e, ok := c.hostnames[name]; ok {
		return e, true
	}

	d := c.matchDomain(name)
	if d == nil {
		return nil, false
	}

	ip, err := c.pool.Allocate()
	if err != nil {
		return nil, false
	}
	e := &Entry{
		Name:         name,
		IP:           ip,
		Claimants:    d.Claimants,
		ParentDomain: d,
	}
	c.hostnames[name] = e
	c.addresses[ip] = e
	return e, true
}

// matchDomain returns the most specific wildcard Domain covering name, or
// nil if none match. It walks name's suffixes from most specific (name
// minus its first label) to least specific (the TLD), returning on the
// first hit so overlapping registrations ("*.example.com" and
// "*.a.example.com") resolve to the narrower one.
func (c *Catalog) matchDomain(name string) *Domain {
	labels := strings.Split(name, ".")
	for i := 1; i < len(labels); i++ {
		suffix := strings.Join(labels[i:], ".")
		if d, ok := c.domains[suffix]; ok {
			return d
		}
	}
	return nil
}

// MatchDomain returns the suffix of the most specific wildcard domain
// covering name, without creating a lazy Entry or allocating an IP. It is
// used by the DNS engine's MX/SRV/TXT routing path, which only needs to
// know whether a wildcard domain claims the query, not a synthetic
// address for it.
func (c *Catalog) MatchDomain(name string) (string, bool) {
	name = normalizeName(name)
	d := c.matchDomain(name)
	if d == nil {
		return "", false
	}
	return d.Suffix, true
}

// Rebind swaps the address pool backing future allocations (the control
// plane's UpdateTunIpv4 command). Entries already allocated from the old
// pool keep their addresses; only subsequent Lookup/RegisterHostname
// calls draw from pool.
func (c *Catalog) Rebind(pool *Pool) {
	c.pool = pool
}

// Entries returns every currently registered hostname entry, exact and
// lazily-created alike, for diagnostic dumps (the control plane's IpDump
// command and its REST mirror).
func (c *Catalog) Entries() []*Entry {
	out := make([]*Entry, 0, len(c.hostnames))
	for _, e := range c.hostnames {
		out = append(out, e)
	}
	return out
}

// Domains returns every registered wildcard domain, for diagnostic dumps.
func (c *Catalog) Domains() []*Domain {
	out := make([]*Domain, 0, len(c.domains))
	for _, d := range c.domains {
		out = append(out, d)
	}
	return out
}

// Reverse maps a synthetic IP back to the hostname it was assigned to.
func (c *Catalog) Reverse(ip netip.Addr) (string, bool) {
	e, ok := c.addresses[ip]
	if !ok {
		return "", false
	}
	return e.Name, true
}
