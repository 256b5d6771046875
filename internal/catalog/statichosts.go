package catalog

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"
)

// staticClaimant marks entries loaded by LoadStaticHosts. They are never
// held by a real identity, so Deregister never prunes them.
const staticClaimant Claimant = "static"

// LoadStaticHosts reads a hosts(5)-style file at path and pre-seeds the
// hostname table with fixed addresses: each non-blank, non-comment line is
// "ip hostname [alias ...]". Static entries bypass pool allocation,
// matching the source tunneler's DNS host-file override; an address that
// falls inside the pool's CIDR is reserved in the pool so Allocate never
// hands it out. It returns the number of hostnames loaded.
func (c *Catalog) LoadStaticHosts(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("catalog: open static hosts file: %w", err)
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return count, fmt.Errorf("catalog: malformed static hosts line %q", line)
		}
		addr, err := netip.ParseAddr(fields[0])
		if err != nil || !addr.Is4() {
			return count, fmt.Errorf("catalog: invalid address %q in static hosts file", fields[0])
		}
		for _, host := range fields[1:] {
			c.registerStatic(normalizeName(host), addr)
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("catalog: read static hosts file: %w", err)
	}
	return count, nil
}

// registerStatic inserts a fixed hostname/address pair directly. An
// existing entry for the same name, static or claimed, is left in place
// rather than overwritten, so the first matching line in the file wins.
func (c *Catalog) registerStatic(name string, ip netip.Addr) {
	if _, exists := c.hostnames[name]; exists {
		return
	}
	e := &Entry{
		Name:      name,
		IP:        ip,
		Claimants: map[Claimant]struct{}{staticClaimant: {}},
	}
	c.hostnames[name] = e
	c.addresses[ip] = e
	c.pool.reserveIfInRange(ip)
}
