package catalog_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztcore/tunneld/internal/catalog"
)

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	p, err := catalog.NewPool("10.0.0.0/24", netip.MustParseAddr("10.0.0.2"))
	require.NoError(t, err)
	return catalog.New(p)
}

func TestRegisterHostname_ExactRoundTrip(t *testing.T) {
	c := newTestCatalog(t)

	ip, err := c.RegisterHostname("API.Example.com.", "alice")
	require.NoError(t, err)
	assert.True(t, ip.Is4())

	e, ok := c.Lookup("api.example.com")
	require.True(t, ok)
	assert.Equal(t, ip, e.IP)

	name, ok := c.Reverse(ip)
	require.True(t, ok)
	assert.Equal(t, "api.example.com", name)
}

func TestRegisterHostname_IdempotentSharesAddress(t *testing.T) {
	c := newTestCatalog(t)

	ip1, err := c.RegisterHostname("svc.example.com", "alice")
	require.NoError(t, err)
	ip2, err := c.RegisterHostname("svc.example.com", "bob")
	require.NoError(t, err)

	assert.Equal(t, ip1, ip2)
}

func TestLookup_Miss(t *testing.T) {
	c := newTestCatalog(t)
	_, ok := c.Lookup("nowhere.example.com")
	assert.False(t, ok)
}

func TestLookup_RejectsLiteralWildcard(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.RegisterHostname("*.example.com", "alice")
	require.NoError(t, err)

	_, ok := c.Lookup("*.example.com")
	assert.False(t, ok)
}

func TestWildcard_LazyCreationOnLookup(t *testing.T) {
	c := newTestCatalog(t)

	_, err := c.RegisterHostname("*.svc.example.com", "alice")
	require.NoError(t, err)

	e1, ok := c.Lookup("foo.svc.example.com")
	require.True(t, ok)

	e2, ok := c.Lookup("foo.svc.example.com")
	require.True(t, ok)
	assert.Equal(t, e1.IP, e2.IP, "repeated lookups of the same wildcard match must be stable")

	e3, ok := c.Lookup("bar.svc.example.com")
	require.True(t, ok)
	assert.NotEqual(t, e1.IP, e3.IP)
}

func TestWildcard_ApexNotMatched(t *testing.T) {
	c := newTestCatalog(t)

	_, err := c.RegisterHostname("*.example.com", "alice")
	require.NoError(t, err)

	_, ok := c.Lookup("example.com")
	assert.False(t, ok, "*.example.com must not match the bare apex")
}

func TestWildcard_SuffixMustMatchOnLabelBoundary(t *testing.T) {
	c := newTestCatalog(t)

	_, err := c.RegisterHostname("*.ample.com", "alice")
	require.NoError(t, err)

	_, ok := c.Lookup("example.com")
	assert.False(t, ok, "example.com must not match *.ample.com: x is not a label boundary")
}

func TestWildcard_LongestSuffixWins(t *testing.T) {
	c := newTestCatalog(t)

	_, err := c.RegisterHostname("*.example.com", "alice")
	require.NoError(t, err)
	_, err = c.RegisterHostname("*.svc.example.com", "bob")
	require.NoError(t, err)

	e, ok := c.Lookup("foo.svc.example.com")
	require.True(t, ok)
	assert.Same(t, e.ParentDomain, e.ParentDomain)
	assert.Equal(t, "svc.example.com", e.ParentDomain.Suffix)
}

func TestDeregister_ReleasesExactEntry(t *testing.T) {
	c := newTestCatalog(t)

	ip, err := c.RegisterHostname("svc.example.com", "alice")
	require.NoError(t, err)

	c.Deregister("alice")

	_, ok := c.Lookup("svc.example.com")
	assert.False(t, ok)
	_, ok = c.Reverse(ip)
	assert.False(t, ok)
}

func TestDeregister_SharedEntrySurvivesOtherClaimant(t *testing.T) {
	c := newTestCatalog(t)

	ip1, err := c.RegisterHostname("svc.example.com", "alice")
	require.NoError(t, err)
	_, err = c.RegisterHostname("svc.example.com", "bob")
	require.NoError(t, err)

	c.Deregister("alice")

	e, ok := c.Lookup("svc.example.com")
	require.True(t, ok)
	assert.Equal(t, ip1, e.IP)
}

func TestDeregister_PrunesLazyWildcardEntries(t *testing.T) {
	c := newTestCatalog(t)

	_, err := c.RegisterHostname("*.example.com", "alice")
	require.NoError(t, err)

	e, ok := c.Lookup("foo.example.com")
	require.True(t, ok)
	ip := e.IP

	c.Deregister("alice")

	_, ok = c.Lookup("foo.example.com")
	assert.False(t, ok)
	_, ok = c.Reverse(ip)
	assert.False(t, ok, "lazily created entry must release its IP once the parent domain is fully vacated")
}

func TestRegisterHostname_PoolExhausted(t *testing.T) {
	p, err := catalog.NewPool("10.0.0.0/29", netip.MustParseAddr("10.0.0.2"))
	require.NoError(t, err)
	c := catalog.New(p)

	var lastErr error
	for i := 0; i < 20; i++ {
		_, lastErr = c.RegisterHostname(hostFor(i), "alice")
		if lastErr != nil {
			break
		}
	}
	assert.ErrorIs(t, lastErr, catalog.ErrPoolExhausted)
}

func hostFor(i int) string {
	return string(rune('a'+i%26)) + ".example.com"
}
