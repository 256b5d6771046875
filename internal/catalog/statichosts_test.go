package catalog_test

import (
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ztcore/tunneld/internal/catalog"
)

func writeHostsFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadStaticHosts_RegistersFixedAddresses(t *testing.T) {
	c := newTestCatalog(t)
	path := writeHostsFile(t, "# comment\n10.1.2.3 internal.example.com extra.example.com\n\n10.1.2.4 other.example.com\n")

	n, err := c.LoadStaticHosts(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	e, ok := c.Lookup("internal.example.com")
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.1.2.3"), e.IP)

	e, ok = c.Lookup("extra.example.com")
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.1.2.3"), e.IP)

	e, ok = c.Lookup("other.example.com")
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.1.2.4"), e.IP)
}

func TestLoadStaticHosts_DoesNotConsumePoolCapacity(t *testing.T) {
	c := newTestCatalog(t)
	path := writeHostsFile(t, "10.1.2.3 fixed.example.com\n")

	_, err := c.LoadStaticHosts(path)
	require.NoError(t, err)

	ip, err := c.RegisterHostname("api.example.com", "alice")
	require.NoError(t, err)
	assert.NotEqual(t, netip.MustParseAddr("10.1.2.3"), ip)
}

func TestLoadStaticHosts_InRangeAddressReservedAgainstPool(t *testing.T) {
	c := newTestCatalog(t)
	// 10.0.0.5 falls inside the 10.0.0.0/24 pool newTestCatalog seeds.
	path := writeHostsFile(t, "10.0.0.5 fixed.example.com\n")

	_, err := c.LoadStaticHosts(path)
	require.NoError(t, err)

	for i := 0; i < 250; i++ {
		name := "h" + strconv.Itoa(i) + ".example.com"
		ip, err := c.RegisterHostname(name, catalog.Claimant("bob"))
		require.NoError(t, err)
		assert.NotEqual(t, netip.MustParseAddr("10.0.0.5"), ip)
	}
}

func TestLoadStaticHosts_DuplicateNameFirstWins(t *testing.T) {
	c := newTestCatalog(t)
	path := writeHostsFile(t, "10.1.2.3 dup.example.com\n10.1.2.4 dup.example.com\n")

	_, err := c.LoadStaticHosts(path)
	require.NoError(t, err)

	e, ok := c.Lookup("dup.example.com")
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.1.2.3"), e.IP)
}

func TestLoadStaticHosts_MalformedLineErrors(t *testing.T) {
	c := newTestCatalog(t)
	path := writeHostsFile(t, "not-an-ip host.example.com\n")

	_, err := c.LoadStaticHosts(path)
	require.Error(t, err)
}

func TestLoadStaticHosts_MissingFileErrors(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.LoadStaticHosts(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
}
