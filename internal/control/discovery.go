package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrPeerSameConfigDir is returned by ResolveInstance when a running peer
// is already using the same configuration directory as this invocation.
type ErrPeerSameConfigDir struct {
	PeerSocket string
}

func (e *ErrPeerSameConfigDir) Error() string {
	return fmt.Sprintf("another daemon instance (socket %s) is already using this configuration directory", e.PeerSocket)
}

// ScanPeers lists every command socket under socketDir matching baseName
// or "baseName.<discriminator>", per §4.8's peer-scanning rule. It never
// returns an error for a missing directory; a fresh config directory
// simply has no peers.
func ScanPeers(socketDir, baseName string) ([]string, error) {
	entries, err := os.ReadDir(socketDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var peers []string
	for _, e := range entries {
		name := e.Name()
		if name == baseName || strings.HasPrefix(name, baseName+".") {
			peers = append(peers, filepath.Join(socketDir, name))
		}
	}
	return peers, nil
}

// ResolveInstance implements §4.8's path-selection rule: if peer command
// sockets already exist and no discriminator was supplied, one is
// generated from the current process ID; if any peer reports the same
// config directory (via a live Status query), startup aborts.
func ResolveInstance(socketDir, baseName, discriminator, configDir string) (resolvedDiscriminator string, err error) {
	peers, err := ScanPeers(socketDir, baseName)
	if err != nil {
		return "", fmt.Errorf("control: scan for peer sockets: %w", err)
	}

	resolvedDiscriminator = discriminator
	if len(peers) > 0 && resolvedDiscriminator == "" {
		resolvedDiscriminator = strconv.Itoa(os.Getpid())
	}

	for _, peer := range peers {
		peerConfigDir, err := queryPeerConfigDir(peer)
		if err != nil {
			// An unreachable peer socket is a stale file from an unclean
			// exit, not a conflict; leave it for a later cleanup pass.
			continue
		}
		if peerConfigDir == configDir {
			return "", &ErrPeerSameConfigDir{PeerSocket: peer}
		}
	}
	return resolvedDiscriminator, nil
}

// SocketBaseName appends ".<discriminator>" to base when one is set;
// cmd/tunneld applies it to both the command and event socket filenames.
func SocketBaseName(base, discriminator string) string {
	if discriminator == "" {
		return base
	}
	return base + "." + discriminator
}

const peerDialTimeout = 500 * time.Millisecond

func queryPeerConfigDir(socketPath string) (string, error) {
	conn, err := net.DialTimeout("unix", socketPath, peerDialTimeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(peerDialTimeout))

	if _, err := conn.Write([]byte(`{"Command":"Status"}` + "\n")); err != nil {
		return "", err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxCommandLineLength)
	if !scanner.Scan() {
		return "", fmt.Errorf("control: peer %s did not respond", socketPath)
	}

	var resp struct {
		Data struct {
			ConfigDir string `json:"config_dir"`
		} `json:"Data"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return "", err
	}
	return resp.Data.ConfigDir, nil
}
