// Command tunneld is the zero-trust tunnel daemon: it intercepts DNS
// queries for names claimed by an overlay identity's services, hands back
// synthetic addresses from a local pool, and exposes a control-plane socket
// pair (C8) plus a read-only REST mirror for supervisors and dashboards.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ztcore/tunneld/internal/api"
	"github.com/ztcore/tunneld/internal/catalog"
	"github.com/ztcore/tunneld/internal/config"
	"github.com/ztcore/tunneld/internal/control"
	"github.com/ztcore/tunneld/internal/database"
	"github.com/ztcore/tunneld/internal/engine"
	"github.com/ztcore/tunneld/internal/forwarder"
	"github.com/ztcore/tunneld/internal/identity"
	"github.com/ztcore/tunneld/internal/logging"
	"github.com/ztcore/tunneld/internal/overlay"
	"github.com/ztcore/tunneld/internal/proxyresolve"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags mirrors the ziti-edge-tunnel-style common flag surface: -i for
// the identity file, -I for an identifier override, -d for a config
// directory, -u for the control-socket discriminator.
type cliFlags struct {
	configPath    string
	identityPath  string
	identifier    string
	configDir     string
	discriminator string
	verbose       bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to tunneld config file (TUNNELD_CONFIG env var also honored)")
	flag.StringVar(&f.identityPath, "i", "", "Path to an identity file to load at startup")
	flag.StringVar(&f.identifier, "I", "", "Identifier to register the -i identity under (defaults to its path)")
	flag.StringVar(&f.configDir, "d", "", "Configuration/state directory override")
	flag.StringVar(&f.discriminator, "u", "", "Control-socket discriminator suffix for running multiple instances")
	flag.BoolVar(&f.verbose, "v", false, "Enable debug logging")
	flag.Parse()
	return f
}

func run() error {
	flags := parseFlags()

	cfgPath := config.ResolveConfigPath(flags.configPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.configDir != "" {
		cfg.Identity.StateDir = flags.configDir
	}
	if flags.discriminator != "" {
		cfg.Control.Discriminator = flags.discriminator
	}
	if flags.verbose {
		cfg.Logging.Level = "DEBUG"
	}

	logger, levelVar := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})
	logger.Info("tunneld starting", "tun_cidr", cfg.Tunnel.CIDR, "dns_ip", cfg.Tunnel.DNSIPv4)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := database.Open(cfg.Identity.DBFile)
	if err != nil {
		return fmt.Errorf("open identity database: %w", err)
	}
	defer db.Close()

	dnsIPv4, err := parseDNSHost(cfg.Tunnel.DNSIPv4)
	if err != nil {
		return fmt.Errorf("parse tunnel.dns_ip: %w", err)
	}
	pool, err := catalog.NewPool(cfg.Tunnel.CIDR, dnsIPv4)
	if err != nil {
		return fmt.Errorf("build address pool: %w", err)
	}
	cat := catalog.New(pool)

	if cfg.Catalog.StaticHostsFile != "" {
		n, err := cat.LoadStaticHosts(cfg.Catalog.StaticHostsFile)
		if err != nil {
			return fmt.Errorf("load static hosts file: %w", err)
		}
		logger.Info("loaded static hosts", "file", cfg.Catalog.StaticHostsFile, "count", n)
	}

	upstreamServers := cfg.Upstream.Servers
	if persisted, err := db.GetUpstreamServers(); err == nil && len(persisted) > 0 {
		upstreamServers = persisted
	} else if len(upstreamServers) > 0 {
		if err := db.SetUpstreamServers(upstreamServers); err != nil {
			logger.Warn("failed to persist initial upstream servers", "error", err)
		}
	}

	var fwd *forwarder.Forwarder
	if len(upstreamServers) > 0 {
		fwd, err = forwarder.New(upstreamServers, logger)
		if err != nil {
			return fmt.Errorf("build upstream forwarder: %w", err)
		}
	}

	sdk := overlay.NewNoopSDK()

	reg := identity.New(sdk, cat, logger, nil, nil)

	if flags.identityPath != "" {
		identifier := flags.identifier
		if identifier == "" {
			identifier = flags.identityPath
		}
		if err := reg.Load(identity.Identifier(identifier), flags.identityPath, false, 0); err != nil {
			return fmt.Errorf("load identity %q: %w", identifier, err)
		}
		if err := db.UpsertIdentity(database.IdentityRecord{Identifier: identifier, FilePath: flags.identityPath}); err != nil {
			logger.Warn("failed to persist identity record", "identifier", identifier, "error", err)
		}
		if ident, ok := reg.Get(identity.Identifier(identifier)); ok {
			go pumpOverlayEvents(ctx, logger, reg, identity.Identifier(identifier), sdk.Events(ident.Context))
		}
	}

	for _, rec := range mustListIdentities(db, logger) {
		if flags.identityPath != "" && (rec.Identifier == flags.identifier || (flags.identifier == "" && rec.Identifier == flags.identityPath)) {
			continue // already loaded above from the CLI-supplied path
		}
		if err := reg.Load(identity.Identifier(rec.Identifier), rec.FilePath, rec.Disabled, 0); err != nil {
			logger.Warn("failed to reload persisted identity", "identifier", rec.Identifier, "error", err)
			continue
		}
		if ident, ok := reg.Get(identity.Identifier(rec.Identifier)); ok {
			go pumpOverlayEvents(ctx, logger, reg, identity.Identifier(rec.Identifier), sdk.Events(ident.Context))
		}
	}

	var proxy *proxyresolve.Resolver
	if ids := reg.List(); len(ids) > 0 {
		if ident, ok := reg.Get(ids[0]); ok {
			proxy = proxyresolve.New(sdk, ident.Context, logger)
		}
	}

	eng := engine.New(cat, fwd, proxy, logger)

	socketDir := filepath.Dir(cfg.Control.SocketPath)
	baseCommand := filepath.Base(cfg.Control.SocketPath)
	baseEvent := filepath.Base(cfg.Control.EventSocketPath)
	discriminator, err := control.ResolveInstance(socketDir, baseCommand, cfg.Control.Discriminator, cfg.Identity.StateDir)
	if err != nil {
		return fmt.Errorf("resolve control socket instance: %w", err)
	}

	if err := os.MkdirAll(socketDir, 0o750); err != nil {
		return fmt.Errorf("create control socket directory: %w", err)
	}

	// The tun IP is the first address of the pool's block (offset 1).
	tunIPv4 := cfg.Tunnel.DNSIPv4
	if prefix, err := netip.ParsePrefix(cfg.Tunnel.CIDR); err == nil {
		tunIPv4 = prefix.Masked().Addr().Next().String()
	}

	controlSrv := control.NewServer(control.Config{
		CommandPath:     filepath.Join(socketDir, control.SocketBaseName(baseCommand, discriminator)),
		EventPath:       filepath.Join(filepath.Dir(cfg.Control.EventSocketPath), control.SocketBaseName(baseEvent, discriminator)),
		ConfigDir:       cfg.Identity.StateDir,
		TunName:         cfg.Tunnel.Name,
		TunIPv4:         tunIPv4,
		TunPrefixLength: tunPrefixLength(cfg.Tunnel.CIDR),
		DNSIPv4:         cfg.Tunnel.DNSIPv4,
		StateDir:        cfg.Identity.StateDir,
		SDK:             sdk,
		Registry:        reg,
		Catalog:         cat,
		Engine:          eng,
		LevelVar:        levelVar,
		DB:              db,
		Logger:          logger,
	})
	if err := controlSrv.Start(ctx); err != nil {
		return fmt.Errorf("start control plane: %w", err)
	}

	metricsBroadcaster := control.NewMetricsBroadcaster(controlSrv)
	go metricsBroadcaster.Run(ctx)

	var apiSrv *api.Server
	if cfg.API.Enabled {
		apiSrv = api.New(cfg, logger)
		apiSrv.SetTunnelView(controlSrv)
		go func() {
			if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("api server exited", "error", err)
			}
		}()
	}

	logger.Info("tunneld ready", "command_socket", controlSrv.CommandSocketPath(), "event_socket", controlSrv.EventSocketPath())

	<-ctx.Done()
	logger.Info("tunneld shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if apiSrv != nil {
		_ = apiSrv.Shutdown(shutdownCtx)
	}
	if err := controlSrv.Stop(5 * time.Second); err != nil {
		logger.Warn("control plane shutdown", "error", err)
	}
	if fwd != nil {
		_ = fwd.Close()
	}
	return nil
}

// pumpOverlayEvents drains one identity's overlay event stream into the
// registry's service add/remove handlers. It runs on its own goroutine per
// identity, the same "background drain feeding shared state" shape as
// internal/engine's drainForwarderResponses; a future revision may instead
// fan every identity's events into one channel selected alongside TUN reads
// in this same function, to restore single-loop ownership exactly.
func pumpOverlayEvents(ctx context.Context, logger *slog.Logger, reg *identity.Registry, id identity.Identifier, events <-chan overlay.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case overlay.EventServiceAdded:
				if err := reg.OnServiceAdded(id, ev.Service); err != nil {
					logger.Warn("overlay service add failed", "identifier", id, "error", err)
				}
			case overlay.EventServiceRemoved:
				if err := reg.OnServiceRemoved(id, ev.Service); err != nil {
					logger.Warn("overlay service remove failed", "identifier", id, "error", err)
				}
			default:
				logger.Debug("overlay event", "identifier", id, "kind", ev.Kind, "detail", ev.Detail)
			}
		}
	}
}

func mustListIdentities(db *database.DB, logger *slog.Logger) []database.IdentityRecord {
	recs, err := db.ListIdentities()
	if err != nil {
		logger.Warn("failed to list persisted identities", "error", err)
		return nil
	}
	return recs
}

func parseDNSHost(addr string) (dnsHost netip.Addr, err error) {
	return netip.ParseAddr(addr)
}

func tunPrefixLength(cidr string) int {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return 0
	}
	ones, _ := network.Mask.Size()
	return ones
}
