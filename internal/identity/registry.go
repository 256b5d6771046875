// Package identity implements the identity registry (C7): the process-wide
// map from identifier to loaded identity state, and the glue between
// overlay service add/remove events and the name catalog (C3/C2).
//
// Like internal/catalog and internal/engine, Registry keeps no lock of its
// own; it is driven exclusively by the DNS engine's event loop, a single
// actor owning all mutable state rather than a dedicated goroutine per
// identity.
package identity

import (
	"fmt"
	"log/slog"

	"github.com/ztcore/tunneld/internal/catalog"
	"github.com/ztcore/tunneld/internal/overlay"
)

// Identifier names one loaded identity (normally derived from the
// identity file path or an operator-supplied label).
type Identifier string

// StackRegisterCIDR installs a CIDR-based intercept route with the
// TUN/stack collaborator. It is a no-op hook until cmd/tunneld wires a
// real stack adapter.
type StackRegisterCIDR func(cidr string, claimant catalog.Claimant)

// StackUnregisterCIDR removes a previously installed CIDR intercept.
type StackUnregisterCIDR func(cidr string, claimant catalog.Claimant)

// Identity is the loaded state for one identifier: its overlay context,
// whether it is currently allowed to intercept traffic, and the set of
// service names it has claimed in the catalog (used to undo registration
// on remove or service-removed).
type Identity struct {
	Identifier  Identifier
	Path        string
	Active      bool
	Context     overlay.Context
	MFARequired bool
	LastMFAOk   bool

	services map[string]overlay.Service // by service name
	cidrs    map[string]struct{}        // intercepted CIDRs, for stack cleanup
}

// InterceptCount reports how many catalog/CIDR claims this identity
// currently holds across all of its services, for status reporting.
func (ident *Identity) InterceptCount() int {
	n := 0
	for _, svc := range ident.services {
		n += len(svc.Hostnames) + len(svc.CIDRs)
	}
	return n
}

// Registry is the process-wide identifier -> Identity map.
type Registry struct {
	sdk     overlay.SDK
	catalog *catalog.Catalog
	logger  *slog.Logger
	onCIDR  StackRegisterCIDR
	offCIDR StackUnregisterCIDR
	idents  map[Identifier]*Identity
}

// New constructs a Registry. onCIDR/offCIDR may be nil in tests that don't
// exercise the TCP/IP stack collaborator's CIDR intercepts.
func New(sdk overlay.SDK, cat *catalog.Catalog, logger *slog.Logger, onCIDR StackRegisterCIDR, offCIDR StackUnregisterCIDR) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sdk:     sdk,
		catalog: cat,
		logger:  logger,
		onCIDR:  onCIDR,
		offCIDR: offCIDR,
		idents:  make(map[Identifier]*Identity),
	}
}

// Load instantiates an overlay context from the identity file at path and
// stores the identity as active unless disabled. It does not subscribe to
// the context's event stream: service events reach the registry only when
// the caller passes them to OnServiceAdded and the other handlers. pageSize controls the overlay SDK's
// service-listing page size and is passed through to LoadIdentity
// unchanged; the registry itself has no opinion on its value.
func (r *Registry) Load(id Identifier, path string, disabled bool, pageSize int) error {
	if _, exists := r.idents[id]; exists {
		return fmt.Errorf("identity %q already loaded", id)
	}

	ctx, err := r.sdk.LoadIdentity(path, disabled)
	if err != nil {
		return fmt.Errorf("load identity %q: %w", id, err)
	}

	ident := &Identity{
		Identifier: id,
		Path:       path,
		Active:     !disabled,
		Context:    ctx,
		services:   make(map[string]overlay.Service),
		cidrs:      make(map[string]struct{}),
	}
	r.idents[id] = ident

	r.logger.Info("identity loaded", "identifier", id, "path", path, "active", ident.Active, "page_size", pageSize)
	return nil
}

// SetActive enables or disables traffic interception for id. Disabling an
// identity tears down every service it has claimed from the catalog
// without forgetting them, so a later re-enable can replay the same
// service set from the overlay's own event stream.
func (r *Registry) SetActive(id Identifier, on bool) error {
	ident, ok := r.idents[id]
	if !ok {
		return fmt.Errorf("identity %q not loaded", id)
	}
	if ident.Active == on {
		return nil
	}
	ident.Active = on

	if !on {
		r.unclaimAll(ident)
	}
	r.logger.Info("identity active state changed", "identifier", id, "active", on)
	return nil
}

// Remove deregisters every intercept id holds and forgets the identity
// entirely. It does not close id's overlay context.
func (r *Registry) Remove(id Identifier) error {
	ident, ok := r.idents[id]
	if !ok {
		return fmt.Errorf("identity %q not loaded", id)
	}
	r.unclaimAll(ident)
	delete(r.idents, id)
	r.logger.Info("identity removed", "identifier", id)
	return nil
}

// Get returns the loaded identity state for id, if any.
func (r *Registry) Get(id Identifier) (*Identity, bool) {
	ident, ok := r.idents[id]
	return ident, ok
}

// List returns every currently loaded identifier.
func (r *Registry) List() []Identifier {
	out := make([]Identifier, 0, len(r.idents))
	for id := range r.idents {
		out = append(out, id)
	}
	return out
}

// OnServiceAdded claims service's hostnames in the catalog and installs
// its CIDR routes with the stack collaborator, on behalf of id. A
// disabled identity still records the service but does not touch the
// catalog or stack; a later SetActive(id, true) does not claim recorded
// services by itself.
func (r *Registry) OnServiceAdded(id Identifier, service overlay.Service) error {
	ident, ok := r.idents[id]
	if !ok {
		return fmt.Errorf("identity %q not loaded", id)
	}
	ident.services[service.Name] = service
	if !ident.Active {
		return nil
	}
	r.claim(id, ident, service)
	return nil
}

// OnServiceRemoved deregisters the intercepts service.Name previously
// claimed on behalf of id, for the hostname it claimed plus any CIDR
// routes, regardless of the identity's current active state.
func (r *Registry) OnServiceRemoved(id Identifier, service overlay.Service) error {
	ident, ok := r.idents[id]
	if !ok {
		return fmt.Errorf("identity %q not loaded", id)
	}
	r.unclaimService(id, ident, service)
	delete(ident.services, service.Name)
	return nil
}

func (r *Registry) claim(id Identifier, ident *Identity, service overlay.Service) {
	claimant := claimantFor(id, service.Name)
	for _, hostname := range service.Hostnames {
		if _, err := r.catalog.RegisterHostname(hostname, claimant); err != nil {
			r.logger.Warn("service hostname claim failed", "identifier", id, "service", service.Name, "hostname", hostname, "error", err)
		}
	}
	for _, cidr := range service.CIDRs {
		if r.onCIDR != nil {
			r.onCIDR(cidr, claimant)
		}
		ident.cidrs[cidr] = struct{}{}
	}
}

func (r *Registry) unclaimService(id Identifier, ident *Identity, service overlay.Service) {
	claimant := claimantFor(id, service.Name)
	r.catalog.Deregister(claimant)
	for _, cidr := range service.CIDRs {
		if r.offCIDR != nil {
			r.offCIDR(cidr, claimant)
		}
		delete(ident.cidrs, cidr)
	}
}

func (r *Registry) unclaimAll(ident *Identity) {
	for _, svc := range ident.services {
		r.unclaimService(ident.Identifier, ident, svc)
	}
}

// claimantFor derives the catalog.Claimant handle for one identity's
// service claim. Scoping by both identifier and service name means two
// identities (or two services of the same identity) never collide when
// their claims are later torn down independently.
func claimantFor(id Identifier, service string) catalog.Claimant {
	return catalog.Claimant(string(id) + "/" + service)
}
