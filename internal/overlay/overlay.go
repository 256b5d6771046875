// Package overlay defines the contract between the tunnel daemon and its
// zero-trust overlay network collaborator (ziti-style SDK). The overlay
// itself is out of scope: this package only pins down the interface shape
// so the identity registry (C7) and proxy resolver (C5) can be built and
// tested against a fake implementation, matching how the source treats the
// SDK as an opaque callback-driven dependency (see §6 of the design notes).
package overlay

import "errors"

// ErrNotConnected is returned by SDK methods invoked with a Conn or Context
// that has already been closed or was never established.
var ErrNotConnected = errors.New("overlay: not connected")

// Context is an opaque per-identity session handle returned by LoadIdentity.
type Context any

// Conn is an opaque connection handle, either a dialed service connection
// or a per-domain resolve connection.
type Conn any

// Service describes a single overlay service add/remove event delivered to
// the identity registry's on_service_added/on_service_removed callbacks.
type Service struct {
	Name      string
	Hostnames []string
	CIDRs     []string
}

// EnrollOptions carries the parameters for a one-time enrollment against an
// overlay controller.
type EnrollOptions struct {
	URL         string
	Name        string
	JWT         string
	Key         string
	Cert        string
	UseKeychain bool
}

// EnrollResult is delivered to the Enroll callback once enrollment
// completes, successfully or not.
type EnrollResult struct {
	IdentityFilePath string
	Err              error
}

// SDK is the subset of overlay operations the daemon drives directly.
// Every method that can fail asynchronously takes a callback instead of
// blocking, mirroring the source's callback-context-pointer style adapted
// to Go closures (see DESIGN.md's note on re-architecting callback
// contexts).
type SDK interface {
	// LoadIdentity instantiates an overlay context from credentials at path.
	LoadIdentity(path string, disabled bool) (Context, error)

	// Enroll performs one-time enrollment against an overlay controller.
	Enroll(opts EnrollOptions, cb func(EnrollResult))

	// Dial opens a connection to a named service under ctx.
	Dial(ctx Context, service string) (Conn, error)

	// Write sends bytes on conn, invoking cb when the write completes.
	Write(conn Conn, data []byte, cb func(error))

	// Close tears down conn, invoking cb when the close completes.
	Close(conn Conn, cb func(error))

	// ResolveConnect opens (or reuses) a per-domain "resolve" connection.
	// onConnect fires once, either with nil on success or a non-nil error;
	// onData fires once per inbound message for the lifetime of conn.
	ResolveConnect(ctx Context, domain string, onConnect func(error), onData func([]byte)) (Conn, error)

	// Events returns the identity's event stream: context status changes,
	// service add/remove, MFA requests, external-JWT requests and
	// API-address changes, as a single typed channel.
	Events(ctx Context) <-chan Event

	// EnrollMFA begins MFA enrollment for ctx's identity, returning the
	// provisioning data (e.g. a TOTP secret/QR payload) the caller
	// forwards to the operator.
	EnrollMFA(ctx Context) (MFAEnrollment, error)

	// VerifyMFA confirms a just-enrolled MFA factor with a one-time code.
	VerifyMFA(ctx Context, code string) error

	// RemoveMFA disables MFA for ctx's identity.
	RemoveMFA(ctx Context) error

	// SubmitMFA answers an outstanding EventMFARequest challenge.
	SubmitMFA(ctx Context, code string) error

	// GenerateMFACodes produces a fresh set of recovery codes, invalidating
	// any previously generated set.
	GenerateMFACodes(ctx Context) ([]string, error)

	// GetMFACodes returns the recovery codes generated for ctx's identity.
	GetMFACodes(ctx Context) ([]string, error)

	// ExternalAuth begins an external-JWT login against provider.
	ExternalAuth(ctx Context, provider string) error

	// AccessTokenAuth authenticates ctx's identity with a bearer token
	// obtained out of band (e.g. from an external-JWT login flow).
	AccessTokenAuth(ctx Context, token string) error

	// GetMetrics returns ctx's current up/down byte-rate sample, consumed
	// by the metrics broadcaster (C9) every 5 seconds.
	GetMetrics(ctx Context) (Metrics, error)
}

// MFAEnrollment is the provisioning payload returned by EnrollMFA.
type MFAEnrollment struct {
	ProvisioningURL string
	RecoveryCodes   []string
}

// Metrics is one identity's instantaneous transfer-rate sample.
type Metrics struct {
	UpRate   string
	DownRate string
}

// EventKind discriminates the variants carried by Event.
type EventKind int

const (
	EventContextStatus EventKind = iota
	EventServiceAdded
	EventServiceRemoved
	EventMFARequest
	EventExternalJWTRequest
	EventAPIAddressChange
)

// Event is a single item from an identity's overlay event stream.
type Event struct {
	Kind    EventKind
	Service Service // valid for EventServiceAdded/EventServiceRemoved
	Status  string  // valid for EventContextStatus
	Detail  string  // free-form payload for MFA/JWT/API-address events
}
