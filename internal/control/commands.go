package control

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/ztcore/tunneld/internal/catalog"
	"github.com/ztcore/tunneld/internal/engine"
	"github.com/ztcore/tunneld/internal/forwarder"
	"github.com/ztcore/tunneld/internal/identity"
	"github.com/ztcore/tunneld/internal/overlay"
)

// Request is one command-socket message: {"Command":"...","Data":{...}}.
// Field names are PascalCase by design (§9's wire-compatibility note) even
// though the rest of this module follows Go JSON tag conventions elsewhere.
type Request struct {
	Command string          `json:"Command"`
	Data    json.RawMessage `json:"Data"`
}

// Response is the command socket's reply envelope for every command.
type Response struct {
	Success bool `json:"Success"`
	Error   string `json:"Error,omitempty"`
	Code    int  `json:"Code"`
	Data    any  `json:"Data,omitempty"`
}

func ok(data any) Response             { return Response{Success: true, Data: data} }
func rejected(err error) Response      { return Response{Success: false, Error: err.Error(), Code: 1} }
func failed(code int, err error) Response { return Response{Success: false, Error: err.Error(), Code: code} }

// Dispatch routes one parsed Request to its handler. Unknown commands are
// rejected rather than panicking, matching §7's CommandRejected kind.
func (s *Server) Dispatch(req Request) Response {
	switch req.Command {
	case "LoadIdentity":
		return s.cmdLoadIdentity(req.Data)
	case "RemoveIdentity":
		return s.cmdRemoveIdentity(req.Data)
	case "IdentityOnOff":
		return s.cmdIdentityOnOff(req.Data)
	case "ListIdentities":
		return ok(s.Identities())
	case "Enroll":
		return s.cmdEnroll(req.Data)
	case "AddIdentity":
		return s.cmdAddIdentity(req.Data)
	case "EnableMFA":
		return s.cmdEnableMFA(req.Data)
	case "VerifyMFA":
		return s.cmdMFACode(req.Data, s.sdk.VerifyMFA)
	case "SubmitMFA":
		return s.cmdMFACode(req.Data, s.sdk.SubmitMFA)
	case "RemoveMFA":
		return s.cmdIdentityOnly(req.Data, func(ctx overlay.Context) error { return s.sdk.RemoveMFA(ctx) })
	case "GenerateMFACodes":
		return s.cmdMFACodes(req.Data, s.sdk.GenerateMFACodes)
	case "GetMFACodes":
		return s.cmdMFACodes(req.Data, s.sdk.GetMFACodes)
	case "ZitiDump", "IpDump":
		return s.cmdDump(req.Data)
	case "SetLogLevel":
		return s.cmdSetLogLevel(req.Data)
	case "UpdateTunIpv4":
		return s.cmdUpdateTunIPv4(req.Data)
	case "SetUpstreamDNS":
		return s.cmdSetUpstreamDNS(req.Data)
	case "Status":
		return ok(s.Status())
	case "ServiceControl":
		return s.cmdServiceControl(req.Data)
	case "StatusChange":
		return s.cmdStatusChange(req.Data)
	case "ExternalAuth":
		return s.cmdExternalAuth(req.Data)
	case "AccessTokenAuth":
		return s.cmdAccessTokenAuth(req.Data)
	default:
		return rejected(fmt.Errorf("unknown command %q", req.Command))
	}
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}

type loadIdentityData struct {
	Identifier   string `json:"Identifier"`
	Path         string `json:"Path"`
	Disabled     bool   `json:"Disabled"`
	ApiPageSize  int    `json:"ApiPageSize"`
}

func (s *Server) cmdLoadIdentity(raw json.RawMessage) Response {
	d, err := decode[loadIdentityData](raw)
	if err != nil {
		return rejected(err)
	}
	if d.Identifier == "" || d.Path == "" {
		return rejected(fmt.Errorf("Identifier and Path are required"))
	}
	pageSize := d.ApiPageSize
	if pageSize <= 0 {
		pageSize = defaultAPIPageSize
	}
	if err := s.registry.Load(identity.Identifier(d.Identifier), d.Path, d.Disabled, pageSize); err != nil {
		return failed(2, err)
	}
	s.Broadcast(Event{Kind: EventIdentityAdded, Identifier: d.Identifier})
	return ok(nil)
}

type identifierOnlyData struct {
	Identifier string `json:"Identifier"`
}

func (s *Server) cmdRemoveIdentity(raw json.RawMessage) Response {
	d, err := decode[identifierOnlyData](raw)
	if err != nil {
		return rejected(err)
	}
	if err := s.registry.Remove(identity.Identifier(d.Identifier)); err != nil {
		return failed(2, err)
	}
	s.Broadcast(Event{Kind: EventIdentityDeleted, Identifier: d.Identifier})
	return ok(nil)
}

type identityOnOffData struct {
	Identifier string `json:"Identifier"`
	OnOff      bool   `json:"OnOff"`
}

func (s *Server) cmdIdentityOnOff(raw json.RawMessage) Response {
	d, err := decode[identityOnOffData](raw)
	if err != nil {
		return rejected(err)
	}
	if err := s.registry.SetActive(identity.Identifier(d.Identifier), d.OnOff); err != nil {
		return failed(2, err)
	}
	s.Broadcast(Event{Kind: EventIdentityUpdated, Identifier: d.Identifier})
	return ok(nil)
}

type enrollData struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	JWT         string `json:"jwt"`
	Key         string `json:"key"`
	Cert        string `json:"cert"`
	UseKeychain bool   `json:"useKeychain"`
}

func (s *Server) cmdEnroll(raw json.RawMessage) Response {
	d, err := decode[enrollData](raw)
	if err != nil {
		return rejected(err)
	}
	type result struct {
		IdentityFilePath string `json:"IdentityFilePath"`
	}
	ch := make(chan overlay.EnrollResult, 1)
	s.sdk.Enroll(overlay.EnrollOptions{URL: d.URL, Name: d.Name, JWT: d.JWT, Key: d.Key, Cert: d.Cert, UseKeychain: d.UseKeychain}, func(r overlay.EnrollResult) {
		ch <- r
	})
	r := <-ch
	if r.Err != nil {
		return failed(3, r.Err)
	}
	return ok(result{IdentityFilePath: r.IdentityFilePath})
}

type addIdentityData struct {
	IdentityFilename string `json:"IdentityFilename"`
	JwtContent       string `json:"JwtContent"`
	UseKeychain      bool   `json:"UseKeychain"`
}

func (s *Server) cmdAddIdentity(raw json.RawMessage) Response {
	d, err := decode[addIdentityData](raw)
	if err != nil {
		return rejected(err)
	}
	if s.stateDir == "" {
		return rejected(fmt.Errorf("identity state directory is not configured"))
	}
	path, err := identityFilePath(s.stateDir, d.IdentityFilename)
	if err != nil {
		return rejected(err)
	}

	ch := make(chan overlay.EnrollResult, 1)
	s.sdk.Enroll(overlay.EnrollOptions{JWT: d.JwtContent, UseKeychain: d.UseKeychain}, func(r overlay.EnrollResult) { ch <- r })
	r := <-ch
	if r.Err != nil {
		return failed(3, r.Err)
	}
	if r.IdentityFilePath != "" {
		path = r.IdentityFilePath
	}
	if err := s.registry.Load(identity.Identifier(d.IdentityFilename), path, false, defaultAPIPageSize); err != nil {
		return failed(2, err)
	}
	s.Broadcast(Event{Kind: EventIdentityAdded, Identifier: d.IdentityFilename})
	return ok(nil)
}

func (s *Server) cmdEnableMFA(raw json.RawMessage) Response {
	d, err := decode[identifierOnlyData](raw)
	if err != nil {
		return rejected(err)
	}
	ctx, rerr := s.identityContext(d.Identifier)
	if rerr != nil {
		return *rerr
	}
	enrollment, err := s.sdk.EnrollMFA(ctx)
	if err != nil {
		return failed(4, err)
	}
	return ok(enrollment)
}

func (s *Server) cmdMFACode(raw json.RawMessage, fn func(overlay.Context, string) error) Response {
	type data struct {
		Identifier string `json:"Identifier"`
		Code       string `json:"Code"`
	}
	d, err := decode[data](raw)
	if err != nil {
		return rejected(err)
	}
	ctx, rerr := s.identityContext(d.Identifier)
	if rerr != nil {
		return *rerr
	}
	if err := fn(ctx, d.Code); err != nil {
		return failed(4, err)
	}
	if ident, ok := s.registry.Get(identity.Identifier(d.Identifier)); ok {
		ident.LastMFAOk = true
	}
	return ok(nil)
}

func (s *Server) cmdIdentityOnly(raw json.RawMessage, fn func(overlay.Context) error) Response {
	d, err := decode[identifierOnlyData](raw)
	if err != nil {
		return rejected(err)
	}
	ctx, rerr := s.identityContext(d.Identifier)
	if rerr != nil {
		return *rerr
	}
	if err := fn(ctx); err != nil {
		return failed(4, err)
	}
	return ok(nil)
}

func (s *Server) cmdMFACodes(raw json.RawMessage, fn func(overlay.Context) ([]string, error)) Response {
	d, err := decode[identifierOnlyData](raw)
	if err != nil {
		return rejected(err)
	}
	ctx, rerr := s.identityContext(d.Identifier)
	if rerr != nil {
		return *rerr
	}
	codes, err := fn(ctx)
	if err != nil {
		return failed(4, err)
	}
	return ok(codes)
}

func (s *Server) identityContext(id string) (overlay.Context, *Response) {
	ident, okFound := s.registry.Get(identity.Identifier(id))
	if !okFound {
		r := rejected(fmt.Errorf("identity %q not loaded", id))
		return nil, &r
	}
	return ident.Context, nil
}

type dumpData struct {
	Identifier string `json:"Identifier"`
	DumpPath   string `json:"DumpPath"`
}

func (s *Server) cmdDump(raw json.RawMessage) Response {
	d, err := decode[dumpData](raw)
	if err != nil {
		return rejected(err)
	}
	dump := s.CatalogDump()
	if d.DumpPath != "" {
		if err := writeDumpFile(d.DumpPath, dump); err != nil {
			return failed(5, err)
		}
	}
	return ok(dump)
}

type logLevelData struct {
	Level string `json:"Level"`
}

func (s *Server) cmdSetLogLevel(raw json.RawMessage) Response {
	d, err := decode[logLevelData](raw)
	if err != nil {
		return rejected(err)
	}
	lvl, err := parseLogLevel(d.Level)
	if err != nil {
		return rejected(err)
	}
	if s.levelVar != nil {
		s.levelVar.Set(lvl)
	}
	return ok(nil)
}

func parseLogLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

type updateTunIPv4Data struct {
	TunIPv4         string `json:"TunIPv4"`
	TunPrefixLength int    `json:"TunPrefixLength"`
	AddDNS          bool   `json:"AddDns"`
}

// minTunPrefixLength/maxTunPrefixLength bound UpdateTunIpv4's accepted
// prefix length per §4.8's validation rule.
const (
	minTunPrefixLength = 10
	maxTunPrefixLength = 18
)

func (s *Server) cmdUpdateTunIPv4(raw json.RawMessage) Response {
	d, err := decode[updateTunIPv4Data](raw)
	if err != nil {
		return rejected(err)
	}
	if d.TunPrefixLength < minTunPrefixLength || d.TunPrefixLength > maxTunPrefixLength {
		return rejected(fmt.Errorf("TunPrefixLength must be between %d and %d", minTunPrefixLength, maxTunPrefixLength))
	}
	addr, err := netip.ParseAddr(d.TunIPv4)
	if err != nil || !addr.Is4() {
		return rejected(fmt.Errorf("TunIPv4 must be a dotted-quad IPv4 address"))
	}
	cidr := fmt.Sprintf("%s/%d", d.TunIPv4, d.TunPrefixLength)
	pool, err := catalog.NewPool(cidr, addr)
	if err != nil {
		return rejected(err)
	}
	s.catalog.Rebind(pool)
	s.tunIPv4 = d.TunIPv4
	s.tunPrefixLen = d.TunPrefixLength
	return ok(nil)
}

type setUpstreamDNSEntry struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (s *Server) cmdSetUpstreamDNS(raw json.RawMessage) Response {
	entries, err := decode[[]setUpstreamDNSEntry](raw)
	if err != nil {
		return rejected(err)
	}
	if len(entries) == 0 {
		return rejected(fmt.Errorf("at least one upstream is required"))
	}
	if len(entries) > forwarder.MaxUpstreams {
		return rejected(fmt.Errorf("at most %d upstream servers are supported", forwarder.MaxUpstreams))
	}
	upstreams := make([]string, 0, len(entries))
	for _, e := range entries {
		port := e.Port
		if port == 0 {
			port = 53
		}
		upstreams = append(upstreams, fmt.Sprintf("%s:%d", e.Host, port))
	}
	fwd, err := forwarder.New(upstreams, s.logger)
	if err != nil {
		return rejected(err)
	}
	s.eng.SetForwarder(fwd)
	if s.db != nil {
		if err := s.db.SetUpstreamServers(upstreams); err != nil {
			s.logger.Warn("failed to persist upstream servers", "error", err)
		}
	}
	return ok(nil)
}

type serviceControlData struct {
	Operation string `json:"Operation"`
}

func (s *Server) cmdServiceControl(raw json.RawMessage) Response {
	d, err := decode[serviceControlData](raw)
	if err != nil {
		return rejected(err)
	}
	// Platform service start/stop is outside this module's scope (no
	// Windows service manager in this environment); acknowledge the
	// request so callers following the documented protocol don't stall.
	s.logger.Info("service control requested", "operation", d.Operation)
	return ok(nil)
}

type statusChangeData struct {
	Woke     bool `json:"Woke"`
	Unlocked bool `json:"Unlocked"`
}

func (s *Server) cmdStatusChange(raw json.RawMessage) Response {
	d, err := decode[statusChangeData](raw)
	if err != nil {
		return rejected(err)
	}
	s.Broadcast(Event{Kind: EventStatusChange, Woke: d.Woke, Unlocked: d.Unlocked})
	return ok(nil)
}

type externalAuthData struct {
	Identifier string `json:"Identifier"`
	Provider   string `json:"Provider"`
}

func (s *Server) cmdExternalAuth(raw json.RawMessage) Response {
	d, err := decode[externalAuthData](raw)
	if err != nil {
		return rejected(err)
	}
	ctx, rerr := s.identityContext(d.Identifier)
	if rerr != nil {
		return *rerr
	}
	if err := s.sdk.ExternalAuth(ctx, d.Provider); err != nil {
		return failed(4, err)
	}
	return ok(nil)
}

type accessTokenAuthData struct {
	Identifier  string `json:"Identifier"`
	AccessToken string `json:"AccessToken"`
}

func (s *Server) cmdAccessTokenAuth(raw json.RawMessage) Response {
	d, err := decode[accessTokenAuthData](raw)
	if err != nil {
		return rejected(err)
	}
	ctx, rerr := s.identityContext(d.Identifier)
	if rerr != nil {
		return *rerr
	}
	if err := s.sdk.AccessTokenAuth(ctx, d.AccessToken); err != nil {
		return failed(4, err)
	}
	return ok(nil)
}

const defaultAPIPageSize = 25

func identityFilePath(stateDir, filename string) (string, error) {
	if filename == "" {
		return "", fmt.Errorf("IdentityFilename is required")
	}
	path := stateDir + "/" + filename
	const maxPathLen = 4096 // conservative stand-in for PATH_MAX across supported platforms
	if len(path) > maxPathLen {
		return "", fmt.Errorf("identity path exceeds maximum path length")
	}
	return path, nil
}
