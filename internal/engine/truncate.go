package engine

import (
	"github.com/ztcore/tunneld/internal/dns"
)

// truncateResponse is the assembly-policy safety net described in the DNS
// engine's routing rules: if a fully-assembled response still exceeds the
// client's advertised UDP size, fall back to header+question only with TC
// set, rather than writing a datagram the client can't use. The engine's
// normal path already stops adding records before the 4096-byte buffer
// overflows; this only fires when that budget and the client's own
// (possibly smaller) EDNS size disagree.
//
// respBytes is the already-marshaled full response corresponding to resp;
// passing both avoids re-marshaling resp on the common path where no
// truncation is needed.
func truncateResponse(resp dns.Packet, respBytes []byte, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = dns.DefaultUDPPayloadSize
	}
	if len(respBytes) <= maxSize {
		return respBytes, nil
	}

	truncated := dns.Packet{
		Header:    resp.Header,
		Questions: resp.Questions,
	}
	truncated.Header.Flags |= dns.TCFlag

	out, err := truncated.Marshal()
	if err != nil {
		return nil, err
	}
	if len(out) > maxSize && len(resp.Questions) > 0 {
		// Even header+question doesn't fit the client's advertised size;
		// drop the question section too rather than send something the
		// client asked not to receive.
		truncated.Questions = nil
		out, err = truncated.Marshal()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
