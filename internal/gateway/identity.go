package gateway

import (
	"fmt"
	"net/http"
	"net/netip"

	"github.com/joao-fontenele/pickup-orderflow/internal/httpx"
)

// TrustedPeers are the addresses allowed to assert an actor identity. In a
// deployment that is the authenticating proxy in front of the gateway;
// actor headers from anyone else are dropped before forwarding.
type TrustedPeers struct {
	prefixes []netip.Prefix
}

// ParseTrustedPeers accepts CIDRs ("10.0.0.0/8") and bare addresses.
func ParseTrustedPeers(entries []string) (*TrustedPeers, error) {
	t := &TrustedPeers{}
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			t.prefixes = append(t.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted peer %q", e)
		}
		t.prefixes = append(t.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return t, nil
}

// Trusts reports whether the direct peer of r may set actor headers.
// Forwarded-for headers are ignored since the client controls them.
func (t *TrustedPeers) Trusts(r *http.Request) bool {
	if t == nil {
		return false
	}
	addr, err := netip.ParseAddr(clientIP(r))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range t.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (h *Handler) withTrustedIdentity(r *http.Request) *http.Request {
	if r.Header.Get(httpx.HeaderActorRole) == "" && r.Header.Get(httpx.HeaderActorID) == "" {
		return r
	}
	if h.trustedPeers.Trusts(r) {
		return r
	}

	h.logger.Warn("dropping actor headers from untrusted peer", "client_ip", clientIP(r))
	out := r.Clone(r.Context())
	out.Header.Del(httpx.HeaderActorRole)
	out.Header.Del(httpx.HeaderActorID)
	return out
}
