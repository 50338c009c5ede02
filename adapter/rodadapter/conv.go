package rodadapter

import (
	"github.com/go-rod/rod/lib/proto"

	"github.com/portablesession/psp/state"
)

// fromNetworkCookie normalizes a CDP cookie into the portable shape.
// Missing SameSite defaults to Lax, the value browsers apply when the
// attribute is absent. Session cookies carry a nil Expires.
func fromNetworkCookie(c *proto.NetworkCookie) state.Cookie {
	out := state.Cookie{
		Name:        c.Name,
		Value:       c.Value,
		Domain:      c.Domain,
		Path:        c.Path,
		HTTPOnly:    c.HTTPOnly,
		Secure:      c.Secure,
		SameSite:    state.SameSiteLax,
		Partitioned: c.PartitionKey != nil,
	}
	if !c.Session && float64(c.Expires) > 0 {
		exp := float64(c.Expires)
		out.Expires = &exp
	}
	switch c.SameSite {
	case proto.NetworkCookieSameSiteStrict:
		out.SameSite = state.SameSiteStrict
	case proto.NetworkCookieSameSiteNone:
		out.SameSite = state.SameSiteNone
	}
	return out
}

// mouseButton maps the recorded DOM button index to the CDP button name.
// Unknown indices fall back to the primary button.
func mouseButton(idx int) proto.InputMouseButton {
	switch idx {
	case 1:
		return proto.InputMouseButtonMiddle
	case 2:
		return proto.InputMouseButtonRight
	default:
		return proto.InputMouseButtonLeft
	}
}

// hasModifiers reports whether the click carried any modifier key.
func hasModifiers(p state.ClickPayload) bool {
	return p.Alt || p.Ctrl || p.Meta || p.Shift
}

// toCookieParam converts back for Network.setCookies.
func toCookieParam(c state.Cookie) *proto.NetworkCookieParam {
	p := &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	if c.Expires != nil {
		p.Expires = proto.TimeSinceEpoch(*c.Expires)
	} else {
		// -1 marks a session cookie in the CDP protocol.
		p.Expires = proto.TimeSinceEpoch(-1)
	}
	switch c.SameSite {
	case state.SameSiteStrict:
		p.SameSite = proto.NetworkCookieSameSiteStrict
	case state.SameSiteNone:
		p.SameSite = proto.NetworkCookieSameSiteNone
	default:
		p.SameSite = proto.NetworkCookieSameSiteLax
	}
	return p
}
