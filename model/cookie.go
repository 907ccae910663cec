package model

import "fmt"

// Cookie tags every rule installed for a flow path. The low 32 bits carry the
// unmasked flow effective id; high bits carry direction and type tags.
type Cookie uint64

const (
	cookieForward       Cookie = 1 << 62
	cookieReverse       Cookie = 1 << 61
	cookieLooped        Cookie = 1 << 56
	cookieMirror        Cookie = 1 << 55
	cookieYFlow         Cookie = 1 << 54
	cookieSharedSegment Cookie = 1 << 53

	cookieIDMask   Cookie = 0xFFFF_FFFF
	cookieTypeMask        = cookieLooped | cookieMirror | cookieYFlow | cookieSharedSegment
)

// NewCookie builds a flow path cookie for the given effective id.
func NewCookie(id uint32, forward bool) Cookie {
	c := Cookie(id)
	if forward {
		return c | cookieForward
	}
	return c | cookieReverse
}

// SharedSegmentCookie identifies a multi-table dispatch rule shared by every
// flow entering on the same port and outer vlan.
func SharedSegmentCookie(port uint32, vlan uint16) Cookie {
	return cookieSharedSegment | Cookie(port)<<12 | Cookie(vlan&0x0FFF)
}

func (c Cookie) EffectiveID() uint32 { return uint32(c & cookieIDMask) }
func (c Cookie) IsForward() bool     { return c&cookieForward != 0 }
func (c Cookie) IsReverse() bool     { return c&cookieReverse != 0 }
func (c Cookie) IsLooped() bool      { return c&cookieLooped != 0 }
func (c Cookie) IsMirror() bool      { return c&cookieMirror != 0 }
func (c Cookie) IsYFlow() bool       { return c&cookieYFlow != 0 }
func (c Cookie) IsSharedSegment() bool {
	return c&cookieSharedSegment != 0
}

func (c Cookie) Looped() Cookie { return c | cookieLooped }
func (c Cookie) Mirror() Cookie { return c | cookieMirror }
func (c Cookie) YFlow() Cookie  { return c | cookieYFlow }

// Opposite returns the cookie of the same flow in the other direction.
func (c Cookie) Opposite() Cookie {
	base := c &^ (cookieForward | cookieReverse)
	if c.IsForward() {
		return base | cookieReverse
	}
	return base | cookieForward
}

// Plain strips every type tag.
func (c Cookie) Plain() Cookie { return c &^ cookieTypeMask }

func (c Cookie) String() string { return fmt.Sprintf("0x%016X", uint64(c)) }
