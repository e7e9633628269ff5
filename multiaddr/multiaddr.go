// Package multiaddr implements the self-describing, composable network
// address format used throughout the stack: an ordered sequence of
// (protocol-code, value-bytes) components, per spec.md §3 and §6.
package multiaddr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/quorumkit/meshwire/varint"
)

// MaxBytes and MaxComponents bound a parsed Multiaddr, per spec.md §3's
// invariant that parsing rejects oversized inputs.
const (
	MaxBytes      = 1024
	MaxComponents = 20
)

// ErrTooLarge is returned when a textual or binary form exceeds MaxBytes.
var ErrTooLarge = errors.New("multiaddr: exceeds maximum size")

// ErrTooManyComponents is returned when a form has more than MaxComponents.
var ErrTooManyComponents = errors.New("multiaddr: too many components")

// ErrTrailingData names the case of bytes left over after the last
// component. ParseBinary does not return it: it keeps decoding until the
// input is used up, so leftover bytes fail as an undecodable protocol code
// or a truncated value instead.
var ErrTrailingData = errors.New("multiaddr: trailing data after last component")

// Component is one (protocol, value) pair.
type Component struct {
	Protocol Protocol
	Value    []byte
}

// Multiaddr is an ordered, immutable sequence of Components. Ordering is
// semantic: /ip4/.../tcp/... is not the same address as /tcp/.../ip4/....
type Multiaddr struct {
	components []Component
}

// Components returns a copy of the address's ordered components.
func (m Multiaddr) Components() []Component {
	out := make([]Component, len(m.components))
	copy(out, m.components)
	return out
}

// Empty reports whether the address has no components.
func (m Multiaddr) Empty() bool { return len(m.components) == 0 }

// Equal compares two addresses by their canonical binary form.
func (m Multiaddr) Equal(other Multiaddr) bool {
	a, b := m.Bytes(), other.Bytes()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Bytes returns the canonical binary encoding: for each component, a
// varint-encoded protocol code followed by the value bytes (length-prefixed
// with a varint when the protocol's Kind is variable-length).
func (m Multiaddr) Bytes() []byte {
	var buf []byte
	for _, c := range m.components {
		buf = varint.Append(buf, uint64(c.Protocol.Code))
		switch c.Protocol.Kind {
		case valueNone:
		case valueFixed:
			buf = append(buf, c.Value...)
		case valueLengthPrefixed:
			buf = varint.Append(buf, uint64(len(c.Value)))
			buf = append(buf, c.Value...)
		}
	}
	return buf
}

// String returns the textual form, e.g. "/ip4/1.2.3.4/tcp/4001/p2p/<id>".
func (m Multiaddr) String() string {
	var sb strings.Builder
	for _, c := range m.components {
		sb.WriteByte('/')
		sb.WriteString(c.Protocol.Name)
		if c.Protocol.Kind != valueNone {
			sb.WriteByte('/')
			sb.WriteString(encodeValueText(c))
		}
	}
	return sb.String()
}

// Encapsulate appends other's components after m's, returning a new
// Multiaddr (neither input is mutated).
func (m Multiaddr) Encapsulate(other Multiaddr) (Multiaddr, error) {
	combined := make([]Component, 0, len(m.components)+len(other.components))
	combined = append(combined, m.components...)
	combined = append(combined, other.components...)
	if len(combined) > MaxComponents {
		return Multiaddr{}, ErrTooManyComponents
	}
	out := Multiaddr{components: combined}
	if len(out.Bytes()) > MaxBytes {
		return Multiaddr{}, ErrTooLarge
	}
	return out, nil
}

// PeerID extracts the trailing /p2p/<id> component's raw value, if present.
func (m Multiaddr) PeerID() ([]byte, bool) {
	for i := len(m.components) - 1; i >= 0; i-- {
		if m.components[i].Protocol.Code == codeP2P {
			return append([]byte(nil), m.components[i].Value...), true
		}
	}
	return nil, false
}

func encodeValueText(c Component) string {
	switch c.Protocol.Code {
	case codeIP4:
		return net.IP(c.Value).String()
	case codeIP6:
		ip := net.IP(c.Value)
		return ip.String()
	case codeTCP, codeUDP:
		return strconv.Itoa(int(binary.BigEndian.Uint16(c.Value)))
	case codeP2P:
		return base58EncodeMultihash(c.Value)
	default:
		return string(c.Value)
	}
}

// New builds a Multiaddr from the given textual form.
func New(text string) (Multiaddr, error) {
	return Parse(text)
}

// Parse decodes a textual Multiaddr, rejecting inputs over MaxBytes of
// UTF-8 or more than MaxComponents components (spec.md §3 invariant).
func Parse(text string) (Multiaddr, error) {
	if len(text) > MaxBytes {
		return Multiaddr{}, ErrTooLarge
	}
	if text == "" {
		return Multiaddr{}, nil
	}
	if text[0] != '/' {
		return Multiaddr{}, fmt.Errorf("multiaddr: text must start with '/': %q", text)
	}
	parts := strings.Split(text, "/")[1:] // drop leading empty string
	var components []Component
	for i := 0; i < len(parts); {
		name := parts[i]
		i++
		proto, err := protocolByName(name)
		if err != nil {
			return Multiaddr{}, err
		}
		var value []byte
		if proto.Kind != valueNone {
			if i >= len(parts) {
				return Multiaddr{}, fmt.Errorf("multiaddr: protocol %q requires a value", name)
			}
			value, err = decodeValueText(proto, parts[i])
			if err != nil {
				return Multiaddr{}, err
			}
			i++
		}
		components = append(components, Component{Protocol: proto, Value: value})
		if len(components) > MaxComponents {
			return Multiaddr{}, ErrTooManyComponents
		}
	}
	out := Multiaddr{components: components}
	if len(out.Bytes()) > MaxBytes {
		return Multiaddr{}, ErrTooLarge
	}
	return out, nil
}

func decodeValueText(proto Protocol, s string) ([]byte, error) {
	switch proto.Code {
	case codeIP4:
		ip := net.ParseIP(s)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("multiaddr: invalid ip4 %q", s)
		}
		return ip.To4(), nil
	case codeIP6:
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("multiaddr: invalid ip6 %q", s)
		}
		return canonicalizeIPv6(ip.To16()), nil
	case codeTCP, codeUDP:
		port, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("multiaddr: invalid port %q: %w", s, err)
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(port))
		return buf, nil
	case codeP2P:
		return base58DecodeMultihash(s)
	default:
		return []byte(s), nil
	}
}

// canonicalizeIPv6 ensures "::1" and "0:0:0:0:0:0:0:1" compare equal, per
// spec.md §9 (they share the same net.IP 16-byte form already, but we keep
// this hook explicit for callers that construct components by hand).
func canonicalizeIPv6(ip net.IP) net.IP {
	return ip.To16()
}

// ParseBinary decodes the canonical binary form produced by Bytes.
func ParseBinary(b []byte) (Multiaddr, error) {
	if len(b) > MaxBytes {
		return Multiaddr{}, ErrTooLarge
	}
	var components []Component
	for len(b) > 0 {
		code, n, err := varint.DecodeIndex(b)
		if err != nil {
			return Multiaddr{}, fmt.Errorf("multiaddr: decode protocol code: %w", err)
		}
		b = b[n:]
		proto, err := protocolByCode(code)
		if err != nil {
			return Multiaddr{}, err
		}
		var value []byte
		switch proto.Kind {
		case valueNone:
		case valueFixed:
			if len(b) < proto.FixedSize {
				return Multiaddr{}, fmt.Errorf("multiaddr: truncated value for %s", proto.Name)
			}
			value = append([]byte(nil), b[:proto.FixedSize]...)
			b = b[proto.FixedSize:]
		case valueLengthPrefixed:
			l, ln, err := varint.DecodeIndex(b)
			if err != nil {
				return Multiaddr{}, fmt.Errorf("multiaddr: decode value length for %s: %w", proto.Name, err)
			}
			b = b[ln:]
			if len(b) < l {
				return Multiaddr{}, fmt.Errorf("multiaddr: truncated value for %s", proto.Name)
			}
			value = append([]byte(nil), b[:l]...)
			b = b[l:]
		}
		components = append(components, Component{Protocol: proto, Value: value})
		if len(components) > MaxComponents {
			return Multiaddr{}, ErrTooManyComponents
		}
	}
	return Multiaddr{components: components}, nil
}
