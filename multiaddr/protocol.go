package multiaddr

import "fmt"

// valueKind describes how a protocol's value bytes are framed.
type valueKind int

const (
	// valueNone protocols carry no value (e.g. /p2p-circuit).
	valueNone valueKind = iota
	// valueFixed protocols carry a fixed number of bytes (e.g. /ip4 = 4).
	valueFixed
	// valueLengthPrefixed protocols carry a varint-length-prefixed value
	// (e.g. /p2p = a multihash, /memory = a UTF-8 id).
	valueLengthPrefixed
)

// Protocol describes one component type that may appear in a Multiaddr.
// Codes match the public multiaddr protocol table so textual/binary forms
// stay bit-compatible with the wider libp2p ecosystem, per spec.md §6.
type Protocol struct {
	Code      int
	Name      string
	Kind      valueKind
	FixedSize int // valid bytes when Kind == valueFixed
}

// Well-known protocol codes, matching the public multicodec table.
const (
	codeIP4       = 0x04
	codeTCP       = 0x06
	codeUDP       = 0x0111
	codeIP6       = 0x29
	codeQUICV1    = 0x01cc
	codeP2P       = 0x01a5
	codeP2PCircuit = 0x0122
	// codeMemory is not part of the public multicodec table; it is a
	// local, in-process transport address used by the memory transport's
	// test harness (spec.md references "/memory/<id>" directly).
	codeMemory = 0x3f42
)

var protocolsByCode = map[int]Protocol{
	codeIP4:        {Code: codeIP4, Name: "ip4", Kind: valueFixed, FixedSize: 4},
	codeTCP:        {Code: codeTCP, Name: "tcp", Kind: valueFixed, FixedSize: 2},
	codeUDP:        {Code: codeUDP, Name: "udp", Kind: valueFixed, FixedSize: 2},
	codeIP6:        {Code: codeIP6, Name: "ip6", Kind: valueFixed, FixedSize: 16},
	codeQUICV1:     {Code: codeQUICV1, Name: "quic-v1", Kind: valueNone},
	codeP2P:        {Code: codeP2P, Name: "p2p", Kind: valueLengthPrefixed},
	codeP2PCircuit: {Code: codeP2PCircuit, Name: "p2p-circuit", Kind: valueNone},
	codeMemory:     {Code: codeMemory, Name: "memory", Kind: valueLengthPrefixed},
}

var protocolsByName = func() map[string]Protocol {
	m := make(map[string]Protocol, len(protocolsByCode))
	for _, p := range protocolsByCode {
		m[p.Name] = p
	}
	return m
}()

func protocolByName(name string) (Protocol, error) {
	p, ok := protocolsByName[name]
	if !ok {
		return Protocol{}, fmt.Errorf("multiaddr: unknown protocol %q", name)
	}
	return p, nil
}

func protocolByCode(code int) (Protocol, error) {
	p, ok := protocolsByCode[code]
	if !ok {
		return Protocol{}, fmt.Errorf("multiaddr: unknown protocol code %d", code)
	}
	return p, nil
}
