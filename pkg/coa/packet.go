// Package coa implements the client side of the RADIUS Change-of-Authorization
// and Disconnect-Message extensions (RFC 3576/5176 style). It builds and signs
// request packets and drives single request/response exchanges over UDP.
//
// The encoder is deliberately byte-exact: two encoders fed the same code,
// identifier, attributes, secret and authenticator must produce identical
// packets, so conformance tests can pin the authenticator and compare raw
// output.
package coa

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
)

// CoA/DM packet codes
const (
	CodeDisconnectRequest = 40
	CodeDisconnectACK     = 41
	CodeDisconnectNAK     = 42
	CodeCoARequest        = 43
	CodeCoAACK            = 44
	CodeCoANAK            = 45
)

// RADIUS attribute types (RFC 2865/2866/2869)
const (
	AttrUserName             = 1
	AttrNASIPAddress         = 4
	AttrCallingStationID     = 31
	AttrAcctSessionID        = 44
	AttrMessageAuthenticator = 80
)

const (
	headerLen = 20
	// Message-Authenticator attribute is always 18 bytes on the wire:
	// type, length, 16-byte digest.
	msgAuthLen = 18
)

// Attribute is a single type/value pair. Order is preserved end to end.
type Attribute struct {
	Type  uint8
	Value []byte
}

// Packet is an unsigned CoA or Disconnect request under construction.
type Packet struct {
	Code          uint8
	Identifier    uint8
	Authenticator [16]byte
	Attributes    []Attribute
}

// NewPacket creates a request packet with a random identifier and a random
// 16-byte Request Authenticator. Both can be overwritten before encoding.
func NewPacket(code uint8) *Packet {
	p := &Packet{Code: code}

	var b [17]byte
	_, _ = rand.Read(b[:])
	p.Identifier = b[0]
	copy(p.Authenticator[:], b[1:])

	return p
}

// Add appends a raw attribute.
func (p *Packet) Add(attrType uint8, value []byte) {
	p.Attributes = append(p.Attributes, Attribute{Type: attrType, Value: value})
}

// AddString appends a UTF-8 string attribute.
func (p *Packet) AddString(attrType uint8, value string) {
	p.Add(attrType, []byte(value))
}

// AddIPAddr appends a 4-octet address attribute.
func (p *Packet) AddIPAddr(attrType uint8, ip net.IP) error {
	v4 := ip.To4()
	if v4 == nil {
		return fmt.Errorf("not an IPv4 address: %s", ip)
	}
	p.Add(attrType, []byte(v4))
	return nil
}

// Encode serializes and signs the packet.
//
// The caller-supplied attributes are serialized in insertion order, followed
// by a Message-Authenticator placeholder of 16 zero bytes. The digest is the
// historical keyed construction MD5(packet || secret) computed over the
// assembled packet with the placeholder still zeroed, then spliced into the
// placeholder. Finally the Request Authenticator is recomputed as
// MD5(header-with-zeroed-authenticator || attributes || secret) and spliced
// into octets 4..20.
func (p *Packet) Encode(secret []byte) ([]byte, error) {
	attrLen := msgAuthLen
	for _, attr := range p.Attributes {
		if len(attr.Value) > 253 {
			return nil, fmt.Errorf("attribute %d value too long: %d bytes", attr.Type, len(attr.Value))
		}
		attrLen += 2 + len(attr.Value)
	}

	total := headerLen + attrLen
	if total > 4096 {
		return nil, fmt.Errorf("packet too long: %d bytes", total)
	}

	buf := make([]byte, total)
	buf[0] = p.Code
	buf[1] = p.Identifier
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	copy(buf[4:20], p.Authenticator[:])

	off := headerLen
	for _, attr := range p.Attributes {
		buf[off] = attr.Type
		buf[off+1] = uint8(2 + len(attr.Value))
		copy(buf[off+2:], attr.Value)
		off += 2 + len(attr.Value)
	}

	// Message-Authenticator placeholder, zero digest.
	buf[off] = AttrMessageAuthenticator
	buf[off+1] = msgAuthLen

	// Keyed digest over the packet with the placeholder zeroed.
	sum := md5.New()
	sum.Write(buf)
	sum.Write(secret)
	copy(buf[off+2:off+msgAuthLen], sum.Sum(nil))

	// Request Authenticator over the signed packet with octets 4..20 zeroed.
	sum = md5.New()
	sum.Write(buf[:4])
	sum.Write(make([]byte, 16))
	sum.Write(buf[headerLen:])
	sum.Write(secret)
	copy(buf[4:20], sum.Sum(nil))

	return buf, nil
}

// Reply is a decoded CoA/Disconnect response.
type Reply struct {
	Code          uint8
	Identifier    uint8
	Authenticator [16]byte
	Attributes    []Attribute
}

// ParseReply decodes a response packet. Replies shorter than the RADIUS
// header are rejected; the caller treats that like a timeout.
func ParseReply(data []byte) (*Reply, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("reply too short: %d bytes", len(data))
	}

	length := binary.BigEndian.Uint16(data[2:4])
	if int(length) < headerLen || int(length) > len(data) {
		return nil, fmt.Errorf("invalid reply length %d (got %d bytes)", length, len(data))
	}

	r := &Reply{
		Code:       data[0],
		Identifier: data[1],
	}
	copy(r.Authenticator[:], data[4:20])

	attrs, err := parseAttributes(data[headerLen:length])
	if err != nil {
		return nil, err
	}
	r.Attributes = attrs

	return r, nil
}

// VerifyResponseAuthenticator checks a reply's authenticator against the
// request authenticator it answers:
// MD5(Code + ID + Length + RequestAuth + Attributes + Secret).
func VerifyResponseAuthenticator(reply []byte, requestAuth [16]byte, secret []byte) bool {
	if len(reply) < headerLen {
		return false
	}

	sum := md5.New()
	sum.Write(reply[:4])
	sum.Write(requestAuth[:])
	sum.Write(reply[headerLen:])
	sum.Write(secret)
	expected := sum.Sum(nil)

	for i := 0; i < 16; i++ {
		if reply[4+i] != expected[i] {
			return false
		}
	}
	return true
}

// parseAttributes parses RADIUS attributes from bytes
func parseAttributes(data []byte) ([]Attribute, error) {
	var attrs []Attribute
	offset := 0

	for offset+2 <= len(data) {
		attrType := data[offset]
		attrLen := int(data[offset+1])

		if attrLen < 2 || offset+attrLen > len(data) {
			return nil, fmt.Errorf("invalid attribute length")
		}

		attr := Attribute{
			Type:  attrType,
			Value: make([]byte, attrLen-2),
		}
		copy(attr.Value, data[offset+2:offset+attrLen])
		attrs = append(attrs, attr)

		offset += attrLen
	}

	return attrs, nil
}

// CodeName returns the name of a CoA/DM packet code for logging.
func CodeName(code uint8) string {
	switch code {
	case CodeDisconnectRequest:
		return "Disconnect-Request"
	case CodeDisconnectACK:
		return "Disconnect-ACK"
	case CodeDisconnectNAK:
		return "Disconnect-NAK"
	case CodeCoARequest:
		return "CoA-Request"
	case CodeCoAACK:
		return "CoA-ACK"
	case CodeCoANAK:
		return "CoA-NAK"
	default:
		return fmt.Sprintf("Unknown(%d)", code)
	}
}
