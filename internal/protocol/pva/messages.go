package pva

import (
	"encoding/hex"
	"net/netip"
)

// Body is implemented by every message body this package can encode.
type Body interface {
	EncodeTo(e *Encoder)
}

// Marshal frames a server-originated message carrying body.
func Marshal(cmd Command, body Body) ([]byte, error) {
	e := NewMessage(cmd)
	if body != nil {
		body.EncodeTo(e)
	}
	return e.Finish()
}

// GUID identifies one server instance in search replies and beacons.
type GUID [12]byte

func (g GUID) String() string { return hex.EncodeToString(g[:]) }

func (s Status) EncodeTo(e *Encoder) { e.PutStatus(s) }

// DecodeStatusBody decodes a body that is a single Status.
func DecodeStatusBody(d *Decoder) (Status, error) {
	s := d.Status()
	return s, d.Err()
}

// ============================================================================
// Connection Validation
// ============================================================================

// ServerValidation is the handshake a server sends right after accept.
// Methods is in reverse preference order: the last entry is preferred.
type ServerValidation struct {
	BufferSize   uint32
	RegistrySize uint16
	Methods      []string
}

func (m *ServerValidation) EncodeTo(e *Encoder) {
	e.PutU32(m.BufferSize)
	e.PutU16(m.RegistrySize)
	e.PutSize(len(m.Methods))
	for _, name := range m.Methods {
		e.PutString(name)
	}
}

func DecodeServerValidation(d *Decoder) (*ServerValidation, error) {
	m := &ServerValidation{
		BufferSize:   d.U32(),
		RegistrySize: d.U16(),
	}
	n := d.Size()
	for i := 0; i < n && d.Err() == nil; i++ {
		m.Methods = append(m.Methods, d.Str())
	}
	return m, d.Err()
}

// ClientValidation is the client's answer to ServerValidation. Payload
// holds the undecoded, method-specific authentication value.
type ClientValidation struct {
	BufferSize   uint32
	RegistrySize uint16
	QoS          uint16
	Method       string
	Payload      []byte
}

func (m *ClientValidation) EncodeTo(e *Encoder) {
	e.PutU32(m.BufferSize)
	e.PutU16(m.RegistrySize)
	e.PutU16(m.QoS)
	e.PutString(m.Method)
	e.PutBytes(m.Payload)
}

func DecodeClientValidation(d *Decoder) (*ClientValidation, error) {
	m := &ClientValidation{
		BufferSize:   d.U32(),
		RegistrySize: d.U16(),
		QoS:          d.U16(),
	}
	m.Method = d.Str()
	m.Payload = d.Rest()
	return m, d.Err()
}

// ============================================================================
// Channel Lifecycle
// ============================================================================

type ChannelRequest struct {
	CID  uint32
	Name string
}

type CreateChannelRequest struct {
	Channels []ChannelRequest
}

func (m *CreateChannelRequest) EncodeTo(e *Encoder) {
	e.PutU16(uint16(len(m.Channels)))
	for _, ch := range m.Channels {
		e.PutU32(ch.CID)
		e.PutString(ch.Name)
	}
}

func DecodeCreateChannelRequest(d *Decoder) (*CreateChannelRequest, error) {
	n := int(d.U16())
	m := &CreateChannelRequest{}
	for i := 0; i < n && d.Err() == nil; i++ {
		var ch ChannelRequest
		ch.CID = d.U32()
		ch.Name = d.Str()
		m.Channels = append(m.Channels, ch)
	}
	return m, d.Err()
}

// CreateChannelReply answers one entry of a CreateChannelRequest.
type CreateChannelReply struct {
	CID    uint32
	SID    uint32
	Status Status
}

func (m *CreateChannelReply) EncodeTo(e *Encoder) {
	e.PutU32(m.CID)
	e.PutU32(m.SID)
	e.PutStatus(m.Status)
}

func DecodeCreateChannelReply(d *Decoder) (*CreateChannelReply, error) {
	m := &CreateChannelReply{CID: d.U32(), SID: d.U32()}
	m.Status = d.Status()
	return m, d.Err()
}

// DestroyChannel is used in both directions with the same layout.
type DestroyChannel struct {
	SID uint32
	CID uint32
}

func (m *DestroyChannel) EncodeTo(e *Encoder) {
	e.PutU32(m.SID)
	e.PutU32(m.CID)
}

func DecodeDestroyChannel(d *Decoder) (*DestroyChannel, error) {
	m := &DestroyChannel{SID: d.U32(), CID: d.U32()}
	return m, d.Err()
}

// ============================================================================
// Operations
// ============================================================================

// RequestID addresses one operation; it is the body of cancel-request and
// destroy-request.
type RequestID struct {
	SID  uint32
	IOID uint32
}

func (m *RequestID) EncodeTo(e *Encoder) {
	e.PutU32(m.SID)
	e.PutU32(m.IOID)
}

func DecodeRequestID(d *Decoder) (*RequestID, error) {
	m := &RequestID{SID: d.U32(), IOID: d.U32()}
	return m, d.Err()
}

// OpRequest is the common prefix of GET, PUT, PUT_GET, MONITOR, PROCESS
// and RPC requests. Payload is opaque to the server.
type OpRequest struct {
	SID     uint32
	IOID    uint32
	Subcmd  uint8
	Payload []byte
}

func (m *OpRequest) EncodeTo(e *Encoder) {
	e.PutU32(m.SID)
	e.PutU32(m.IOID)
	e.PutU8(m.Subcmd)
	e.PutBytes(m.Payload)
}

func DecodeOpRequest(d *Decoder) (*OpRequest, error) {
	m := &OpRequest{SID: d.U32(), IOID: d.U32(), Subcmd: d.U8()}
	m.Payload = d.Rest()
	return m, d.Err()
}

// OpReply answers an OpRequest. Subscription updates omit the status.
type OpReply struct {
	IOID     uint32
	Subcmd   uint8
	NoStatus bool
	Status   Status
	Payload  []byte
}

func (m *OpReply) EncodeTo(e *Encoder) {
	e.PutU32(m.IOID)
	e.PutU8(m.Subcmd)
	if !m.NoStatus {
		e.PutStatus(m.Status)
	}
	e.PutBytes(m.Payload)
}

func DecodeOpReply(d *Decoder, withStatus bool) (*OpReply, error) {
	m := &OpReply{IOID: d.U32(), Subcmd: d.U8(), NoStatus: !withStatus}
	if withStatus {
		m.Status = d.Status()
	}
	m.Payload = d.Rest()
	return m, d.Err()
}

// MessageType is the severity of a MESSAGE.
type MessageType uint8

const (
	MessageInfo    MessageType = 0
	MessageWarning MessageType = 1
	MessageError   MessageType = 2
	MessageFatal   MessageType = 3
)

// Message carries diagnostic text attributed to an operation.
type Message struct {
	IOID uint32
	Type MessageType
	Text string
}

func (m *Message) EncodeTo(e *Encoder) {
	e.PutU32(m.IOID)
	e.PutU8(uint8(m.Type))
	e.PutString(m.Text)
}

func DecodeMessage(d *Decoder) (*Message, error) {
	m := &Message{IOID: d.U32(), Type: MessageType(d.U8())}
	m.Text = d.Str()
	return m, d.Err()
}

// ============================================================================
// Discovery
// ============================================================================

type SearchName struct {
	ID   uint32
	Name string
}

// SearchRequest is sent by clients over UDP or on an established stream.
type SearchRequest struct {
	SearchID  uint32
	Flags     uint8
	ReplyAddr netip.Addr
	ReplyPort uint16
	Protocols []string
	Names     []SearchName
}

func (m *SearchRequest) MustReply() bool { return m.Flags&SearchMustReply != 0 }

// Accepts reports whether the requester listed proto.
func (m *SearchRequest) Accepts(proto string) bool {
	for _, p := range m.Protocols {
		if p == proto {
			return true
		}
	}
	return false
}

func (m *SearchRequest) EncodeTo(e *Encoder) {
	e.PutU32(m.SearchID)
	e.PutU8(m.Flags)
	e.PutZeros(3)
	e.PutAddr(m.ReplyAddr)
	e.PutU16(m.ReplyPort)
	e.PutSize(len(m.Protocols))
	for _, p := range m.Protocols {
		e.PutString(p)
	}
	e.PutU16(uint16(len(m.Names)))
	for _, n := range m.Names {
		e.PutU32(n.ID)
		e.PutString(n.Name)
	}
}

func DecodeSearchRequest(d *Decoder) (*SearchRequest, error) {
	m := &SearchRequest{SearchID: d.U32(), Flags: d.U8()}
	d.Skip(3)
	m.ReplyAddr = d.Addr()
	m.ReplyPort = d.U16()

	nproto := d.Size()
	for i := 0; i < nproto && d.Err() == nil; i++ {
		m.Protocols = append(m.Protocols, d.Str())
	}

	nchan := int(d.U16())
	for i := 0; i < nchan && d.Err() == nil; i++ {
		var n SearchName
		n.ID = d.U32()
		n.Name = d.Str()
		m.Names = append(m.Names, n)
	}
	return m, d.Err()
}

// SearchResponse lists the ids of the names a server claimed.
type SearchResponse struct {
	GUID     GUID
	SearchID uint32
	Addr     netip.Addr
	Port     uint16
	Protocol string
	Found    bool
	IDs      []uint32
}

func (m *SearchResponse) EncodeTo(e *Encoder) {
	e.PutBytes(m.GUID[:])
	e.PutU32(m.SearchID)
	e.PutAddr(m.Addr)
	e.PutU16(m.Port)
	e.PutString(m.Protocol)
	if m.Found {
		e.PutU8(1)
	} else {
		e.PutU8(0)
	}
	e.PutU16(uint16(len(m.IDs)))
	for _, id := range m.IDs {
		e.PutU32(id)
	}
}

func DecodeSearchResponse(d *Decoder) (*SearchResponse, error) {
	m := &SearchResponse{}
	copy(m.GUID[:], d.Bytes(12))
	m.SearchID = d.U32()
	m.Addr = d.Addr()
	m.Port = d.U16()
	m.Protocol = d.Str()
	m.Found = d.U8() != 0
	n := int(d.U16())
	for i := 0; i < n && d.Err() == nil; i++ {
		m.IDs = append(m.IDs, d.U32())
	}
	return m, d.Err()
}

// Beacon is the periodic server presence announcement.
type Beacon struct {
	GUID     GUID
	Flags    uint8
	Sequence uint8
	Change   uint16
	Addr     netip.Addr
	Port     uint16
	Protocol string
}

func (m *Beacon) EncodeTo(e *Encoder) {
	e.PutBytes(m.GUID[:])
	e.PutU8(m.Flags)
	e.PutU8(m.Sequence)
	e.PutU16(m.Change)
	e.PutAddr(m.Addr)
	e.PutU16(m.Port)
	e.PutString(m.Protocol)
	// null server status
	e.PutU8(0xFF)
}

func DecodeBeacon(d *Decoder) (*Beacon, error) {
	m := &Beacon{}
	copy(m.GUID[:], d.Bytes(12))
	m.Flags = d.U8()
	m.Sequence = d.U8()
	m.Change = d.U16()
	m.Addr = d.Addr()
	m.Port = d.U16()
	m.Protocol = d.Str()
	if d.Remaining() > 0 {
		// server status; only the null marker is produced here
		d.Rest()
	}
	return m, d.Err()
}
