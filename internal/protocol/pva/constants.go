// Package pva implements the PVAccess wire codec: the 8-byte message
// header, the variable-length Size and string primitives, status values,
// socket addresses, and the message bodies exchanged by the server.
//
// All encoders write big-endian. Decoders honor the byte order announced
// by the peer in each header.
package pva

import "fmt"

// ============================================================================
// Protocol Constants
// ============================================================================

const (
	// Magic is the first byte of every PVAccess header.
	Magic = 0xCA

	// Version is the protocol version sent by this implementation.
	Version = 2

	// HeaderSize is the fixed length of a message header.
	HeaderSize = 8

	// DefaultMaxMessageSize bounds a single (reassembled) message body.
	DefaultMaxMessageSize = 64 << 20

	// ServerBufferSize is advertised to clients during the handshake.
	ServerBufferSize = 0x10000

	// ServerRegistrySize is the advertised introspection registry size.
	ServerRegistrySize = 0x7fff

	// InvalidSID is the sentinel SID returned for unclaimed channels.
	InvalidSID = 0xFFFFFFFF
)

// Command is the application command byte of a header.
type Command uint8

const (
	CmdBeacon               Command = 0
	CmdConnectionValidation Command = 1
	CmdEcho                 Command = 2
	CmdSearch               Command = 3
	CmdSearchResponse       Command = 4
	CmdAuthNZ               Command = 5
	CmdACLChange            Command = 6
	CmdCreateChannel        Command = 7
	CmdDestroyChannel       Command = 8
	CmdConnectionValidated  Command = 9
	CmdGet                  Command = 10
	CmdPut                  Command = 11
	CmdPutGet               Command = 12
	CmdMonitor              Command = 13
	CmdArray                Command = 14
	CmdDestroyRequest       Command = 15
	CmdProcess              Command = 16
	CmdGetField             Command = 17
	CmdMessage              Command = 18
	CmdMultipleData         Command = 19
	CmdRPC                  Command = 20
	CmdCancelRequest        Command = 21
	CmdOriginTag            Command = 22
)

var commandNames = map[Command]string{
	CmdBeacon:               "BEACON",
	CmdConnectionValidation: "CONNECTION_VALIDATION",
	CmdEcho:                 "ECHO",
	CmdSearch:               "SEARCH",
	CmdSearchResponse:       "SEARCH_RESPONSE",
	CmdAuthNZ:               "AUTHNZ",
	CmdACLChange:            "ACL_CHANGE",
	CmdCreateChannel:        "CREATE_CHANNEL",
	CmdDestroyChannel:       "DESTROY_CHANNEL",
	CmdConnectionValidated:  "CONNECTION_VALIDATED",
	CmdGet:                  "GET",
	CmdPut:                  "PUT",
	CmdPutGet:               "PUT_GET",
	CmdMonitor:              "MONITOR",
	CmdArray:                "ARRAY",
	CmdDestroyRequest:       "DESTROY_REQUEST",
	CmdProcess:              "PROCESS",
	CmdGetField:             "GET_FIELD",
	CmdMessage:              "MESSAGE",
	CmdMultipleData:         "MULTIPLE_DATA",
	CmdRPC:                  "RPC",
	CmdCancelRequest:        "CANCEL_REQUEST",
	CmdOriginTag:            "ORIGIN_TAG",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD_%d", uint8(c))
}

// Control commands, valid when FlagControl is set.
const (
	CtrlSetMarker Command = 0
	CtrlAckMarker Command = 1
	CtrlSetEndian Command = 2
)

// Flags is the header flags byte.
type Flags uint8

const (
	FlagControl   Flags = 0x01
	FlagSegFirst  Flags = 0x10
	FlagSegLast   Flags = 0x20
	FlagSegMask   Flags = 0x30
	FlagServer    Flags = 0x40
	FlagBigEndian Flags = 0x80
)

// Operation subcommand bits.
const (
	SubExec    uint8 = 0x00
	SubMonitor uint8 = 0x04
	SubInit    uint8 = 0x08
	SubDestroy uint8 = 0x10
	SubGet     uint8 = 0x40
)

// Search request flags.
const (
	SearchMustReply uint8 = 0x01
	SearchUnicast   uint8 = 0x80
)

// Transport protocol names carried by search and beacon messages.
const (
	ProtoTCP = "tcp"
	ProtoTLS = "tls"
)

// Authentication method names offered in the handshake.
const (
	AuthAnonymous = "anonymous"
	AuthCA        = "ca"
	AuthX509      = "x509"
)
