package source

import (
	"strings"
)

// Credentials describes the authenticated peer of a connection.
type Credentials struct {
	// Peer is the remote host:port.
	Peer string
	// Iface is the local address the connection was accepted on.
	Iface string
	// Method is the authentication method: anonymous, ca or x509.
	Method string
	// Account is the user name (anonymous by default).
	Account string
	// Issuer, Serial and Authority are only set for x509.
	Issuer string
	Serial string
	// Authority is the issuer chain, innermost first, one per line.
	Authority string
	// Secure is true for connections over TLS.
	Secure bool
	// Host is the client's self reported host name, if any.
	Host string
}

// Anonymous returns the placeholder credentials used before the
// handshake completes.
func Anonymous(peer, iface string, secure bool) Credentials {
	return Credentials{
		Peer:    peer,
		Iface:   iface,
		Method:  "anonymous",
		Account: "anonymous",
		Secure:  secure,
	}
}

// AuthorityPath renders the authority chain as "root -> ... -> leaf".
func (c Credentials) AuthorityPath() string {
	return strings.ReplaceAll(c.Authority, "\n", " -> ")
}

// String formats the credentials for logs and reports:
// [TLS ]method[:issuer][:serial][:authority]/account@peer
func (c Credentials) String() string {
	var b strings.Builder
	if c.Secure {
		b.WriteString("TLS ")
	}
	b.WriteString(c.Method)
	if c.Issuer != "" {
		b.WriteString(":" + c.Issuer)
	}
	if c.Serial != "" {
		b.WriteString(":" + c.Serial)
	}
	if c.Authority != "" {
		b.WriteString(":" + c.AuthorityPath())
	}
	b.WriteString("/" + c.Account + "@" + c.Peer)
	return b.String()
}
