package metrics

// PVAMetrics provides observability for the PVAccess server.
//
// Implementations can collect metrics about connections, message traffic,
// channel creation, discovery, and flow control. This interface is
// optional: a server constructed without one uses NewNoopPVAMetrics, which
// has zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	metrics.InitRegistry()
//	srv, err := server.New(cfg, prometheus.NewPVAMetrics(), nil)
//
//	// Without metrics (no-op)
//	srv, err := server.New(cfg, nil, nil)
type PVAMetrics interface {
	// RecordConnectionAccepted increments the accepted connections counter.
	//
	// Parameters:
	//   - secure: true for connections accepted on the TLS listener
	RecordConnectionAccepted(secure bool)

	// RecordConnectionClosed increments the closed connections counter.
	RecordConnectionClosed()

	// SetActiveConnections updates the current connection count.
	SetActiveConnections(count int)

	// RecordMessage counts one application message.
	//
	// Parameters:
	//   - command: command name (e.g., "CREATE_CHANNEL", "GET")
	//   - direction: "rx" or "tx"
	RecordMessage(command, direction string)

	// RecordBytes records bytes moved over TCP in one direction.
	RecordBytes(direction string, n int)

	// RecordChannelCreate counts one create-channel entry by outcome:
	// "claimed", "refused" or "error".
	RecordChannelCreate(outcome string)

	// RecordSearch counts one search request and whether it was answered.
	//
	// Parameters:
	//   - transport: "udp" or "tcp"
	//   - replied: true if a search response was sent
	RecordSearch(transport string, replied bool)

	// RecordBeacon counts one beacon datagram sent.
	RecordBeacon()

	// RecordBackpressure counts one pause of a connection's reader.
	RecordBackpressure()

	// SetActiveOperations updates the number of live operations.
	SetActiveOperations(count int)
}

type noopPVAMetrics struct{}

// NewNoopPVAMetrics returns a PVAMetrics that discards everything.
func NewNoopPVAMetrics() PVAMetrics {
	return noopPVAMetrics{}
}

func (noopPVAMetrics) RecordConnectionAccepted(bool) {}
func (noopPVAMetrics) RecordConnectionClosed()       {}
func (noopPVAMetrics) SetActiveConnections(int)      {}
func (noopPVAMetrics) RecordMessage(string, string)  {}
func (noopPVAMetrics) RecordBytes(string, int)       {}
func (noopPVAMetrics) RecordChannelCreate(string)    {}
func (noopPVAMetrics) RecordSearch(string, bool)     {}
func (noopPVAMetrics) RecordBeacon()                 {}
func (noopPVAMetrics) RecordBackpressure()           {}
func (noopPVAMetrics) SetActiveOperations(int)       {}
