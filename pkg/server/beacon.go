package server

import (
	"net/netip"
	"time"

	"github.com/marmos91/pvaserver/internal/protocol/pva"
)

// beaconSchedule sends a burst of beacons at a short interval after
// start, then falls back to a long interval forever.
type beaconSchedule struct {
	Short time.Duration
	Long  time.Duration
	Burst int
}

type beaconState struct {
	sent int
}

// next returns the delay before the following beacon.
func (s beaconSchedule) next(st beaconState) (time.Duration, beaconState) {
	if st.sent < s.Burst {
		return s.Short, beaconState{sent: st.sent + 1}
	}
	return s.Long, st
}

// beaconMessage encodes one beacon. The address is left unspecified so
// receivers use the datagram's source address.
func beaconMessage(guid pva.GUID, seq uint8, change uint16, tcpPort int) ([]byte, error) {
	return pva.Marshal(pva.CmdBeacon, &pva.Beacon{
		GUID:     guid,
		Sequence: seq,
		Change:   change,
		Addr:     netip.IPv4Unspecified(),
		Port:     uint16(tcpPort),
		Protocol: pva.ProtoTCP,
	})
}

// sendBeacon runs on the loop from the beacon timer.
func (s *Server) sendBeacon() {
	if s.State() != StateRunning {
		return
	}

	msg, err := beaconMessage(s.GUID(), s.beaconSeq, uint16(s.change.Load()), s.tcpPort)
	if err != nil {
		log.Error("Failed to encode beacon: %v", err)
		return
	}
	s.beaconSeq++

	for _, dest := range s.beaconDest {
		sender := s.beacon4
		if !dest.Addr().Is4() {
			sender = s.beacon6
		}
		if sender == nil {
			continue
		}
		if _, err := sender.WriteToUDPAddrPort(msg, dest); err != nil {
			log.Warn("Beacon tx to %s failed: %v", dest, err)
			continue
		}
		s.metrics.RecordBeacon()
		log.Debug("Beacon tx to %s", dest)
	}

	var delay time.Duration
	delay, s.beaconState = s.beaconSched.next(s.beaconState)
	s.beaconTimer = s.loop.AfterFunc(delay, s.sendBeacon)
}
