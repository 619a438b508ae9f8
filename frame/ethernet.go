package frame

import (
	"fmt"
	"net"

	"github.com/mdlayher/ethernet"
)

// EtherType is the EtherType of EtherCAT frames.
const EtherType ethernet.EtherType = 0x88A4

// DefaultSourceMAC is the source address used by a master unless configured
// otherwise. Slaves set the locally administered bit of the first octet on
// the way back, which separates returned frames from the master's own.
var DefaultSourceMAC = net.HardwareAddr{0x01, 0x01, 0x01, 0x01, 0x01, 0x01}

// MarshalEthernet encodes f into a broadcast Ethernet frame from src.
// Short frames are padded to the Ethernet minimum.
func MarshalEthernet(src net.HardwareAddr, f *Frame) ([]byte, error) {
	payload, err := f.MarshalBinary()
	if err != nil {
		return nil, err
	}

	eth := &ethernet.Frame{
		Destination: ethernet.Broadcast,
		Source:      src,
		EtherType:   EtherType,
		Payload:     payload,
	}

	return eth.MarshalBinary()
}

// UnmarshalEthernet decodes an Ethernet frame carrying EtherCAT and returns
// the frame and the Ethernet source address.
func UnmarshalEthernet(b []byte) (*Frame, net.HardwareAddr, error) {
	var eth ethernet.Frame
	if err := eth.UnmarshalBinary(b); err != nil {
		return nil, nil, fmt.Errorf("frame: ethernet: %w", err)
	}
	if eth.EtherType != EtherType {
		return nil, eth.Source, fmt.Errorf("%w: ethertype 0x%04X", ErrNotEtherCAT, uint16(eth.EtherType))
	}

	f := &Frame{}
	if err := f.UnmarshalBinary(eth.Payload); err != nil {
		return nil, eth.Source, err
	}

	return f, eth.Source, nil
}

// ReturnedSource returns the source address slaves put on a frame sent from src.
func ReturnedSource(src net.HardwareAddr) net.HardwareAddr {
	ret := make(net.HardwareAddr, len(src))
	copy(ret, src)
	if len(ret) > 0 {
		ret[0] |= 0x02
	}

	return ret
}
