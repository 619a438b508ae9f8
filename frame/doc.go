// Package frame implements the EtherCAT wire format.
//
// An EtherCAT frame travels as the payload of an Ethernet frame with
// EtherType 0x88A4. It starts with a 2-byte header followed by a chain of
// datagrams. Each datagram carries a 10-byte header, its data and a 2-byte
// working counter that every slave which processes the datagram increments.
//
// All multi-byte fields are little-endian:
//
//	EtherCAT header   len:11 | reserved:1 | type:4
//	Datagram header   cmd:8 idx:8 address:32 len:11 reserved:3 C:1 M:1 irq:16
//	Datagram trailer  wkc:16
//
// Frame and Datagram are plain values built fresh for each round trip;
// MarshalBinary and UnmarshalBinary convert them to and from the EtherCAT
// payload, while MarshalEthernet and UnmarshalEthernet add and strip the
// Ethernet header.
package frame
