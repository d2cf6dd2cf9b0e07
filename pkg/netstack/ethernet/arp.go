package ethernet

import (
	"encoding/binary"
	"fmt"
	network "net"
	"time"

	"retroos/pkg/netstack"
)

// ARP operation types.
const (
	ARPOperationRequest uint16 = 1
	ARPOperationReply   uint16 = 2
)

// ARPPacketSize is the size of an ARP packet in bytes.
const ARPPacketSize = 28

// ARPPacket represents an ARP packet for Ethernet/IP networks.
type ARPPacket struct {
	HardwareType uint16
	ProtocolType uint16
	HardwareSize uint8
	ProtocolSize uint8
	Operation    uint16
	SenderMAC    network.HardwareAddr
	SenderIP     network.IP
	TargetMAC    network.HardwareAddr
	TargetIP     network.IP
}

// ParseARPPacket parses an ARP packet from raw bytes.
func ParseARPPacket(data []byte) (*ARPPacket, error) {
	if len(data) < ARPPacketSize {
		return nil, fmt.Errorf("ARP packet too short: %d bytes", len(data))
	}

	p := &ARPPacket{
		HardwareType: binary.BigEndian.Uint16(data[0:2]),
		ProtocolType: binary.BigEndian.Uint16(data[2:4]),
		HardwareSize: data[4],
		ProtocolSize: data[5],
		Operation:    binary.BigEndian.Uint16(data[6:8]),
		SenderMAC:    network.HardwareAddr{data[8], data[9], data[10], data[11], data[12], data[13]},
		TargetMAC:    network.HardwareAddr{data[18], data[19], data[20], data[21], data[22], data[23]},
	}
	p.SenderIP = network.IP{data[14], data[15], data[16], data[17]}
	p.TargetIP = network.IP{data[24], data[25], data[26], data[27]}

	return p, nil
}

// Serialize converts the ARP packet to raw bytes.
func (p *ARPPacket) Serialize() []byte {
	buf := make([]byte, ARPPacketSize)
	binary.BigEndian.PutUint16(buf[0:2], p.HardwareType)
	binary.BigEndian.PutUint16(buf[2:4], p.ProtocolType)
	buf[4] = p.HardwareSize
	buf[5] = p.ProtocolSize
	binary.BigEndian.PutUint16(buf[6:8], p.Operation)
	copy(buf[8:14], p.SenderMAC)
	copy(buf[14:18], p.SenderIP.To4())
	copy(buf[18:24], p.TargetMAC)
	copy(buf[24:28], p.TargetIP.To4())
	return buf
}

// NewARPRequest creates an ARP request packet.
func NewARPRequest(senderMAC network.HardwareAddr, senderIP network.IP, targetIP network.IP) *ARPPacket {
	zeroMAC := network.HardwareAddr{0, 0, 0, 0, 0, 0}
	return &ARPPacket{
		HardwareType: 1,
		ProtocolType: uint16(netstack.EtherTypeIPv4),
		HardwareSize: 6,
		ProtocolSize: 4,
		Operation:    ARPOperationRequest,
		SenderMAC:    senderMAC,
		SenderIP:     senderIP,
		TargetMAC:    zeroMAC,
		TargetIP:     targetIP,
	}
}

// NewARPReply creates an ARP reply packet.
func NewARPReply(senderMAC network.HardwareAddr, senderIP network.IP, targetMAC network.HardwareAddr, targetIP network.IP) *ARPPacket {
	return &ARPPacket{
		HardwareType: 1,
		ProtocolType: uint16(netstack.EtherTypeIPv4),
		HardwareSize: 6,
		ProtocolSize: 4,
		Operation:    ARPOperationReply,
		SenderMAC:    senderMAC,
		SenderIP:     senderIP,
		TargetMAC:    targetMAC,
		TargetIP:     targetIP,
	}
}

// IsValid returns true if the ARP packet is Ethernet/IPv4.
func (p *ARPPacket) IsValid() bool {
	return p.HardwareType == 1 &&
		p.ProtocolType == uint16(netstack.EtherTypeIPv4) &&
		p.HardwareSize == 6 &&
		p.ProtocolSize == 4
}

// DefaultNeighborCapacity is the number of on-link neighbors remembered.
const DefaultNeighborCapacity = 16

// ARPTable maintains a bounded cache of IP-to-MAC mappings for on-link
// neighbors. When full, the least recently updated entry is replaced.
type ARPTable struct {
	capacity int
	entries  map[uint32]*ARPEntry
}

// ARPEntry represents a single entry in the ARP cache.
type ARPEntry struct {
	MAC       network.HardwareAddr
	IP        network.IP
	Updated   time.Time
	Requested time.Time // last request sent while incomplete
	State     ARPState
}

// ARPState represents the state of an ARP entry.
type ARPState int

const (
	ARPStateIncomplete ARPState = iota
	ARPStateReachable
)

// NewARPTable creates a new ARP table holding at most capacity entries.
func NewARPTable(capacity int) *ARPTable {
	if capacity <= 0 {
		capacity = DefaultNeighborCapacity
	}
	return &ARPTable{capacity: capacity, entries: make(map[uint32]*ARPEntry, capacity)}
}

// Lookup returns the MAC address for the given IP.
func (t *ARPTable) Lookup(ip network.IP) (network.HardwareAddr, bool) {
	if entry, ok := t.entries[netstack.IPToUint32(ip)]; ok && entry.State == ARPStateReachable {
		return entry.MAC, true
	}
	return nil, false
}

// Set adds or updates a reachable ARP entry.
func (t *ARPTable) Set(ip network.IP, mac network.HardwareAddr, now time.Time) {
	entry := t.entry(ip, now)
	entry.MAC = append(network.HardwareAddr(nil), mac...)
	entry.Updated = now
	entry.State = ARPStateReachable
}

// MarkRequested records that a request for ip went out at now and reports
// whether the previous one is older than interval.
func (t *ARPTable) MarkRequested(ip network.IP, now time.Time, interval time.Duration) bool {
	entry := t.entry(ip, now)
	if entry.State == ARPStateReachable {
		return false
	}
	if !entry.Requested.IsZero() && now.Sub(entry.Requested) < interval {
		return false
	}
	entry.Requested = now
	return true
}

// Remove deletes an ARP entry.
func (t *ARPTable) Remove(ip network.IP) {
	delete(t.entries, netstack.IPToUint32(ip))
}

// Len returns the number of entries.
func (t *ARPTable) Len() int {
	return len(t.entries)
}

func (t *ARPTable) entry(ip network.IP, now time.Time) *ARPEntry {
	key := netstack.IPToUint32(ip)
	if entry, ok := t.entries[key]; ok {
		return entry
	}
	if len(t.entries) >= t.capacity {
		var oldest uint32
		var oldestAt time.Time
		first := true
		for k, e := range t.entries {
			if first || e.Updated.Before(oldestAt) {
				oldest, oldestAt, first = k, e.Updated, false
			}
		}
		delete(t.entries, oldest)
	}
	entry := &ARPEntry{IP: netstack.CopyIP(ip), Updated: now, State: ARPStateIncomplete}
	t.entries[key] = entry
	return entry
}
