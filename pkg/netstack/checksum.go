package netstack

import network "net"

// Sum adds data to a running one's-complement sum. An odd trailing byte is
// padded with zero.
func Sum(data []byte, sum uint32) uint32 {
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	return sum
}

// Fold folds the carries of a running sum into 16 bits.
func Fold(sum uint32) uint16 {
	for sum > 0xFFFF {
		sum = (sum >> 16) + (sum & 0xFFFF)
	}
	return uint16(sum)
}

// Checksum returns the Internet checksum of data.
func Checksum(data []byte) uint16 {
	return ^Fold(Sum(data, 0))
}

// PseudoHeaderSum returns the running sum of the IPv4 pseudo-header used by
// TCP and UDP.
func PseudoHeaderSum(src, dst network.IP, proto Protocol, length int) uint32 {
	sum := Sum(src.To4(), 0)
	sum = Sum(dst.To4(), sum)
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}
