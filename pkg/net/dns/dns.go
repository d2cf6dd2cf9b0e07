package dns

import (
	"net"
	"time"
)

// Header flag bits. The opcode sits in bits 11-14 and the response code in
// the low nibble.
const (
	FlagQR uint16 = 1 << 15
	FlagAA uint16 = 1 << 10
	FlagTC uint16 = 1 << 9
	FlagRD uint16 = 1 << 8
	FlagRA uint16 = 1 << 7

	opcodeShift        = 11
	opcodeMask  uint16 = 0x0f
	zShift             = 4
	zMask       uint16 = 0x07
	rcodeMask   uint16 = 0x0f
)

// Resolver defaults.
const (
	DefaultDNSPort    = 53
	DefaultClientPort = 53053
	DefaultTimeout    = 5 * time.Second
	DefaultAttempts   = 3
	DefaultCacheSize  = 32
	// MaxCacheTTL caps how long an answer is cached.
	MaxCacheTTL = 300 * time.Second
	// FirstID is the transaction id of the first query.
	FirstID uint16 = 0x1234
)

// Opcode is the kind of query. The resolver only issues standard queries.
type Opcode uint8

// OpcodeQuery is a standard query.
const OpcodeQuery Opcode = 0

// RCode is the response code of an answer.
type RCode uint8

const (
	RCodeSuccess        RCode = 0
	RCodeFormatError    RCode = 1
	RCodeServerFailure  RCode = 2
	RCodeNameError      RCode = 3 // NXDOMAIN
	RCodeNotImplemented RCode = 4
	RCodeRefused        RCode = 5
)

var rcodeNames = map[RCode]string{
	RCodeSuccess:        "NOERROR",
	RCodeFormatError:    "FORMERR",
	RCodeServerFailure:  "SERVFAIL",
	RCodeNameError:      "NXDOMAIN",
	RCodeNotImplemented: "NOTIMP",
	RCodeRefused:        "REFUSED",
}

func (rc RCode) String() string {
	if s, ok := rcodeNames[rc]; ok {
		return s
	}
	return "UNKNOWN"
}

// RecordType is the type of a resource record. Only the types a lookup can
// meet on its way to an address are named.
type RecordType uint16

const (
	RecordTypeA     RecordType = 1
	RecordTypeNS    RecordType = 2
	RecordTypeCNAME RecordType = 5
	RecordTypeAAAA  RecordType = 28
)

var recordTypeNames = map[RecordType]string{
	RecordTypeA:     "A",
	RecordTypeNS:    "NS",
	RecordTypeCNAME: "CNAME",
	RecordTypeAAAA:  "AAAA",
}

func (rt RecordType) String() string {
	if s, ok := recordTypeNames[rt]; ok {
		return s
	}
	return "UNKNOWN"
}

// RecordClass is the class of a resource record.
type RecordClass uint16

// ClassIN is the Internet class.
const ClassIN RecordClass = 1

// Question is one entry of the question section.
type Question struct {
	Name  string
	Type  RecordType
	Class RecordClass
}

// ResourceRecord is one entry of an answer, authority or additional section.
type ResourceRecord struct {
	Name     string
	Type     RecordType
	Class    RecordClass
	TTL      time.Duration
	RDLength uint16
	RData    []byte
	// Target is the decompressed domain name carried by CNAME and NS records.
	Target string
}

// IP returns the address of an A record.
func (rr *ResourceRecord) IP() net.IP {
	if rr.Type == RecordTypeA && len(rr.RData) == 4 {
		return net.IP{rr.RData[0], rr.RData[1], rr.RData[2], rr.RData[3]}
	}
	return nil
}

// CNAME returns the target of a CNAME record.
func (rr *ResourceRecord) CNAME() string {
	if rr.Type == RecordTypeCNAME {
		return rr.Target
	}
	return ""
}

// Message is a decoded DNS message.
type Message struct {
	ID          uint16
	QR          bool // set on responses
	Opcode      Opcode
	AA          bool
	TC          bool
	RD          bool
	RA          bool
	Z           uint8
	RCODE       RCode
	Questions   []Question
	Answers     []ResourceRecord
	Authorities []ResourceRecord
	Extras      []ResourceRecord
}

// Header packs the flag fields into the second header word.
func (m *Message) Header() uint16 {
	flags := uint16(m.Opcode)<<opcodeShift | uint16(m.Z)<<zShift | uint16(m.RCODE)
	for _, f := range []struct {
		set bool
		bit uint16
	}{{m.QR, FlagQR}, {m.AA, FlagAA}, {m.TC, FlagTC}, {m.RD, FlagRD}, {m.RA, FlagRA}} {
		if f.set {
			flags |= f.bit
		}
	}
	return flags
}

// SetHeader unpacks the second header word into the flag fields.
func (m *Message) SetHeader(flags uint16) {
	m.QR = flags&FlagQR != 0
	m.Opcode = Opcode(flags >> opcodeShift & opcodeMask)
	m.AA = flags&FlagAA != 0
	m.TC = flags&FlagTC != 0
	m.RD = flags&FlagRD != 0
	m.RA = flags&FlagRA != 0
	m.Z = uint8(flags >> zShift & zMask)
	m.RCODE = RCode(flags & rcodeMask)
}

// IsSuccess reports a NOERROR response.
func (m *Message) IsSuccess() bool {
	return m.RCODE == RCodeSuccess
}

// IsNXDOMAIN reports that the name does not exist.
func (m *Message) IsNXDOMAIN() bool {
	return m.RCODE == RCodeNameError
}
