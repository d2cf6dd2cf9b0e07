package dns

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidMessage indicates the DNS message is malformed
	ErrInvalidMessage = errors.New("invalid DNS message")
	// ErrCompression indicates invalid name compression
	ErrCompression = errors.New("invalid name compression")
	// ErrInvalidName indicates a name that cannot be encoded
	ErrInvalidName = errors.New("invalid domain name")
)

// HeaderLength is the size of the fixed DNS header.
const HeaderLength = 12

// Parser handles DNS message parsing and serialization
type Parser struct{}

// NewParser creates a new DNS parser
func NewParser() *Parser {
	return &Parser{}
}

// ParseMessage parses a DNS message from raw bytes. Record data is copied;
// CNAME and NS targets are decompressed into Target.
func (p *Parser) ParseMessage(data []byte) (*Message, error) {
	if len(data) < HeaderLength {
		return nil, errors.Wrapf(ErrInvalidMessage, "%d bytes", len(data))
	}

	qdcount := binary.BigEndian.Uint16(data[4:6])
	ancount := binary.BigEndian.Uint16(data[6:8])
	nscount := binary.BigEndian.Uint16(data[8:10])
	arcount := binary.BigEndian.Uint16(data[10:12])

	m := &Message{ID: binary.BigEndian.Uint16(data[0:2])}
	m.SetHeader(binary.BigEndian.Uint16(data[2:4]))

	off := HeaderLength
	for i := uint16(0); i < qdcount; i++ {
		name, next, err := DecodeName(data, off)
		if err != nil {
			return nil, errors.Wrapf(err, "question %d", i)
		}
		if next+4 > len(data) {
			return nil, errors.Wrapf(ErrInvalidMessage, "question %d truncated", i)
		}
		m.Questions = append(m.Questions, Question{
			Name:  name,
			Type:  RecordType(binary.BigEndian.Uint16(data[next : next+2])),
			Class: RecordClass(binary.BigEndian.Uint16(data[next+2 : next+4])),
		})
		off = next + 4
	}

	sections := []struct {
		count uint16
		dst   *[]ResourceRecord
		name  string
	}{
		{ancount, &m.Answers, "answer"},
		{nscount, &m.Authorities, "authority"},
		{arcount, &m.Extras, "extra"},
	}
	for _, sec := range sections {
		for i := uint16(0); i < sec.count; i++ {
			rr, next, err := p.parseResourceRecord(data, off)
			if err != nil {
				return nil, errors.Wrapf(err, "%s %d", sec.name, i)
			}
			*sec.dst = append(*sec.dst, *rr)
			off = next
		}
	}
	return m, nil
}

func (p *Parser) parseResourceRecord(data []byte, off int) (*ResourceRecord, int, error) {
	name, next, err := DecodeName(data, off)
	if err != nil {
		return nil, 0, err
	}
	if next+10 > len(data) {
		return nil, 0, errors.Wrap(ErrInvalidMessage, "record header truncated")
	}
	rdlength := binary.BigEndian.Uint16(data[next+8 : next+10])
	rdstart := next + 10
	if rdstart+int(rdlength) > len(data) {
		return nil, 0, errors.Wrap(ErrInvalidMessage, "record data truncated")
	}

	rr := &ResourceRecord{
		Name:     name,
		Type:     RecordType(binary.BigEndian.Uint16(data[next : next+2])),
		Class:    RecordClass(binary.BigEndian.Uint16(data[next+2 : next+4])),
		TTL:      time.Duration(binary.BigEndian.Uint32(data[next+4:next+8])) * time.Second,
		RDLength: rdlength,
		RData:    append([]byte(nil), data[rdstart:rdstart+int(rdlength)]...),
	}
	if rr.Type == RecordTypeCNAME || rr.Type == RecordTypeNS {
		target, _, err := DecodeName(data, rdstart)
		if err != nil {
			return nil, 0, errors.Wrap(err, "record target")
		}
		rr.Target = target
	}
	return rr, rdstart + int(rdlength), nil
}

// BuildMessage serializes m. Names are written without compression.
func (p *Parser) BuildMessage(m *Message) ([]byte, error) {
	buf := make([]byte, HeaderLength, 512)
	binary.BigEndian.PutUint16(buf[0:2], m.ID)
	binary.BigEndian.PutUint16(buf[2:4], m.Header())
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(m.Questions)))
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(m.Answers)))
	binary.BigEndian.PutUint16(buf[8:10], uint16(len(m.Authorities)))
	binary.BigEndian.PutUint16(buf[10:12], uint16(len(m.Extras)))

	for _, q := range m.Questions {
		name, err := EncodeName(q.Name)
		if err != nil {
			return nil, err
		}
		buf = append(buf, name...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(q.Type))
		buf = binary.BigEndian.AppendUint16(buf, uint16(q.Class))
	}

	for _, section := range [][]ResourceRecord{m.Answers, m.Authorities, m.Extras} {
		for _, rr := range section {
			name, err := EncodeName(rr.Name)
			if err != nil {
				return nil, err
			}
			rdata := rr.RData
			if rr.Target != "" && len(rdata) == 0 {
				if rdata, err = EncodeName(rr.Target); err != nil {
					return nil, err
				}
			}
			buf = append(buf, name...)
			buf = binary.BigEndian.AppendUint16(buf, uint16(rr.Type))
			buf = binary.BigEndian.AppendUint16(buf, uint16(rr.Class))
			buf = binary.BigEndian.AppendUint32(buf, uint32(rr.TTL/time.Second))
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(rdata)))
			buf = append(buf, rdata...)
		}
	}
	return buf, nil
}

// BuildQuery creates a recursive query for name.
func BuildQuery(id uint16, name string, qtype RecordType) *Message {
	return &Message{
		ID:     id,
		Opcode: OpcodeQuery,
		RD:     true,
		Questions: []Question{
			{Name: name, Type: qtype, Class: ClassIN},
		},
	}
}
