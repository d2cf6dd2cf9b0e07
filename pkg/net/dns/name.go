package dns

import (
	"strings"

	"github.com/pkg/errors"
)

// Name limits from RFC 1035.
const (
	MaxLabelLength = 63
	MaxNameLength  = 255

	// maxPointers bounds how many compression pointers one name may follow.
	maxPointers = 16
)

// EncodeName converts a dotted name into length-prefixed labels ending in a
// zero byte. A trailing dot is ignored.
func EncodeName(name string) ([]byte, error) {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return nil, errors.Wrap(ErrInvalidName, "empty name")
	}
	out := make([]byte, 0, len(name)+2)
	for _, label := range strings.Split(name, ".") {
		if len(label) == 0 || len(label) > MaxLabelLength {
			return nil, errors.Wrapf(ErrInvalidName, "label %q in %q", label, name)
		}
		out = append(out, byte(len(label)))
		out = append(out, label...)
	}
	out = append(out, 0)
	if len(out) > MaxNameLength {
		return nil, errors.Wrapf(ErrInvalidName, "%q longer than %d bytes", name, MaxNameLength)
	}
	return out, nil
}

// DecodeName reads the name starting at off in msg, following compression
// pointers, and returns it with the offset just past the name's bytes at off.
func DecodeName(msg []byte, off int) (string, int, error) {
	var labels []string
	next := -1
	total := 0
	jumps := 0

	for {
		if off >= len(msg) {
			return "", 0, errors.Wrap(ErrInvalidMessage, "name runs past end of message")
		}
		length := int(msg[off])
		switch {
		case length == 0:
			if next < 0 {
				next = off + 1
			}
			return strings.Join(labels, "."), next, nil

		case length&0xC0 == 0xC0:
			if off+1 >= len(msg) {
				return "", 0, errors.Wrap(ErrCompression, "truncated pointer")
			}
			ptr := (length&0x3F)<<8 | int(msg[off+1])
			if ptr >= off {
				return "", 0, errors.Wrapf(ErrCompression, "pointer %d does not point backwards", ptr)
			}
			jumps++
			if jumps > maxPointers {
				return "", 0, errors.Wrap(ErrCompression, "too many pointers")
			}
			if next < 0 {
				next = off + 2
			}
			off = ptr

		case length&0xC0 != 0:
			return "", 0, errors.Wrapf(ErrInvalidMessage, "reserved label type %#x", length&0xC0)

		default:
			if off+1+length > len(msg) {
				return "", 0, errors.Wrap(ErrInvalidMessage, "label runs past end of message")
			}
			total += length + 1
			if total+1 > MaxNameLength {
				return "", 0, errors.Wrap(ErrInvalidName, "name too long")
			}
			labels = append(labels, string(msg[off+1:off+1+length]))
			off += 1 + length
		}
	}
}

// normalizeName lowercases a host name and drops a trailing dot.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
}
