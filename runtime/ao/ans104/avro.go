package ans104

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Tag is a name/value pair attached to a data item. Order is significant.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EncodeTags serializes tags with the Avro schema used by ANS-104: an array
// of records with two string fields, written as a single block. An empty tag
// list encodes to zero bytes.
func EncodeTags(tags []Tag) []byte {
	if len(tags) == 0 {
		return nil
	}
	var buf bytes.Buffer
	writeLong(&buf, int64(len(tags)))
	for _, t := range tags {
		writeString(&buf, t.Name)
		writeString(&buf, t.Value)
	}
	writeLong(&buf, 0)
	return buf.Bytes()
}

// DecodeTags parses the output of EncodeTags. Multiple blocks and negative
// block counts (with a byte-size prefix) are accepted as the Avro spec allows.
func DecodeTags(b []byte) ([]Tag, error) {
	if len(b) == 0 {
		return nil, nil
	}
	r := bytes.NewReader(b)
	var tags []Tag
	for {
		n, err := binary.ReadVarint(r)
		if err != nil {
			return nil, fmt.Errorf("read block count: %w", err)
		}
		if n == 0 {
			break
		}
		if n < 0 {
			n = -n
			if _, err := binary.ReadVarint(r); err != nil {
				return nil, fmt.Errorf("read block size: %w", err)
			}
		}
		for i := int64(0); i < n; i++ {
			name, err := readString(r)
			if err != nil {
				return nil, err
			}
			value, err := readString(r)
			if err != nil {
				return nil, err
			}
			tags = append(tags, Tag{Name: name, Value: value})
		}
	}
	if r.Len() != 0 {
		return nil, errors.New("trailing bytes after tags")
	}
	return tags, nil
}

// writeLong writes a zigzag varint, which is exactly Avro's long encoding.
func writeLong(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeLong(buf, int64(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := binary.ReadVarint(r)
	if err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}
	if n < 0 || n > int64(r.Len()) {
		return "", fmt.Errorf("invalid string length %d", n)
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil && n > 0 {
		return "", err
	}
	return string(b), nil
}
