// Package ans104 encodes and signs ANS-104 data items, the envelope the AO
// messenger unit accepts for messages and process spawns. Only the Arweave
// (RSA-PSS 4096) signature type is supported.
package ans104

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// SignatureTypeArweave identifies RSA-PSS signatures over 4096-bit keys.
	SignatureTypeArweave uint16 = 1
	// SignatureLength is the byte length of an Arweave signature.
	SignatureLength = 512
	// OwnerLength is the byte length of an Arweave owner (RSA modulus).
	OwnerLength = 512
	// AddressLength is the byte length of a decoded target or anchor.
	AddressLength = 32
)

// Signer produces signatures for data items.
type Signer interface {
	// Owner returns the public key bytes embedded in the item.
	Owner() []byte
	// Sign signs message and returns a SignatureLength signature.
	Sign(message []byte) ([]byte, error)
}

// DataItem is a signed ANS-104 item. Target and Anchor are raw bytes; empty
// means absent.
type DataItem struct {
	SignatureType uint16
	Signature     []byte
	Owner         []byte
	Target        []byte
	Anchor        []byte
	Tags          []Tag
	Data          []byte
}

// New builds an unsigned item. target is a base64url id and may be empty.
func New(target string, anchor []byte, tags []Tag, data []byte) (*DataItem, error) {
	item := &DataItem{
		SignatureType: SignatureTypeArweave,
		Tags:          tags,
		Data:          data,
	}
	if target != "" {
		raw, err := DecodeID(target)
		if err != nil {
			return nil, fmt.Errorf("target: %w", err)
		}
		item.Target = raw
	}
	if len(anchor) > 0 {
		if len(anchor) != AddressLength {
			return nil, fmt.Errorf("anchor must be %d bytes, got %d", AddressLength, len(anchor))
		}
		item.Anchor = anchor
	}
	return item, nil
}

// Sign sets the owner from s and signs the item.
func (d *DataItem) Sign(s Signer) error {
	owner := s.Owner()
	if len(owner) != OwnerLength {
		return fmt.Errorf("owner must be %d bytes, got %d", OwnerLength, len(owner))
	}
	d.Owner = owner
	msg := d.SignatureData()
	sig, err := s.Sign(msg[:])
	if err != nil {
		return fmt.Errorf("sign data item: %w", err)
	}
	if len(sig) != SignatureLength {
		return fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	d.Signature = sig
	return nil
}

// SignatureData returns the deep hash the signature covers.
func (d *DataItem) SignatureData() [48]byte {
	return DeepHash([][]byte{
		[]byte("dataitem"),
		[]byte("1"),
		[]byte(fmt.Sprint(d.SignatureType)),
		d.Owner,
		d.Target,
		d.Anchor,
		EncodeTags(d.Tags),
		d.Data,
	})
}

// ID returns the base64url id of a signed item: sha256 of its signature.
func (d *DataItem) ID() string {
	if len(d.Signature) == 0 {
		return ""
	}
	sum := sha256.Sum256(d.Signature)
	return EncodeID(sum[:])
}

// Bytes serializes a signed item.
func (d *DataItem) Bytes() ([]byte, error) {
	if len(d.Signature) != SignatureLength || len(d.Owner) != OwnerLength {
		return nil, errors.New("data item is not signed")
	}
	tagBytes := EncodeTags(d.Tags)
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, d.SignatureType)
	buf.Write(d.Signature)
	buf.Write(d.Owner)
	writeOptional(&buf, d.Target)
	writeOptional(&buf, d.Anchor)
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(d.Tags)))
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(tagBytes)))
	buf.Write(tagBytes)
	buf.Write(d.Data)
	return buf.Bytes(), nil
}

// Parse decodes a serialized item. It does not verify the signature.
func Parse(b []byte) (*DataItem, error) {
	r := bytes.NewReader(b)
	d := &DataItem{}
	if err := binary.Read(r, binary.LittleEndian, &d.SignatureType); err != nil {
		return nil, fmt.Errorf("signature type: %w", err)
	}
	if d.SignatureType != SignatureTypeArweave {
		return nil, fmt.Errorf("unsupported signature type %d", d.SignatureType)
	}
	var err error
	if d.Signature, err = readN(r, SignatureLength); err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	if d.Owner, err = readN(r, OwnerLength); err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	if d.Target, err = readOptional(r); err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	if d.Anchor, err = readOptional(r); err != nil {
		return nil, fmt.Errorf("anchor: %w", err)
	}
	var numTags, tagLen uint64
	if err := binary.Read(r, binary.LittleEndian, &numTags); err != nil {
		return nil, fmt.Errorf("tag count: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &tagLen); err != nil {
		return nil, fmt.Errorf("tag length: %w", err)
	}
	if tagLen > uint64(r.Len()) {
		return nil, fmt.Errorf("tag length %d exceeds item", tagLen)
	}
	tagBytes, err := readN(r, int(tagLen))
	if err != nil {
		return nil, fmt.Errorf("tags: %w", err)
	}
	if d.Tags, err = DecodeTags(tagBytes); err != nil {
		return nil, err
	}
	if uint64(len(d.Tags)) != numTags {
		return nil, fmt.Errorf("tag count mismatch: header %d, decoded %d", numTags, len(d.Tags))
	}
	d.Data = make([]byte, r.Len())
	_, _ = r.Read(d.Data)
	return d, nil
}

// EncodeID encodes raw id bytes as unpadded base64url.
func EncodeID(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeID decodes a 43-character base64url id into 32 bytes.
func DecodeID(id string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("invalid id %q: %w", id, err)
	}
	if len(raw) != AddressLength {
		return nil, fmt.Errorf("invalid id %q: decoded to %d bytes", id, len(raw))
	}
	return raw, nil
}

func writeOptional(buf *bytes.Buffer, b []byte) {
	if len(b) == 0 {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	buf.Write(b)
}

func readOptional(r *bytes.Reader) ([]byte, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch flag {
	case 0:
		return nil, nil
	case 1:
		return readN(r, AddressLength)
	default:
		return nil, fmt.Errorf("invalid presence byte %d", flag)
	}
}

func readN(r *bytes.Reader, n int) ([]byte, error) {
	if n > r.Len() {
		return nil, fmt.Errorf("need %d bytes, have %d", n, r.Len())
	}
	b := make([]byte, n)
	_, _ = r.Read(b)
	return b, nil
}
