package ans104

import (
	"crypto/sha512"
	"strconv"
)

// DeepHash computes the Arweave deep hash of a chunk. A chunk is either a
// []byte blob or a [][]byte list; nested lists use []any.
func DeepHash(chunk any) [48]byte {
	switch c := chunk.(type) {
	case []byte:
		return hashBlob(c)
	case [][]byte:
		items := make([]any, len(c))
		for i := range c {
			items[i] = c[i]
		}
		return hashList(items)
	case []any:
		return hashList(c)
	default:
		panic("ans104: unsupported deep hash chunk")
	}
}

func hashBlob(data []byte) [48]byte {
	tag := sha512.Sum384([]byte("blob" + strconv.Itoa(len(data))))
	body := sha512.Sum384(data)
	return sha512.Sum384(append(tag[:], body[:]...))
}

func hashList(items []any) [48]byte {
	acc := sha512.Sum384([]byte("list" + strconv.Itoa(len(items))))
	for _, item := range items {
		h := DeepHash(item)
		acc = sha512.Sum384(append(acc[:], h[:]...))
	}
	return acc
}
