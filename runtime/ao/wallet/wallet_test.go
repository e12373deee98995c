package wallet

import (
	"crypto/sha256"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxmcp/flux/runtime/ao/ans104"
)

var testWallet = sync.OnceValues(Generate)

func TestGenerate(t *testing.T) {
	t.Parallel()
	w, err := testWallet()
	require.NoError(t, err)
	require.Len(t, w.Owner(), ans104.OwnerLength)
	sum := sha256.Sum256(w.Owner())
	require.Equal(t, ans104.EncodeID(sum[:]), w.Address())
	require.Len(t, w.Address(), 43)
}

func TestSignVerify(t *testing.T) {
	t.Parallel()
	w, err := testWallet()
	require.NoError(t, err)
	sig, err := w.Sign([]byte("hello"))
	require.NoError(t, err)
	require.Len(t, sig, ans104.SignatureLength)
	require.NoError(t, Verify(w.Owner(), []byte("hello"), sig))
	require.Error(t, Verify(w.Owner(), []byte("hellO"), sig))
}

func TestJWKRoundTrip(t *testing.T) {
	t.Parallel()
	w, err := testWallet()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "wallet.json")
	require.NoError(t, w.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, w.Address(), loaded.Address())

	sig, err := loaded.Sign([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, Verify(w.Owner(), []byte("payload"), sig))
}

func TestFromJWKErrors(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"not json":      `{`,
		"wrong kty":     `{"kty":"EC"}`,
		"missing field": `{"kty":"RSA","n":"AQAB","e":"AQAB"}`,
		"bad base64":    `{"kty":"RSA","n":"!!","e":"AQAB","d":"AQAB","p":"AQAB","q":"AQAB"}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromJWK([]byte(data))
			require.Error(t, err)
		})
	}
}
