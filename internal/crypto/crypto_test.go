package crypto_test

import (
	stdhmac "crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkuznetsov/polysniper/internal/crypto"
)

// Well-known vector: the private key 0x...01 derives this address.
const (
	testPrivateKey  = "0000000000000000000000000000000000000000000000000000000000000001"
	testKeyAddress  = "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"
	polygonChainID  = 137
)

func TestNewSigner_DerivesAddress(t *testing.T) {
	s, err := crypto.NewSigner(testPrivateKey, polygonChainID)
	require.NoError(t, err)
	assert.Equal(t, testKeyAddress, s.Address().Hex())

	// A 0x prefix is accepted too.
	s2, err := crypto.NewSigner("0x"+testPrivateKey, polygonChainID)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), s2.Address())
}

func TestNewSigner_RejectsBadKey(t *testing.T) {
	_, err := crypto.NewSigner("not-hex", polygonChainID)
	assert.Error(t, err)
}

func TestSignAuthMessage_Shape(t *testing.T) {
	s, err := crypto.NewSigner(testPrivateKey, polygonChainID)
	require.NoError(t, err)

	sig, err := s.SignAuthMessage(1710072000, 0)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(sig, "0x"))
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	require.NoError(t, err)
	require.Len(t, raw, 65)
	assert.Contains(t, []byte{27, 28}, raw[64])

	// Signing is deterministic; different inputs diverge.
	again, err := s.SignAuthMessage(1710072000, 0)
	require.NoError(t, err)
	assert.Equal(t, sig, again)

	other, err := s.SignAuthMessage(1710072001, 0)
	require.NoError(t, err)
	assert.NotEqual(t, sig, other)
}

func validOrder(addr string) crypto.OrderPayload {
	return crypto.OrderPayload{
		Salt:        "123456789",
		Maker:       addr,
		Signer:      addr,
		Taker:       "0x0000000000000000000000000000000000000000",
		TokenID:     "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		MakerAmount: "1000000",
		TakerAmount: "1428571",
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
		Side:        0,
	}
}

func TestSignOrder(t *testing.T) {
	s, err := crypto.NewSigner(testPrivateKey, polygonChainID)
	require.NoError(t, err)

	order := validOrder(s.Address().Hex())
	sig, err := s.SignOrder(order)
	require.NoError(t, err)

	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	require.NoError(t, err)
	assert.Len(t, raw, 65)

	// Any covered field changing must change the signature.
	order.Side = 1
	flipped, err := s.SignOrder(order)
	require.NoError(t, err)
	assert.NotEqual(t, sig, flipped)
}

func TestSignOrder_RejectsNonNumericField(t *testing.T) {
	s, err := crypto.NewSigner(testPrivateKey, polygonChainID)
	require.NoError(t, err)

	order := validOrder(s.Address().Hex())
	order.TokenID = "0xdeadbeef"
	_, err = s.SignOrder(order)
	assert.Error(t, err)
}

func TestL2Headers(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("super-secret"))
	auth := &crypto.HMACAuth{
		Key:        "api-key-1",
		Secret:     secret,
		Passphrase: "hunter2",
	}

	const ts = int64(1710072000)
	headers := auth.L2HeadersAt(testKeyAddress, "GET", "/balance-allowance", "", ts)

	assert.Equal(t, testKeyAddress, headers["POLY_ADDRESS"])
	assert.Equal(t, "api-key-1", headers["POLY_API_KEY"])
	assert.Equal(t, "1710072000", headers["POLY_TIMESTAMP"])
	assert.Equal(t, "hunter2", headers["POLY_PASSPHRASE"])

	mac := stdhmac.New(sha256.New, []byte("super-secret"))
	mac.Write([]byte("1710072000GET/balance-allowance"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, headers["POLY_SIGNATURE"])

	// The body participates in the signature.
	withBody := auth.L2HeadersAt(testKeyAddress, "POST", "/order", `{"side":"BUY"}`, ts)
	assert.NotEqual(t, headers["POLY_SIGNATURE"], withBody["POLY_SIGNATURE"])
}

func TestHMACAuth_StringIsRedacted(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "api-key-12345", Secret: "c2VjcmV0LXZhbHVl"}
	s := auth.String()
	assert.NotContains(t, s, "12345")
	assert.Contains(t, s, "****")
}

func TestEncryptedKeyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.key")

	require.NoError(t, crypto.SaveEncryptedKey(path, testPrivateKey, "correct horse"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := crypto.LoadEncryptedKey(path, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, testPrivateKey, got)
}

func TestEncryptedKeyWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.key")
	require.NoError(t, crypto.SaveEncryptedKey(path, testPrivateKey, "right"))

	_, err := crypto.LoadEncryptedKey(path, "wrong")
	assert.Error(t, err)
}

func TestLoadEncryptedKey_MissingFile(t *testing.T) {
	_, err := crypto.LoadEncryptedKey(filepath.Join(t.TempDir(), "nope.key"), "pw")
	assert.Error(t, err)
}
