package netchannel

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/blake2b"

	"github.com/rios-go/rios/pkg/rioserrors"
)

// authKeyLen is the 32-hex-character pre-shared key length (16 raw
// bytes) named in the wire-format design.
const authKeyLen = 16

// GenerateAuthKey derives a 32-hex-character pre-shared key from a fresh
// random nonce run through a keyed BLAKE2b hash, rather than handing out
// the raw crypto/rand bytes directly — matching the teacher's relay
// handshake, which never ships raw random bytes as a credential either.
func GenerateAuthKey() (string, error) {
	nonce := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", rioserrors.Wrap(rioserrors.Parameter, "failed to generate authkey nonce", err, nil)
	}
	mac, err := blake2b.New(authKeyLen, nonce)
	if err != nil {
		return "", rioserrors.Wrap(rioserrors.Parameter, "failed to derive authkey", err, nil)
	}
	mac.Write([]byte("rios-netchannel-authkey"))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum[:authKeyLen]), nil
}

// verifyAuthKey compares the client-presented key against expected in
// constant time, so a timing side-channel on this comparison cannot be
// used to recover the key byte-by-byte.
func verifyAuthKey(expected, presented string) bool {
	e, err1 := hex.DecodeString(expected)
	p, err2 := hex.DecodeString(presented)
	if err1 != nil || err2 != nil || len(e) != len(p) {
		return false
	}
	return subtle.ConstantTimeCompare(e, p) == 1
}
