package srp

import (
	"crypto/rand"
	"encoding/hex"
)

// NewCredential generates a fresh salt and SRP verifier for login/password,
// using the same group and padding rules as the network protocol in
// client.go. The manager uses this to derive what it stores for a user at
// "add" time, and CheckCredential to re-derive the verifier from a
// subsequently submitted password without ever persisting the password
// itself.
func NewCredential(login, password string) (saltHex, verifierHex string, err error) {
	g := defaultGroup
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", err
	}
	x := g.privateKey(salt, login, password)
	v := g.verifier(x)
	return hex.EncodeToString(salt), toHex(v, g.width()), nil
}

// CheckCredential reports whether password, combined with the stored salt,
// reproduces the stored verifier -- the same derivation §4.7 uses for
// registration, run locally instead of against a remote identity provider.
func CheckCredential(login, password, saltHex, verifierHex string) (bool, error) {
	g := defaultGroup
	salt, err := fromHexBytes(saltHex)
	if err != nil {
		return false, err
	}
	wantV, err := fromHex(verifierHex)
	if err != nil {
		return false, err
	}
	x := g.privateKey(salt, login, password)
	gotV := g.verifier(x)
	return gotV.Cmp(wantV) == 0, nil
}
