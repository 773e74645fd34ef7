package srp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
)

// padded returns n's big-endian bytes, left-padded with zeroes to width
// bytes -- SRP's hash inputs must be a fixed width relative to N so two
// implementations agree on the hash regardless of leading-zero bytes.
func padded(n *big.Int, width int) []byte {
	raw := n.Bytes()
	if len(raw) >= width {
		return raw
	}
	out := make([]byte, width)
	copy(out[width-len(raw):], raw)
	return out
}

func (g group) width() int { return (g.N.BitLen() + 7) / 8 }

// h hashes the concatenation of its arguments with SHA-256 and returns the
// digest as a big.Int, matching the "pad-then-hash" convention SRP-6a uses
// throughout.
func h(parts ...[]byte) *big.Int {
	sum := sha256.New()
	for _, p := range parts {
		sum.Write(p)
	}
	return new(big.Int).SetBytes(sum.Sum(nil))
}

// k = H(N, g), the multiplier that binds client and server math together.
func (g group) k() *big.Int {
	w := g.width()
	return h(padded(g.N, w), padded(g.g, w))
}

// randomExponent returns a random value in [1, N).
func (g group) randomExponent() (*big.Int, error) {
	max := new(big.Int).Sub(g.N, big.NewInt(1))
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, err
	}
	return n.Add(n, big.NewInt(1)), nil
}

// privateKey derives x = H(salt, H(login ":" password)); verifier turns it
// into v = g^x mod N.
func (g group) privateKey(salt []byte, login, password string) *big.Int {
	inner := h([]byte(login), []byte(":"), []byte(password))
	return h(salt, padded(inner, sha256.Size))
}

func (g group) verifier(x *big.Int) *big.Int {
	return new(big.Int).Exp(g.g, x, g.N)
}

// clientPublic computes A = g^a mod N.
func (g group) clientPublic(a *big.Int) *big.Int {
	return new(big.Int).Exp(g.g, a, g.N)
}

// scramblingParam computes u = H(A, B).
func (g group) scramblingParam(A, B *big.Int) *big.Int {
	w := g.width()
	return h(padded(A, w), padded(B, w))
}

// premasterSecret computes S = (B - k*v) ^ (a + u*x) mod N from the
// client's perspective.
func (g group) premasterSecret(B, k, v, a, u, x *big.Int) *big.Int {
	kv := new(big.Int).Mul(k, v)
	base := new(big.Int).Sub(B, kv)
	base.Mod(base, g.N)

	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, a)

	return new(big.Int).Exp(base, exp, g.N)
}

// sessionKey computes K = H(S).
func sessionKey(S *big.Int) *big.Int {
	return h(S.Bytes())
}

// hNxorHg computes H(N) xor H(g), zero-padded to the group width, an
// ingredient of the client evidence message M1 per RFC 5054.
func (g group) hNxorHg() []byte {
	w := g.width()
	hn := sha256.Sum256(padded(g.N, w))
	hg := sha256.Sum256(padded(g.g, w))
	out := make([]byte, sha256.Size)
	for i := range out {
		out[i] = hn[i] ^ hg[i]
	}
	return out
}

// hLogin computes H(login).
func hLogin(login string) []byte {
	sum := sha256.Sum256([]byte(login))
	return sum[:]
}

// clientEvidence computes M1 = H(H(N) xor H(g), H(login), salt, A, B, K).
func (g group) clientEvidence(login string, salt []byte, A, B, K *big.Int) *big.Int {
	w := g.width()
	return h(g.hNxorHg(), hLogin(login), salt, padded(A, w), padded(B, w), padded(K, sha256.Size))
}

// serverEvidence computes M2 = H(A, M1, K).
func (g group) serverEvidence(A, M1, K *big.Int) *big.Int {
	w := g.width()
	return h(padded(A, w), padded(M1, sha256.Size), padded(K, sha256.Size))
}

// toHex encodes n as a lowercase, fixed-width hex string -- the wire format
// the component design mandates for every SRP value.
func toHex(n *big.Int, width int) string {
	return hex.EncodeToString(padded(n, width))
}

func fromHex(s string) (*big.Int, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}
