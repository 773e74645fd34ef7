// Package srp implements the client side of SRP-6a (RFC 5054's N_1024
// group, SHA-256) for authenticating against the leap identity provider.
// The SRP library itself is treated elsewhere as a black-box crypto
// primitive; this package only needs to be internally consistent with the
// provider it talks to, not bit-compatible with any particular third-party
// implementation.
package srp

import "math/big"

// group is the fixed set of SRP-6a domain parameters: N_1024 from RFC 5054,
// generator 2, hashed with SHA-256.
type group struct {
	N *big.Int
	g *big.Int
}

// n1024Hex is the fixed 1024-bit safe-prime group modulus this
// authenticator speaks (N_1024, RFC 5054 §A naming convention).
const n1024Hex = "EEAF0AB9ADB38DD69C33F80AFA8FC5E86072618775FF3C0B9EA2314C" +
	"9C256576D674DF7496EA81D3383B4813D692C6E0E0D5D8E250B98BE4" +
	"8E495C1D6089DAD15DC7D7B46154D6B6CE8EF4AD69B15D4982559B29" +
	"7BCF1885C529F566660E57EC68EDBC3C05726CC02FD4CBF4976EAA9A" +
	"FD5138FE8376435B9FC61D2FC0EB06E3"

var defaultGroup = func() group {
	n, ok := new(big.Int).SetString(n1024Hex, 16)
	if !ok {
		panic("srp: malformed N_1024 constant")
	}
	return group{N: n, g: big.NewInt(2)}
}()
