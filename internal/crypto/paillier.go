package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

var bigOne = big.NewInt(1)

// PaillierKey is a Paillier keypair. The scheme is additively homomorphic:
// multiplying two ciphertexts modulo n² adds their plaintexts, which is
// what lets department aggregates grow without ever being decrypted.
type PaillierKey struct {
	N   *big.Int // public modulus
	NSq *big.Int // n²

	lambda *big.Int // lcm(p-1, q-1)
	mu     *big.Int // lambda⁻¹ mod n
}

// GeneratePaillierKey creates a keypair with a modulus of the given bit
// size. 2048 bits is the deployment default; tests use smaller keys.
func GeneratePaillierKey(bits int) (*PaillierKey, error) {
	if bits < 64 {
		return nil, fmt.Errorf("paillier: modulus of %d bits is too small", bits)
	}
	for {
		p, err := rand.Prime(rand.Reader, bits/2)
		if err != nil {
			return nil, fmt.Errorf("paillier: generating p: %w", err)
		}
		q, err := rand.Prime(rand.Reader, bits/2)
		if err != nil {
			return nil, fmt.Errorf("paillier: generating q: %w", err)
		}
		if p.Cmp(q) == 0 {
			continue
		}
		n := new(big.Int).Mul(p, q)
		pm1 := new(big.Int).Sub(p, bigOne)
		qm1 := new(big.Int).Sub(q, bigOne)
		gcd := new(big.Int).GCD(nil, nil, pm1, qm1)
		lambda := new(big.Int).Div(new(big.Int).Mul(pm1, qm1), gcd)
		mu := new(big.Int).ModInverse(lambda, n)
		if mu == nil {
			continue
		}
		return &PaillierKey{
			N:      n,
			NSq:    new(big.Int).Mul(n, n),
			lambda: lambda,
			mu:     mu,
		}, nil
	}
}

// Encrypt maps a plaintext in [0, n) to a ciphertext in Z*_{n²} with
// fresh randomness, so equal plaintexts encrypt to different ciphertexts.
func (k *PaillierKey) Encrypt(m *big.Int) (*big.Int, error) {
	if m == nil || m.Sign() < 0 || m.Cmp(k.N) >= 0 {
		return nil, errors.New("paillier: plaintext out of range")
	}
	r, err := k.randomUnit()
	if err != nil {
		return nil, err
	}
	// With g = n+1, g^m mod n² collapses to 1 + m·n.
	gm := new(big.Int).Mod(new(big.Int).Add(bigOne, new(big.Int).Mul(m, k.N)), k.NSq)
	rn := new(big.Int).Exp(r, k.N, k.NSq)
	return new(big.Int).Mod(new(big.Int).Mul(gm, rn), k.NSq), nil
}

// EncryptBytes encrypts an arbitrary byte string by treating it as a
// big-endian integer. The string must be shorter than the modulus.
func (k *PaillierKey) EncryptBytes(b []byte) (*big.Int, error) {
	m := new(big.Int).SetBytes(b)
	if m.Cmp(k.N) >= 0 {
		return nil, fmt.Errorf("paillier: %d-byte value exceeds the modulus", len(b))
	}
	return k.Encrypt(m)
}

// Decrypt inverts Encrypt: L(c^λ mod n²)·μ mod n with L(x) = (x-1)/n.
func (k *PaillierKey) Decrypt(c *big.Int) (*big.Int, error) {
	if err := k.CheckCiphertext(c); err != nil {
		return nil, err
	}
	u := new(big.Int).Exp(c, k.lambda, k.NSq)
	l := new(big.Int).Div(new(big.Int).Sub(u, bigOne), k.N)
	return new(big.Int).Mod(new(big.Int).Mul(l, k.mu), k.N), nil
}

// AddCiphertexts multiplies two ciphertexts modulo n², which adds their
// plaintexts.
func (k *PaillierKey) AddCiphertexts(a, b *big.Int) (*big.Int, error) {
	if err := k.CheckCiphertext(a); err != nil {
		return nil, err
	}
	if err := k.CheckCiphertext(b); err != nil {
		return nil, err
	}
	return new(big.Int).Mod(new(big.Int).Mul(a, b), k.NSq), nil
}

// CheckCiphertext rejects values outside Z*_{n²}: 1 < c < n² and
// gcd(c, n²) = 1.
func (k *PaillierKey) CheckCiphertext(c *big.Int) error {
	if c == nil || c.Cmp(bigOne) <= 0 || c.Cmp(k.NSq) >= 0 {
		return errors.New("paillier: ciphertext out of range")
	}
	if new(big.Int).GCD(nil, nil, c, k.NSq).Cmp(bigOne) != 0 {
		return errors.New("paillier: ciphertext not coprime with n²")
	}
	return nil
}

// randomUnit samples r in Z*_n.
func (k *PaillierKey) randomUnit() (*big.Int, error) {
	for {
		r, err := rand.Int(rand.Reader, k.N)
		if err != nil {
			return nil, fmt.Errorf("paillier: randomness: %w", err)
		}
		if r.Sign() == 0 {
			continue
		}
		if new(big.Int).GCD(nil, nil, r, k.N).Cmp(bigOne) != 0 {
			continue
		}
		return r, nil
	}
}
