// Copyright 2024 Worldcoin Foundation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package semaphore verifies Semaphore Groth16 membership proofs against
// a root of the identity tree. The verifying key is loaded from the
// snarkjs verification_key.json format; the pairing check runs on
// gnark-crypto's BN254 implementation.
package semaphore

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	bn254 "github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/worldcoin/signup-sequencer/hash"
	"github.com/worldcoin/signup-sequencer/prover"
)

// nPublic is the Semaphore circuit's public input count:
// root, nullifierHash, signalHash, externalNullifierHash.
const nPublic = 4

// Verifier holds a parsed verifying key.
type Verifier struct {
	alphaG1 bn254.G1Affine
	betaG2  bn254.G2Affine
	gammaG2 bn254.G2Affine
	deltaG2 bn254.G2Affine
	ic      []bn254.G1Affine
}

// verifyingKeyJSON is the snarkjs verification_key.json layout. G1 points
// are [x, y, 1]; G2 points are [[x0, x1], [y0, y1], [1, 0]] with each Fq2
// element given as (c0, c1) in decimal strings.
type verifyingKeyJSON struct {
	Protocol string     `json:"protocol"`
	Curve    string     `json:"curve"`
	NPublic  int        `json:"nPublic"`
	AlphaG1  []string   `json:"vk_alpha_1"`
	BetaG2   [][]string `json:"vk_beta_2"`
	GammaG2  [][]string `json:"vk_gamma_2"`
	DeltaG2  [][]string `json:"vk_delta_2"`
	IC       [][]string `json:"IC"`
}

// LoadVerifier reads and parses a verifying key file.
func LoadVerifier(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading verifying key: %w", err)
	}
	return NewVerifier(data)
}

// NewVerifier parses a verifying key from snarkjs JSON.
func NewVerifier(data []byte) (*Verifier, error) {
	var vk verifyingKeyJSON
	if err := json.Unmarshal(data, &vk); err != nil {
		return nil, fmt.Errorf("decoding verifying key: %w", err)
	}
	if vk.Protocol != "" && vk.Protocol != "groth16" {
		return nil, fmt.Errorf("unsupported protocol %q", vk.Protocol)
	}
	if vk.NPublic != nPublic {
		return nil, fmt.Errorf("verifying key has %d public inputs, want %d", vk.NPublic, nPublic)
	}
	if len(vk.IC) != nPublic+1 {
		return nil, fmt.Errorf("verifying key has %d IC points, want %d", len(vk.IC), nPublic+1)
	}

	v := &Verifier{ic: make([]bn254.G1Affine, len(vk.IC))}
	var err error
	if v.alphaG1, err = parseG1(vk.AlphaG1); err != nil {
		return nil, fmt.Errorf("vk_alpha_1: %w", err)
	}
	if v.betaG2, err = parseG2(vk.BetaG2); err != nil {
		return nil, fmt.Errorf("vk_beta_2: %w", err)
	}
	if v.gammaG2, err = parseG2(vk.GammaG2); err != nil {
		return nil, fmt.Errorf("vk_gamma_2: %w", err)
	}
	if v.deltaG2, err = parseG2(vk.DeltaG2); err != nil {
		return nil, fmt.Errorf("vk_delta_2: %w", err)
	}
	for i, point := range vk.IC {
		if v.ic[i], err = parseG1(point); err != nil {
			return nil, fmt.Errorf("IC[%d]: %w", i, err)
		}
	}
	return v, nil
}

func parseCoord(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("bad coordinate %q", s)
	}
	return v, nil
}

func parseG1(coords []string) (bn254.G1Affine, error) {
	var p bn254.G1Affine
	if len(coords) < 2 {
		return p, fmt.Errorf("expected at least 2 coordinates, got %d", len(coords))
	}
	x, err := parseCoord(coords[0])
	if err != nil {
		return p, err
	}
	y, err := parseCoord(coords[1])
	if err != nil {
		return p, err
	}
	p.X.SetBigInt(x)
	p.Y.SetBigInt(y)
	if !p.IsOnCurve() {
		return p, fmt.Errorf("point is not on G1")
	}
	return p, nil
}

func parseG2(coords [][]string) (bn254.G2Affine, error) {
	var p bn254.G2Affine
	if len(coords) < 2 || len(coords[0]) != 2 || len(coords[1]) != 2 {
		return p, fmt.Errorf("malformed G2 point")
	}
	x0, err := parseCoord(coords[0][0])
	if err != nil {
		return p, err
	}
	x1, err := parseCoord(coords[0][1])
	if err != nil {
		return p, err
	}
	y0, err := parseCoord(coords[1][0])
	if err != nil {
		return p, err
	}
	y1, err := parseCoord(coords[1][1])
	if err != nil {
		return p, err
	}
	p.X.A0.SetBigInt(x0)
	p.X.A1.SetBigInt(x1)
	p.Y.A0.SetBigInt(y0)
	p.Y.A1.SetBigInt(y1)
	if !p.IsOnCurve() || !p.IsInSubGroup() {
		return p, fmt.Errorf("point is not on G2")
	}
	return p, nil
}

// proofPoints converts the 8-element on-chain proof layout
// [a0 a1 b00 b01 b10 b11 c0 c1] into curve points. The G2 coordinate
// pairs follow the EVM convention: the imaginary part first, so
// b00 = X.c1, b01 = X.c0 and likewise for Y.
func proofPoints(p prover.Proof) (a, c bn254.G1Affine, b bn254.G2Affine, err error) {
	for i, e := range p {
		if e == nil {
			return a, c, b, fmt.Errorf("proof element %d is nil", i)
		}
	}
	a.X.SetBigInt(p[0])
	a.Y.SetBigInt(p[1])
	b.X.A1.SetBigInt(p[2])
	b.X.A0.SetBigInt(p[3])
	b.Y.A1.SetBigInt(p[4])
	b.Y.A0.SetBigInt(p[5])
	c.X.SetBigInt(p[6])
	c.Y.SetBigInt(p[7])
	if !a.IsOnCurve() {
		return a, c, b, fmt.Errorf("proof point A is not on G1")
	}
	if !c.IsOnCurve() {
		return a, c, b, fmt.Errorf("proof point C is not on G1")
	}
	if !b.IsOnCurve() || !b.IsInSubGroup() {
		return a, c, b, fmt.Errorf("proof point B is not on G2")
	}
	return a, c, b, nil
}

// Verify runs the Groth16 pairing check with the public inputs
// [root, nullifierHash, signalHash, externalNullifierHash]. It returns
// false for a well-formed but invalid proof, and an error for malformed
// points.
func (v *Verifier) Verify(root, signalHash, nullifierHash, externalNullifierHash hash.Hash, proof prover.Proof) (bool, error) {
	a, c, b, err := proofPoints(proof)
	if err != nil {
		return false, err
	}

	inputs := []hash.Hash{root, nullifierHash, signalHash, externalNullifierHash}
	var vkx bn254.G1Affine
	vkx.Set(&v.ic[0])
	for i, input := range inputs {
		var term bn254.G1Affine
		var scalar fr.Element
		scalar.SetBigInt(input.Big())
		term.ScalarMultiplication(&v.ic[i+1], scalar.BigInt(new(big.Int)))
		vkx.Add(&vkx, &term)
	}

	var negA bn254.G1Affine
	negA.Neg(&a)

	return bn254.PairingCheck(
		[]bn254.G1Affine{negA, v.alphaG1, vkx, c},
		[]bn254.G2Affine{b, v.betaG2, v.gammaG2, v.deltaG2},
	)
}
