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

package semaphore

import (
	"encoding/json"
	"math/big"
	"testing"

	bn254 "github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/stretchr/testify/require"

	"github.com/worldcoin/signup-sequencer/hash"
	"github.com/worldcoin/signup-sequencer/prover"
)

// generatorVK builds a structurally valid verifying key out of the curve
// generators. It verifies nothing meaningful, but exercises parsing and
// the pairing-check plumbing.
func generatorVK(t *testing.T) []byte {
	t.Helper()
	_, _, g1, g2 := bn254.Generators()

	g1c := []string{g1.X.BigInt(new(big.Int)).String(), g1.Y.BigInt(new(big.Int)).String(), "1"}
	g2c := [][]string{
		{g2.X.A0.BigInt(new(big.Int)).String(), g2.X.A1.BigInt(new(big.Int)).String()},
		{g2.Y.A0.BigInt(new(big.Int)).String(), g2.Y.A1.BigInt(new(big.Int)).String()},
		{"1", "0"},
	}
	vk := map[string]any{
		"protocol":   "groth16",
		"curve":      "bn128",
		"nPublic":    4,
		"vk_alpha_1": g1c,
		"vk_beta_2":  g2c,
		"vk_gamma_2": g2c,
		"vk_delta_2": g2c,
		"IC":         []any{g1c, g1c, g1c, g1c, g1c},
	}
	data, err := json.Marshal(vk)
	require.NoError(t, err)
	return data
}

func generatorProof(t *testing.T) prover.Proof {
	t.Helper()
	_, _, g1, g2 := bn254.Generators()
	var p prover.Proof
	p[0] = g1.X.BigInt(new(big.Int))
	p[1] = g1.Y.BigInt(new(big.Int))
	p[2] = g2.X.A1.BigInt(new(big.Int))
	p[3] = g2.X.A0.BigInt(new(big.Int))
	p[4] = g2.Y.A1.BigInt(new(big.Int))
	p[5] = g2.Y.A0.BigInt(new(big.Int))
	p[6] = g1.X.BigInt(new(big.Int))
	p[7] = g1.Y.BigInt(new(big.Int))
	return p
}

func TestNewVerifierParsesSnarkjsKey(t *testing.T) {
	v, err := NewVerifier(generatorVK(t))
	require.NoError(t, err)
	require.Len(t, v.ic, 5)
}

func TestNewVerifierRejectsBadKeys(t *testing.T) {
	_, err := NewVerifier([]byte(`not json`))
	require.Error(t, err)

	var vk map[string]any
	require.NoError(t, json.Unmarshal(generatorVK(t), &vk))

	vk["protocol"] = "plonk"
	data, _ := json.Marshal(vk)
	_, err = NewVerifier(data)
	require.Error(t, err)

	require.NoError(t, json.Unmarshal(generatorVK(t), &vk))
	vk["nPublic"] = 3
	data, _ = json.Marshal(vk)
	_, err = NewVerifier(data)
	require.Error(t, err)

	// A point off the curve is rejected.
	require.NoError(t, json.Unmarshal(generatorVK(t), &vk))
	vk["vk_alpha_1"] = []string{"1", "1", "1"}
	data, _ = json.Marshal(vk)
	_, err = NewVerifier(data)
	require.Error(t, err)
}

func TestVerifyRejectsMalformedProof(t *testing.T) {
	v, err := NewVerifier(generatorVK(t))
	require.NoError(t, err)

	root := hash.FromBig(big.NewInt(1))

	var missing prover.Proof
	_, err = v.Verify(root, root, root, root, missing)
	require.Error(t, err)

	bad := generatorProof(t)
	bad[1] = big.NewInt(12345)
	_, err = v.Verify(root, root, root, root, bad)
	require.Error(t, err)
}

func TestVerifyRejectsNonProof(t *testing.T) {
	v, err := NewVerifier(generatorVK(t))
	require.NoError(t, err)

	// Structurally valid points that do not prove anything must fail the
	// pairing check, not error.
	root := hash.FromBig(big.NewInt(42))
	ok, err := v.Verify(root, root, root, root, generatorProof(t))
	require.NoError(t, err)
	require.False(t, ok)
}
