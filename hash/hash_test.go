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

package hash

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/require"
)

func TestFromHexString(t *testing.T) {
	for _, tc := range []struct {
		name    string
		in      string
		want    *big.Int
		wantErr bool
	}{
		{name: "zero", in: "0x0000000000000000000000000000000000000000000000000000000000000000", want: big.NewInt(0)},
		{name: "one", in: "0x0000000000000000000000000000000000000000000000000000000000000001", want: big.NewInt(1)},
		{name: "no prefix", in: "0000000000000000000000000000000000000000000000000000000000000001", wantErr: true},
		{name: "short", in: "0x01", wantErr: true},
		{name: "not hex", in: "0x00000000000000000000000000000000000000000000000000000000000000zz", wantErr: true},
		{name: "modulus", in: "0x30644e72e131a029b85045b68181585d2833e84879b9709143e1f593f0000001", wantErr: true},
		{name: "max", in: "0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff", wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FromHexString(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, 0, got.Big().Cmp(tc.want))
		})
	}
}

func TestModulusMinusOneIsReduced(t *testing.T) {
	m := new(big.Int).Sub(fr.Modulus(), big.NewInt(1))
	h := FromBig(m)
	got, err := FromBytes(h.Bytes())
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestFromBigReduces(t *testing.T) {
	over := new(big.Int).Add(fr.Modulus(), big.NewInt(7))
	h := FromBig(over)
	require.Equal(t, 0, h.Big().Cmp(big.NewInt(7)))
}

func TestJSONRoundTrip(t *testing.T) {
	h := FromBig(big.NewInt(0xabcdef))
	data, err := json.Marshal(h)
	require.NoError(t, err)
	require.Equal(t, `"0x0000000000000000000000000000000000000000000000000000000000abcdef"`, string(data))

	var back Hash
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, h, back)
}

func TestScanValue(t *testing.T) {
	h := FromBig(big.NewInt(42))
	v, err := h.Value()
	require.NoError(t, err)

	var back Hash
	require.NoError(t, back.Scan(v))
	require.Equal(t, h, back)

	require.Error(t, back.Scan("not bytes"))
	require.Error(t, back.Scan([]byte{1, 2, 3}))
}

func TestIsZero(t *testing.T) {
	require.True(t, Zero.IsZero())
	require.False(t, FromBig(big.NewInt(1)).IsZero())
}
