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

// Package hash defines the 256-bit field element type used for identity
// commitments and Merkle tree roots. Values are elements of the BN254
// scalar field, stored big-endian.
package hash

import (
	"bytes"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Size is the byte length of a serialized Hash.
const Size = 32

// Hash is a BN254 scalar field element in big-endian form.
type Hash [Size]byte

// Zero is the zero commitment, denoting an empty leaf.
var Zero Hash

// FromBig reduces b into the scalar field and returns it as a Hash.
func FromBig(b *big.Int) Hash {
	var e fr.Element
	e.SetBigInt(b)
	return Hash(e.Bytes())
}

// FromBytes interprets b as a big-endian integer. It returns an error if b
// is not exactly Size bytes or encodes a value not reduced modulo the field
// order.
func FromBytes(b []byte) (Hash, error) {
	if len(b) != Size {
		return Zero, fmt.Errorf("hash: expected %d bytes, got %d", Size, len(b))
	}
	var h Hash
	copy(h[:], b)
	if !h.isReduced() {
		return Zero, fmt.Errorf("hash: value %s is not a reduced field element", h)
	}
	return h, nil
}

// FromHexString parses a 0x-prefixed 64-digit hex string into a Hash,
// rejecting values outside the field.
func FromHexString(s string) (Hash, error) {
	if len(s) != 2+2*Size || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return Zero, fmt.Errorf("hash: %q is not a 0x-prefixed %d-digit hex string", s, 2*Size)
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return Zero, fmt.Errorf("hash: decoding %q: %w", s, err)
	}
	return FromBytes(b)
}

func (h Hash) isReduced() bool {
	return bytes.Compare(h[:], frModulusBytes[:]) < 0
}

var frModulusBytes = func() [Size]byte {
	var b [Size]byte
	fr.Modulus().FillBytes(b[:])
	return b
}()

// Big returns the value as a big.Int.
func (h Hash) Big() *big.Int {
	return new(big.Int).SetBytes(h[:])
}

// IsZero reports whether h is the zero commitment.
func (h Hash) IsZero() bool {
	return h == Zero
}

// Bytes returns the big-endian byte form.
func (h Hash) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, h[:])
	return b
}

// String renders the value as 0x-prefixed lowercase hex.
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// MarshalJSON encodes the value as a 0x-prefixed hex JSON string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a 0x-prefixed hex JSON string.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := FromHexString(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Value implements driver.Valuer, storing the hash as BYTEA.
func (h Hash) Value() (driver.Value, error) {
	return h.Bytes(), nil
}

// Scan implements sql.Scanner for BYTEA columns.
func (h *Hash) Scan(src any) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("hash: cannot scan %T into Hash", src)
	}
	parsed, err := FromBytes(b)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
