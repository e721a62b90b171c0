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
	"fmt"
	"math/big"
)

// Hex is an unreduced 256-bit integer with 0x-hex JSON form. It carries
// values that are not scalar-field elements, such as keccak digests.
type Hex struct {
	Int *big.Int
}

// MarshalJSON renders the value as a 0x-prefixed 64-digit hex string.
func (h Hex) MarshalJSON() ([]byte, error) {
	if h.Int == nil {
		return nil, fmt.Errorf("hash: nil Hex value")
	}
	return json.Marshal(fmt.Sprintf("0x%064x", h.Int))
}

// UnmarshalJSON parses a hex or decimal string into the value.
func (h *Hex) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 || v.BitLen() > 256 {
		return fmt.Errorf("hash: %q is not a 256-bit unsigned integer", s)
	}
	h.Int = v
	return nil
}
