// Copyright (C) 2024 XELIS
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package pow

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"math/big"
)

var maxBigInt = new(big.Int).SetBytes([]byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
})

// ShareTarget is the 32-bit work target for a share difficulty.
func ShareTarget(diff uint32) uint32 {
	if diff == 0 {
		return math.MaxUint32
	}
	return math.MaxUint32 / diff
}

// TargetHex encodes a 32-bit target the way miners expect it: little endian hex.
func TargetHex(target uint32) string {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], target)
	return hex.EncodeToString(b[:])
}

// CheckShare returns true if the hash meets the 32-bit target
func CheckShare(h Hash, target uint32) bool {
	return h.Work32() <= target
}

// HashDiff is the difficulty a hash satisfies, judged on its leading 64 bits.
func HashDiff(h Hash) uint64 {
	w := h.Work64()
	if w == 0 {
		return math.MaxUint64
	}
	return math.MaxUint64 / w
}

// Difficulty is HashDiff computed over the whole hash, used for reporting.
func Difficulty(h Hash) *big.Int {
	v := new(big.Int).SetBytes(h[:])
	if v.Sign() == 0 {
		return new(big.Int).Set(maxBigInt)
	}
	return v.Div(maxBigInt, v)
}
