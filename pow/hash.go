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
	"math"
	"math/bits"

	"github.com/zeebo/blake3"
)

// InvalidID never matches a seed id, since seed ids have the top bit cleared.
const InvalidID = math.MaxUint64

// Seed is the 32-byte epoch seed a dataset is built from.
type Seed [32]byte

// ID is the seed's first 8 bytes as little endian, with the top bit cleared.
func (s Seed) ID() uint64 {
	return binary.LittleEndian.Uint64(s[:8]) & 0x7fffffffffffffff
}

type Hash [32]byte

// LostShare is reported when no dataset was ready for a verification. It fails every target.
var LostShare = Hash{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

func (h Hash) Work32() uint32 {
	return binary.BigEndian.Uint32(h[:4])
}

func (h Hash) Work64() uint64 {
	return binary.BigEndian.Uint64(h[:8])
}

func FastHash(d []byte) [32]byte {
	return blake3.Sum256(d)
}

// FullNonce is the 64-bit nonce reported upstream for a miner nonce found on a blob carrying extraNonce.
func FullNonce(nonce, extraNonce uint32) uint64 {
	return bits.ReverseBytes64(uint64(nonce)<<32 | uint64(extraNonce))
}
