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

package hashpool

import (
	"encoding/binary"
	"hash"
	gosync "sync"

	"github.com/EpicCash/epic-poold/pow"

	"golang.org/x/crypto/sha3"
)

const (
	ppHashBytes   = 64
	ppCacheRounds = 3
	ppAccesses    = 64
	ppMixWords    = 32
)

type ProgPowParams struct {
	// multiple of 64
	CacheBytes uint32
}

type progPow struct {
	params ProgPowParams
}

func NewProgPow(params ProgPowParams) Backend {
	return &progPow{params: params}
}

func (*progPow) Algorithm() pow.Algorithm {
	return pow.ProgPow
}

func (p *progPow) NewContext() Context {
	return &progPowContext{
		cache: make([]byte, p.params.CacheBytes/ppHashBytes*ppHashBytes),
	}
}

var keccak512Pool = gosync.Pool{
	New: func() any { return sha3.NewLegacyKeccak512() },
}
var keccak256Pool = gosync.Pool{
	New: func() any { return sha3.NewLegacyKeccak256() },
}

func getHasher(p *gosync.Pool) hash.Hash {
	h := p.Get().(hash.Hash)
	h.Reset()
	return h
}

type progPowContext struct {
	cache []byte
}

// Rebuild fills the cache with a keccak512 chain, then runs low-round randmemohash over it.
// Every row depends on the previous one, so helpers are not used.
func (c *progPowContext) Rebuild(seed pow.Seed, _ int) {
	keccak512 := getHasher(&keccak512Pool)
	defer keccak512Pool.Put(keccak512)

	rows := len(c.cache) / ppHashBytes

	for offset := 0; offset < rows; offset++ {
		keccak512.Reset()
		if offset == 0 {
			keccak512.Write(seed[:])
		} else {
			keccak512.Write(c.cache[(offset-1)*ppHashBytes : offset*ppHashBytes])
		}
		keccak512.Sum(c.cache[offset*ppHashBytes : offset*ppHashBytes])
	}

	var temp [ppHashBytes]byte
	for i := 0; i < ppCacheRounds; i++ {
		for j := 0; j < rows; j++ {
			var (
				srcOff = ((j - 1 + rows) % rows) * ppHashBytes
				dstOff = j * ppHashBytes
				xorOff = int(binary.LittleEndian.Uint32(c.cache[dstOff:])%uint32(rows)) * ppHashBytes
			)
			for k := range temp {
				temp[k] = c.cache[srcOff+k] ^ c.cache[xorOff+k]
			}

			keccak512.Reset()
			keccak512.Write(temp[:])
			keccak512.Sum(c.cache[dstOff:dstOff])
		}
	}
}

func fnv(a, b uint32) uint32 {
	return a*0x01000193 ^ b
}

func (c *progPowContext) Hash(input []byte) pow.Hash {
	keccak256 := getHasher(&keccak256Pool)
	defer keccak256Pool.Put(keccak256)
	keccak512 := getHasher(&keccak512Pool)
	defer keccak512Pool.Put(keccak512)

	keccak256.Write(input)
	header := keccak256.Sum(nil)

	keccak512.Write(header)
	seed := keccak512.Sum(nil)

	var seedWords [ppHashBytes / 4]uint32
	for i := range seedWords {
		seedWords[i] = binary.LittleEndian.Uint32(seed[i*4:])
	}

	var mix [ppMixWords]uint32
	for i := range mix {
		mix[i] = seedWords[i%len(seedWords)]
	}

	rows := uint32(len(c.cache) / ppHashBytes)
	for i := 0; i < ppAccesses; i++ {
		parent := fnv(uint32(i)^seedWords[0], mix[i%ppMixWords]) % rows
		line := c.cache[parent*ppHashBytes : (parent+1)*ppHashBytes]
		for j := range mix {
			mix[j] = fnv(mix[j], binary.LittleEndian.Uint32(line[(j%16)*4:]))
		}
	}

	var digest [ppMixWords]byte
	for i := 0; i < ppMixWords/4; i++ {
		w := fnv(fnv(fnv(mix[i*4], mix[i*4+1]), mix[i*4+2]), mix[i*4+3])
		binary.LittleEndian.PutUint32(digest[i*4:], w)
	}

	keccak256.Reset()
	keccak256.Write(seed)
	keccak256.Write(digest[:])

	var h pow.Hash
	keccak256.Sum(h[:0])
	return h
}
