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

	"github.com/EpicCash/epic-poold/log"
	"github.com/EpicCash/epic-poold/pow"

	"github.com/remeh/sizedwaitgroup"
	xelis_hash "github.com/xelis-project/xelis-hash/go"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
)

const (
	rxItemSize  = 64
	rxParents   = 4
	rxMixRounds = 32
	rxFinalSize = 112
)

var rxCacheSalt = []byte("epic-poold randomx cache")

type RandomXParams struct {
	CacheKiB     uint32
	DatasetItems uint32
	// Full expands the whole dataset. Otherwise items are derived from the cache on every hash.
	Full bool
}

type randomX struct {
	params RandomXParams
}

func NewRandomX(params RandomXParams) Backend {
	return &randomX{params: params}
}

func (*randomX) Algorithm() pow.Algorithm {
	return pow.RandomX
}

func (r *randomX) NewContext() Context {
	c := &randomXContext{
		items: uint64(r.params.DatasetItems),
		cache: make([]byte, uint64(r.params.CacheKiB)*1024),
	}
	if r.params.Full {
		c.dataset = make([]byte, c.items*rxItemSize)
	}
	return c
}

type randomXContext struct {
	items   uint64
	cache   []byte
	dataset []byte
}

func (c *randomXContext) Rebuild(seed pow.Seed, helpers int) {
	root := argon2.IDKey(seed[:], rxCacheSalt, 1, 64, 1, 32)

	h := blake3.New()
	h.Write(root)
	if _, err := h.Digest().Read(c.cache); err != nil {
		log.Err("randomx: cache expansion failed:", err)
	}

	if c.dataset == nil {
		return
	}

	chunk := (c.items + uint64(helpers) - 1) / uint64(helpers)
	swg := sizedwaitgroup.New(helpers)
	for start := uint64(0); start < c.items; start += chunk {
		end := min(start+chunk, c.items)

		swg.Add()
		go func(start, end uint64) {
			defer swg.Done()
			for i := start; i < end; i++ {
				c.item(c.dataset[i*rxItemSize:(i+1)*rxItemSize], i)
			}
		}(start, end)
	}
	swg.Wait()
}

// item derives dataset item i from rxParents cache lines, each chosen by the previous one.
func (c *randomXContext) item(dst []byte, i uint64) {
	lines := uint64(len(c.cache) / rxItemSize)

	var buf [8 + rxParents*rxItemSize]byte
	binary.LittleEndian.PutUint64(buf[:8], i)

	idx := i % lines
	for p := 0; p < rxParents; p++ {
		line := c.cache[idx*rxItemSize : (idx+1)*rxItemSize]
		copy(buf[8+p*rxItemSize:], line)
		idx = (binary.LittleEndian.Uint64(line) ^ i) % lines
	}

	sum := blake3.Sum512(buf[:])
	copy(dst, sum[:])
}

func (c *randomXContext) Hash(input []byte) pow.Hash {
	mix := blake3.Sum512(input)

	var item [rxItemSize]byte
	for r := 0; r < rxMixRounds; r++ {
		idx := binary.LittleEndian.Uint64(mix[:8]) % c.items
		if c.dataset != nil {
			copy(item[:], c.dataset[idx*rxItemSize:])
		} else {
			c.item(item[:], idx)
		}
		for j := range mix {
			mix[j] ^= item[j]
		}
		mix = blake3.Sum512(mix[:])
	}

	var final [rxFinalSize]byte
	copy(final[:64], mix[:])
	in := pow.FastHash(input)
	copy(final[64:96], in[:])
	binary.LittleEndian.PutUint64(final[96:104], uint64(len(input)))

	h, err := xelis_hash.HashV2(final[:])
	if err != nil {
		log.Err("randomx: final hash failed:", err)
		return pow.LostShare
	}
	return h
}
