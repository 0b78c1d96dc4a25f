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

package api

import (
	"errors"

	"github.com/EpicCash/epic-poold/node"
	"github.com/EpicCash/epic-poold/pow"

	"github.com/duggavo/serializer"
)

const PacketJob = 0

var ErrInvalidFrame = errors.New("invalid frame")

// JobInfo is the public view of an upstream job.
type JobInfo struct {
	Height       uint64 `json:"height"`
	JobId        uint64 `json:"job_id"`
	Algorithm    string `json:"algorithm"`
	BlockDiff    uint64 `json:"block_difficulty"`
	SeedHash     string `json:"seed_hash"`
	NextSeedHash string `json:"next_seed_hash,omitempty"`
	PrePowLen    int    `json:"pre_pow_len"`
	Received     int64  `json:"received"`
}

func NewJobInfo(j *node.Job) JobInfo {
	info := JobInfo{
		Height:    j.Height,
		JobId:     j.JobId,
		Algorithm: j.Algorithm.String(),
		BlockDiff: j.BlockDiff,
		SeedHash:  hexSeed(j.Seed),
		PrePowLen: len(j.PrePow),
		Received:  j.Received.Unix(),
	}
	if j.HasNextSeed {
		info.NextSeedHash = hexSeed(j.NextSeed)
	}
	return info
}

// EncodeJob is the binary job feed frame
func EncodeJob(j *node.Job) []byte {
	s := serializer.Serializer{
		Data: []byte{PacketJob},
	}

	s.AddUvarint(j.Height)
	s.AddUvarint(j.JobId)
	s.AddString(j.Algorithm.String())
	s.AddUvarint(j.BlockDiff)
	s.AddFixedByteArray(j.Seed[:], 32)
	s.AddUvarint(uint64(len(j.PrePow)))
	s.AddUint64(uint64(j.Received.Unix()))

	return s.Data
}

func DecodeJob(b []byte) (JobInfo, error) {
	d := serializer.Deserializer{
		Data: b,
	}

	if d.ReadUint8() != PacketJob {
		return JobInfo{}, ErrInvalidFrame
	}

	var info JobInfo
	info.Height = d.ReadUvarint()
	info.JobId = d.ReadUvarint()
	info.Algorithm = d.ReadString()
	info.BlockDiff = d.ReadUvarint()
	var seed pow.Seed
	copy(seed[:], d.ReadFixedByteArray(32))
	info.SeedHash = hexSeed(seed)
	info.PrePowLen = int(d.ReadUvarint())
	info.Received = int64(d.ReadUint64())

	if d.Error != nil {
		return JobInfo{}, d.Error
	}
	return info, nil
}
