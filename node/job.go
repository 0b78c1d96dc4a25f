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

package node

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/EpicCash/epic-poold/config"
	"github.com/EpicCash/epic-poold/pow"
	"github.com/EpicCash/epic-poold/util"
)

var ErrNotReady = errors.New("node has no job ready")
var ErrMalformedJob = errors.New("malformed job")

// Job is an immutable job template received from the node.
type Job struct {
	Algorithm pow.Algorithm
	Height    uint64
	JobId     uint64
	BlockDiff uint64

	// pre proof of work header. The last 8 bytes are overwritten with extra nonce and nonce.
	PrePow []byte

	Seed        pow.Seed
	NextSeed    pow.Seed
	HasNextSeed bool

	Received time.Time
}

type jobTemplate struct {
	Height          uint64              `json:"height"`
	JobId           uint64              `json:"job_id"`
	Algorithm       string              `json:"algorithm"`
	Epochs          [][]json.RawMessage `json:"epochs"`
	BlockDifficulty [][]json.RawMessage `json:"block_difficulty"`
	PrePow          string              `json:"pre_pow"`
}

func malformed(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedJob, fmt.Sprintf(format, a...))
}

// ParseJob validates a job template. Zero height or zero difficulty yields ErrNotReady,
// any other problem ErrMalformedJob.
func ParseJob(raw json.RawMessage, now time.Time) (*Job, error) {
	var tpl jobTemplate
	if err := util.Json.Unmarshal(raw, &tpl); err != nil {
		return nil, malformed("%v", err)
	}

	if tpl.Height == 0 {
		return nil, fmt.Errorf("%w: zero height", ErrNotReady)
	}

	alg, err := pow.ParseAlgorithm(tpl.Algorithm)
	if err != nil {
		return nil, malformed("unknown algorithm %q", tpl.Algorithm)
	}

	job := &Job{
		Algorithm: alg,
		Height:    tpl.Height,
		JobId:     tpl.JobId,
		Received:  now,
	}

	if len(tpl.Epochs) != 1 && len(tpl.Epochs) != 2 {
		return nil, malformed("unexpected epochs size %d", len(tpl.Epochs))
	}

	hasOurEpoch := false
	for _, epoch := range tpl.Epochs {
		if len(epoch) != 3 {
			return nil, malformed("epoch with %d fields", len(epoch))
		}

		var start, end uint64
		if util.Json.Unmarshal(epoch[0], &start) != nil || util.Json.Unmarshal(epoch[1], &end) != nil {
			return nil, malformed("invalid epoch range")
		}
		if end == 0 || end <= start {
			return nil, malformed("epoch sanity check failed: start %d end %d", start, end)
		}
		// the node sends an exclusive end
		end--

		seed, err := parseSeed(epoch[2])
		if err != nil {
			return nil, err
		}

		switch {
		case job.Height >= start && job.Height <= end:
			hasOurEpoch = true
			job.Seed = seed
		case job.Height < start:
			job.HasNextSeed = true
			job.NextSeed = seed
		default:
			return nil, malformed("unidentified epoch %d-%d at height %d", start, end, job.Height)
		}
	}
	if !hasOurEpoch {
		return nil, malformed("no epoch for height %d", job.Height)
	}

	for _, v := range tpl.BlockDifficulty {
		if len(v) != 2 {
			return nil, malformed("invalid block_difficulty entry")
		}
		var name string
		if util.Json.Unmarshal(v[0], &name) != nil || name != tpl.Algorithm {
			continue
		}
		if err := util.Json.Unmarshal(v[1], &job.BlockDiff); err != nil {
			return nil, malformed("invalid block difficulty: %v", err)
		}
	}
	if job.BlockDiff == 0 {
		return nil, fmt.Errorf("%w: zero difficulty", ErrNotReady)
	}

	if len(tpl.PrePow)/2 > config.MAX_PREPOW {
		return nil, malformed("too long pre_pow, size: %d", len(tpl.PrePow)/2)
	}
	job.PrePow, err = hex.DecodeString(tpl.PrePow)
	if err != nil {
		return nil, malformed("hex-decode on pre_pow failed: %v", err)
	}
	if len(job.PrePow) < 8 {
		return nil, malformed("pre_pow too short, size: %d", len(job.PrePow))
	}

	return job, nil
}

func parseSeed(raw json.RawMessage) (pow.Seed, error) {
	var values []uint32
	if err := util.Json.Unmarshal(raw, &values); err != nil {
		return pow.Seed{}, malformed("invalid seed: %v", err)
	}
	if len(values) != 32 {
		return pow.Seed{}, malformed("seed has %d values", len(values))
	}

	var seed pow.Seed
	for i, v := range values {
		if v >= 256 {
			return pow.Seed{}, malformed("invalid seed value %d", v)
		}
		seed[i] = uint8(v)
	}
	return seed, nil
}

// Seeds returns the seeds the job needs datasets for, primary first.
func (j *Job) Seeds() []pow.Seed {
	if j.HasNextSeed {
		return []pow.Seed{j.Seed, j.NextSeed}
	}
	return []pow.Seed{j.Seed}
}
