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
	"errors"
	"strings"
)

var ErrUnsupportedPOWAlgorithm = errors.New("unsupported POW algorithm")

type Algorithm uint8

const (
	RandomX Algorithm = iota
	ProgPow
	Cuckoo
)

var Algorithms = []Algorithm{RandomX, ProgPow, Cuckoo}

// ParseAlgorithm matches the node's algorithm names, case-insensitively.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(name) {
	case "randomx":
		return RandomX, nil
	case "progpow":
		return ProgPow, nil
	case "cuckoo":
		return Cuckoo, nil
	default:
		return 0, ErrUnsupportedPOWAlgorithm
	}
}

// String is the name used in job templates and sent to miners as pow_algo.
func (a Algorithm) String() string {
	switch a {
	case RandomX:
		return "randomx"
	case ProgPow:
		return "progpow"
	case Cuckoo:
		return "cuckoo"
	default:
		return "unknown"
	}
}

// ProofKey is the key of the proof object in an upstream submit.
func (a Algorithm) ProofKey() string {
	switch a {
	case RandomX:
		return "RandomX"
	case ProgPow:
		return "ProgPow"
	case Cuckoo:
		return "Cuckoo"
	default:
		return ""
	}
}
