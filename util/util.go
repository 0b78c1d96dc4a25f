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

package util

import (
	"encoding/hex"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
)

// Json is the codec used on both the miner and the node sockets.
var Json = sonic.ConfigStd

var ErrHexLength = errors.New("invalid hex length")

// RemovePort returns the host part of a host:port address. IPv6 brackets are removed.
func RemovePort(s string) string {
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		return s
	}
	return host
}

func Time() uint64 {
	return uint64(time.Now().Unix())
}

// DecodeHexFixed decodes s into dst, failing unless s encodes exactly len(dst) bytes.
func DecodeHexFixed(dst []byte, s string) error {
	if len(s) != len(dst)*2 {
		return ErrHexLength
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}

func DumpJson(d any) string {
	data, err := Json.MarshalIndent(d, "", "\t")
	if err != nil {
		panic(err)
	}

	return string(data)
}

func FormatUint[K uint | uint8 | uint16 | uint32 | uint64](n K) string {
	return strconv.FormatUint(uint64(n), 10)
}
func FormatInt[K int | int8 | int16 | int32 | int64](n K) string {
	return strconv.FormatInt(int64(n), 10)
}
