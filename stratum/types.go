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

package stratum

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/EpicCash/epic-poold/util"
)

const JSONRPC = "2.0"

// RequestIn is a miner request. Fields stay raw so their JSON types can be checked.
type RequestIn struct {
	Id     json.RawMessage `json:"id"`
	Method json.RawMessage `json:"method"`
	Params json.RawMessage `json:"params"`
}

// CallId is the request id if it is an integer, 0 otherwise.
func (r *RequestIn) CallId() int64 {
	id, err := strconv.ParseInt(string(bytes.TrimSpace(r.Id)), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// MethodName returns the method if it is a JSON string.
func (r *RequestIn) MethodName() (string, bool) {
	return String(r.Method)
}

// HasObjectParams reports whether params is a JSON object.
func (r *RequestIn) HasObjectParams() bool {
	p := bytes.TrimSpace(r.Params)
	return len(p) > 0 && p[0] == '{'
}

type ResponseOut struct {
	Id      int64  `json:"id"`
	Jsonrpc string `json:"jsonrpc"`
	Error   *Error `json:"error"`
	Result  any    `json:"result,omitempty"`
}

// ErrorOut is an error reply, it carries no result key.
type ErrorOut struct {
	Id      int64  `json:"id"`
	Jsonrpc string `json:"jsonrpc"`
	Error   Error  `json:"error"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type NotificationOut struct {
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type Job struct {
	Blob     string `json:"blob"`
	JobId    string `json:"job_id"`
	Target   string `json:"target"`
	PowAlgo  string `json:"pow_algo"`
	SeedHash string `json:"seed_hash"`
}

type LoginResult struct {
	Id     string `json:"id"`
	Job    Job    `json:"job"`
	Status string `json:"status"`
}

type StatusResult struct {
	Status string `json:"status"`
}

type SubmitParams struct {
	JobId          json.RawMessage `json:"job_id"`
	Nonce          json.RawMessage `json:"nonce"`
	Result         json.RawMessage `json:"result"`
	HashcountTotal json.RawMessage `json:"hashcount_total"`
}

type LoginParams struct {
	Login string `json:"login"`
	Pass  string `json:"pass"`
	Agent string `json:"agent"`
}

// String decodes raw if it holds a JSON string.
func String(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := util.Json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
