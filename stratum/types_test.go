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
	"testing"

	"github.com/EpicCash/epic-poold/util"
)

func TestRequestIn(t *testing.T) {
	var req RequestIn
	err := util.Json.Unmarshal([]byte(`{"id":12,"method":"Submit","params":{"job_id":"00000001"}}`), &req)
	if err != nil {
		t.Fatal(err)
	}
	if req.CallId() != 12 {
		t.Fatalf("unexpected id %d", req.CallId())
	}
	if m, ok := req.MethodName(); !ok || m != "Submit" {
		t.Fatalf("unexpected method %q", m)
	}
	if !req.HasObjectParams() {
		t.Fatal("params not detected as object")
	}

	req = RequestIn{}
	err = util.Json.Unmarshal([]byte(`{"id":"abc","method":5,"params":[]}`), &req)
	if err != nil {
		t.Fatal(err)
	}
	if req.CallId() != 0 {
		t.Fatal("non integer id must map to 0")
	}
	if _, ok := req.MethodName(); ok {
		t.Fatal("numeric method accepted")
	}
	if req.HasObjectParams() {
		t.Fatal("array params accepted")
	}
}

func TestResponseEncoding(t *testing.T) {
	data, err := util.Json.Marshal(ResponseOut{
		Id:      1,
		Jsonrpc: JSONRPC,
		Result:  StatusResult{Status: "OK"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"id":1,"jsonrpc":"2.0","error":null,"result":{"status":"OK"}}` {
		t.Fatalf("unexpected response %s", data)
	}

	data, err = util.Json.Marshal(ErrorOut{
		Id:      2,
		Jsonrpc: JSONRPC,
		Error:   Error{Code: -1, Message: "Bad share"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"id":2,"jsonrpc":"2.0","error":{"code":-1,"message":"Bad share"}}` {
		t.Fatalf("unexpected error response %s", data)
	}
}
