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

package config

const AGENT = "epic-poold"

// share target used for every miner, independent of the chain difficulty
const FIX_DIFF = 4096

// shares whose difficulty exceeds this are relayed to the node
const BLOCK_SUBMIT_DIFF = 4096

// miner socket buffers
const SOCK_BUFFER_SIZE = 4096

// node socket buffers
const NODE_BUFFER_SIZE = 16 * 1024

// maximum pre-proof-of-work header length in bytes
const MAX_PREPOW = 384

const MAX_PAST_JOBS = 5

// in seconds
const TIMEOUT = 5
const NODE_RECONNECT_DELAY = 5
const NODE_POLL_TIMEOUT = 1
const WRITE_TIMEOUT = 20
const FLOOD_WINDOW = 60

const HASH_THREADS = 2
const DATASET_SLOTS = 2

// queued verification requests per engine
const HASH_QUEUE_SIZE = 1024

const PLAIN_POOL_SIZE = 256
const TLS_POOL_SIZE = 254

// 0 is unlimited, farms behind NAT share one address
const MAX_CONNECTIONS_PER_IP = 0

// consecutive accept errors tolerated before backing off
const MAX_ACCEPT_ERRORS = 5
