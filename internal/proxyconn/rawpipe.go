// Copyright 2026 The localhostess Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxyconn

import (
	"io"
	"net"
	"sync"
)

// copyBufferPool amortizes the forwarding buffer across connections,
// the same role caddyhttp/proxy/reverseproxy.go's bufferPool plays.
var copyBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 32*1024) },
}

// closeWriter is satisfied by *net.TCPConn (and similar): it lets one
// direction signal end-of-stream without tearing down the whole socket.
type closeWriter interface {
	CloseWrite() error
}

// PipeBidirectional forwards bytes between a and b until both
// directions have reached EOF, implementing spec §4.5's "forward both
// directions byte-for-byte until either side closes" and §5's
// close-propagation policy: the side observing EOF half-closes its
// write end toward the peer rather than fully closing (avoiding a RST
// that would corrupt an in-flight streamed body); a genuine I/O error
// on either leg instead closes both connections outright.
//
// Each direction runs on its own goroutine so a slow reader on one side
// cannot stall forwarding on the other, the same pairing
// ReverseProxy.ServeHTTP uses for its hijacked-websocket copy goroutines
// synchronized via a done channel, expressed here with a WaitGroup
// since there are always exactly two legs.
func PipeBidirectional(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	var aToB, bToA error
	go func() {
		defer wg.Done()
		aToB = copyAndHalfClose(b, a)
	}()
	go func() {
		defer wg.Done()
		bToA = copyAndHalfClose(a, b)
	}()
	wg.Wait()

	if aToB != nil || bToA != nil {
		a.Close()
		b.Close()
	}
}

func copyAndHalfClose(dst, src net.Conn) error {
	buf := copyBufferPool.Get().([]byte)
	defer copyBufferPool.Put(buf)

	_, err := io.CopyBuffer(dst, src, buf)
	halfCloseWrite(dst)
	return err
}

func halfCloseWrite(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = conn.Close()
}
