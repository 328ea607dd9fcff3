// Copyright 2024 Terminos Storage Protocol
// This file is part of the tos library.
//
// The tos library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The tos library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the tos library. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	stasher "github.com/tos-network/stasher"
)

// controlServer exposes a line-oriented TCP control protocol: one command
// per connection from {get, put, addref, getref, pingall, die}. get/put
// carry a decimal byte-count preceded body, and the first response line is
// always one of ok/notfound/failed/exception.
type controlServer struct {
	ln   net.Listener
	dht  *stasher.DHT
	died chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func newControlServer(addr string, dht *stasher.DHT) (*controlServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &controlServer{
		ln:   ln,
		dht:  dht,
		died: make(chan struct{}),
		quit: make(chan struct{}),
	}, nil
}

func (c *controlServer) serve() {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			select {
			case <-c.quit:
				return
			default:
				log.Println("control surface accept failed:", err)
				return
			}
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handle(conn)
		}()
	}
}

// handle services a single command for the lifetime of one connection, then
// closes it.
func (c *controlServer) handle(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)

	line, err := r.ReadString('\n')
	if err != nil {
		return
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		fmt.Fprintln(conn, "exception")
		fmt.Fprintln(conn, "empty command")
		return
	}

	switch fields[0] {
	case "get":
		c.handleGet(conn, fields)
	case "put":
		c.handlePut(conn, r, fields)
	case "addref":
		c.handleAddRef(conn, fields)
	case "getref":
		c.handleGetRef(conn, fields)
	case "pingall":
		c.handlePingAll(conn)
	case "die":
		fmt.Fprintln(conn, "ok")
		c.once.Do(func() { close(c.died) })
	default:
		fmt.Fprintln(conn, "exception")
		fmt.Fprintf(conn, "unknown command %q\n", fields[0])
	}
}

// get <hex-key>
func (c *controlServer) handleGet(conn net.Conn, fields []string) {
	if len(fields) != 2 {
		fmt.Fprintln(conn, "exception")
		fmt.Fprintln(conn, "usage: get <hex-key>")
		return
	}

	id, err := stasher.IDFromHex(fields[1])
	if err != nil {
		fmt.Fprintln(conn, "exception")
		fmt.Fprintln(conn, err.Error())
		return
	}

	// Get invokes its callback synchronously (once per value found, or once
	// with an error if the lookup comes up empty), so a plain mutex-guarded
	// slice is enough to collect results.
	var mu sync.Mutex
	var values [][]byte

	c.dht.Get(id[:], func(value []byte, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			return
		}
		values = append(values, value)
	})

	if len(values) == 0 {
		fmt.Fprintln(conn, "notfound")
		return
	}

	fmt.Fprintln(conn, "ok")
	for _, v := range values {
		fmt.Fprintln(conn, len(v))
		conn.Write(v)
		fmt.Fprintln(conn)
	}
}

// put <hex-key> <decimal-byte-count>\n<raw bytes>
func (c *controlServer) handlePut(conn net.Conn, r *bufio.Reader, fields []string) {
	if len(fields) != 3 {
		fmt.Fprintln(conn, "exception")
		fmt.Fprintln(conn, "usage: put <hex-key> <byte-count>")
		return
	}

	id, err := stasher.IDFromHex(fields[1])
	if err != nil {
		fmt.Fprintln(conn, "exception")
		fmt.Fprintln(conn, err.Error())
		return
	}

	n, err := strconv.Atoi(fields[2])
	if err != nil || n < 0 {
		fmt.Fprintln(conn, "exception")
		fmt.Fprintln(conn, "invalid byte count")
		return
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		fmt.Fprintln(conn, "exception")
		fmt.Fprintln(conn, "short body")
		return
	}

	done := make(chan error, 1)

	c.dht.Put(id[:], body, 0, func(err error) {
		done <- err
	})

	select {
	case err := <-done:
		if err != nil {
			fmt.Fprintln(conn, "failed")
			fmt.Fprintln(conn, err.Error())
			return
		}
		fmt.Fprintln(conn, "ok")
	case <-time.After(30 * time.Second):
		fmt.Fprintln(conn, "failed")
		fmt.Fprintln(conn, "timed out")
	}
}

// addref <destination> [ping|noping]
func (c *controlServer) handleAddRef(conn net.Conn, fields []string) {
	if len(fields) < 2 {
		fmt.Fprintln(conn, "exception")
		fmt.Fprintln(conn, "usage: addref <destination> [ping|noping]")
		return
	}

	ping := true
	if len(fields) >= 3 && fields[2] == "noping" {
		ping = false
	}

	if err := c.dht.AddRef(fields[1], ping); err != nil {
		fmt.Fprintln(conn, "failed")
		fmt.Fprintln(conn, err.Error())
		return
	}

	fmt.Fprintln(conn, "ok")
}

// getref <hex-id>
func (c *controlServer) handleGetRef(conn net.Conn, fields []string) {
	if len(fields) != 2 {
		fmt.Fprintln(conn, "exception")
		fmt.Fprintln(conn, "usage: getref <hex-id>")
		return
	}

	id, err := stasher.IDFromHex(fields[1])
	if err != nil {
		fmt.Fprintln(conn, "exception")
		fmt.Fprintln(conn, err.Error())
		return
	}

	ref, ok := c.dht.GetRef(id)
	if !ok {
		fmt.Fprintln(conn, "notfound")
		return
	}

	fmt.Fprintln(conn, "ok")
	fmt.Fprintln(conn, ref.Address.String())
}

// pingall
func (c *controlServer) handlePingAll(conn net.Conn) {
	ok, failed := c.dht.PingAll()

	fmt.Fprintln(conn, "ok")
	fmt.Fprintf(conn, "%d %d\n", ok, failed)
}

func (c *controlServer) Close() error {
	close(c.quit)
	err := c.ln.Close()
	c.wg.Wait()
	return err
}
