/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/nabbar/goredisson/conn"
	"github.com/nabbar/goredisson/wire"
)

// sentinelQueryOverRESP implements topology.SentinelQuery directly over the
// wire protocol: it dials sentinel itself (no pool, this runs once per poll
// tick from topology.SentinelPoller) and issues the two lookups a sentinel
// deployment answers, the same request/reply shape command.Executor uses
// for every other call.
func sentinelQueryOverRESP(ctx context.Context, sentinel conn.Endpoint, name string) (conn.Endpoint, []conn.Endpoint, error) {
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", sentinel.Address())
	if err != nil {
		return conn.Endpoint{}, nil, err
	}
	defer nc.Close()

	_ = nc.SetDeadline(time.Now().Add(5 * time.Second))
	bw := bufio.NewWriter(nc)
	br := bufio.NewReader(nc)

	master, err := queryMasterAddr(bw, br, name)
	if err != nil {
		return conn.Endpoint{}, nil, err
	}

	replicas, err := queryReplicas(bw, br, name)
	if err != nil {
		return conn.Endpoint{}, nil, err
	}

	return master, replicas, nil
}

func queryMasterAddr(bw *bufio.Writer, br *bufio.Reader, name string) (conn.Endpoint, error) {
	if err := wire.EncodeCommand(bw, []byte("SENTINEL"), []byte("get-master-addr-by-name"), []byte(name)); err != nil {
		return conn.Endpoint{}, err
	}
	if err := bw.Flush(); err != nil {
		return conn.Endpoint{}, err
	}
	reply, err := wire.DecodeReply(br)
	if err != nil {
		return conn.Endpoint{}, err
	}
	if reply.IsNil || reply.Kind != wire.KindArray || len(reply.Array) != 2 {
		return conn.Endpoint{}, fmt.Errorf("sentinel: no master known for %q", name)
	}
	host := string(reply.Array[0].Bulk)
	port := string(reply.Array[1].Bulk)

	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return conn.Endpoint{}, fmt.Errorf("sentinel: invalid master port %q: %w", port, err)
	}
	return conn.Endpoint{Host: host, Port: p}, nil
}

func queryReplicas(bw *bufio.Writer, br *bufio.Reader, name string) ([]conn.Endpoint, error) {
	if err := wire.EncodeCommand(bw, []byte("SENTINEL"), []byte("replicas"), []byte(name)); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	reply, err := wire.DecodeReply(br)
	if err != nil {
		return nil, err
	}
	if reply.Kind != wire.KindArray {
		return nil, nil
	}

	replicas := make([]conn.Endpoint, 0, len(reply.Array))
	for _, entry := range reply.Array {
		ep, ok := replicaFromFields(entry)
		if ok {
			replicas = append(replicas, ep)
		}
	}
	return replicas, nil
}

// replicaFromFields reads the flat field/value array SENTINEL REPLICAS
// returns for one replica and picks out "ip"/"port".
func replicaFromFields(entry wire.Reply) (conn.Endpoint, bool) {
	if entry.Kind != wire.KindArray {
		return conn.Endpoint{}, false
	}

	var host, port string
	for i := 0; i+1 < len(entry.Array); i += 2 {
		key := string(entry.Array[i].Bulk)
		switch key {
		case "ip":
			host = string(entry.Array[i+1].Bulk)
		case "port":
			port = string(entry.Array[i+1].Bulk)
		}
	}
	if host == "" || port == "" {
		return conn.Endpoint{}, false
	}

	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return conn.Endpoint{}, false
	}
	return conn.Endpoint{Host: host, Port: p}, true
}
