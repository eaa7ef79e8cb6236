// GOMailSync
// Copyright (C) 2014 Simone Gotti <simone.gotti@gmail.com>
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

// Package imapmock is a scripted IMAP server for tests. A script is a
// sequence of "C: " lines expected from the client and "S: " lines sent to
// it. Tags are written TAG<n>: TAG0 is the first tag used by the client,
// TAG1 the second and so on.
package imapmock

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
)

func newLocalListener() net.Listener {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		if l, err = net.Listen("tcp6", "[::1]:0"); err != nil {
			panic(fmt.Sprintf("imapmock: failed to listen on a port: %v", err))
		}
	}
	return l
}

var crlf = []byte{'\r', '\n'}

type ScriptFunc func(s *Server) error

type (
	// Send is written as is, followed by CRLF.
	Send []byte
	// Recv is read as is, with no line splitting.
	Recv []byte
)

type Server struct {
	testing.TB
	l         net.Listener
	greetings string
}

type Connection struct {
	testing.TB

	s  *Server
	cn net.Conn

	rw *bufio.ReadWriter

	tags []string
}

func NewServer(t testing.TB, greetings string) *Server {
	return &Server{
		TB:        t,
		l:         newLocalListener(),
		greetings: greetings,
	}
}

func (s *Server) Address() net.Addr {
	return s.l.Addr()
}

// HostPort returns the host and port the server listens on.
func (s *Server) HostPort() (string, uint16) {
	host, portstr, _ := net.SplitHostPort(s.l.Addr().String())
	port, _ := strconv.ParseUint(portstr, 10, 16)
	return host, uint16(port)
}

// WaitConnection accepts a connection and sends the greetings.
func (s *Server) WaitConnection() (*Connection, error) {
	cn, err := s.l.Accept()
	if err != nil {
		return nil, err
	}

	c := &Connection{
		TB: s.TB,
		s:  s,
		cn: cn,
		rw: bufio.NewReadWriter(bufio.NewReader(cn), bufio.NewWriter(cn)),
	}
	if _, err := c.write([]byte(s.greetings)); err != nil {
		cn.Close()
		return nil, err
	}
	return c, nil
}

// Serve accepts one connection for every script and runs it. The returned
// channel receives the result of every script, nil on success.
func (s *Server) Serve(scripts ...[]interface{}) <-chan error {
	out := make(chan error, len(scripts))
	go func() {
		for _, script := range scripts {
			c, err := s.WaitConnection()
			if err != nil {
				out <- err
				continue
			}
			out <- c.Run(script...)
			c.Close()
		}
		close(out)
	}()
	return out
}

func (s *Server) Close() error {
	return s.l.Close()
}

// Run runs script synchronously and returns its error.
func (c *Connection) Run(script ...interface{}) error {
	ch := make(chan interface{}, 1)
	c.tags = make([]string, 0)
	c.script(script, ch)
	if v := <-ch; v != nil {
		return fmt.Errorf("%v", v)
	}
	return nil
}

func (c *Connection) script(script []interface{}, ch chan<- interface{}) {
	defer func() { ch <- recover(); close(ch) }()
	for ln, v := range script {
		switch ln++; v := v.(type) {
		case string:
			if strings.HasPrefix(v, "S: ") {
				_, err := c.writeString(v[3:])
				c.flush(ln, v, err)
			} else if strings.HasPrefix(v, "C: ") {
				b, _, err := c.readLine()
				c.compare(ln, v[3:], string(b), err)
			} else {
				panicf(`[#%d] %+q must be prefixed with "S: " or "C: "`, ln, v)
			}
		case Send:
			_, err := c.write(v)
			c.flush(ln, v, err)
		case Recv:
			b := make([]byte, len(v))
			_, err := c.readFull(b)
			if err != nil || string(b) != string(v) {
				panicf("[#%d] expected %+q; got %+q (%v)", ln, string(v), string(b), err)
			}
		case ScriptFunc:
			c.run(ln, v)
		case func(s *Server) error:
			c.run(ln, v)
		default:
			panicf("[#%d] %T is not a valid script action", ln, v)
		}
	}
}

func (c *Connection) flush(ln int, v interface{}, err error) {
	if err == nil {
		err = c.rw.Flush()
	}
	if err != nil {
		panicf("[#%d] %+q write error: %v", ln, v, err)
	}
}

// compare panics if the client line b doesn't match the expected line v.
// A leading TAG<n> in v matches the n-th distinct tag sent by the client.
func (c *Connection) compare(ln int, v, b string, err error) {
	if err != nil {
		panicf("[#%d] expected %+q; read error: %v", ln, v, err)
	}
	if !strings.HasPrefix(v, "TAG") {
		if v != b {
			panicf("[#%d] expected %+q; got %+q", ln, v, b)
		}
		return
	}

	splitv := strings.SplitN(v, " ", 2)
	splitb := strings.SplitN(b, " ", 2)
	if len(splitv) != 2 || len(splitb) != 2 {
		panicf("[#%d] expected %+q; got %+q", ln, v, b)
	}
	tagidx, aerr := strconv.Atoi(strings.TrimPrefix(splitv[0], "TAG"))
	if aerr != nil {
		panicf("[#%d] wrong tag in script line %+q", ln, v)
	}

	if !contains(c.tags, splitb[0]) {
		c.tags = append(c.tags, splitb[0])
	}
	if idx := index(c.tags, splitb[0]); tagidx != idx {
		panicf("[#%d] wrong tag idx: expected %d, got %d (%+q)", ln, tagidx, idx, b)
	}
	if splitv[1] != splitb[1] {
		panicf("[#%d] expected %+q; got %+q", ln, v, b)
	}
}

func contains(s []string, e string) bool {
	return index(s, e) >= 0
}

func index(s []string, e string) int {
	for i, a := range s {
		if a == e {
			return i
		}
	}
	return -1
}

func (c *Connection) run(ln int, v ScriptFunc) {
	if err := v(c.s); err != nil {
		panicf("[#%d] ScriptFunc error: %v", ln, err)
	}
}

func panicf(format string, v ...interface{}) {
	panic(fmt.Sprintf(format, v...))
}

// writeString writes s replacing a leading TAG<n> with the client tag.
func (c *Connection) writeString(s string) (int, error) {
	data := s
	split := strings.SplitN(s, " ", 2)
	if strings.HasPrefix(split[0], "TAG") && len(split) == 2 {
		tagidx, err := strconv.Atoi(strings.TrimPrefix(split[0], "TAG"))
		if err != nil || tagidx >= len(c.tags) {
			panicf("unknown tag %s", split[0])
		}
		data = c.tags[tagidx] + " " + split[1]
	}
	return c.write([]byte(data))
}

func (c *Connection) write(data []byte) (n int, err error) {
	if n, err = c.rw.Write(data); err != nil {
		return
	}
	if _, err = c.rw.Write(crlf); err != nil {
		return
	}
	err = c.rw.Flush()
	return
}

func (c *Connection) readFull(data []byte) (n int, err error) {
	return io.ReadFull(c.rw, data)
}

func (c *Connection) readLine() (line []byte, isPrefix bool, err error) {
	return c.rw.ReadLine()
}

func (c *Connection) Close() error {
	return c.cn.Close()
}
