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

package mailsync

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-sasl"

	"github.com/sgotti/offlinesync/config"
	"github.com/sgotti/offlinesync/imapwire"
	"github.com/sgotti/offlinesync/log"
)

// ImapError is a NO or BAD completion of a command.
type ImapError struct {
	Command string
	Status  string
	Text    string
}

func (e *ImapError) Error() string {
	return fmt.Sprintf("command %q failed: %s %s", e.Command, e.Status, e.Text)
}

// imapResponse is one untagged server response. Literals are removed from
// Line and kept, in order, in Literals; their {N} markers stay in Line.
type imapResponse struct {
	Line     string
	Literals [][]byte
}

// Tokens tokenizes the response after the leading "*".
func (r *imapResponse) Tokens() ([]imapwire.Token, error) {
	return imapwire.Tokenize(strings.TrimPrefix(r.Line, "* "))
}

// imapStatus is a status response: OK, NO, BAD, BYE or PREAUTH with the
// optional response code.
type imapStatus struct {
	Tag    string
	Status string
	Code   string
	Text   string
}

func isStatusWord(s string) bool {
	switch strings.ToUpper(s) {
	case "OK", "NO", "BAD", "BYE", "PREAUTH":
		return true
	}
	return false
}

func parseStatus(tag string, rest string) *imapStatus {
	st := &imapStatus{Tag: tag}
	parts := strings.SplitN(rest, " ", 2)
	st.Status = strings.ToUpper(parts[0])
	if len(parts) < 2 {
		return st
	}
	text := parts[1]
	if strings.HasPrefix(text, "[") {
		if end := strings.IndexByte(text, ']'); end > 0 {
			st.Code = text[1:end]
			text = strings.TrimLeft(text[end+1:], " ")
		}
	}
	st.Text = text
	return st
}

// codeArgs returns the arguments of the response code if its name is name.
func (st *imapStatus) codeArgs(name string) ([]string, bool) {
	fields := strings.Fields(st.Code)
	if len(fields) == 0 || !strings.EqualFold(fields[0], name) {
		return nil, false
	}
	return fields[1:], true
}

// literalSize returns N if line ends with a literal marker {N}.
func literalSize(line string) (int, bool) {
	if !strings.HasSuffix(line, "}") {
		return 0, false
	}
	start := strings.LastIndexByte(line, '{')
	if start < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(line[start+1 : len(line)-1])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// continuation handles a "+" server request and returns the data to send.
type continuation func(text string) ([]byte, error)

type imapConn struct {
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	tagnum  int
	caps    map[string]bool
	preauth bool
	timeout time.Duration
	debug   bool
	logger  *log.Logger
}

func imapAddress(cfg *config.StoreConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 143
		if cfg.Tls {
			port = 993
		}
	}
	return net.JoinHostPort(cfg.Host, strconv.FormatUint(uint64(port), 10))
}

// dialImap connects and authenticates to the IMAP server described by cfg.
func dialImap(cfg *config.StoreConfig, debug bool, logger *log.Logger) (c *imapConn, err error) {
	tlsconfig := &tls.Config{ServerName: cfg.Host, InsecureSkipVerify: cfg.SkipCertVerify}
	dialer := &net.Dialer{Timeout: cfg.Timeout.Duration}

	var conn net.Conn
	if cfg.Tls {
		conn, err = tls.DialWithDialer(dialer, "tcp", imapAddress(cfg), tlsconfig)
	} else {
		conn, err = dialer.Dial("tcp", imapAddress(cfg))
	}
	if err != nil {
		return nil, err
	}

	c = &imapConn{
		conn:    conn,
		r:       bufio.NewReader(conn),
		w:       bufio.NewWriter(conn),
		caps:    make(map[string]bool),
		timeout: cfg.Timeout.Duration,
		debug:   debug,
		logger:  logger,
	}
	defer func() {
		if err != nil {
			c.conn.Close()
		}
	}()

	if err = c.greeting(); err != nil {
		return nil, err
	}
	if len(c.caps) == 0 {
		if err = c.capability(); err != nil {
			return nil, err
		}
	}

	if cfg.Starttls {
		if err = c.startTLS(tlsconfig); err != nil {
			return nil, err
		}
	}

	if !c.preauth {
		if err = c.authenticate(cfg.Username, cfg.Password); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *imapConn) setDeadline() {
	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
}

func (c *imapConn) greeting() error {
	resp, err := c.readResponse()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp.Line, "* ") {
		return fmt.Errorf("unexpected greeting %q", resp.Line)
	}
	st := parseStatus("*", resp.Line[2:])
	switch st.Status {
	case "OK":
	case "PREAUTH":
		c.preauth = true
	default:
		return fmt.Errorf("server refused connection: %s %s", st.Status, st.Text)
	}
	c.logger.Debugf("server says hello: %s", st.Text)
	if args, ok := st.codeArgs("CAPABILITY"); ok {
		c.setCaps(args)
	}
	return nil
}

func (c *imapConn) setCaps(caps []string) {
	c.caps = make(map[string]bool)
	for _, cap := range caps {
		c.caps[strings.ToUpper(cap)] = true
	}
}

func (c *imapConn) HasCap(cap string) bool {
	return c.caps[strings.ToUpper(cap)]
}

func (c *imapConn) capability() error {
	resps, _, err := c.Execute("CAPABILITY", nil)
	if err != nil {
		return err
	}
	for _, resp := range resps {
		toks, err := resp.Tokens()
		if err != nil {
			return err
		}
		if len(toks) > 0 && strings.EqualFold(toks[0].Value, "CAPABILITY") {
			caps := make([]string, 0, len(toks)-1)
			for _, t := range toks[1:] {
				caps = append(caps, t.Value)
			}
			c.setCaps(caps)
		}
	}
	return nil
}

func (c *imapConn) startTLS(tlsconfig *tls.Config) error {
	if !c.HasCap("STARTTLS") {
		return fmt.Errorf("server doesn't support STARTTLS")
	}
	if _, _, err := c.Execute("STARTTLS", nil); err != nil {
		return err
	}
	tlsconn := tls.Client(c.conn, tlsconfig)
	c.setDeadline()
	if err := tlsconn.Handshake(); err != nil {
		return err
	}
	c.conn = tlsconn
	c.r = bufio.NewReader(tlsconn)
	c.w = bufio.NewWriter(tlsconn)
	return c.capability()
}

// authenticate uses LOGIN, or AUTHENTICATE PLAIN when the server disables
// LOGIN.
func (c *imapConn) authenticate(username string, password string) error {
	if !c.HasCap("LOGINDISABLED") {
		_, _, err := c.Execute(fmt.Sprintf("LOGIN %s %s", imapwire.Quote(username), imapwire.Quote(password)), nil)
		if err != nil {
			return err
		}
		return c.capability()
	}

	if !c.HasCap("AUTH=PLAIN") {
		return fmt.Errorf("server disables LOGIN and doesn't support AUTH=PLAIN")
	}
	client := sasl.NewPlainClient("", username, password)
	mech, ir, err := client.Start()
	if err != nil {
		return err
	}
	cmd := "AUTHENTICATE " + mech
	sent := false
	_, _, err = c.Execute(cmd, func(text string) ([]byte, error) {
		if !sent {
			sent = true
			return []byte(base64.StdEncoding.EncodeToString(ir)), nil
		}
		challenge, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, err
		}
		resp, err := client.Next(challenge)
		if err != nil {
			return nil, err
		}
		return []byte(base64.StdEncoding.EncodeToString(resp)), nil
	})
	if err != nil {
		return err
	}
	return c.capability()
}

func (c *imapConn) nextTag() string {
	c.tagnum++
	return fmt.Sprintf("T%d", c.tagnum)
}

// readResponse reads one logical response line, with its literals. The
// deadline is renewed before every read, so the timeout is an idle timeout.
func (c *imapConn) readResponse() (*imapResponse, error) {
	resp := &imapResponse{}
	var b strings.Builder
	for {
		c.setDeadline()
		line, err := c.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if c.debug {
			c.logger.Debugf("S: %s", line)
		}
		b.WriteString(line)

		n, ok := literalSize(line)
		if !ok {
			break
		}
		literal := make([]byte, n)
		c.setDeadline()
		if _, err := io.ReadFull(c.r, literal); err != nil {
			return nil, err
		}
		if c.debug {
			c.logger.Debugf("S: <literal of %d bytes>", n)
		}
		resp.Literals = append(resp.Literals, literal)
	}
	resp.Line = b.String()
	return resp, nil
}

func (c *imapConn) writeLine(data []byte, logline string) error {
	if c.debug {
		c.logger.Debugf("C: %s", logline)
	}
	c.setDeadline()
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if _, err := c.w.WriteString("\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// connWriter renews the connection deadline on every write.
type connWriter struct {
	c *imapConn
}

func (w connWriter) Write(p []byte) (int, error) {
	w.c.setDeadline()
	return w.c.w.Write(p)
}

func (w connWriter) Flush() error {
	return w.c.w.Flush()
}

// Execute sends a command and waits for its completion. Untagged responses
// received meanwhile are returned. A NO or BAD completion is an *ImapError.
func (c *imapConn) Execute(cmd string, cont continuation) ([]*imapResponse, *imapStatus, error) {
	tag := c.nextTag()

	logline := cmd
	if strings.HasPrefix(strings.ToUpper(cmd), "LOGIN ") {
		logline = "LOGIN <hidden>"
	}
	if err := c.writeLine([]byte(tag+" "+cmd), tag+" "+logline); err != nil {
		return nil, nil, err
	}

	return c.responses(tag, logline, strings.EqualFold(cmd, "LOGOUT"), func(text string) error {
		if cont == nil {
			return fmt.Errorf("unexpected continuation request for %q", logline)
		}
		data, err := cont(text)
		if err != nil {
			return err
		}
		logdata := "<data>"
		if c.debug && len(data) < 80 && !strings.HasPrefix(strings.ToUpper(cmd), "AUTHENTICATE") {
			logdata = string(data)
		}
		return c.writeLine(data, logdata)
	})
}

// ExecuteCommand sends cmd through an imap.Writer, which frames its literal
// arguments and sends each one after the server continuation request.
func (c *imapConn) ExecuteCommand(cmd *imap.Command) ([]*imapResponse, *imapStatus, error) {
	cmd.Tag = c.nextTag()
	logline := commandLogLine(cmd)
	if c.debug {
		c.logger.Debugf("C: %s %s", cmd.Tag, logline)
	}

	continues := make(chan bool)
	written := make(chan error, 1)
	go func() {
		written <- cmd.WriteTo(imap.NewClientWriter(connWriter{c}, continues))
	}()

	var werr error
	finished := false
	resps, st, err := c.responses(cmd.Tag, logline, false, func(string) error {
		if finished {
			return fmt.Errorf("unexpected continuation request for %q", logline)
		}
		select {
		case continues <- true:
			return nil
		case werr = <-written:
			finished = true
			if werr != nil {
				return werr
			}
			return fmt.Errorf("unexpected continuation request for %q", logline)
		}
	})
	close(continues)
	if !finished {
		werr = <-written
	}
	if err == nil && werr != nil {
		return nil, nil, werr
	}
	return resps, st, err
}

// commandLogLine formats cmd, without its tag, with its literals replaced by
// their size.
func commandLogLine(cmd *imap.Command) string {
	args := make([]interface{}, len(cmd.Arguments))
	for i, arg := range cmd.Arguments {
		if l, ok := arg.(imap.Literal); ok {
			arg = imap.RawString(fmt.Sprintf("<literal of %d bytes>", l.Len()))
		}
		args[i] = arg
	}
	var b bytes.Buffer
	logcmd := &imap.Command{Tag: cmd.Tag, Name: cmd.Name, Arguments: args}
	if err := logcmd.WriteTo(imap.NewWriter(&b)); err != nil {
		return cmd.Name
	}
	return strings.TrimPrefix(strings.TrimRight(b.String(), "\r\n"), cmd.Tag+" ")
}

// responses reads the responses to the command tagged tag. onCont is called
// for every continuation request.
func (c *imapConn) responses(tag string, logline string, logout bool, onCont func(text string) error) ([]*imapResponse, *imapStatus, error) {
	resps := make([]*imapResponse, 0)
	for {
		resp, err := c.readResponse()
		if err != nil {
			return nil, nil, err
		}
		line := resp.Line

		switch {
		case strings.HasPrefix(line, "+"):
			if err := onCont(strings.TrimLeft(strings.TrimPrefix(line, "+"), " ")); err != nil {
				return nil, nil, err
			}
		case strings.HasPrefix(line, tag+" "):
			st := parseStatus(tag, line[len(tag)+1:])
			if st.Status != "OK" {
				return resps, st, &ImapError{Command: logline, Status: st.Status, Text: st.Text}
			}
			return resps, st, nil
		case strings.HasPrefix(line, "* "):
			fields := strings.SplitN(line[2:], " ", 2)
			if strings.EqualFold(fields[0], "BYE") && !logout {
				st := parseStatus("*", line[2:])
				return nil, nil, fmt.Errorf("server closed connection: %s", st.Text)
			}
			resps = append(resps, resp)
		default:
			return nil, nil, fmt.Errorf("unexpected response %q", line)
		}
	}
}

// statusResponses returns the untagged status responses among resps.
func statusResponses(resps []*imapResponse) []*imapStatus {
	sts := make([]*imapStatus, 0)
	for _, resp := range resps {
		fields := strings.SplitN(strings.TrimPrefix(resp.Line, "* "), " ", 2)
		if isStatusWord(fields[0]) {
			sts = append(sts, parseStatus("*", strings.TrimPrefix(resp.Line, "* ")))
		}
	}
	return sts
}

// fetchItems returns the data items of a "* n FETCH (...)" response.
// Literal markers are replaced with the literal content.
func fetchItems(resp *imapResponse) (map[string]imapwire.Token, error) {
	toks, err := resp.Tokens()
	if err != nil {
		return nil, err
	}
	if len(toks) != 3 || !strings.EqualFold(toks[1].Value, "FETCH") || toks[2].Kind != imapwire.List {
		return nil, nil
	}
	children, err := toks[2].Children()
	if err != nil {
		return nil, err
	}
	if len(children)%2 != 0 {
		return nil, &imapwire.ParseError{Line: resp.Line, Msg: "odd number of fetch items"}
	}

	items := make(map[string]imapwire.Token)
	literal := 0
	for i := 0; i < len(children); i += 2 {
		v := children[i+1]
		if v.Kind == imapwire.Atom {
			if _, ok := literalSize(v.Value); ok && strings.HasPrefix(v.Value, "{") {
				if literal >= len(resp.Literals) {
					return nil, &imapwire.ParseError{Line: resp.Line, Msg: "missing literal"}
				}
				v = imapwire.Token{Kind: imapwire.Quoted, Value: imapwire.Quote(string(resp.Literals[literal]))}
				literal++
			}
		}
		items[strings.ToUpper(children[i].Value)] = v
	}
	return items, nil
}

func (c *imapConn) Close() error {
	return c.conn.Close()
}

// Logout sends LOGOUT and closes the connection.
func (c *imapConn) Logout() error {
	_, _, err := c.Execute("LOGOUT", nil)
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}
