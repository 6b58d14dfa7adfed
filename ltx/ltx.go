// Copyright 2023 SUSE LLC
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

// Package ltx implements the wire protocol for a companion LTX
// executor process (§4.3.4): msgpack-encoded request arrays written to
// the executor's stdin, and a matching reply stream read off its
// stdout. Both ends are ordinary pipes supplied by the caller.
package ltx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v4"

	"github.com/linux-test-project/kirk/network/neterror"
)

var plog = capnslog.NewPackageLogger("github.com/linux-test-project/kirk", "ltx")

// Tag is the single-byte message type every LTX array leads with.
type Tag byte

const (
	TagError   Tag = 0xff
	TagVersion Tag = 0x00
	TagPing    Tag = 0x01
	TagPong    Tag = 0x02
	TagGetFile Tag = 0x03
	TagSetFile Tag = 0x04
	TagEnv     Tag = 0x05
	TagCwd     Tag = 0x06
	TagExec    Tag = 0x07
	TagResult  Tag = 0x08
	TagLog     Tag = 0x09
	TagData    Tag = 0xa0
	TagKill    Tag = 0xa1
)

// Slot numbering (§4.3.4 / Open Question (a) in DESIGN.md): 127
// individually addressable slots, 0 through MaxSlot inclusive, plus
// Broadcast which targets "all slots" for ENV/CWD defaults.
const (
	MaxSlot   = 126
	Broadcast = 127
)

func tagOf(msg []interface{}) (Tag, error) {
	if len(msg) == 0 {
		return 0, errors.New("ltx: empty message")
	}
	n, err := toInt64(msg[0])
	if err != nil {
		return 0, errors.Wrap(err, "ltx: decoding message tag")
	}
	return Tag(n), nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, errors.Errorf("ltx: expected an integer, got %T", v)
	}
}

func slotOf(msg []interface{}, idx int) (int64, bool) {
	if len(msg) <= idx {
		return 0, false
	}
	n, err := toInt64(msg[idx])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Request is one in-flight LTX call. Concrete requests are created
// with the New*Request constructors below; Wait blocks until the
// request's Feed has been satisfied by the reply stream.
type Request interface {
	pack() ([]byte, error)
	feed(msg []interface{}) (bool, error)
}

type base struct {
	result chan []interface{}
}

func newBase() base {
	return base{result: make(chan []interface{}, 1)}
}

func (b *base) complete(vals ...interface{}) {
	b.result <- vals
	close(b.result)
}

// Wait blocks until the request completes or ctx is done.
func (b *base) Wait(ctx context.Context) ([]interface{}, error) {
	select {
	case vals, ok := <-b.result:
		if !ok {
			return nil, errors.New("ltx: request channel closed without a result")
		}
		return vals, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// VersionRequest asks the executor for its protocol version.
type VersionRequest struct {
	base
}

func NewVersionRequest() *VersionRequest { return &VersionRequest{base: newBase()} }

func (r *VersionRequest) pack() ([]byte, error) {
	return msgpack.Marshal([]interface{}{TagVersion})
}

func (r *VersionRequest) feed(msg []interface{}) (bool, error) {
	tag, err := tagOf(msg)
	if err != nil {
		return false, err
	}
	if tag == TagVersion && len(msg) > 1 {
		r.complete(msg[1])
		return true, nil
	}
	return false, nil
}

// PingRequest measures round-trip latency against the executor.
type PingRequest struct {
	base
	echoed bool
}

func NewPingRequest() *PingRequest { return &PingRequest{base: newBase()} }

func (r *PingRequest) pack() ([]byte, error) {
	return msgpack.Marshal([]interface{}{TagPing})
}

func (r *PingRequest) feed(msg []interface{}) (bool, error) {
	tag, err := tagOf(msg)
	if err != nil {
		return false, err
	}
	switch tag {
	case TagPing:
		r.echoed = true
		return false, nil
	case TagPong:
		if !r.echoed {
			return false, errors.New("ltx: PONG received without PING echo")
		}
		if len(msg) > 1 {
			r.complete(msg[1])
		} else {
			r.complete(nil)
		}
		return true, nil
	}
	return false, nil
}

// EnvRequest sets an environment variable for one slot, or for every
// slot when slotID is Broadcast.
type EnvRequest struct {
	base
	slot  int
	key   string
	value string
}

func NewEnvRequest(slotID int, key, value string) (*EnvRequest, error) {
	if slotID < 0 || slotID > Broadcast {
		return nil, errors.Errorf("ltx: slot id out of bounds [0-%d]", Broadcast)
	}
	if key == "" {
		return nil, errors.New("ltx: key is empty")
	}
	if value == "" {
		return nil, errors.New("ltx: value is empty")
	}
	return &EnvRequest{base: newBase(), slot: slotID, key: key, value: value}, nil
}

func (r *EnvRequest) pack() ([]byte, error) {
	return msgpack.Marshal([]interface{}{TagEnv, r.slot, r.key, r.value})
}

func (r *EnvRequest) feed(msg []interface{}) (bool, error) {
	tag, err := tagOf(msg)
	if err != nil {
		return false, err
	}
	if slot, ok := slotOf(msg, 1); ok && slot != int64(r.slot) {
		return false, nil
	}
	if tag == TagEnv {
		r.complete(r.slot, r.key, r.value)
		return true, nil
	}
	return false, nil
}

// CwdRequest sets the working directory for one slot, or for every
// slot when slotID is Broadcast.
type CwdRequest struct {
	base
	slot int
	path string
}

func NewCwdRequest(slotID int, path string) (*CwdRequest, error) {
	if slotID < 0 || slotID > Broadcast {
		return nil, errors.Errorf("ltx: slot id out of bounds [0-%d]", Broadcast)
	}
	if path == "" {
		return nil, errors.New("ltx: path is empty")
	}
	return &CwdRequest{base: newBase(), slot: slotID, path: path}, nil
}

func (r *CwdRequest) pack() ([]byte, error) {
	return msgpack.Marshal([]interface{}{TagCwd, r.slot, r.path})
}

func (r *CwdRequest) feed(msg []interface{}) (bool, error) {
	tag, err := tagOf(msg)
	if err != nil {
		return false, err
	}
	if slot, ok := slotOf(msg, 1); ok && slot != int64(r.slot) {
		return false, nil
	}
	if tag == TagCwd {
		r.complete(r.slot, r.path)
		return true, nil
	}
	return false, nil
}

// GetFileRequest reads a file off the executor's filesystem. DATA
// chunks are concatenated in arrival order; the echo of GET_FILE with
// the same path is the completion marker.
type GetFileRequest struct {
	base
	path  string
	chunks [][]byte
}

func NewGetFileRequest(path string) (*GetFileRequest, error) {
	if path == "" {
		return nil, errors.New("ltx: path is empty")
	}
	return &GetFileRequest{base: newBase(), path: path}, nil
}

func (r *GetFileRequest) pack() ([]byte, error) {
	return msgpack.Marshal([]interface{}{TagGetFile, r.path})
}

func (r *GetFileRequest) feed(msg []interface{}) (bool, error) {
	tag, err := tagOf(msg)
	if err != nil {
		return false, err
	}
	switch tag {
	case TagData:
		if len(msg) > 1 {
			if chunk, ok := msg[1].([]byte); ok {
				r.chunks = append(r.chunks, chunk)
			}
		}
		return false, nil
	case TagGetFile:
		if len(msg) > 1 {
			if path, ok := msg[1].(string); ok && path != r.path {
				return false, nil
			}
		}
		r.complete(r.path, bytes.Join(r.chunks, nil))
		return true, nil
	}
	return false, nil
}

// SetFileRequest writes data to a path on the executor's filesystem in
// one shot; completion is the echo whose path matches.
type SetFileRequest struct {
	base
	path string
	data []byte
}

func NewSetFileRequest(path string, data []byte) (*SetFileRequest, error) {
	if path == "" {
		return nil, errors.New("ltx: path is empty")
	}
	if len(data) == 0 {
		return nil, errors.New("ltx: data is empty")
	}
	return &SetFileRequest{base: newBase(), path: path, data: data}, nil
}

func (r *SetFileRequest) pack() ([]byte, error) {
	return msgpack.Marshal([]interface{}{TagSetFile, r.path, r.data})
}

func (r *SetFileRequest) feed(msg []interface{}) (bool, error) {
	tag, err := tagOf(msg)
	if err != nil {
		return false, err
	}
	if tag == TagSetFile && len(msg) > 1 {
		if path, ok := msg[1].(string); ok && path == r.path {
			r.complete(r.path, r.data)
			return true, nil
		}
	}
	return false, nil
}

// ExecRequest runs a command in one slot. LOG messages stream stdout
// as they arrive (onLog, if set, is called synchronously from the
// decode loop — callers must not block in it); RESULT closes the
// execution with the aggregated stdout and exit status (§4.3.4, test
// S7).
type ExecRequest struct {
	base
	slot    int
	command string
	onLog   func(text string)
	stdout  []string
	echoed  bool
}

func NewExecRequest(slotID int, command string, onLog func(text string)) (*ExecRequest, error) {
	if slotID < 0 || slotID > MaxSlot {
		return nil, errors.Errorf("ltx: slot id out of bounds [0-%d]", MaxSlot)
	}
	if command == "" {
		return nil, errors.New("ltx: command is empty")
	}
	return &ExecRequest{base: newBase(), slot: slotID, command: command, onLog: onLog}, nil
}

func (r *ExecRequest) pack() ([]byte, error) {
	return msgpack.Marshal([]interface{}{TagExec, r.slot, r.command})
}

func (r *ExecRequest) feed(msg []interface{}) (bool, error) {
	tag, err := tagOf(msg)
	if err != nil {
		return false, err
	}
	if slot, ok := slotOf(msg, 1); ok && slot != int64(r.slot) {
		return false, nil
	}

	switch tag {
	case TagExec:
		r.echoed = true
		return false, nil
	case TagLog:
		if !r.echoed {
			return false, errors.New("ltx: LOG received without EXEC echo")
		}
		if len(msg) > 3 {
			if text, ok := msg[3].(string); ok && text != "" {
				r.stdout = append(r.stdout, text)
				if r.onLog != nil {
					r.onLog(text)
				}
			}
		}
		return false, nil
	case TagResult:
		if !r.echoed {
			return false, errors.New("ltx: RESULT received without EXEC echo")
		}
		if len(msg) < 5 {
			return false, errors.New("ltx: malformed RESULT message")
		}
		r.complete(msg[2], msg[3], msg[4], strings.Join(r.stdout, ""))
		return true, nil
	}
	return false, nil
}

// KillRequest terminates the command running in one slot; the
// targeted EXEC subsequently completes with a RESULT bearing a signal
// status.
type KillRequest struct {
	base
	slot int
}

func NewKillRequest(slotID int) (*KillRequest, error) {
	if slotID < 0 || slotID > MaxSlot {
		return nil, errors.Errorf("ltx: slot id out of bounds [0-%d]", MaxSlot)
	}
	return &KillRequest{base: newBase(), slot: slotID}, nil
}

func (r *KillRequest) pack() ([]byte, error) {
	return msgpack.Marshal([]interface{}{TagKill, r.slot})
}

func (r *KillRequest) feed(msg []interface{}) (bool, error) {
	tag, err := tagOf(msg)
	if err != nil {
		return false, err
	}
	if slot, ok := slotOf(msg, 1); ok && slot != int64(r.slot) {
		return false, nil
	}
	if tag == TagKill {
		r.complete(r.slot)
		return true, nil
	}
	return false, nil
}

// Client drives the request/reply protocol over a pair of pipes. One
// Client serves one companion executor process.
type Client struct {
	stdin  io.Writer
	stdout io.ReadCloser

	mu       sync.Mutex
	inflight []Request
	err      error

	stopped chan struct{}
}

// NewClient wraps the executor's stdin (write end) and stdout (read
// end, closed by Stop to unblock the decode loop).
func NewClient(stdin io.Writer, stdout io.ReadCloser) *Client {
	return &Client{stdin: stdin, stdout: stdout}
}

// Start launches the background decode loop that dispatches replies
// to their matching in-flight requests.
func (c *Client) Start() {
	c.stopped = make(chan struct{})
	go c.poll()
}

// Stop closes the read end, which unblocks the decode loop; already
// observing a closed pipe on shutdown is expected, not an error
// (neterror.IsClosed), per §4.3.4's tolerance for shutting down
// mid-stream.
func (c *Client) Stop() error {
	err := c.stdout.Close()
	<-c.stopped
	if err != nil && !neterror.IsClosed(err) {
		return errors.Wrap(err, "ltx: closing stdout")
	}
	return c.Err()
}

// Err returns the transport-level error observed by the decode loop,
// if any (an ERROR message from the executor, or a read failure that
// wasn't a clean shutdown).
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send packs and writes requests to the executor's stdin as one
// concatenated write, preserving the order requests execute in
// (§4.3.4), and registers them for reply dispatch.
func (c *Client) Send(requests ...Request) error {
	if len(requests) == 0 {
		return errors.New("ltx: no requests given")
	}

	var buf bytes.Buffer
	for _, req := range requests {
		data, err := req.pack()
		if err != nil {
			return errors.Wrap(err, "ltx: packing request")
		}
		buf.Write(data)
	}

	c.mu.Lock()
	c.inflight = append(c.inflight, requests...)
	c.mu.Unlock()

	if _, err := c.stdin.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "ltx: writing request")
	}
	return nil
}

func (c *Client) poll() {
	defer close(c.stopped)

	dec := msgpack.NewDecoder(c.stdout)
	for {
		var msg []interface{}
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF || neterror.IsClosed(err) {
				return
			}
			c.mu.Lock()
			c.err = errors.Wrap(err, "ltx: decoding message")
			c.mu.Unlock()
			return
		}

		tag, err := tagOf(msg)
		if err != nil {
			plog.Warningf("ltx: %v", err)
			continue
		}
		if tag == TagError {
			text := ""
			if len(msg) > 1 {
				text = fmt.Sprint(msg[1])
			}
			c.mu.Lock()
			c.err = errors.Errorf("ltx: executor reported an error: %s", text)
			c.mu.Unlock()
			return
		}

		c.feedInflight(msg)
	}
}

// feedInflight dispatches msg to every in-flight request, the way
// §4.3.4's in-flight list is linearly scanned: a message isn't
// necessarily consumed by only one request, so every request gets a
// chance to react before completed ones are dropped from the list.
func (c *Client) feedInflight(msg []interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.inflight[:0]
	for _, req := range c.inflight {
		done, err := req.feed(msg)
		if err != nil {
			plog.Warningf("ltx: request feed error: %v", err)
		}
		if !done {
			kept = append(kept, req)
		}
	}
	c.inflight = kept
}
