package store

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Wire protocol: each request is a 1-byte opcode followed by its arguments,
// each response a 1-byte status followed by its payload. Strings and byte
// slices travel as a little-endian uint32 length plus the raw bytes.
const (
	opSet byte = iota + 1
	opGet
	opCheck
	opDelete
	opNumKeys
)

const (
	statusOK byte = iota
	statusTimeout
	statusClosed
	statusError
)

const (
	dialTimeout       = time.Minute
	dialRetryInterval = 100 * time.Millisecond

	// maxFrameLen bounds a single length-prefixed value, protecting the
	// server from a corrupted or malicious length word.
	maxFrameLen = 1 << 30
)

func writeUint32(w *bufio.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r *bufio.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeBytes(w *bufio.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r *bufio.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n > maxFrameLen {
		return nil, errors.Errorf("store: frame of %d bytes exceeds limit of %d", n, maxFrameLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeString(w *bufio.Writer, s string) error { return writeBytes(w, []byte(s)) }

func readString(r *bufio.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

// TCPStoreServer serves a HashStore over TCP so that processes on other hosts
// can rendezvous through it. Typically rank 0 runs the server and every rank
// (rank 0 included) talks to it through a TCPStoreClient, or rank 0 uses
// Store() directly.
type TCPStoreServer struct {
	inner    *HashStore
	listener net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewTCPStoreServer starts a server listening on addr (e.g. ":21234", or
// ":0" to pick a free port, see Addr). It serves until Close.
func NewTCPStoreServer(addr string) (*TCPStoreServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "store: listening on %q", addr)
	}
	s := &TCPStoreServer{
		inner:    NewHashStore(),
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *TCPStoreServer) Addr() string { return s.listener.Addr().String() }

// Store returns the underlying HashStore, for direct access from the hosting
// process. Its SetTimeout governs how long blocked Gets wait, for local and
// remote callers alike.
func (s *TCPStoreServer) Store() *HashStore { return s.inner }

func (s *TCPStoreServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				klog.Warningf("store: accept failed: %v", err)
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		klog.V(1).Infof("store: connection from %s", conn.RemoteAddr())
		go s.handle(conn)
	}
}

func (s *TCPStoreServer) handle(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
	}()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		op, err := r.ReadByte()
		if err != nil {
			// EOF here is the client hanging up, which is fine.
			if err != io.EOF {
				klog.V(1).Infof("store: connection %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		respond, err := s.process(op, r)
		if err != nil {
			klog.V(1).Infof("store: bad request from %s: %v", conn.RemoteAddr(), err)
			return
		}
		if err := respond(w); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// process decodes one request and executes it, returning the function that
// writes the response. A non-nil error means the request could not be decoded
// and the connection must be dropped.
func (s *TCPStoreServer) process(op byte, r *bufio.Reader) (func(*bufio.Writer) error, error) {
	switch op {
	case opSet:
		key, err := readString(r)
		if err != nil {
			return nil, err
		}
		value, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return statusOnly(s.inner.Set(key, value)), nil

	case opGet:
		key, err := readString(r)
		if err != nil {
			return nil, err
		}
		value, err := s.inner.Get(key)
		if err != nil {
			return statusOnly(err), nil
		}
		return func(w *bufio.Writer) error {
			if err := w.WriteByte(statusOK); err != nil {
				return err
			}
			return writeBytes(w, value)
		}, nil

	case opCheck:
		count, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		if count > maxFrameLen {
			return nil, errors.Errorf("store: Check with %d keys", count)
		}
		keys := make([]string, count)
		for i := range keys {
			if keys[i], err = readString(r); err != nil {
				return nil, err
			}
		}
		ok, err := s.inner.Check(keys...)
		return statusBool(ok, err), nil

	case opDelete:
		key, err := readString(r)
		if err != nil {
			return nil, err
		}
		deleted, err := s.inner.Delete(key)
		return statusBool(deleted, err), nil

	case opNumKeys:
		n, err := s.inner.NumKeys()
		if err != nil {
			return statusOnly(err), nil
		}
		return func(w *bufio.Writer) error {
			if err := w.WriteByte(statusOK); err != nil {
				return err
			}
			return writeUint32(w, uint32(n))
		}, nil
	}
	return nil, errors.Errorf("store: unknown opcode %d", op)
}

func statusOnly(err error) func(*bufio.Writer) error {
	return func(w *bufio.Writer) error {
		return writeStatus(w, err)
	}
}

func statusBool(b bool, err error) func(*bufio.Writer) error {
	return func(w *bufio.Writer) error {
		if werr := writeStatus(w, err); werr != nil {
			return werr
		}
		if err != nil {
			// The status byte already carries the failure.
			return nil
		}
		v := byte(0)
		if b {
			v = 1
		}
		return w.WriteByte(v)
	}
}

func writeStatus(w *bufio.Writer, err error) error {
	switch {
	case err == nil:
		return w.WriteByte(statusOK)
	case errors.Is(err, ErrTimeout):
		return w.WriteByte(statusTimeout)
	case errors.Is(err, ErrClosed):
		return w.WriteByte(statusClosed)
	default:
		if werr := w.WriteByte(statusError); werr != nil {
			return werr
		}
		return writeString(w, err.Error())
	}
}

// Close stops the server: it stops accepting, releases every blocked Get with
// ErrClosed, closes all connections and waits for their handlers to finish.
func (s *TCPStoreServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	_ = s.inner.Close()
	for _, conn := range conns {
		_ = conn.Close()
	}
	s.wg.Wait()
	return err
}

// TCPStoreClient is a Store backed by a TCPStoreServer. It is safe for
// concurrent use; operations serialize over the single connection. Get blocks
// on the server side, governed by the server store's timeout. Close may be
// called from another goroutine to release an operation in flight.
type TCPStoreClient struct {
	mu     sync.Mutex // Serializes request/response round trips.
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	closed atomic.Bool
}

var _ Store = (*TCPStoreClient)(nil)

// NewTCPStoreClient connects to the server at addr, retrying for up to a
// minute so that workers may come up before the server.
func NewTCPStoreClient(addr string) (*TCPStoreClient, error) {
	deadline := time.Now().Add(dialTimeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Until(deadline))
		if err == nil {
			return &TCPStoreClient{
				conn: conn,
				r:    bufio.NewReader(conn),
				w:    bufio.NewWriter(conn),
			}, nil
		}
		if time.Now().Add(dialRetryInterval).After(deadline) {
			return nil, errors.Wrapf(err, "store: connecting to %q", addr)
		}
		time.Sleep(dialRetryInterval)
	}
}

// fail poisons the connection after a transport error: the response stream
// can no longer be trusted to be aligned with requests.
func (c *TCPStoreClient) fail(err error) error {
	c.closed.Store(true)
	_ = c.conn.Close()
	return errors.WithMessagef(ErrClosed, "store: connection lost: %v", err)
}

func (c *TCPStoreClient) roundTrip(name string, op byte, writeArgs func(*bufio.Writer) error, readPayload func(*bufio.Reader) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return errors.WithMessage(ErrClosed, name)
	}
	if err := c.w.WriteByte(op); err != nil {
		return c.fail(err)
	}
	if writeArgs != nil {
		if err := writeArgs(c.w); err != nil {
			return c.fail(err)
		}
	}
	if err := c.w.Flush(); err != nil {
		return c.fail(err)
	}
	status, err := c.r.ReadByte()
	if err != nil {
		return c.fail(err)
	}
	switch status {
	case statusOK:
		if readPayload != nil {
			if err := readPayload(c.r); err != nil {
				return c.fail(err)
			}
		}
		return nil
	case statusTimeout:
		return errors.WithMessage(ErrTimeout, name)
	case statusClosed:
		return errors.WithMessage(ErrClosed, name)
	case statusError:
		msg, err := readString(c.r)
		if err != nil {
			return c.fail(err)
		}
		return errors.Errorf("store: %s: %s", name, msg)
	}
	return c.fail(errors.Errorf("unknown status %d", status))
}

// Set writes value under key on the server.
func (c *TCPStoreClient) Set(key string, value []byte) error {
	return c.roundTrip("Set", opSet, func(w *bufio.Writer) error {
		if err := writeString(w, key); err != nil {
			return err
		}
		return writeBytes(w, value)
	}, nil)
}

// Get returns the value for key, blocking server-side until it is set or the
// server store's timeout elapses.
func (c *TCPStoreClient) Get(key string) ([]byte, error) {
	var value []byte
	err := c.roundTrip("Get", opGet, func(w *bufio.Writer) error {
		return writeString(w, key)
	}, func(r *bufio.Reader) error {
		var err error
		value, err = readBytes(r)
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "Get(%q)", key)
	}
	return value, nil
}

func (c *TCPStoreClient) readBool(r *bufio.Reader, out *bool) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	*out = b != 0
	return nil
}

// Check reports whether all keys are present on the server. Never blocks on
// missing keys.
func (c *TCPStoreClient) Check(keys ...string) (bool, error) {
	var ok bool
	err := c.roundTrip("Check", opCheck, func(w *bufio.Writer) error {
		if err := writeUint32(w, uint32(len(keys))); err != nil {
			return err
		}
		for _, key := range keys {
			if err := writeString(w, key); err != nil {
				return err
			}
		}
		return nil
	}, func(r *bufio.Reader) error {
		return c.readBool(r, &ok)
	})
	return ok, err
}

// Delete removes key on the server, reporting whether it was present.
func (c *TCPStoreClient) Delete(key string) (bool, error) {
	var deleted bool
	err := c.roundTrip("Delete", opDelete, func(w *bufio.Writer) error {
		return writeString(w, key)
	}, func(r *bufio.Reader) error {
		return c.readBool(r, &deleted)
	})
	return deleted, err
}

// NumKeys returns the number of keys on the server.
func (c *TCPStoreClient) NumKeys() (int, error) {
	var n uint32
	err := c.roundTrip("NumKeys", opNumKeys, nil, func(r *bufio.Reader) error {
		var err error
		n, err = readUint32(r)
		return err
	})
	return int(n), err
}

// Close closes the connection, releasing any operation blocked on the server.
// Further operations fail with ErrClosed. Closing twice is a no-op.
func (c *TCPStoreClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}
