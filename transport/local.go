package transport

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HomoYouDidnt/kloros-sub004/errors"
)

// The degraded local transport substitutes for the broadcast pair when the
// ZeroMQ library is unavailable. It carries [topic, payload] frames as
// unix datagrams between processes on the same host: every receiver binds
// its own datagram socket in a shared directory, and emitters fan each
// frame out to every socket found there. Topic filtering happens on the
// receiving side, prefix-matched like a SUB socket.
//
// No cross-host capability, no acknowledgment, no batching. It exists to
// keep single-host deployments functional in a degraded mode, nothing
// more.

const localMaxDatagram = 64 * 1024

// encodeLocalFrame packs topic and payload into one datagram:
// a big-endian uint16 topic length, the topic bytes, then the payload.
func encodeLocalFrame(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 0xFFFF {
		return nil, errors.WrapInvalid(errors.ErrMalformedPayload,
			"local", "encodeLocalFrame", "topic too long")
	}
	frame := make([]byte, 2+len(topic)+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(topic)))
	copy(frame[2:], topic)
	copy(frame[2+len(topic):], payload)
	if len(frame) > localMaxDatagram {
		return nil, errors.WrapInvalid(errors.ErrMalformedPayload,
			"local", "encodeLocalFrame", "frame exceeds datagram limit")
	}
	return frame, nil
}

// decodeLocalFrame unpacks a datagram into topic and payload.
func decodeLocalFrame(frame []byte) (string, []byte, error) {
	if len(frame) < 2 {
		return "", nil, errors.WrapInvalid(errors.ErrMalformedPayload,
			"local", "decodeLocalFrame", "short frame")
	}
	topicLen := int(binary.BigEndian.Uint16(frame))
	if len(frame) < 2+topicLen {
		return "", nil, errors.WrapInvalid(errors.ErrMalformedPayload,
			"local", "decodeLocalFrame", "truncated topic")
	}
	return string(frame[2 : 2+topicLen]), frame[2+topicLen:], nil
}

// LocalEmitter implements TopicEmitter over unix datagrams. Dialed
// connections to receiver sockets are cached and dropped on write error;
// socket files whose owner has gone away are removed best-effort.
//
// Not safe for concurrent use: one publisher goroutine owns it.
type LocalEmitter struct {
	dir   string
	log   *slog.Logger
	conns map[string]*net.UnixConn
}

// NewLocalEmitter creates an emitter over the shared socket directory,
// creating the directory if needed.
func NewLocalEmitter(dir string, log *slog.Logger) (*LocalEmitter, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "LocalEmitter", "NewLocalEmitter", "create socket dir")
	}
	return &LocalEmitter{
		dir:   dir,
		log:   log,
		conns: make(map[string]*net.UnixConn),
	}, nil
}

// Emit fans the frame out to every receiver socket in the directory.
// Receivers that have gone away are pruned; delivery to the rest proceeds.
func (e *LocalEmitter) Emit(topic string, payload []byte) error {
	if e.conns == nil {
		return errors.ErrClosed
	}

	frame, err := encodeLocalFrame(topic, payload)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return errors.WrapTransient(err, "LocalEmitter", "Emit", "scan socket dir")
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sock") {
			continue
		}
		path := filepath.Join(e.dir, entry.Name())

		conn, ok := e.conns[path]
		if !ok {
			conn, err = net.DialUnix("unixgram", nil,
				&net.UnixAddr{Name: path, Net: "unixgram"})
			if err != nil {
				// Receiver died without unlinking; clean up after it.
				e.log.Debug("pruning dead local socket", "component", "LocalEmitter", "path", path)
				_ = os.Remove(path)
				continue
			}
			e.conns[path] = conn
		}

		if _, err := conn.Write(frame); err != nil {
			_ = conn.Close()
			delete(e.conns, path)
			_ = os.Remove(path)
		}
	}

	return nil
}

// Close drops all cached connections.
func (e *LocalEmitter) Close() error {
	for _, conn := range e.conns {
		_ = conn.Close()
	}
	e.conns = nil
	return nil
}

// LocalReceiver implements TopicReceiver over unix datagrams. It binds a
// uniquely named socket in the shared directory and filters inbound frames
// against its subscribed topic prefixes.
//
// Not safe for concurrent use: one receive-loop goroutine owns it.
type LocalReceiver struct {
	conn   *net.UnixConn
	path   string
	topics []string
	buf    []byte
}

// NewLocalReceiver binds a receiver socket subscribed to the given topic
// prefixes.
func NewLocalReceiver(dir string, topics []string) (*LocalReceiver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "LocalReceiver", "NewLocalReceiver", "create socket dir")
	}

	name := fmt.Sprintf("umn-%d-%s.sock", os.Getpid(), uuid.NewString()[:8])
	path := filepath.Join(dir, name)

	conn, err := net.ListenUnixgram("unixgram",
		&net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return nil, errors.WrapFatal(err, "LocalReceiver", "NewLocalReceiver", "bind "+path)
	}

	return &LocalReceiver{
		conn:   conn,
		path:   path,
		topics: append([]string(nil), topics...),
		buf:    make([]byte, localMaxDatagram),
	}, nil
}

// Subscribe adds a topic prefix filter.
func (r *LocalReceiver) Subscribe(topic string) error {
	if r.conn == nil {
		return errors.ErrClosed
	}
	r.topics = append(r.topics, topic)
	return nil
}

// matches reports whether topic passes any subscribed prefix, mirroring
// SUB-socket prefix semantics.
func (r *LocalReceiver) matches(topic string) bool {
	for _, t := range r.topics {
		if strings.HasPrefix(topic, t) {
			return true
		}
	}
	return false
}

// Receive blocks up to timeout for the next frame matching a subscribed
// topic. Non-matching frames are discarded without consuming the timeout
// budget beyond their read time.
func (r *LocalReceiver) Receive(timeout time.Duration) (string, []byte, error) {
	if r.conn == nil {
		return "", nil, errors.ErrClosed
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := r.conn.SetReadDeadline(deadline); err != nil {
			return "", nil, errors.WrapTransient(err, "LocalReceiver", "Receive", "set deadline")
		}

		n, err := r.conn.Read(r.buf)
		if err != nil {
			if isTimeout(err) {
				return "", nil, ErrNoMessage
			}
			return "", nil, errors.WrapTransient(err, "LocalReceiver", "Receive", "read datagram")
		}

		topic, rest, err := decodeLocalFrame(r.buf[:n])
		if err != nil {
			return "", nil, err
		}
		if !r.matches(topic) {
			continue
		}

		payload := make([]byte, len(rest))
		copy(payload, rest)
		return topic, payload, nil
	}
}

// isTimeout reports whether err is a read-deadline expiry.
func isTimeout(err error) bool {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return os.IsTimeout(err)
}

// Close unbinds the socket and unlinks its file so emitters stop fanning
// out to it.
func (r *LocalReceiver) Close() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	_ = os.Remove(r.path)
	if err != nil {
		return errors.WrapTransient(err, "LocalReceiver", "Close", "close socket")
	}
	return nil
}
