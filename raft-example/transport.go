package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rinastack/raft/raftpb"
)

const maxFrameSize = 1 << 20

// transport moves raftpb messages between replicas over TCP, framing
// each as a 4-byte big-endian length followed by the msgpack encoding.
// Sends are best-effort: a broken connection drops the message and
// the consensus layer retries through its own protocol.
type transport struct {
	local string
	addrs map[string]string

	inC chan raftpb.Message

	mu    sync.Mutex
	conns map[string]net.Conn

	ln net.Listener
}

func newTransport(local string, addrs map[string]string) *transport {
	return &transport{
		local: local,
		addrs: addrs,
		inC:   make(chan raftpb.Message, 64),
		conns: make(map[string]net.Conn),
	}
}

// Listen starts accepting peer connections on the local address.
func (tr *transport) Listen() error {
	ln, err := net.Listen("tcp", tr.addrs[tr.local])
	if err != nil {
		return err
	}
	tr.ln = ln
	go tr.acceptLoop()
	return nil
}

func (tr *transport) acceptLoop() {
	for {
		conn, err := tr.ln.Accept()
		if err != nil {
			return
		}
		go tr.readLoop(conn)
	}
}

func (tr *transport) readLoop(conn net.Conn) {
	defer conn.Close()
	for {
		msg, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				elog.Warnf("dropping connection from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		tr.inC <- msg
	}
}

// Send ships one envelope to its destination, dialing on demand.
func (tr *transport) Send(env raftpb.Envelope) {
	conn, err := tr.conn(env.To)
	if err != nil {
		elog.Debugf("no connection to %s: %v", env.To, err)
		return
	}
	if err := writeFrame(conn, env.Msg); err != nil {
		elog.Debugf("send to %s failed: %v", env.To, err)
		tr.dropConn(env.To)
	}
}

func (tr *transport) conn(id string) (net.Conn, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if conn, ok := tr.conns[id]; ok {
		return conn, nil
	}
	addr, ok := tr.addrs[id]
	if !ok {
		return nil, fmt.Errorf("unknown replica %q", id)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	tr.conns[id] = conn
	return conn, nil
}

func (tr *transport) dropConn(id string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if conn, ok := tr.conns[id]; ok {
		conn.Close()
		delete(tr.conns, id)
	}
}

func (tr *transport) Close() {
	if tr.ln != nil {
		tr.ln.Close()
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for id, conn := range tr.conns {
		conn.Close()
		delete(tr.conns, id)
	}
}

func writeFrame(w io.Writer, msg raftpb.Message) error {
	b, err := raftpb.Encode(msg)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func readFrame(r io.Reader) (raftpb.Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 || size > maxFrameSize {
		return nil, fmt.Errorf("bad frame size %d", size)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return raftpb.Decode(b)
}
