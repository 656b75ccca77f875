package proxy

import (
	"bufio"
	"net"
	"sync"
	"testing"
)

// fakeProxy is an in-process proxy API server for tests. It answers the
// handshake and records requests; behavior per message type can be overridden.
type fakeProxy struct {
	t          *testing.T
	ln         net.Listener
	serverName string
	flags      uint32
	password   string

	mu       sync.Mutex
	requests []uint8
	handlers map[uint8]func(f *frame) *frame
	conns    []net.Conn
}

func newFakeProxy(t *testing.T) *fakeProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &fakeProxy{
		t:          t,
		ln:         ln,
		serverName: "m5stack-atom-lite-fdb45c",
		flags:      FlagBLEProxy | FlagCachelessConnect | FlagLogStream,
		handlers:   make(map[uint8]func(f *frame) *frame),
	}
	go p.acceptLoop()
	t.Cleanup(p.close)
	return p
}

func (p *fakeProxy) addr() string { return p.ln.Addr().String() }

func (p *fakeProxy) port() int { return p.ln.Addr().(*net.TCPAddr).Port }

func (p *fakeProxy) close() {
	_ = p.ln.Close()
	p.mu.Lock()
	for _, c := range p.conns {
		_ = c.Close()
	}
	p.mu.Unlock()
}

// on overrides the response for one message type.
func (p *fakeProxy) on(msgType uint8, fn func(f *frame) *frame) {
	p.mu.Lock()
	p.handlers[msgType] = fn
	p.mu.Unlock()
}

// seen returns the request types received so far.
func (p *fakeProxy) seen() []uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint8, len(p.requests))
	copy(out, p.requests)
	return out
}

// send pushes an indication frame to every live connection.
func (p *fakeProxy) send(msgType uint8, payload []byte) {
	raw := encodeFrame(&frame{Type: msgType, Seq: 0, Payload: payload})
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		_, _ = c.Write(raw)
	}
}

func (p *fakeProxy) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conns = append(p.conns, conn)
		p.mu.Unlock()
		go p.serve(conn)
	}
}

func (p *fakeProxy) serve(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		f, err := readFrame(reader)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.requests = append(p.requests, f.Type)
		custom := p.handlers[f.Type]
		p.mu.Unlock()

		var resp *frame
		if custom != nil {
			resp = custom(f)
		} else {
			resp = p.defaultResponse(f)
		}
		if resp == nil {
			continue
		}
		resp.Seq = f.Seq
		if _, err := conn.Write(encodeFrame(resp)); err != nil {
			return
		}
	}
}

func (p *fakeProxy) defaultResponse(f *frame) *frame {
	switch f.Type {
	case msgHello:
		var w wireWriter
		w.u8(1)
		w.u32(p.flags)
		w.str(p.serverName)
		return &frame{Type: msgHello | respBit, Payload: w.bytes()}
	case msgAuth:
		r := &wireReader{b: f.Payload}
		pass := r.str()
		var w wireWriter
		if p.password != "" && pass != p.password {
			w.bool(false)
			w.str("invalid password")
		} else {
			w.bool(true)
			w.str("")
		}
		return &frame{Type: msgAuth | respBit, Payload: w.bytes()}
	case msgDeviceConnect:
		var w wireWriter
		w.bool(true)
		w.u16(0)
		w.u16(247)
		w.bool(true)
		return &frame{Type: msgDeviceConnect | respBit, Payload: w.bytes()}
	case msgListServices:
		return &frame{Type: msgListServices | respBit, Payload: encodeServices(nil)}
	case msgReadChar:
		var w wireWriter
		w.blob(nil)
		return &frame{Type: msgReadChar | respBit, Payload: w.bytes()}
	case msgWriteChar:
		var w wireWriter
		w.bool(true)
		w.str("")
		return &frame{Type: msgWriteChar | respBit, Payload: w.bytes()}
	default:
		var w wireWriter
		w.bool(true)
		w.str("")
		return &frame{Type: f.Type | respBit, Payload: w.bytes()}
	}
}
