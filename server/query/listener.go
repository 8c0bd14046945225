package query

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	typeHandshake   = 0x09
	typeInformation = 0x00

	tokenTTL = 30 * time.Second
)

var (
	magic     = [...]byte{0xfe, 0xfd}
	splitNum  = [...]byte{'S', 'P', 'L', 'I', 'T', 'N', 'U', 'M', 0x00}
	playerKey = [...]byte{0x00, 0x01, 'p', 'l', 'a', 'y', 'e', 'r', '_', 0x00, 0x00}
)

// ProviderFunc produces the Data for an information request. host and port
// are the address the Listener is bound to.
type ProviderFunc func(host string, port int) Data

// Config holds the settings of a Listener.
type Config struct {
	// Log is the Logger used for debug output. Defaults to slog.Default().
	Log *slog.Logger
	// Provider supplies the Data sent to clients. If nil, only the defaults
	// are sent.
	Provider ProviderFunc
	// RequestsPerSecond limits the amount of requests answered per second,
	// across all clients. Defaults to 50.
	RequestsPerSecond int
}

// Listener answers query requests received on a UDP socket. Datagrams that
// are not query requests are dropped.
type Listener struct {
	conf    Config
	conn    net.PacketConn
	host    string
	port    int
	limiter *rate.Limiter

	mu     sync.Mutex
	tokens map[string]token

	done chan struct{}
}

type token struct {
	value  int32
	expiry time.Time
}

// Listen binds a Listener to the UDP address passed and starts answering
// requests in a new goroutine.
func (conf Config) Listen(address string) (*Listener, error) {
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, err
	}
	l := conf.serve(conn)
	go l.run()
	return l, nil
}

func (conf Config) serve(conn net.PacketConn) *Listener {
	if conf.Log == nil {
		conf.Log = slog.Default()
	}
	if conf.RequestsPerSecond <= 0 {
		conf.RequestsPerSecond = 50
	}
	l := &Listener{
		conf:    conf,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(conf.RequestsPerSecond), conf.RequestsPerSecond),
		tokens:  make(map[string]token),
		done:    make(chan struct{}),
	}
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		l.port = addr.Port
		if addr.IP != nil && !addr.IP.IsUnspecified() {
			l.host = addr.IP.String()
		}
	}
	return l
}

// Addr returns the address the Listener is bound to.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Close stops the Listener and waits until it no longer answers requests.
func (l *Listener) Close() error {
	err := l.conn.Close()
	<-l.done
	return err
}

func (l *Listener) run() {
	defer close(l.done)
	buf := make([]byte, 1500)
	for {
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.conf.Log.Error("query listener stopped", "err", err)
			}
			return
		}
		if !l.limiter.Allow() {
			continue
		}
		l.handle(buf[:n], addr)
	}
}

// handle answers the request in b. It returns false if b is not a valid
// request.
func (l *Listener) handle(b []byte, addr net.Addr) bool {
	if len(b) < 7 || b[0] != magic[0] || b[1] != magic[1] {
		return false
	}
	seq := int32(binary.BigEndian.Uint32(b[3:7]))
	switch b[2] {
	case typeHandshake:
		l.writeHandshake(addr, seq, l.issueToken(addr.String()))
	case typeInformation:
		v, ok := parseToken(b[7:])
		if !ok || !l.checkToken(addr.String(), v) {
			return false
		}
		l.writeInformation(addr, seq)
	default:
		return false
	}
	return true
}

func (l *Listener) issueToken(addr string) int32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for k, t := range l.tokens {
		if now.After(t.expiry) {
			delete(l.tokens, k)
		}
	}
	v := rand.Int32()
	l.tokens[addr] = token{value: v, expiry: now.Add(tokenTTL)}
	return v
}

func (l *Listener) checkToken(addr string, v int32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.tokens[addr]
	if !ok || time.Now().After(t.expiry) || t.value != v {
		delete(l.tokens, addr)
		return false
	}
	return true
}

func (l *Listener) writeHandshake(addr net.Addr, seq, tok int32) {
	buf := bytes.NewBuffer(make([]byte, 0, 17))
	buf.WriteByte(typeHandshake)
	_ = binary.Write(buf, binary.BigEndian, seq)
	s := strconv.FormatInt(int64(tok), 10)
	buf.WriteString(s)
	buf.Write(make([]byte, 12-len(s)))
	l.write(buf.Bytes(), addr)
}

func (l *Listener) writeInformation(addr net.Addr, seq int32) {
	var data Data
	if l.conf.Provider != nil {
		data = l.conf.Provider(l.host, l.port)
	}
	data.applyDefaults(l.host, l.port)

	buf := bytes.NewBuffer(make([]byte, 0, 256))
	buf.WriteByte(typeInformation)
	_ = binary.Write(buf, binary.BigEndian, seq)
	buf.Write(splitNum[:])
	buf.Write([]byte{0x80, 0x00})
	for _, kv := range data.keyValues() {
		buf.WriteString(kv.key)
		buf.WriteByte(0x00)
		buf.WriteString(kv.value)
		buf.WriteByte(0x00)
	}
	buf.WriteByte(0x00)
	buf.Write(playerKey[:])
	for _, name := range data.ClientNames {
		buf.WriteString(name)
		buf.WriteByte(0x00)
	}
	buf.WriteByte(0x00)
	l.write(buf.Bytes(), addr)
}

func (l *Listener) write(b []byte, addr net.Addr) {
	if _, err := l.conn.WriteTo(b, addr); err != nil {
		l.conf.Log.Debug("query write failed", "err", err, "raddr", addr.String())
	}
}

// parseToken reads the challenge token of an information request. Clients
// send it either as ASCII digits or as a big endian int32.
func parseToken(payload []byte) (int32, bool) {
	s := payload
	if i := bytes.Index(s, []byte{0xff, 0xff, 0xff, 0x01}); i >= 0 {
		s = s[:i]
	}
	s = bytes.TrimRight(s, "\x00")
	if v, err := strconv.ParseInt(string(s), 10, 32); err == nil && len(s) > 0 {
		return int32(v), true
	}
	if len(payload) >= 4 {
		return int32(binary.BigEndian.Uint32(payload[:4])), true
	}
	return 0, false
}
