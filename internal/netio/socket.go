// Package netio owns the three UDP sockets a ProDJ Link peer binds to,
// and the broadcast/unicast send helpers used by every higher component.
// The protocol is lossy by design: send and receive failures are logged
// and counted, never propagated up as fatal errors once a socket is open.
package netio

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/prolinkcore/prolink-core/internal/prolinkerr"
	"github.com/prolinkcore/prolink-core/internal/wire"
)

const maxDatagramSize = 1500

// readPollInterval bounds how long a blocking read waits before checking
// ctx again, so shutdown is responsive without a dedicated reader-kill path.
const readPollInterval = 200 * time.Millisecond

// Inbound is a single received datagram, tagged with the port it arrived
// on so the wire decoder can select the right dispatch table.
type Inbound struct {
	Port wire.Port
	Addr *net.UDPAddr
	Data []byte
}

// Socket owns one UDP connection bound to a single ProDJ Link port, with
// atomic counters for sent/received/dropped packets surfaced through
// metrics.
type Socket struct {
	port      wire.Port
	conn      *net.UDPConn
	logger    *slog.Logger
	broadcast *net.UDPAddr

	received atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64
}

// Bind opens a UDP socket on iface's address for the given port. When
// broadcastEnabled is true, Socket.SendBroadcast sends to the interface's
// broadcast address; callers on ports that are unicast-only pass false.
func Bind(iface *net.Interface, port wire.Port, broadcastEnabled bool, logger *slog.Logger) (*Socket, error) {
	localAddr, bcastAddr, err := interfaceAddrs(iface, port)
	if err != nil {
		return nil, err
	}
	if !broadcastEnabled {
		bcastAddr = nil
	}
	return bindAddr(localAddr, port, bcastAddr, logger)
}

// bindAddr opens a UDP socket on a caller-supplied local address. It is
// the mechanism Bind uses once it has resolved the interface's address,
// and is exercised directly by tests against loopback addresses.
func bindAddr(localAddr *net.UDPAddr, port wire.Port, bcastAddr *net.UDPAddr, logger *slog.Logger) (*Socket, error) {
	conn, err := net.ListenUDP("udp4", localAddr)
	if err != nil {
		return nil, &prolinkerr.SocketError{Sentinel: prolinkerr.ErrSocketBind, Port: int(port), Cause: err}
	}

	l := logger.With("subsystem", "netio", "port", int(port))
	l.Info("socket bound", "addr", conn.LocalAddr())

	return &Socket{port: port, conn: conn, logger: l, broadcast: bcastAddr}, nil
}

func interfaceAddrs(iface *net.Interface, port wire.Port) (local, broadcast *net.UDPAddr, err error) {
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, nil, &prolinkerr.SocketError{Sentinel: prolinkerr.ErrSocketBind, Port: int(port), Cause: err}
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		bcastIP := make(net.IP, 4)
		for i := range bcastIP {
			bcastIP[i] = ip4[i] | ^ipNet.Mask[i]
		}
		return &net.UDPAddr{IP: ip4, Port: int(port)},
			&net.UDPAddr{IP: bcastIP, Port: int(port)},
			nil
	}
	return nil, nil, &prolinkerr.SocketError{
		Sentinel: prolinkerr.ErrSocketBind,
		Port:     int(port),
		Cause:    fmt.Errorf("interface %s has no usable IPv4 address", iface.Name),
	}
}

// Port returns the port this socket is bound to.
func (s *Socket) Port() wire.Port { return s.port }

// LocalAddr returns the socket's bound local address.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the underlying UDP connection.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// Run reads datagrams until ctx is canceled, sending each to out. It has
// no return value: transient read failures are logged and counted in the
// dropped counter, and the loop continues.
func (s *Socket) Run(ctx context.Context, out chan<- Inbound) {
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.dropped.Add(1)
			s.logger.Warn("socket read failed", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.received.Add(1)

		select {
		case out <- Inbound{Port: s.port, Addr: addr, Data: data}:
		case <-ctx.Done():
			return
		default:
			s.dropped.Add(1)
			s.logger.Warn("inbound queue full, dropping packet", "remote", addr)
		}
	}
}

// SendBroadcast sends data to the interface's broadcast address on this
// socket's port. Failures are logged and dropped, never propagated.
func (s *Socket) SendBroadcast(data []byte) {
	if s.broadcast == nil {
		s.logger.Warn("broadcast attempted on unicast-only socket")
		s.dropped.Add(1)
		return
	}
	s.send(data, s.broadcast)
}

// SendUnicast sends data to addr on this socket's underlying connection.
func (s *Socket) SendUnicast(data []byte, addr *net.UDPAddr) {
	s.send(data, addr)
}

func (s *Socket) send(data []byte, addr *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		s.dropped.Add(1)
		s.logger.Warn("socket send failed", "remote", addr, "error", err)
		return
	}
	s.sent.Add(1)
}

// PacketsReceived, PacketsSent, and PacketsDropped implement the metrics
// SocketStatsProvider interface for a single socket.
func (s *Socket) PacketsReceived() uint64 { return s.received.Load() }
func (s *Socket) PacketsSent() uint64     { return s.sent.Load() }
func (s *Socket) PacketsDropped() uint64  { return s.dropped.Load() }
