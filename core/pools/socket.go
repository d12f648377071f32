package pools

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// ListenBacklog is the accept queue length of listening sockets.
const ListenBacklog = 512

var ErrBadAddress = errors.New("pools: bad socket address")

// Socket is the TCP socket owned by a connection.
type Socket struct {
	FD       int
	IP       string
	Port     uint16
	Listener bool
}

// Valid reports whether the socket holds a descriptor.
func (s *Socket) Valid() bool { return s.FD >= 0 }

// Addr returns "ip:port".
func (s *Socket) Addr() string {
	if s.IP == "" {
		return ""
	}
	ap, err := netip.ParseAddr(s.IP)
	if err != nil {
		return fmt.Sprintf("%s:%d", s.IP, s.Port)
	}
	return netip.AddrPortFrom(ap, s.Port).String()
}

// Open creates a non-blocking stream socket for ip:port. Listener sockets are
// also bound and put into listening state.
func (s *Socket) Open(ip string, port uint16, listener bool) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadAddress, ip)
	}
	domain := unix.AF_INET
	if addr.Is6() && !addr.Is4In6() {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return fmt.Errorf("pools: socket: %w", err)
	}

	if listener {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			return fmt.Errorf("pools: setsockopt reuseaddr: %w", err)
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return fmt.Errorf("pools: setsockopt reuseport: %w", err)
		}
		if err := unix.Bind(fd, sockaddr(addr, port)); err != nil {
			unix.Close(fd)
			return fmt.Errorf("pools: bind %s: %w", netip.AddrPortFrom(addr, port), err)
		}
		if err := unix.Listen(fd, ListenBacklog); err != nil {
			unix.Close(fd)
			return fmt.Errorf("pools: listen: %w", err)
		}
		if port == 0 {
			if sa, err := unix.Getsockname(fd); err == nil {
				_, port = fromSockaddr(sa)
			}
		}
	}

	s.FD = fd
	s.IP = addr.String()
	s.Port = port
	s.Listener = listener
	return nil
}

// Wrap adopts an existing descriptor, making it non-blocking and recording
// the peer address when there is one.
func (s *Socket) Wrap(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("pools: set nonblock fd %d: %w", fd, err)
	}
	s.FD = fd
	s.IP, s.Port = "", 0
	s.Listener = false
	if sa, err := unix.Getpeername(fd); err == nil {
		s.IP, s.Port = fromSockaddr(sa)
	}
	return nil
}

// Bind points the socket at a descriptor it does not own.
func (s *Socket) Bind(fd int) {
	s.FD = fd
	s.IP, s.Port = "", 0
	s.Listener = false
}

// Connect starts a non-blocking connect to the socket's address. It returns
// unix.EINPROGRESS while the handshake is pending.
func (s *Socket) Connect() error {
	addr, err := netip.ParseAddr(s.IP)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadAddress, s.IP)
	}
	return unix.Connect(s.FD, sockaddr(addr, s.Port))
}

// Accept takes one pending connection from a listener. The new descriptor is
// non-blocking.
func (s *Socket) Accept() (fd int, ip string, port uint16, err error) {
	fd, sa, err := unix.Accept4(s.FD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, "", 0, err
	}
	ip, port = fromSockaddr(sa)
	return fd, ip, port, nil
}

// Read reads into p.
func (s *Socket) Read(p []byte) (int, error) {
	return unix.Read(s.FD, p)
}

// Write writes p.
func (s *Socket) Write(p []byte) (int, error) {
	return unix.Write(s.FD, p)
}

// SetNoDelay disables Nagle's algorithm.
func (s *Socket) SetNoDelay() error {
	return unix.SetsockoptInt(s.FD, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

// Close closes the descriptor.
func (s *Socket) Close() error {
	if s.FD < 0 {
		return nil
	}
	err := unix.Close(s.FD)
	s.FD = -1
	return err
}

func sockaddr(addr netip.Addr, port uint16) unix.Sockaddr {
	if addr.Is4() || addr.Is4In6() {
		return &unix.SockaddrInet4{Port: int(port), Addr: addr.Unmap().As4()}
	}
	return &unix.SockaddrInet6{Port: int(port), Addr: addr.As16()}
}

func fromSockaddr(sa unix.Sockaddr) (string, uint16) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(v.Addr).String(), uint16(v.Port)
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(v.Addr).String(), uint16(v.Port)
	}
	return "", 0
}
