// Package netcap is the injected capability surface for everything the
// portmap core needs to touch the outside world: UDP sockets, HTTP, SSDP
// multicast, local address enumeration and randomness. Timers are not part
// of this surface; the orchestrator uses the time package directly.
//
// Keeping this behind an interface, rather than calling net/http directly
// from the protocol packages, is what lets the registry and the protocol
// clients be exercised against fake routers in tests.
package netcap

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	degonet "github.com/hlandau/degoutils/net"
	"golang.org/x/net/ipv4"
)

// ErrNoLocalIP is returned by LocalIPv4s when no routable LAN address could
// be found within the enumeration deadline.
var ErrNoLocalIP = errors.New("netcap: no local IPv4 address found")

// localIPTimeout bounds how long LocalIPv4s will wait for the interface
// table, per spec.
const localIPTimeout = 2 * time.Second

// ssdpGroup is the SSDP multicast rendezvous address.
const ssdpGroup = "239.255.255.250"
const ssdpPort = 1900

// Socket is an opaque bound UDP socket handle.
type Socket interface {
	// SendTo writes b to dstIP:dstPort.
	SendTo(b []byte, dstIP string, dstPort int) error
	// RecvOne blocks for the first datagram received, or until ctx is done.
	RecvOne(ctx context.Context) ([]byte, net.Addr, error)
	// Close releases the socket. Safe to call more than once.
	Close() error
}

// Interface is the capability surface consumed by the protocol clients and
// the orchestrator. A production Interface is obtained via New(); tests
// substitute a fake.
type Interface interface {
	// UDPBindEphemeral binds a UDP socket to 0.0.0.0:0.
	UDPBindEphemeral() (Socket, error)

	// HTTPGet performs an HTTP GET and returns the response body.
	HTTPGet(ctx context.Context, url string) ([]byte, error)

	// HTTPPostSOAP performs an HTTP POST with the given SOAPAction header
	// and text/xml body, returning the response body and status code.
	HTTPPostSOAP(ctx context.Context, url, soapAction string, body []byte) ([]byte, int, error)

	// SSDPSearch sends an M-SEARCH datagram for st and collects unicast
	// HTTP/1.1 replies for window, returning their raw bytes.
	SSDPSearch(ctx context.Context, st string, window time.Duration) ([][]byte, error)

	// LocalIPv4s enumerates routable LAN IPv4 addresses on this host.
	LocalIPv4s() ([]string, error)

	// RandomBytes returns n cryptographically random bytes.
	RandomBytes(n int) ([]byte, error)
}

type netInterface struct {
	httpClient *http.Client
}

// New returns the production Interface backed by the real network stack.
func New() Interface {
	return &netInterface{
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type udpSocket struct {
	conn *net.UDPConn
}

func (n *netInterface) UDPBindEphemeral() (Socket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}
	return &udpSocket{conn: conn}, nil
}

func (s *udpSocket) SendTo(b []byte, dstIP string, dstPort int) error {
	addr := &net.UDPAddr{IP: net.ParseIP(dstIP), Port: dstPort}
	_, err := s.conn.WriteToUDP(b, addr)
	return err
}

func (s *udpSocket) RecvOne(ctx context.Context) ([]byte, net.Addr, error) {
	type result struct {
		buf  []byte
		addr net.Addr
		err  error
	}

	done := make(chan result, 1)
	go func() {
		buf, addr, err := degonet.ReadDatagramFromUDP(s.conn)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{buf: buf, addr: addr}
	}()

	select {
	case r := <-done:
		return r.buf, r.addr, r.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}

func (n *netInterface) HTTPGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	res, err := n.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("netcap: non-200 status code %d fetching %s", res.StatusCode, url)
	}

	buf := &bytes.Buffer{}
	if _, err := buf.ReadFrom(res.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n *netInterface) HTTPPostSOAP(ctx context.Context, url, soapAction string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", `"`+soapAction+`"`)

	res, err := n.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()

	buf := &bytes.Buffer{}
	if _, err := buf.ReadFrom(res.Body); err != nil {
		return nil, res.StatusCode, err
	}
	return buf.Bytes(), res.StatusCode, nil
}

// SSDPSearch joins the SSDP multicast group on every local-broadcast
// capable interface (via golang.org/x/net/ipv4, matching how the rest of
// the retrieved pack reaches past the stdlib for multicast plumbing),
// sends one M-SEARCH datagram, and collects unicast replies for window.
func (n *netInterface) SSDPSearch(ctx context.Context, st string, window time.Duration) ([][]byte, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	pconn := ipv4.NewPacketConn(conn)
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			_ = pconn.JoinGroup(&iface, &net.UDPAddr{IP: net.ParseIP(ssdpGroup)})
		}
	}

	msg := fmt.Sprintf(
		"M-SEARCH * HTTP/1.1\r\n"+
			"HOST: %s:%d\r\n"+
			"MAN: \"ssdp:discover\"\r\n"+
			"MX: 2\r\n"+
			"ST: %s\r\n\r\n", ssdpGroup, ssdpPort, st)

	dst := &net.UDPAddr{IP: net.ParseIP(ssdpGroup), Port: ssdpPort}
	if _, err := conn.WriteToUDP([]byte(msg), dst); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(window)
	conn.SetReadDeadline(deadline)

	var replies [][]byte
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			break
		}
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		replies = append(replies, cp)
	}
	return replies, nil
}

// LocalIPv4s enumerates non-loopback IPv4 addresses bound to this host's
// interfaces, failing with ErrNoLocalIP if none are routable within
// localIPTimeout.
func (n *netInterface) LocalIPv4s() ([]string, error) {
	type result struct {
		ips []string
		err error
	}

	done := make(chan result, 1)
	go func() {
		addrs, err := net.InterfaceAddrs()
		if err != nil {
			done <- result{err: err}
			return
		}

		var ips []string
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			v4 := ipnet.IP.To4()
			if v4 == nil {
				continue
			}
			ips = append(ips, v4.String())
		}
		done <- result{ips: ips}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if len(r.ips) == 0 {
			return nil, ErrNoLocalIP
		}
		return r.ips, nil
	case <-time.After(localIPTimeout):
		return nil, ErrNoLocalIP
	}
}

func (n *netInterface) RandomBytes(count int) ([]byte, error) {
	b := make([]byte, count)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// ParseHTTPLocation extracts the LOCATION header value from a raw HTTPU
// response datagram, as collected by SSDPSearch.
func ParseHTTPLocation(raw []byte) (string, bool) {
	lines := strings.Split(string(raw), "\r\n")
	for _, line := range lines {
		if len(line) < 9 {
			continue
		}
		if strings.EqualFold(line[:9], "LOCATION:") {
			return strings.TrimSpace(line[9:]), true
		}
	}
	return "", false
}
