// Package network provides peer discovery and local address helpers.
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
)

// ProbeTimeout bounds a single probe of one host.
const ProbeTimeout = 500 * time.Millisecond

// DiscoveredHost is a peer that answered a probe with its handshake
type DiscoveredHost struct {
	IP           string                 `json:"ip"`
	Port         int                    `json:"port"`
	Name         string                 `json:"name,omitempty"`
	Role         string                 `json:"role,omitempty"`
	Secure       bool                   `json:"secure"`
	ScreenBounds *protocol.ScreenBounds `json:"screenBounds,omitempty"`
}

// GetLocalIP returns the primary local IP address
func GetLocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}

// ScanLAN probes every address of the local /24 on port and returns the
// peers that answered, sorted by address.
func ScanLAN(ctx context.Context, port int) ([]DiscoveredHost, error) {
	localIP, err := GetLocalIP()
	if err != nil {
		return nil, fmt.Errorf("failed to get local IP: %w", err)
	}

	// Parse the local IP to get the subnet
	parts := strings.Split(localIP, ".")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid IP address format: %s", localIP)
	}

	subnet := fmt.Sprintf("%s.%s.%s", parts[0], parts[1], parts[2])

	logrus.WithFields(logrus.Fields{
		"function": "ScanLAN",
		"subnet":   subnet + ".0/24",
		"port":     port,
	}).Info("Scanning LAN for peers")

	var hosts []DiscoveredHost
	var mu sync.Mutex
	var wg sync.WaitGroup

	// Scan IPs 1-254 in the subnet
	for i := 1; i <= 254; i++ {
		ip := fmt.Sprintf("%s.%d", subnet, i)

		// Skip our own IP
		if ip == localIP {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
			defer cancel()
			if host, err := ProbePeer(pctx, ip, port); err == nil {
				mu.Lock()
				hosts = append(hosts, host)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return hosts, err
	}

	sort.Slice(hosts, func(i, j int) bool {
		a, b := net.ParseIP(hosts[i].IP).To4(), net.ParseIP(hosts[j].IP).To4()
		return a[3] < b[3]
	})

	logrus.WithFields(logrus.Fields{
		"function": "ScanLAN",
		"found":    len(hosts),
	}).Info("LAN scan finished")
	return hosts, nil
}

// ProbePeer connects to host:port and reads the handshake every peer sends
// on accept. TLS is tried first; a plain listener answers with a JSON line
// that fails the TLS handshake, and is then probed over plain TCP.
func ProbePeer(ctx context.Context, host string, port int) (DiscoveredHost, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	d := &tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}}
	conn, err := d.DialContext(ctx, "tcp", addr)
	secure := err == nil
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return DiscoveredHost{}, err
		}
		var nd net.Dialer
		conn, err = nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			return DiscoveredHost{}, err
		}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(ProbeTimeout))
	}

	msg, err := protocol.NewReader(conn, protocol.DefaultMaxLine).Next()
	if err != nil {
		return DiscoveredHost{}, err
	}
	if msg.Type != protocol.TypeHandshake {
		return DiscoveredHost{}, fmt.Errorf("expected handshake from %s, got %q", addr, msg.Type)
	}
	var hs protocol.Handshake
	if err := msg.DecodeData(&hs); err != nil {
		return DiscoveredHost{}, err
	}
	return DiscoveredHost{
		IP:           host,
		Port:         port,
		Name:         hs.Name,
		Role:         hs.Role,
		Secure:       secure,
		ScreenBounds: hs.ScreenBounds,
	}, nil
}

// GetLocalIPs returns all available local IPv4 addresses
func GetLocalIPs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var ips []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue // interface down
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue // loopback interface
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			ip = ip.To4()
			if ip == nil {
				continue // not an ipv4 address
			}
			ips = append(ips, ip.String())
		}
	}
	return ips, nil
}
