package util

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	wimiURLV4       = "https://api.whatismyip.com/wimi.php"
	wimiURLV6       = "https://apiv6.whatismyip.com/wimi.php"
	wimiHeaderKey   = "Origin"
	wimiHeaderValue = "https://www.whatismyip.com"

	// ipv*Flags is the set of socket option flags for configuring IPv* UDP
	// connection to receive an appropriate OOB data.  For both versions the flags
	// are:
	//   FlagDst
	//   FlagInterface
	ipv4Flags = ipv4.FlagDst | ipv4.FlagInterface
	ipv6Flags = ipv6.FlagDst | ipv6.FlagInterface
)

type WIMI struct {
	IP  string `json:"ip"` // string like "0.0.0.0"
	GEO string `json:"geo"`
	ISP string `json:"isp"`
}

var OOBSize = getOOBSize()

func GetPublicIPV4() (net.IP, error) { return getPublicIP(false) }
func GetPublicIPV6() (net.IP, error) { return getPublicIP(true) }
func getPublicIP(v6 bool) (net.IP, error) {

	var url = wimiURLV4
	if v6 {
		url = wimiURLV6
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add(wimiHeaderKey, wimiHeaderValue)

	var res *http.Response
	if res, err = http.DefaultClient.Do(req); err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	var raw []byte
	if raw, err = io.ReadAll(res.Body); err != nil {
		return nil, err
	}

	var wimi WIMI
	if err = json.Unmarshal(raw, &wimi); err != nil {
		return nil, err
	}

	ip := net.ParseIP(wimi.IP)
	if ip == nil {
		return nil, fmt.Errorf("invalid public ip %q", wimi.IP)
	}

	return ip, nil
}

// SetControlMessage asks the kernel for the destination address and arrival
// interface of every datagram read from conn.
func SetControlMessage(conn *net.UDPConn, v6 bool) error {
	if v6 {
		return ipv6.NewPacketConn(conn).SetControlMessage(ipv6Flags, true)
	}
	return ipv4.NewPacketConn(conn).SetControlMessage(ipv4Flags, true)
}

// ParseOOB returns the destination address and interface index carried in
// the control message of a datagram.
func ParseOOB(oob []byte, v6 bool) (netip.Addr, int) {
	if len(oob) == 0 {
		return netip.Addr{}, 0
	}

	if v6 {
		var cm ipv6.ControlMessage
		if err := cm.Parse(oob); err != nil {
			return netip.Addr{}, 0
		}
		dst, _ := netip.AddrFromSlice(cm.Dst)
		return dst.Unmap(), cm.IfIndex
	}

	var cm ipv4.ControlMessage
	if err := cm.Parse(oob); err != nil {
		return netip.Addr{}, 0
	}
	dst, _ := netip.AddrFromSlice(cm.Dst)
	return dst.Unmap(), cm.IfIndex
}

// getOOBSize returns maximum size of the received OOB data.
func getOOBSize() (oobSize int) {
	l4, l6 := len(ipv4.NewControlMessage(ipv4Flags)), len(ipv6.NewControlMessage(ipv6Flags))

	if l4 >= l6 {
		return l4
	}

	return l6
}

// GetOOBWithSrc makes the OOB data with a specified source IP and interface.
func GetOOBWithSrc(ip netip.Addr, ifIndex int) []byte {
	if !ip.IsValid() || ip.IsUnspecified() {
		return nil
	}

	if ip.Unmap().Is4() {
		return (&ipv4.ControlMessage{Src: net.IP(ip.Unmap().AsSlice()), IfIndex: ifIndex}).Marshal()
	}

	return (&ipv6.ControlMessage{Src: net.IP(ip.AsSlice()), IfIndex: ifIndex}).Marshal()
}

// InterfaceIndexes resolves interface names or decimal indexes.
func InterfaceIndexes(names []string) ([]int, error) {
	var indexes = make([]int, 0, len(names))
	for _, name := range names {
		index, err := InterfaceIndex(name)
		if err != nil {
			return nil, err
		}
		indexes = append(indexes, index)
	}
	return indexes, nil
}

func InterfaceIndex(name string) (int, error) {
	if len(name) == 0 {
		return 0, nil
	}

	if index, err := strconv.Atoi(name); err == nil {
		return index, nil
	}

	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("interface %s error=[%w]", name, err)
	}

	return ifi.Index, nil
}

// InterfaceAddr returns the first address of the requested family configured
// on the interface, the zero Addr when there is none.
func InterfaceAddr(index int, v6 bool) (netip.Addr, error) {
	ifi, err := net.InterfaceByIndex(index)
	if err != nil {
		return netip.Addr{}, err
	}

	addrs, err := ifi.Addrs()
	if err != nil {
		return netip.Addr{}, err
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if ip.Is6() == v6 && !ip.IsLinkLocalUnicast() {
			return ip, nil
		}
	}

	return netip.Addr{}, nil
}

// InterfaceByAddr returns the index of the interface owning ip, zero when no
// interface does.
func InterfaceByAddr(ip netip.Addr) int {
	ifis, err := net.Interfaces()
	if err != nil {
		return 0
	}

	ip = ip.Unmap()
	for _, ifi := range ifis {
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if a, ok := netip.AddrFromSlice(ipNet.IP); ok && a.Unmap() == ip {
				return ifi.Index
			}
		}
	}

	return 0
}
