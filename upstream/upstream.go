package upstream

import (
	"errors"

	"github.com/miekg/dns"

	"github.com/treemana/dnsproxy/log"
	"github.com/treemana/dnsproxy/tls"
)

type UpStream struct {
	subnetV4 *dns.EDNS0_SUBNET
	subnetV6 *dns.EDNS0_SUBNET
	servers  []*Server
}

// New picks the fastest server of every url group.
func New(rawURLGroups [][]string, subnets []*dns.EDNS0_SUBNET, bind Bind) (*UpStream, error) {
	if len(rawURLGroups) == 0 {
		return nil, errors.New("empty rawURLGroups")
	}

	us := &UpStream{}
	for _, u := range tls.GetFastURLs(nil, rawURLGroups) {
		s, err := NewServer(u, bind)
		if err != nil {
			return nil, err
		}
		us.servers = append(us.servers, s)
	}

	if len(us.servers) == 0 {
		return nil, errors.New("empty UpStreams")
	}

	for i, s := range us.servers {
		log.Sugar.Infof("upstream resolver %d %s", i, s.String())
	}

	for _, subnet := range subnets {
		if subnet == nil {
			continue
		}

		log.Sugar.Infof("upstream subnet %s", subnet.String())

		if v4 := subnet.Address.To4(); v4 != nil {
			us.subnetV4 = subnet
			continue
		}

		us.subnetV6 = subnet
	}

	return us, nil
}
