package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/miekg/dns"

	"github.com/treemana/dnsproxy/log"
	"github.com/treemana/dnsproxy/util"
)

var ErrNoResponse = errors.New("no upstream response")

type result struct {
	resp *dns.Msg
	err  error
}

// Exchange sends req to every server at once.  The first NOERROR or NXDOMAIN
// response wins, otherwise the first response of any rcode, an error when no
// server answered.
func (s *UpStream) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if len(req.Question) != 1 {
		return nil, fmt.Errorf("id=%d, question=%d", req.Id, len(req.Question))
	}

	var clientSubnet = util.DNSSubnetExist(req)
	req = req.Copy()
	s.setSubnet(req)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var results = make(chan result, len(s.servers))
	for _, server := range s.servers {
		go func(server *Server, req *dns.Msg) {
			resp, err := server.Exchange(ctx, req)
			if err != nil {
				err = fmt.Errorf("%s [%w]", server.String(), err)
			}
			results <- result{resp: resp, err: err}
		}(server, req.Copy())
	}

	var fallback *dns.Msg
	var errs []error
	for n := len(s.servers); n > 0; n-- {
		r := <-results
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}

		switch r.resp.Rcode {
		case dns.RcodeSuccess, dns.RcodeNameError:
			if !clientSubnet {
				util.DNSSubnetRemove(r.resp)
			}
			return r.resp, nil
		default:
			// something unusual happen
			log.Sugar.Warnf("id=%d, %s response code [%s]", req.Id, req.Question[0].Name, dns.RcodeToString[r.resp.Rcode])
			if fallback == nil {
				fallback = r.resp
			}
		}
	}

	if fallback != nil {
		if !clientSubnet {
			util.DNSSubnetRemove(fallback)
		}
		return fallback, nil
	}

	return nil, fmt.Errorf("%w: %w", ErrNoResponse, errors.Join(errs...))
}

// setSubnet set system subnet to dns.Msg EDNS0
// do nothing when req had a subnet already
func (s *UpStream) setSubnet(req *dns.Msg) {
	if util.DNSSubnetExist(req) {
		return
	}

	var subnet *dns.EDNS0_SUBNET
	switch req.Question[0].Qtype {
	case dns.TypeAAAA:
		subnet = s.subnetV6
	default:
		subnet = s.subnetV4
	}

	if subnet == nil {
		return
	}

	util.DNSSetSUBNET(req, subnet)
}
