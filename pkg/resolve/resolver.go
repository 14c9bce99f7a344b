package resolve

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const maxCNAMEHops = 5

var ErrNoAddress = errors.New("no addresses")

// Resolver looks names up against explicit DNS servers and caches the
// answers. With no servers it defers to the system resolver.
type Resolver struct {
	servers  []string // host:port
	timeout  time.Duration
	cacheTTL time.Duration
	// SystemFallback retries with the system resolver when the configured
	// servers return nothing.
	SystemFallback bool
	log            *logrus.Entry

	mu    sync.RWMutex
	cache map[string]cacheEntry
	now   func() time.Time
}

type cacheEntry struct {
	ips     []net.IP
	expires time.Time
}

func New(servers []string, perTimeout, cacheTTL time.Duration, log *logrus.Entry) *Resolver {
	if perTimeout <= 0 {
		perTimeout = 2 * time.Second
	}
	if log == nil {
		log = logrus.WithField("component", "resolve")
	}
	return &Resolver{
		servers:  NormalizeServers(servers),
		timeout:  perTimeout,
		cacheTTL: cacheTTL,
		log:      log,
		cache:    map[string]cacheEntry{},
		now:      time.Now,
	}
}

// NormalizeServers trims entries and adds the default port.
func NormalizeServers(servers []string) []string {
	var out []string
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(strings.Trim(s, "[]"), "53")
		}
		out = append(out, s)
	}
	return out
}

func (r *Resolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

// Lookup returns the A and AAAA addresses of name, following CNAMEs.
func (r *Resolver) Lookup(ctx context.Context, name string) ([]net.IP, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if name == "" {
		return nil, errors.New("empty name")
	}
	if ip := net.ParseIP(name); ip != nil {
		return []net.IP{ip}, nil
	}

	r.mu.RLock()
	if ce, ok := r.cache[name]; ok && r.now().Before(ce.expires) {
		ips := append([]net.IP(nil), ce.ips...)
		r.mu.RUnlock()
		return ips, nil
	}
	r.mu.RUnlock()

	var ips []net.IP
	var err error
	if len(r.servers) == 0 {
		ips, err = r.system(ctx, name)
	} else {
		ips, err = r.exchange(ctx, name)
		if len(ips) == 0 && r.SystemFallback {
			ips, err = r.system(ctx, name)
		}
	}
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, errors.Wrap(ErrNoAddress, name)
	}

	// stable order
	sort.Slice(ips, func(i, j int) bool { return ips[i].String() < ips[j].String() })
	if r.cacheTTL > 0 {
		r.mu.Lock()
		r.cache[name] = cacheEntry{ips: ips, expires: r.now().Add(r.cacheTTL)}
		r.mu.Unlock()
	}
	return append([]net.IP(nil), ips...), nil
}

func (r *Resolver) system(ctx context.Context, name string) ([]net.IP, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", name)
	if err != nil {
		return nil, errors.Wrapf(err, "lookup %s", name)
	}
	return ips, nil
}

func (r *Resolver) exchange(ctx context.Context, name string) ([]net.IP, error) {
	seen := map[string]struct{}{}
	var acc []net.IP
	add := func(ip net.IP) {
		if _, ok := seen[ip.String()]; !ok {
			seen[ip.String()] = struct{}{}
			acc = append(acc, ip)
		}
	}

	target := name
	var lastErr error
	for hop := 0; hop < maxCNAMEHops; hop++ {
		next := ""
		for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
			rrs, err := r.query(ctx, target, qtype)
			if err != nil {
				lastErr = err
				continue
			}
			for _, rr := range rrs {
				switch v := rr.(type) {
				case *mdns.A:
					add(v.A)
				case *mdns.AAAA:
					add(v.AAAA)
				case *mdns.CNAME:
					next = strings.TrimSuffix(v.Target, ".")
				}
			}
		}
		// stop once we have addresses; otherwise keep chasing the CNAME
		if len(acc) > 0 || next == "" || strings.EqualFold(next, target) {
			break
		}
		target = next
	}
	if len(acc) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return acc, nil
}

// query asks each server in turn and returns the first successful answer.
func (r *Resolver) query(ctx context.Context, fqdn string, qtype uint16) ([]mdns.RR, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(fqdn), qtype)
	c := &mdns.Client{Timeout: r.timeout}
	var lastErr error
	for _, srv := range r.servers {
		in, _, err := c.ExchangeContext(ctx, m, srv)
		if err == nil && in != nil && in.Rcode == mdns.RcodeSuccess {
			return append(in.Answer, in.Extra...), nil
		}
		rc := -1
		if in != nil {
			rc = in.Rcode
		}
		r.log.WithFields(logrus.Fields{"name": fqdn, "type": mdns.TypeToString[qtype], "server": srv, "rcode": rc}).WithError(err).Debug("dns query failed")
		if err != nil {
			lastErr = errors.Wrapf(err, "query %s via %s", fqdn, srv)
		} else {
			lastErr = errors.Errorf("query %s via %s: %s", fqdn, srv, mdns.RcodeToString[rc])
		}
	}
	return nil, lastErr
}

// DialContext resolves addr's host with Lookup and dials the results in
// order. It fits websocket.Dialer.NetDialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "split %s", addr)
	}
	ips, err := r.Lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: 10 * time.Second}
	var lastErr error
	for _, ip := range ips {
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "dial %s", addr)
}
