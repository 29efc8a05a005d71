// Package discovery advertises receivers on the local network over mDNS and
// lets senders find them together with the certificate fingerprint to pin.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_backupxfer._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second

	txtReceiverID  = "receiver_id"
	txtVersion     = "version"
	txtFingerprint = "fingerprint"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertising and browsing.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	ReceiverID    string
	InstanceName  string
	ListeningPort int
	Fingerprint   string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.ReceiverID) == "" {
		return errors.New("receiver ID is required")
	}
	if strings.TrimSpace(c.InstanceName) == "" {
		return errors.New("instance name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) resolveBrowse() (browseFunc, error) {
	if c.browseFn != nil {
		return c.browseFn, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse, nil
}

// Advertiser announces a receiver via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the receiver and starts answering queries.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		txtReceiverID + "=" + cfg.ReceiverID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
		txtFingerprint + "=" + cfg.Fingerprint,
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Receiver is one advertised receiver endpoint.
type Receiver struct {
	ReceiverID   string
	InstanceName string
	Fingerprint  string
	Version      int
	HostName     string
	Port         int
	Addresses    []string
	LastSeen     time.Time
}

// Address returns a dialable host:port, preferring IPv4.
func (r Receiver) Address() string {
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(r.Port))
}

// Browse runs one scan and returns the receivers seen, sorted by name.
func Browse(ctx context.Context, config Config) ([]Receiver, error) {
	cfg := config.withDefaults()
	browse, err := cfg.resolveBrowse()
	if err != nil {
		return nil, err
	}
	found, err := scan(ctx, cfg, browse)
	if err != nil {
		return nil, err
	}
	return sortedReceivers(found), nil
}

// scan browses for one ScanTimeout window and collects parsed entries.
func scan(ctx context.Context, cfg Config, browse browseFunc) (map[string]Receiver, error) {
	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Receiver)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		var in <-chan *zeroconf.ServiceEntry = entries
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					// The resolver closes the channel when it stops browsing.
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				receiver, ok := parseEntry(entry)
				if !ok {
					continue
				}
				receiver.LastSeen = time.Now()
				collected[receiver.ReceiverID] = receiver
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse %s: %w", cfg.Service, err)
	}

	<-scanCtx.Done()
	<-collectorDone

	// A deadline just means the scan window ended.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return collected, nil
}

func sortedReceivers(found map[string]Receiver) []Receiver {
	out := make([]Receiver, 0, len(found))
	for _, receiver := range found {
		out = append(out, receiver)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstanceName == out[j].InstanceName {
			return out[i].ReceiverID < out[j].ReceiverID
		}
		return out[i].InstanceName < out[j].InstanceName
	})
	return out
}

func parseEntry(entry *zeroconf.ServiceEntry) (Receiver, bool) {
	txt := txtToMap(entry.Text)

	receiverID := txt[txtReceiverID]
	if receiverID == "" || entry.Port <= 0 {
		return Receiver{}, false
	}

	version := 0
	if raw := txt[txtVersion]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ips := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		var group []string
		for _, ip := range ips {
			if ip == nil {
				continue
			}
			raw := ip.String()
			if _, exists := seen[raw]; exists {
				continue
			}
			seen[raw] = struct{}{}
			group = append(group, raw)
		}
		sort.Strings(group)
		addresses = append(addresses, group...)
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = receiverID
	}

	return Receiver{
		ReceiverID:   receiverID,
		InstanceName: name,
		Fingerprint:  txt[txtFingerprint],
		Version:      version,
		HostName:     entry.HostName,
		Port:         entry.Port,
		Addresses:    addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
