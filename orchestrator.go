// Package portmap provides the protocol-agnostic port-mapping API: given a
// gateway of unknown capability, it opens and maintains an inbound port
// forwarding via whichever of NAT-PMP, PCP, or UPnP IGD the gateway
// supports, refreshing the mapping before it expires.
//
// Call New to obtain an Orchestrator, then AddMapping to open a hole.
package portmap

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/hlandau/xlog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Lamby777/liberate-your-ports/candidates"
	"github.com/Lamby777/liberate-your-ports/gateway"
	"github.com/Lamby777/liberate-your-ports/ipmatch"
	"github.com/Lamby777/liberate-your-ports/natpmp"
	"github.com/Lamby777/liberate-your-ports/netcap"
	"github.com/Lamby777/liberate-your-ports/pcp"
	"github.com/Lamby777/liberate-your-ports/transport"
	"github.com/Lamby777/liberate-your-ports/upnp"
)

var log, Log = xlog.NewQuiet("portmap")

// Orchestrator is the mapping registry and protocol-failover orchestrator:
// component H. It owns the registry and the two caches (router-IP,
// protocol-support) and is the only thing that mutates them.
type Orchestrator struct {
	net         netcap.Interface
	natpmpClient *natpmp.Client
	pcpClient    *pcp.Client
	upnpClient   *upnp.Client

	reg     *registry
	metrics *metrics

	mu     sync.Mutex
	closed bool
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

// WithMetrics registers the orchestrator's Prometheus instrumentation
// against reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *Orchestrator) {
		o.metrics = newMetrics(reg)
	}
}

// New returns an Orchestrator driving all three protocols over net. The
// router-IP cache is seeded with this host's OS-reported default gateways,
// if any, so the first wave of candidates isn't limited to guessed
// defaults.
func New(net netcap.Interface, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		net:          net,
		natpmpClient: natpmp.New(net),
		pcpClient:    pcp.New(net),
		upnpClient:   upnp.New(net),
		reg:          newRegistry(),
	}

	for _, opt := range opts {
		opt(o)
	}

	o.reg.seedRouterIPs(gateway.GetIPv4Strings())

	return o
}

// dispatchOrder returns the protocols eligible to try, in PMP -> PCP ->
// UPnP priority, skipping any known-unsupported protocol. An empty result
// means every protocol is known-false.
func dispatchOrder(support ProtocolSupport) []Protocol {
	var order []Protocol
	if support.NatPmp != False {
		order = append(order, NatPmp)
	}
	if support.Pcp != False {
		order = append(order, Pcp)
	}
	if support.Upnp != False {
		order = append(order, Upnp)
	}
	return order
}

// AddMapping opens (or refreshes) a single port forwarding, trying
// whichever protocols the support cache allows, PMP first, in strict
// sequence. Never returns an error: failure is encoded in the returned
// Mapping's ExternalPort/ErrInfo per spec.
func (o *Orchestrator) AddMapping(ctx context.Context, t transport.Transport, internalPort, suggestedExternalPort uint16, lifetime time.Duration) Mapping {
	if o.isClosed() {
		return failureMapping("orchestrator is closed")
	}

	localIPs, err := o.net.LocalIPv4s()
	if err != nil {
		log.Debugf("AddMapping: local IP enumeration failed: %v", err)
		return failureMapping(fmt.Sprintf("no local IP: %v", err))
	}

	support := o.reg.protocolSupport()
	order := dispatchOrder(support)
	if len(order) == 0 {
		return failureMapping("No protocols are supported from last probe")
	}

	cache := o.reg.routerIPCache()
	requestedSeconds := uint32(lifetime / time.Second)

	var lastErr string
	for _, proto := range order {
		m, routerIP, ok := o.tryAdd(ctx, proto, t, internalPort, suggestedExternalPort, requestedSeconds, cache, localIPs, &lastErr)
		o.reg.setSupport(proto, ok)
		o.metrics.addResult(proto, ok)
		if !ok {
			log.Debugf("AddMapping: %s failed for internal port %d", proto, internalPort)
			continue
		}

		o.reg.addRouterIP(routerIP)
		o.armTimer(m, t, internalPort, requestedSeconds)
		o.reg.insert(uint16(m.ExternalPort), m)
		o.metrics.setActive(o.reg.count())
		log.Infof("AddMapping: %s mapped %d->%d (lifetime %ds) via %s", t, internalPort, m.ExternalPort, m.Lifetime, proto)
		return *m
	}

	if lastErr != "" {
		return failureMapping(lastErr)
	}
	return failureMapping("No protocols are supported from last probe")
}

// tryAdd dispatches to the single-protocol add helper for proto.
func (o *Orchestrator) tryAdd(ctx context.Context, proto Protocol, t transport.Transport, internalPort, suggestedExternalPort uint16, lifetimeSeconds uint32, cache, localIPs []string, lastErr *string) (*Mapping, string, bool) {
	switch proto {
	case NatPmp:
		return o.tryNatPmpAdd(ctx, t, internalPort, suggestedExternalPort, lifetimeSeconds, cache, localIPs)
	case Pcp:
		return o.tryPcpAdd(ctx, t, internalPort, suggestedExternalPort, lifetimeSeconds, cache, localIPs)
	case Upnp:
		return o.tryUpnpAdd(ctx, t, internalPort, suggestedExternalPort, lifetimeSeconds, localIPs, lastErr)
	default:
		return nil, "", false
	}
}

func (o *Orchestrator) tryNatPmpAdd(ctx context.Context, t transport.Transport, internalPort, suggestedExternalPort uint16, lifetimeSeconds uint32, cache, localIPs []string) (*Mapping, string, bool) {
	opcode, ok := natpmp.OpcodeFor(t)
	if !ok {
		return nil, "", false
	}

	result, ok := o.natpmpClient.AddMapping(ctx, cache, localIPs, opcode, internalPort, suggestedExternalPort, lifetimeSeconds)
	if !ok {
		return nil, "", false
	}

	m := &Mapping{
		InternalIP:   result.InternalIP,
		InternalPort: internalPort,
		ExternalPort: int(result.ExternalPort),
		Lifetime:     result.Lifetime,
		Protocol:     NatPmp,
	}
	m.deleter = func(ctx context.Context) bool {
		localIPs, err := o.net.LocalIPv4s()
		if err != nil {
			localIPs = nil
		}
		return o.natpmpClient.DeleteMapping(ctx, o.reg.routerIPCache(), localIPs, opcode, internalPort)
	}
	return m, result.RouterIP, true
}

func (o *Orchestrator) tryPcpAdd(ctx context.Context, t transport.Transport, internalPort, suggestedExternalPort uint16, lifetimeSeconds uint32, cache, localIPs []string) (*Mapping, string, bool) {
	result, ok := o.pcpClient.AddMapping(ctx, t, cache, localIPs, internalPort, suggestedExternalPort, lifetimeSeconds)
	if !ok {
		return nil, "", false
	}
	log.Debugf("PCP add (txn %s): router %s granted external port %d", result.TransactionID, result.RouterIP, result.ExternalPort)

	nonce := result.Nonce
	m := &Mapping{
		InternalIP:   result.InternalIP,
		InternalPort: internalPort,
		ExternalIP:   result.ExternalIP,
		ExternalPort: int(result.ExternalPort),
		Lifetime:     result.Lifetime,
		Protocol:     Pcp,
		Nonce:        nonce,
	}
	m.deleter = func(ctx context.Context) bool {
		localIPs, err := o.net.LocalIPv4s()
		if err != nil {
			localIPs = nil
		}
		return o.pcpClient.DeleteMapping(ctx, t, o.reg.routerIPCache(), localIPs, internalPort, nonce)
	}
	return m, result.RouterIP, true
}

func (o *Orchestrator) tryUpnpAdd(ctx context.Context, t transport.Transport, internalPort, suggestedExternalPort uint16, lifetimeSeconds uint32, localIPs []string, lastErr *string) (*Mapping, string, bool) {
	support := o.reg.protocolSupport()

	var controlURL *url.URL
	if support.UpnpControlURL != "" {
		if u, err := url.Parse(support.UpnpControlURL); err == nil {
			controlURL = u
		}
	}

	if controlURL == nil {
		locations, err := o.upnpClient.Discover(ctx)
		if err != nil || len(locations) == 0 {
			return nil, "", false
		}

		for _, loc := range locations {
			u, err := o.upnpClient.ResolveControlURL(ctx, loc)
			if err == nil {
				controlURL = u
				break
			}
		}
		if controlURL == nil {
			return nil, "", false
		}
		o.reg.setUpnpControlURL(controlURL.String())
	}

	routerIP := controlURL.Hostname()
	internalIP, ok := ipmatch.LongestPrefixMatch(localIPs, routerIP)
	if !ok {
		if len(localIPs) == 0 {
			return nil, "", false
		}
		internalIP = localIPs[0]
	}

	result, err := o.upnpClient.AddPortMapping(ctx, controlURL, t, internalPort, suggestedExternalPort, internalIP, lifetimeSeconds)
	if err != nil {
		if lastErr != nil {
			*lastErr = err.Error()
		}
		return nil, "", false
	}

	cu := controlURL
	extPort := result.ExternalPort
	m := &Mapping{
		InternalIP:   internalIP,
		InternalPort: internalPort,
		ExternalPort: int(extPort),
		Lifetime:     result.Lifetime,
		Protocol:     Upnp,
	}
	m.deleter = func(ctx context.Context) bool {
		return o.upnpClient.DeletePortMapping(ctx, cu, t, extPort) == nil
	}
	return m, routerIP, true
}

// armTimer schedules the refresh or expiry timer for m, per spec.md §4.H
// step 3. Exactly one of refresh or expiry is armed at any moment.
func (o *Orchestrator) armTimer(m *Mapping, t transport.Transport, internalPort uint16, requestedSeconds uint32) {
	granted := m.Lifetime
	externalPort := uint16(m.ExternalPort)

	switch {
	case requestedSeconds == 0:
		m.timer = time.AfterFunc(24*time.Hour, func() {
			o.refreshMapping(t, internalPort, externalPort, 0)
		})
	case granted < requestedSeconds:
		remaining := requestedSeconds - granted
		m.timer = time.AfterFunc(time.Duration(granted)*time.Second, func() {
			o.refreshMapping(t, internalPort, externalPort, remaining)
		})
	default:
		m.timer = time.AfterFunc(time.Duration(granted)*time.Second, func() {
			o.expireMapping(externalPort)
		})
	}
}

// refreshMapping re-invokes AddMapping for a mapping nearing expiry,
// requesting requestedSeconds more (0 meaning "still static"). If the
// router grants a different external port, the stale entry is evicted; if
// the refresh itself fails outright, the entry is evicted too.
func (o *Orchestrator) refreshMapping(t transport.Transport, internalPort, oldExternalPort uint16, requestedSeconds uint32) {
	if o.isClosed() {
		return
	}

	old, _ := o.reg.get(oldExternalPort)

	result := o.AddMapping(context.Background(), t, internalPort, oldExternalPort, time.Duration(requestedSeconds)*time.Second)

	if old != nil {
		o.metrics.refresh(old.Protocol)
	}

	if result.Failed() {
		o.reg.remove(oldExternalPort)
		o.metrics.setActive(o.reg.count())
		return
	}
	if result.ExternalPort != int(oldExternalPort) {
		o.reg.remove(oldExternalPort)
		o.metrics.setActive(o.reg.count())
	}
}

// expireMapping evicts a mapping once its granted lifetime runs out with
// no shorter-than-requested renewal pending.
func (o *Orchestrator) expireMapping(externalPort uint16) {
	o.reg.remove(externalPort)
	o.metrics.setActive(o.reg.count())
}

// DeleteMapping removes a previously added mapping. Returns false if no
// entry exists for externalPort.
func (o *Orchestrator) DeleteMapping(ctx context.Context, externalPort uint16) bool {
	m, ok := o.reg.get(externalPort)
	if !ok {
		return false
	}

	success := m.deleter(ctx)
	o.metrics.deleteResult(m.Protocol, success)
	if success {
		if m.timer != nil {
			m.timer.Stop()
		}
		o.reg.remove(externalPort)
		o.metrics.setActive(o.reg.count())
	}
	return success
}

// ProbeProtocolSupport runs all three protocol probes, plus UPnP
// control-URL discovery, in parallel and records the boolean outcomes in
// the protocol-support cache.
func (o *Orchestrator) ProbeProtocolSupport(ctx context.Context) ProtocolSupport {
	localIPs, err := o.net.LocalIPv4s()
	if err != nil {
		return o.reg.protocolSupport()
	}

	cache := o.reg.routerIPCache()
	wave1, wave2 := candidates.Waves(cache, localIPs)
	allCandidates := append(append([]string{}, wave1...), wave2...)

	var wg sync.WaitGroup
	var pmpOK, pcpOK, upnpOK bool
	var upnpURL *url.URL

	wg.Add(3)

	go func() {
		defer wg.Done()
		for _, ip := range allCandidates {
			if o.natpmpClient.Probe(ctx, ip, uint16(candidates.ProbePortPMP)) {
				pmpOK = true
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for _, ip := range allCandidates {
			for _, localIP := range localIPs {
				if o.pcpClient.Probe(ctx, ip, localIP, uint16(candidates.ProbePortPCP)) {
					pcpOK = true
					return
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		if len(localIPs) == 0 {
			return
		}
		ok, cu := o.upnpClient.Probe(ctx, localIPs[0], uint16(candidates.ProbePortUPnP))
		upnpOK = ok
		upnpURL = cu
	}()

	wg.Wait()

	o.reg.setSupport(NatPmp, pmpOK)
	o.reg.setSupport(Pcp, pcpOK)
	o.reg.setSupport(Upnp, upnpOK)
	if upnpURL != nil {
		o.reg.setUpnpControlURL(upnpURL.String())
	}

	return o.reg.protocolSupport()
}

// ActiveMappings returns a snapshot of the registry, keyed by external
// port.
func (o *Orchestrator) ActiveMappings() map[uint16]Mapping {
	return o.reg.snapshot()
}

// ReconcileUpnpMappings lists the router's own port-mapping table via
// GetGenericPortMappingEntry and evicts any locally tracked UPnP mapping
// the router no longer reports — for example after a reboot wiped its
// table out of band, before this orchestrator's own lifetime timer would
// have caught it. Returns the number of entries evicted. A no-op if UPnP
// support hasn't been established yet.
func (o *Orchestrator) ReconcileUpnpMappings(ctx context.Context) int {
	support := o.reg.protocolSupport()
	if support.UpnpControlURL == "" {
		return 0
	}
	controlURL, err := url.Parse(support.UpnpControlURL)
	if err != nil {
		return 0
	}

	routerEntries, err := o.upnpClient.ListMappings(ctx, controlURL)
	if err != nil {
		return 0
	}
	onRouter := make(map[uint16]bool, len(routerEntries))
	for _, e := range routerEntries {
		onRouter[e.ExternalPort] = true
	}

	evicted := 0
	for _, port := range o.reg.keys() {
		m, ok := o.reg.get(port)
		if !ok || m.Protocol != Upnp {
			continue
		}
		if !onRouter[port] {
			o.reg.remove(port)
			evicted++
		}
	}
	if evicted > 0 {
		o.metrics.setActive(o.reg.count())
	}
	return evicted
}

// RouterIPCache returns the known-good router IPs discovered so far.
func (o *Orchestrator) RouterIPCache() []string {
	return o.reg.routerIPCache()
}

// ProtocolSupportCache returns the current tri-state protocol-support
// cache.
func (o *Orchestrator) ProtocolSupportCache() ProtocolSupport {
	return o.reg.protocolSupport()
}

// PrivateIPs enumerates this host's routable LAN IPv4 addresses.
func (o *Orchestrator) PrivateIPs() ([]string, error) {
	return o.net.LocalIPv4s()
}

// Close deletes every active mapping in parallel and marks the
// orchestrator closed; in-flight probes complete or time out naturally but
// no new timers are armed afterward.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	keys := o.reg.keys()
	var wg sync.WaitGroup
	for _, port := range keys {
		wg.Add(1)
		go func(port uint16) {
			defer wg.Done()
			o.DeleteMapping(context.Background(), port)
		}(port)
	}
	wg.Wait()
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
