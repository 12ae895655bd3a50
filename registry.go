package portmap

import "sync"

// registry is the table of active mappings, keyed by external port, plus
// the two caches the orchestrator consults before dispatching: the
// known-good router-IP cache and the tri-state protocol-support cache.
//
// All three are confined to the orchestrator that owns this registry; no
// mutating handle is ever exposed to callers, per spec.md §9.
type registry struct {
	mu sync.Mutex

	mappings map[uint16]*Mapping

	// routerIPs is an ordered set, append-only, never evicted.
	routerIPs []string
	seenIP    map[string]bool

	support ProtocolSupport
}

func newRegistry() *registry {
	return &registry{
		mappings: make(map[uint16]*Mapping),
		seenIP:   make(map[string]bool),
	}
}

// insert adds m to the registry under externalPort. At most one entry per
// externalPort exists at a time; a later insert for the same port replaces
// the earlier one (idempotent add, per spec.md §8).
func (r *registry) insert(externalPort uint16, m *Mapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings[externalPort] = m
}

// remove deletes the entry for externalPort, returning it if present.
func (r *registry) remove(externalPort uint16) (*Mapping, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mappings[externalPort]
	if ok {
		delete(r.mappings, externalPort)
	}
	return m, ok
}

// get returns the entry for externalPort without removing it.
func (r *registry) get(externalPort uint16) (*Mapping, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mappings[externalPort]
	return m, ok
}

// snapshot returns a copy of the current registry contents, safe to range
// over without holding the registry lock.
func (r *registry) snapshot() map[uint16]Mapping {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[uint16]Mapping, len(r.mappings))
	for port, m := range r.mappings {
		out[port] = *m
	}
	return out
}

// keys returns the externalPort keys currently in the registry. Iterating
// a registry's own keys, rather than treating it as a generic iterable, is
// the fix for the close() iteration bug flagged in spec.md §9.
func (r *registry) keys() []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]uint16, 0, len(r.mappings))
	for port := range r.mappings {
		keys = append(keys, port)
	}
	return keys
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mappings)
}

// addRouterIP appends ip to the known-good cache if it is not already
// present.
func (r *registry) addRouterIP(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seenIP[ip] {
		return
	}
	r.seenIP[ip] = true
	r.routerIPs = append(r.routerIPs, ip)
}

// routerIPCache returns a copy of the known-good router-IP cache.
func (r *registry) routerIPCache() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.routerIPs))
	copy(out, r.routerIPs)
	return out
}

// seedRouterIPs pre-populates the cache (e.g. from OS default-gateway
// discovery) without disturbing insertion order for IPs already present.
func (r *registry) seedRouterIPs(ips []string) {
	for _, ip := range ips {
		r.addRouterIP(ip)
	}
}

// protocolSupport returns a copy of the current tri-state support cache.
func (r *registry) protocolSupport() ProtocolSupport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.support
}

// setSupport records a completed probe result for protocol p.
func (r *registry) setSupport(p Protocol, supported bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := False
	if supported {
		state = True
	}

	switch p {
	case NatPmp:
		r.support.NatPmp = state
	case Pcp:
		r.support.Pcp = state
	case Upnp:
		r.support.Upnp = state
	}
}

// setUpnpControlURL records the UPnP control URL discovered during
// probing or a successful add, for reuse by later UPnP operations.
func (r *registry) setUpnpControlURL(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.support.UpnpControlURL = url
}
