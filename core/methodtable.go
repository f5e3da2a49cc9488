package core

// registeredMethod is one (method, host) pair registered on the Server,
// along with the shared RequestMatcher that serves it. The matcher itself
// lives on the Server — every connection's RegisteredMethodTable just
// points at the same matcher instances, keyed by strings re-interned into
// that connection's own MetadataContext.
type registeredMethod struct {
	method  string
	host    string // "" means wildcard
	matcher *RequestMatcher
}

// methodSlot is one open-addressed entry in a RegisteredMethodTable.
type methodSlot struct {
	used    bool
	host    *MDString // nil for a wildcard registration
	method  *MDString
	matcher *RequestMatcher
}

// RegisteredMethodTable is a per-connection open-addressed hash table
// mapping interned (host, method) identities to a RequestMatcher, built
// once at connection setup from the server's registered methods (§4.3).
type RegisteredMethodTable struct {
	slots     []methodSlot
	maxProbes int
}

// BuildRegisteredMethodTable re-interns every registered (host, method)
// pair into mdctx and lays out a table of 2*N slots via linear probing,
// recording the worst probe distance so Lookup can bound both its passes.
func BuildRegisteredMethodTable(mdctx *MetadataContext, methods []*registeredMethod) *RegisteredMethodTable {
	n := len(methods)
	size := 2 * n
	if size == 0 {
		return &RegisteredMethodTable{}
	}
	t := &RegisteredMethodTable{slots: make([]methodSlot, size)}

	for _, rm := range methods {
		var hostMD *MDString
		var hostHash uint32
		if rm.host != "" {
			hostMD = mdctx.Intern(rm.host)
			hostHash = hostMD.hash
		}
		methodMD := mdctx.Intern(rm.method)

		hash := kvHash(hostHash, methodMD.hash)
		idx := int(hash) % size
		probes := 0
		for t.slots[idx].used {
			idx = (idx + 1) % size
			probes++
		}
		t.slots[idx] = methodSlot{used: true, host: hostMD, method: methodMD, matcher: rm.matcher}
		if probes > t.maxProbes {
			t.maxProbes = probes
		}
	}
	return t
}

// Lookup finds the matcher registered for (host, path), trying an exact
// host match first and then the wildcard (host == nil) registration.
// Both passes are bounded by maxProbes+1 probes. A miss on both passes
// means the caller should fall back to the server's unregistered matcher.
func (t *RegisteredMethodTable) Lookup(host, path *MDString) (*RequestMatcher, bool) {
	size := len(t.slots)
	if size == 0 || path == nil {
		return nil, false
	}

	var hostHash uint32
	if host != nil {
		hostHash = host.hash
	}

	// Pass 1: exact host match.
	hash := int(kvHash(hostHash, path.hash))
	for p := 0; p <= t.maxProbes; p++ {
		slot := t.slots[(hash+p)%size]
		if slot.used && slot.host == host && slot.method == path {
			return slot.matcher, true
		}
	}

	// Pass 2: wildcard.
	hash = int(kvHash(0, path.hash))
	for p := 0; p <= t.maxProbes; p++ {
		slot := t.slots[(hash+p)%size]
		if slot.used && slot.host == nil && slot.method == path {
			return slot.matcher, true
		}
	}

	return nil, false
}
