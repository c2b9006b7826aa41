package netward

import (
	"net"
	"strconv"
)

const (
	headerRequestID = "NW-RequestID"
	headerCache     = "X-Cache"

	defaultTargetPort = 80
)

// OriginRecord is a routing record binding a registered hostname to the
// origin that serves it. The proxy only ever reads these.
type OriginRecord struct {
	ID         int64
	HostRecord string
	TargetHost string
	TargetPort int
}

// Addr returns the dialable host:port of the origin.
func (o OriginRecord) Addr() string {
	port := o.TargetPort
	if port <= 0 {
		port = defaultTargetPort
	}
	return net.JoinHostPort(o.TargetHost, strconv.Itoa(port))
}

// parseTarget splits a directory target column which may carry either a bare
// host or host:port.
func parseTarget(target string) (string, int) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, defaultTargetPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return host, defaultTargetPort
	}
	return host, port
}

type ResolutionKind int

const (
	// Unresolved means the directory could not answer (outage, timeout).
	// It is never cached.
	Unresolved ResolutionKind = iota
	Found
	NotFound
)

func (k ResolutionKind) String() string {
	switch k {
	case Found:
		return "found"
	case NotFound:
		return "not-found"
	default:
		return "unresolved"
	}
}

// Resolution is the outcome of resolving a Host header.
type Resolution struct {
	Kind   ResolutionKind
	Origin OriginRecord
}

// OriginRecord returns the resolved origin, or false when the host must be
// refused.
func (r Resolution) OriginRecord() (OriginRecord, bool) {
	if r.Kind != Found {
		return OriginRecord{}, false
	}
	return r.Origin, true
}
