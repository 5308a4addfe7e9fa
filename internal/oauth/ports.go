package oauth

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"loopauth/pkg/logging"
)

// DefaultCallbackPort is the first port of the default fallback range.
const DefaultCallbackPort = 3000

// DefaultPortCount is the number of contiguous ports in the default range.
const DefaultPortCount = 5

// PortRange is the ordered list of ports the callback listener tries.
type PortRange []int

// DefaultPortRange returns 3000 through 3004.
func DefaultPortRange() PortRange {
	return ContiguousPorts(DefaultCallbackPort, DefaultPortCount)
}

// ContiguousPorts returns count ascending ports starting at first.
func ContiguousPorts(first, count int) PortRange {
	ports := make(PortRange, 0, count)
	for i := 0; i < count; i++ {
		ports = append(ports, first+i)
	}
	return ports
}

// String renders the range as "3000-3004" when contiguous, otherwise as a comma list.
func (r PortRange) String() string {
	switch len(r) {
	case 0:
		return "(none)"
	case 1:
		return strconv.Itoa(r[0])
	}

	contiguous := true
	for i := 1; i < len(r); i++ {
		if r[i] != r[i-1]+1 {
			contiguous = false
			break
		}
	}
	if contiguous {
		return strconv.Itoa(r[0]) + "-" + strconv.Itoa(r[len(r)-1])
	}

	parts := make([]string, len(r))
	for i, p := range r {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

// listenTCP is swapped in tests to simulate bind failures other than EADDRINUSE.
var listenTCP = func(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}

// bindPort binds host:port. A failure caused by the address being in use is
// marked ErrPortInUse so the caller can advance to the next candidate.
func bindPort(ctx context.Context, host string, port int) (net.Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := listenTCP(ctx, addr)
	if err != nil {
		wrapped := errors.Wrapf(err, "failed to bind callback listener on %s", addr)
		if isAddrInUse(err) {
			return nil, errors.Mark(wrapped, ErrPortInUse)
		}
		return nil, wrapped
	}
	return ln, nil
}

// bindFirstFree walks the range in order and returns the first listener that binds.
// Exhausting the range yields ErrAllPortsExhausted naming the whole range.
// Any bind failure other than "in use" is returned immediately.
func bindFirstFree(ctx context.Context, host string, ports PortRange) (net.Listener, int, error) {
	for _, port := range ports {
		if err := ctx.Err(); err != nil {
			return nil, 0, errors.Wrap(err, "port selection cancelled")
		}

		ln, err := bindPort(ctx, host, port)
		if err == nil {
			return ln, port, nil
		}
		if !IsPortInUse(err) {
			return nil, 0, err
		}
		logging.Debug("OAuth", "Callback port %d in use, trying next candidate", port)
	}

	err := errors.Wrapf(ErrAllPortsExhausted, "no free callback port in range %s", ports)
	return nil, 0, errors.WithHintf(err,
		"Free one of the ports %s or configure different callback.ports, then retry.", ports)
}
