package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	ngroklib "golang.ngrok.com/ngrok"
	ngrokconfig "golang.ngrok.com/ngrok/config"
)

// ErrNoAuthToken is returned by Start when no ngrok credentials were set.
var ErrNoAuthToken = errors.New("ngrok auth token is required (set tunnel.authtoken or NETHOPPER_NGROK_AUTHTOKEN)")

// listenFunc opens the public endpoint. Replaced in tests.
type listenFunc func(ctx context.Context, endpoint ngrokconfig.Tunnel, authToken string) (net.Listener, error)

func ngrokListen(ctx context.Context, endpoint ngrokconfig.Tunnel, authToken string) (net.Listener, error) {
	return ngroklib.Listen(ctx, endpoint, ngroklib.WithAuthtoken(authToken))
}

// Ngrok publishes the HTTP server on an ngrok HTTPS endpoint. The returned
// listener is served alongside the loopback one, so the same router and
// bearer auth apply to both.
type Ngrok struct {
	authToken string
	domain    string
	listen    listenFunc

	mu       sync.Mutex
	listener net.Listener
	url      string
}

// NewNgrok creates a tunnel. domain is optional; without it ngrok assigns a
// random one.
func NewNgrok(authToken, domain string) *Ngrok {
	return &Ngrok{
		authToken: authToken,
		domain:    domain,
		listen:    ngrokListen,
	}
}

// Start opens the endpoint and returns the listener to serve on.
func (n *Ngrok) Start(ctx context.Context) (net.Listener, error) {
	if n.authToken == "" {
		return nil, ErrNoAuthToken
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener != nil {
		return nil, fmt.Errorf("tunnel already started at %s", n.url)
	}

	var opts []ngrokconfig.HTTPEndpointOption
	if n.domain != "" {
		opts = append(opts, ngrokconfig.WithDomain(n.domain))
	}

	l, err := n.listen(ctx, ngrokconfig.HTTPEndpoint(opts...), n.authToken)
	if err != nil {
		return nil, fmt.Errorf("opening ngrok tunnel: %w", err)
	}

	n.listener = l
	n.url = publicURL(l.Addr().String())
	slog.Info("ngrok tunnel established", "public_url", n.url)
	return l, nil
}

// PublicURL returns the endpoint URL, or "" before Start.
func (n *Ngrok) PublicURL() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.url
}

// Close tears the endpoint down. Closing an unstarted tunnel is a no-op.
func (n *Ngrok) Close() error {
	n.mu.Lock()
	l := n.listener
	url := n.url
	n.listener = nil
	n.url = ""
	n.mu.Unlock()

	if l == nil {
		return nil
	}
	slog.Info("closing ngrok tunnel", "public_url", url)
	if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing ngrok tunnel: %w", err)
	}
	return nil
}

func publicURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "https://" + addr
}
