package tacs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/atsh/internal/plugin"
)

// ParseURI splits probe:<name>@<agent>.
func ParseURI(uri string) (name, agent string, err error) {
	rest, ok := strings.CutPrefix(uri, "probe:")
	if !ok {
		return "", "", fmt.Errorf("invalid probe uri %q: missing probe: scheme", uri)
	}
	name, agent, ok = strings.Cut(rest, "@")
	if !ok || name == "" || agent == "" {
		return "", "", fmt.Errorf("invalid probe uri %q: expected probe:<name>@<agent>", uri)
	}
	return name, agent, nil
}

// RemoteProbe is a plugin.Probe whose traffic is proxied by TACS.
type RemoteProbe struct {
	client    *Client
	name      string
	uri       string
	probeType string
	bound     bool
}

// NewRemoteProbe creates an unbound remote probe. Initialize binds it.
func NewRemoteProbe(client *Client, name, uri, probeType string) (*RemoteProbe, error) {
	if _, _, err := ParseURI(uri); err != nil {
		return nil, err
	}
	return &RemoteProbe{client: client, name: name, uri: uri, probeType: probeType}, nil
}

func (p *RemoteProbe) Name() string { return p.name }

// URI returns the remote probe address.
func (p *RemoteProbe) URI() string { return p.uri }

// Initialize binds the probe, forwarding cfg as bind parameters.
func (p *RemoteProbe) Initialize(cfg plugin.Config) error {
	if err := p.client.Bind(context.Background(), p.name, p.uri, p.probeType, cfg); err != nil {
		return err
	}
	p.bound = true
	return nil
}

func (p *RemoteProbe) Send(ctx context.Context, msg []byte) error {
	return p.client.Send(ctx, p.name, msg)
}

func (p *RemoteProbe) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return p.client.Receive(ctx, p.name, timeout)
}

// Finalize unbinds. Unbinding a never-bound probe does nothing.
func (p *RemoteProbe) Finalize() error {
	if !p.bound {
		return nil
	}
	p.bound = false
	return p.client.Unbind(context.Background(), p.name)
}
