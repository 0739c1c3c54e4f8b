// Package sshgw implements the remote.Conn, remote.Channel and
// remote.Gateway contracts on top of golang.org/x/crypto/ssh, including
// jump-host tunnelling: a gateway constructed with a bastion dials targets
// through the bastion's SSH client instead of the local network.
package sshgw

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"armada/logging"
	"armada/registry"
	"armada/remote"
)

const DefaultDialTimeout = 10 * time.Second

// Gateway dials SSH transports. The zero-value jump fields mean direct
// dialing; with jump settings the bastion client is established lazily on
// first use and torn down by Shutdown.
type Gateway struct {
	mu       sync.Mutex
	logger   *logging.Logger
	jumpAddr string
	jumpUser string
	jumpOpts map[string]any
	jump     *ssh.Client
	timeout  time.Duration
}

// NewDirect returns a gateway that dials targets over the local network.
func NewDirect(logger *logging.Logger) *Gateway {
	return &Gateway{logger: logger, timeout: DefaultDialTimeout}
}

// NewJump returns a gateway that dials targets through the given bastion.
func NewJump(host, user string, options map[string]any, logger *logging.Logger) *Gateway {
	port := registry.DefaultPort
	if v, ok := options[registry.OptPort].(int); ok && v > 0 {
		port = v
	}
	return &Gateway{
		logger:   logger,
		jumpAddr: net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		jumpUser: user,
		jumpOpts: options,
		timeout:  DefaultDialTimeout,
	}
}

func (g *Gateway) Establish(host, user string, options map[string]any) (remote.Conn, error) {
	config, err := clientConfig(user, options, g.timeout)
	if err != nil {
		return nil, &remote.ConnectError{Host: host, Err: err}
	}

	port := registry.DefaultPort
	switch v := options[registry.OptPort].(type) {
	case int:
		if v > 0 {
			port = v
		}
	case int64:
		if v > 0 {
			port = int(v)
		}
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	netConn, err := g.dialNet(addr)
	if err != nil {
		return nil, &remote.ConnectError{Host: host, Err: err}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		return nil, &remote.ConnectError{Host: host, Err: classifyHandshakeError(err)}
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	g.logger.Debug("transport established", map[string]string{
		"host": host,
		"addr": addr,
	})
	return newConn(client, host, g.logger), nil
}

func (g *Gateway) dialNet(addr string) (net.Conn, error) {
	g.mu.Lock()
	jumpAddr := g.jumpAddr
	g.mu.Unlock()
	if jumpAddr == "" {
		return net.DialTimeout("tcp", addr, g.timeout)
	}

	jump, err := g.jumpClient()
	if err != nil {
		return nil, err
	}
	return jump.Dial("tcp", addr)
}

func (g *Gateway) jumpClient() (*ssh.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.jump != nil {
		return g.jump, nil
	}

	config, err := clientConfig(g.jumpUser, g.jumpOpts, g.timeout)
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", g.jumpAddr, config)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", g.jumpAddr, classifyHandshakeError(err))
	}
	g.jump = client
	g.logger.Info("gateway established", map[string]string{
		"addr": g.jumpAddr,
	})
	return client, nil
}

// Shutdown tears down the bastion tunnel. Conns established through the
// gateway are closed by their owners, not here.
func (g *Gateway) Shutdown() error {
	g.mu.Lock()
	jump := g.jump
	g.jump = nil
	g.mu.Unlock()
	if jump == nil {
		return nil
	}
	return jump.Close()
}

func clientConfig(user string, options map[string]any, timeout time.Duration) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	if password, ok := options[registry.OptPassword].(string); ok && password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if keyFile, ok := options[registry.OptKeyFile].(string); ok && keyFile != "" {
		payload, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", keyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(payload)
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", keyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if len(methods) == 0 {
		return nil, errors.New("no authentication method configured (password or key_file)")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if path, ok := options[registry.OptKnownHosts].(string); ok && path != "" {
		callback, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("known_hosts %s: %w", path, err)
		}
		hostKeyCallback = callback
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

func classifyHandshakeError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("%w: %v", remote.ErrAuthentication, err)
	}
	return err
}

var _ remote.Gateway = (*Gateway)(nil)
