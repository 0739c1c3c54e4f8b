package sshgw

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"armada/registry"
	"armada/remote"
)

func TestClientConfigPassword(t *testing.T) {
	config, err := clientConfig("deploy", map[string]any{
		registry.OptPassword: "secret",
	}, time.Second)
	if err != nil {
		t.Fatalf("clientConfig: %v", err)
	}
	if config.User != "deploy" {
		t.Fatalf("unexpected user %q", config.User)
	}
	if len(config.Auth) != 1 {
		t.Fatalf("expected one auth method, got %d", len(config.Auth))
	}
	if config.Timeout != time.Second {
		t.Fatalf("unexpected timeout %v", config.Timeout)
	}
}

func TestClientConfigRequiresAuth(t *testing.T) {
	_, err := clientConfig("deploy", nil, time.Second)
	if err == nil {
		t.Fatal("expected an error without any auth method")
	}
}

func TestClientConfigMissingKeyFile(t *testing.T) {
	_, err := clientConfig("deploy", map[string]any{
		registry.OptKeyFile: "/does/not/exist",
	}, time.Second)
	if err == nil {
		t.Fatal("expected an error for an unreadable key")
	}
}

func TestClientConfigBadKnownHostsPath(t *testing.T) {
	_, err := clientConfig("deploy", map[string]any{
		registry.OptPassword:   "secret",
		registry.OptKnownHosts: "/does/not/exist",
	}, time.Second)
	if err == nil {
		t.Fatal("expected an error for a missing known_hosts file")
	}
}

func TestClassifyHandshakeError(t *testing.T) {
	err := classifyHandshakeError(fmt.Errorf("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]"))
	if !errors.Is(err, remote.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}

	plain := fmt.Errorf("connection reset")
	if got := classifyHandshakeError(plain); got != plain {
		t.Fatalf("non-auth errors must pass through, got %v", got)
	}
	if classifyHandshakeError(nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestEstablishWrapsConnectError(t *testing.T) {
	gateway := NewDirect(nil)
	gateway.timeout = 50 * time.Millisecond

	_, err := gateway.Establish("host.invalid", "deploy", map[string]any{
		registry.OptPassword: "secret",
	})
	if err == nil {
		t.Fatal("expected a connection failure")
	}
	var connectErr *remote.ConnectError
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected ConnectError, got %T: %v", err, err)
	}
	if connectErr.Host != "host.invalid" {
		t.Fatalf("expected host annotation, got %q", connectErr.Host)
	}
}

func TestShutdownWithoutJumpIsNil(t *testing.T) {
	gateway := NewDirect(nil)
	if err := gateway.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestNewJumpAddress(t *testing.T) {
	gateway := NewJump("bastion.example.com", "jump", map[string]any{registry.OptPort: 2222}, nil)
	if gateway.jumpAddr != "bastion.example.com:2222" {
		t.Fatalf("unexpected jump address %q", gateway.jumpAddr)
	}
	if gateway.jumpUser != "jump" {
		t.Fatalf("unexpected jump user %q", gateway.jumpUser)
	}

	gateway = NewJump("bastion.example.com", "jump", nil, nil)
	if gateway.jumpAddr != "bastion.example.com:22" {
		t.Fatalf("port must default to 22, got %q", gateway.jumpAddr)
	}
}
