package armada

import (
	"testing"

	"armada/config"
	"armada/metrics"
	"armada/registry"
	"armada/remote"
)

func TestFromConfigWiresServersAndGroups(t *testing.T) {
	cfg, err := config.Parse([]byte(`
[defaults]
user = "deploy"
limit = 2
policy = "warn"

[[server]]
host = "web1.example.com"
  [server.properties]
  role = "web"

[[server]]
host = "db1.example.com"
port = 2200

[groups]
web = ["web1.example.com"]
`), ".toml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	gateway := remote.NewFakeGateway()
	sess, err := FromConfig(cfg, Options{Gateway: gateway, Metrics: &metrics.Registry{}})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	defer sess.Close()

	servers := sess.Registry().Servers()
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}

	web1 := sess.Registry().Lookup("web1.example.com", "deploy", 22)
	if web1 == nil {
		t.Fatal("web1 not registered with inventory defaults")
	}
	if web1.Properties()["role"] != "web" {
		t.Fatalf("properties not carried over: %v", web1.Properties())
	}
	if sess.Registry().Lookup("db1.example.com", "deploy", 2200) == nil {
		t.Fatal("db1 port override not applied")
	}

	scoped := sess.Registry().Resolve([]registry.Selector{{Group: "web"}})
	if len(scoped) != 1 || scoped[0] != web1 {
		t.Fatalf("group web resolves to %v", scoped)
	}
}

func TestFromConfigRejectsUnknownPolicy(t *testing.T) {
	cfg := config.Config{}
	cfg.Defaults.Policy = "explode"

	if _, err := FromConfig(cfg, Options{Gateway: remote.NewFakeGateway(), Metrics: &metrics.Registry{}}); err == nil {
		t.Fatal("expected an error for an unknown policy")
	}
}

func TestFromConfigExplicitOptionsWin(t *testing.T) {
	cfg, err := config.Parse([]byte(`
[defaults]
limit = 8

[[server]]
host = "a.example.com"
`), ".toml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	gateway := remote.NewFakeGateway()
	sess, err := FromConfig(cfg, Options{
		Gateway:               gateway,
		Metrics:               &metrics.Registry{},
		ConcurrentConnections: 3,
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	defer sess.Close()

	if sess.opts.ConcurrentConnections != 3 {
		t.Fatalf("explicit limit overridden: %d", sess.opts.ConcurrentConnections)
	}
}

func TestFromConfigRunsAgainstFakeGateway(t *testing.T) {
	cfg, err := config.Parse([]byte(`
[[server]]
host = "a.example.com"
user = "deploy"
`), ".toml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	gateway := remote.NewFakeGateway()
	sess, err := FromConfig(cfg, Options{Gateway: gateway, Metrics: &metrics.Registry{}})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	defer sess.Close()

	stop := feedResults(t, gateway, 0)
	defer stop()

	outputs, err := sess.Run("uptime")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(outputs["a.example.com"]) != "a.example.com says hi\n" {
		t.Fatalf("unexpected output: %q", outputs["a.example.com"])
	}
}
