package armada

import (
	"fmt"

	"golang.org/x/time/rate"

	"armada/admission"
	"armada/config"
	"armada/recording"
	"armada/registry"
	"armada/remote"
	"armada/sshgw"
)

// FromConfig builds a session from a parsed inventory: gateways, servers,
// groups, and the admission defaults, all pre-wired. Fields already set on
// opts win over inventory defaults.
func FromConfig(cfg config.Config, opts Options) (*Session, error) {
	if opts.ConcurrentConnections == 0 {
		opts.ConcurrentConnections = cfg.Defaults.Limit
	}
	if opts.OnError == admission.PolicyFail && cfg.Defaults.Policy != "" {
		policy, ok := admission.ParsePolicy(cfg.Defaults.Policy)
		if !ok {
			return nil, fmt.Errorf("unknown error policy %q", cfg.Defaults.Policy)
		}
		opts.OnError = policy
	}
	if opts.ConnectRate == 0 && cfg.Defaults.ConnectRate > 0 {
		opts.ConnectRate = rate.Limit(cfg.Defaults.ConnectRate)
		opts.ConnectBurst = cfg.Defaults.ConnectBurst
	}

	if len(cfg.Gateways) > 0 && opts.Gateways == nil {
		opts.Gateways = make(map[string]remote.Gateway, len(cfg.Gateways))
		for name, entry := range cfg.Gateways {
			opts.Gateways[name] = sshgw.NewJump(entry.Host, entry.User, gatewayOptions(entry), opts.Logger)
		}
	}
	if opts.Gateway == nil && cfg.DefaultGateway != "" {
		opts.Gateway = opts.Gateways[cfg.DefaultGateway]
	}

	if opts.Recorder == nil && cfg.Defaults.RecordDirectory != "" {
		recorder, err := recording.New(cfg.Defaults.RecordDirectory, opts.Logger)
		if err != nil {
			return nil, err
		}
		opts.Recorder = recorder
	}

	s := New(opts)

	byHost := make(map[string]*registry.Server, len(cfg.Servers))
	for _, entry := range cfg.Servers {
		byHost[entry.Host] = s.Register(entry.Host, entry.User, entry.Options(cfg.Defaults))
	}
	for group, members := range cfg.Groups {
		servers := make([]*registry.Server, 0, len(members))
		for _, host := range members {
			servers = append(servers, byHost[host])
		}
		if err := s.DefineGroup([]string{group}, servers, nil); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func gatewayOptions(entry config.GatewayEntry) map[string]any {
	options := map[string]any{}
	if entry.Port > 0 {
		options[registry.OptPort] = entry.Port
	}
	if entry.Password != "" {
		options[registry.OptPassword] = entry.Password
	}
	if entry.KeyFile != "" {
		options[registry.OptKeyFile] = entry.KeyFile
	}
	return options
}
