package registry

import (
	"fmt"
	"strings"
	"sync"

	"armada/remote"
)

const DefaultPort = 22

// Option keys recognized on a server's options map.
const (
	OptPort       = "port"
	OptProperties = "properties"
	OptGateway    = "gateway"
	OptPassword   = "password"
	OptKeyFile    = "key_file"
	OptKnownHosts = "known_hosts"
)

// Server is one registered remote endpoint: the (host, user, port) identity,
// its options, a one-shot failed flag, and the lazily-created session slot.
// Identity is the triple only; two servers with equal triples are the same
// server regardless of other options.
type Server struct {
	Host string
	User string
	Port int

	mu      sync.Mutex
	options map[string]any
	failed  bool
	conn    remote.Conn
}

func newServer(host, user string, options map[string]any) *Server {
	port := DefaultPort
	if options != nil {
		switch v := options[OptPort].(type) {
		case int:
			if v > 0 {
				port = v
			}
		case int64:
			if v > 0 {
				port = int(v)
			}
		}
	}
	copied := make(map[string]any, len(options))
	for key, value := range options {
		copied[key] = value
	}
	return &Server{Host: host, User: user, Port: port, options: copied}
}

// Key is the identity string; servers compare equal iff their keys do.
func (s *Server) Key() string {
	if s == nil {
		return ""
	}
	return fmt.Sprintf("%s@%s:%d", s.User, s.Host, s.Port)
}

func (s *Server) String() string {
	if s == nil {
		return ""
	}
	builder := strings.Builder{}
	if s.User != "" {
		builder.WriteString(s.User)
		builder.WriteString("@")
	}
	builder.WriteString(s.Host)
	if s.Port != DefaultPort {
		fmt.Fprintf(&builder, ":%d", s.Port)
	}
	return builder.String()
}

// Options returns a copy of the server's options map.
func (s *Server) Options() map[string]any {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make(map[string]any, len(s.options))
	for key, value := range s.options {
		copied[key] = value
	}
	return copied
}

// Option returns one option value, nil when absent.
func (s *Server) Option(key string) any {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options[key]
}

// Properties returns the properties sub-map used by only/except filters.
func (s *Server) Properties() map[string]any {
	props, _ := s.Option(OptProperties).(map[string]any)
	return props
}

// GatewayName returns the named gateway reference, empty for direct dialing.
func (s *Server) GatewayName() string {
	name, _ := s.Option(OptGateway).(string)
	return name
}

// Failed reports whether a connection attempt already failed. Failed servers
// are never retried automatically.
func (s *Server) Failed() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// MarkFailed sets the failed flag. It is set once and never cleared.
func (s *Server) MarkFailed() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
}

// Conn returns the session slot, nil until a connection attempt succeeds.
func (s *Server) Conn() remote.Conn {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// SetConn assigns the session slot. Only the admission controller and close
// paths call this.
func (s *Server) SetConn(conn remote.Conn) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}
