// Package armada drives commands across many SSH servers through one
// logical session. Servers are organized into overlapping named groups,
// actions are scoped to groups or property-filtered subsets, and a
// configurable admission limit bounds how many transports are open at
// once: commands issued against a not-yet-connected server are recorded
// and replayed once its connection is realized.
//
// A minimal run:
//
//	sess := armada.New(armada.Options{ConcurrentConnections: 2})
//	defer sess.Close()
//	sess.Register("a.example.com", "deploy", nil)
//	sess.Register("b.example.com", "deploy", nil)
//	outputs, err := sess.Run("uptime")
//
// Scoping narrows subsequent actions to a subset of the registered
// servers:
//
//	sess.With([]registry.Selector{{Group: "web"}}, func(s *armada.Session) error {
//		_, err := s.Run("systemctl reload nginx")
//		return err
//	})
package armada
