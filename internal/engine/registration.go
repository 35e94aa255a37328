package engine

import "github.com/lattice-run/lattice/internal/conn"

// Registration is returned by Engine.OpenTopicConnection. Remove is
// idempotent (spec.md §4.6/§4.7).
type Registration struct {
	engine *Engine
	conn   *conn.TopicConnection
}

// Connection returns the underlying TopicConnection.
func (r *Registration) Connection() *conn.TopicConnection { return r.conn }

// Remove deactivates the connection and removes this registration from
// the engine's open set.
func (r *Registration) Remove() {
	r.conn.Close()
	r.engine.removeRegistration(r)
}
