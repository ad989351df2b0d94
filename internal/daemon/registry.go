package daemon

import "fmt"

// HandlerFunc handles one decoded call. args holds the XDR-encoded
// procedure arguments following the header.
//
// The contract mirrors the dispatch loop's: the handler produces exactly
// one reply (Reply, ReplyWithError, or the streaming primitives) per
// invocation. A non-nil return value means the transport itself failed and
// the connection is dead; application failures are reported through
// ReplyWithError and return nil.
type HandlerFunc func(c *Conn, args []byte) error

// Procedure is one entry of the dispatch table.
type Procedure struct {
	Name    string
	Handler HandlerFunc
}

// Registry maps procedure numbers to handlers. It is populated once at
// startup and read-only afterwards, so lookups are unsynchronized.
type Registry struct {
	procs map[uint32]Procedure
}

func NewRegistry() *Registry {
	return &Registry{procs: make(map[uint32]Procedure)}
}

// Register adds a procedure. Registering the same number twice is a
// programming error and panics during startup rather than silently
// shadowing a handler.
func (r *Registry) Register(nr uint32, name string, fn HandlerFunc) {
	if _, dup := r.procs[nr]; dup {
		panic(fmt.Sprintf("procedure %d (%s) registered twice", nr, name))
	}
	r.procs[nr] = Procedure{Name: name, Handler: fn}
}

func (r *Registry) Lookup(nr uint32) (Procedure, bool) {
	p, ok := r.procs[nr]
	return p, ok
}

// Name returns the registered name for nr, or a placeholder for unknown
// procedures. Used in logs and call records.
func (r *Registry) Name(nr uint32) string {
	if p, ok := r.procs[nr]; ok {
		return p.Name
	}
	return fmt.Sprintf("unknown-%d", nr)
}
