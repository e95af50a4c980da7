package node

import "crosnode/ioreactor"

// connPool caches one idle TCPROS connection per "host:port" for persistent
// service callers, adapted from transport/pool.go's borrow/return design.
// Unlike that pool this one is unsynchronized — the engine is single-
// goroutine, so there is never a concurrent Get/Put to race — and it holds
// at most one idle connection per address rather than a bounded multi-
// connection pool, since a given caller slot round-trips serially: one
// request in flight at a time is all invokeServiceCallSync ever needs.
type connPool struct {
	idle map[string]*ioreactor.Conn
}

func newConnPool() *connPool {
	return &connPool{idle: make(map[string]*ioreactor.Conn)}
}

// take removes and returns addr's cached idle connection, if any.
func (p *connPool) take(addr string) (*ioreactor.Conn, bool) {
	conn, ok := p.idle[addr]
	if ok {
		delete(p.idle, addr)
	}
	return conn, ok
}

// keep caches conn as addr's idle connection, closing whatever was already
// cached there (should not normally happen, since take removes it first).
func (p *connPool) keep(addr string, conn *ioreactor.Conn) {
	if old, ok := p.idle[addr]; ok {
		old.Close()
	}
	p.idle[addr] = conn
}

// closeAll closes and drops every cached connection, on Node.Close.
func (p *connPool) closeAll() {
	for addr, conn := range p.idle {
		conn.Close()
		delete(p.idle, addr)
	}
}
