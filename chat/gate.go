package chat

import (
	"sync"

	"github.com/Bwesun/Chat/auth"
)

// Routes the gate reconciles against.
const (
	RouteWelcome  = "/welcome"
	RouteLogin    = "/login"
	RouteRegister = "/register"
	RouteMessages = "/messages"
)

// guestRoutes are the screens only a signed-out user may view.
var guestRoutes = map[string]bool{
	RouteWelcome:  true,
	RouteLogin:    true,
	RouteRegister: true,
}

// Navigator is the navigation collaborator the gate drives.
type Navigator interface {
	CurrentRoute() string
	Navigate(route string)
}

type sessionStatus int

const (
	statusUnknown sessionStatus = iota
	statusAuthenticated
	statusUnauthenticated
)

// Gate reconciles navigation with authentication state. It holds no
// state beyond the last-seen status, renders nothing, and performs a
// single side effect: forced navigation on status transitions. While
// the status is still unknown it takes no action, so the first screen
// never flicker-redirects before auth resolves.
type Gate struct {
	nav Navigator

	mu     sync.Mutex
	status sessionStatus
	sub    auth.Subscription
}

// NewGate returns a gate in the unknown state.
func NewGate(nav Navigator) *Gate {
	return &Gate{nav: nav}
}

// Bind subscribes the gate to the auth stream.
func (g *Gate) Bind(provider auth.Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sub != nil {
		return
	}
	g.sub = provider.Subscribe(g.onAuthChange)
}

// Close detaches the gate from the auth stream. Idempotent.
func (g *Gate) Close() {
	g.mu.Lock()
	sub := g.sub
	g.sub = nil
	g.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (g *Gate) onAuthChange(identity *auth.Identity) {
	next := statusUnauthenticated
	if identity != nil {
		next = statusAuthenticated
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if next == g.status {
		return
	}
	g.status = next

	route := g.nav.CurrentRoute()
	switch next {
	case statusAuthenticated:
		if guestRoutes[route] {
			g.nav.Navigate(RouteMessages)
		}
	case statusUnauthenticated:
		if !guestRoutes[route] {
			g.nav.Navigate(RouteWelcome)
		}
	}
}
