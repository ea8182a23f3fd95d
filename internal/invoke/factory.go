package invoke

import (
	"github.com/ppiankov/vaultbot/internal/config"
	"github.com/ppiankov/vaultbot/internal/session"
)

// ForBackend selects the adapter for a backend entry. An explicit
// invoker path always wins; otherwise the backend kind decides.
func ForBackend(be config.Backend, sessions *session.Store) Invoker {
	if be.Invoker != "" {
		return NewExternal(be)
	}
	if be.Kind == config.KindLocal {
		return NewLocal(be)
	}
	return NewHosted(be, sessions)
}
