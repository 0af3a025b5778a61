package vault

import (
	"context"

	"github.com/akstspace/media-mgmt-agent/internal/apperr"
)

type handleKey struct{}

// WithHandle returns a context carrying h. The agent loop attaches the
// session's handle to each turn so downstream clients can read
// credentials for the duration of one request.
func WithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// HandleFrom returns the handle attached to ctx, if any.
func HandleFrom(ctx context.Context) (*Handle, bool) {
	h, ok := ctx.Value(handleKey{}).(*Handle)
	return h, ok && h != nil
}

// ReadFromContext reads the record for kind through the handle attached
// to ctx. A context without a handle fails with AuthError.
func ReadFromContext(ctx context.Context, kind Kind) (Record, error) {
	h, ok := HandleFrom(ctx)
	if !ok {
		return Record{}, apperr.New(apperr.KindAuth, "vault.read", "no unlocked vault in this session")
	}
	return h.Read(kind)
}
