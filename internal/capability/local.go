package capability

import (
	"context"
	"fmt"
)

// Invoker performs one capability call. Implementations never return Go
// errors or panic across this boundary; every failure is an error envelope.
type Invoker interface {
	Invoke(ctx context.Context, req Request) Response
}

type InvokerFunc func(ctx context.Context, req Request) Response

func (f InvokerFunc) Invoke(ctx context.Context, req Request) Response { return f(ctx, req) }

// Handler is the body of an in-process capability.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition pairs a descriptor with its in-process handler.
type Definition struct {
	Descriptor Descriptor
	Handler    Handler
}

// Local runs a Handler in-process.
type Local struct {
	name    string
	handler Handler
}

func NewLocal(name string, h Handler) *Local {
	return &Local{name: name, handler: h}
}

func (l *Local) Invoke(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = Failure(KindDomain, fmt.Sprintf("capability %q failed: %v", l.name, r))
		}
	}()

	result, err := l.handler(ctx, req.Arguments())
	if err != nil {
		return FromError(err)
	}
	return Success(result)
}
