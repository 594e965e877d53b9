package syncq

import (
	"context"
	"sync"

	"github.com/autom8ter/syncq/errors"
	"github.com/dop251/goja"
	"github.com/palantir/stacktrace"
)

// ScriptResolver is a ConflictResolver backed by a javascript function named resolve. The function receives the
// conflict as an object ({local, remote} with decoded payloads) and returns "retry", "drop" or "regenerate".
//
//	function resolve(conflict) {
//		if (conflict.remote.deleted) {
//			return "drop"
//		}
//		return "regenerate"
//	}
type ScriptResolver struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	resolve goja.Callable
}

// NewScriptResolver compiles script into a ScriptResolver
func NewScriptResolver(script string) (*ScriptResolver, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if _, err := vm.RunString(script); err != nil {
		return nil, errors.Wrap(err, errors.Validation, "failed to compile conflict script")
	}
	fn, ok := goja.AssertFunction(vm.Get("resolve"))
	if !ok {
		return nil, errors.New(errors.Validation, "conflict script must define a resolve(conflict) function")
	}
	return &ScriptResolver{vm: vm, resolve: fn}, nil
}

func (s *ScriptResolver) Resolve(ctx context.Context, conflict Conflict) (Resolution, error) {
	input, err := NewDocumentFrom(conflict)
	if err != nil {
		return "", stacktrace.Propagate(err, "")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.resolve(goja.Undefined(), s.vm.ToValue(input.Value()))
	if err != nil {
		return "", errors.Wrap(err, errors.Internal, "conflict script failed for %s", conflict.Local.Record)
	}
	switch r := Resolution(v.String()); r {
	case Retry, Drop, Regenerate:
		return r, nil
	default:
		return "", errors.New(errors.Validation, "conflict script returned unknown resolution %q", r)
	}
}
