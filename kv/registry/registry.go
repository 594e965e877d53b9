package registry

import (
	"github.com/autom8ter/syncq/errors"
	"github.com/autom8ter/syncq/internal/safe"
	"github.com/autom8ter/syncq/kv"
)

// KVDBOpener opens a key value database
type KVDBOpener func(params map[string]interface{}) (kv.DB, error)

var registeredOpeners = safe.NewMap[KVDBOpener](nil)

// Register registers a KVDBOpener opener by name
func Register(name string, opener KVDBOpener) {
	registeredOpeners.Set(name, opener)
}

// Registered returns the names of every registered provider
func Registered() []string {
	return registeredOpeners.Keys()
}

// Open opens a registered key value database
func Open(name string, params map[string]interface{}) (kv.DB, error) {
	opener, ok := registeredOpeners.Get(name)
	if !ok {
		return nil, errors.New(errors.NotFound, "%s is not registered", name)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	return opener(params)
}
