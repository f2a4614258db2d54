// Package reflector derives stable type names used as event and command
// type identifiers. Lookups are cached per reflect.Type.
package reflector

import (
	"reflect"
	"sync"
)

type TypeInfo struct {
	// Name is the fully qualified type name (import path + type name).
	Name string
	// Short is the bare type name without the package path.
	Short string
	Type  reflect.Type
}

var (
	mu    sync.RWMutex
	cache = make(map[reflect.Type]TypeInfo)
)

func TypeInfoOf(x any) TypeInfo {
	return TypeInfoForType(reflect.TypeOf(x))
}

func TypeInfoFor[T any]() TypeInfo {
	return TypeInfoForType(reflect.TypeOf((*T)(nil)).Elem())
}

func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}

	mu.RLock()
	ti, ok := cache[t]
	mu.RUnlock()
	if ok {
		return ti
	}

	et := t
	if et.Kind() == reflect.Pointer {
		et = et.Elem()
	}

	ti = TypeInfo{
		Name:  et.PkgPath() + "." + et.Name(),
		Short: et.Name(),
		Type:  et,
	}

	mu.Lock()
	cache[t] = ti
	mu.Unlock()
	return ti
}
