package ssafront

import (
	"fmt"
	"go/types"

	"github.com/akerouanton/lockgraph/pkg/ir"
	"golang.org/x/tools/go/ssa"
)

// isMutexType returns true if the type is sync.Mutex or sync.RWMutex.
func isMutexType(t types.Type) bool {
	named, ok := types.Unalias(t).(*types.Named)
	if !ok {
		return false
	}
	obj := named.Obj()
	if obj == nil || obj.Pkg() == nil || obj.Pkg().Path() != "sync" {
		return false
	}
	return obj.Name() == "Mutex" || obj.Name() == "RWMutex"
}

// isRWMutexType returns true if the type is sync.RWMutex specifically.
func isRWMutexType(t types.Type) bool {
	return isMutexType(t) && types.Unalias(t).(*types.Named).Obj().Name() == "RWMutex"
}

// isRWLockMethod returns true if the method is RLock or RUnlock.
func isRWLockMethod(name string) bool {
	return name == "RLock" || name == "RUnlock"
}

// isLockMethod returns true if the method name is a lock/unlock operation.
func isLockMethod(name string) bool {
	switch name {
	case "Lock", "Unlock", "RLock", "RUnlock":
		return true
	}
	return false
}

// isLockAcquire returns true if the method acquires a lock.
func isLockAcquire(name string) bool {
	return name == "Lock" || name == "RLock"
}

// lockMethod is a resolved call to a sync.Mutex or sync.RWMutex method.
type lockMethod struct {
	path    string          // library path, e.g. (*sync.Mutex).Lock
	acquire bool            // Lock or RLock
	mutex   types.Type      // sync.Mutex or sync.RWMutex
	embed   []ir.Projection // from the receiver to an embedded mutex
}

// resolveLockMethod recognizes callee as a lock method of recv. SSA can
// generate (*S).Lock(s) wrapper calls where the receiver is a pointer to a
// struct embedding the mutex; those are resolved to the embedded field.
func resolveLockMethod(callee *ssa.Function, recv ssa.Value) (lockMethod, bool) {
	name := callee.Name()
	if !isLockMethod(name) || callee.Signature.Recv() == nil {
		return lockMethod{}, false
	}
	ptr, ok := recv.Type().Underlying().(*types.Pointer)
	if !ok {
		return lockMethod{}, false
	}
	elem := ptr.Elem()
	if isMutexType(elem) {
		if isRWLockMethod(name) && !isRWMutexType(elem) {
			return lockMethod{}, false
		}
		return newLockMethod(elem, name, nil), true
	}
	if callee.Synthetic == "" {
		return lockMethod{}, false
	}
	structType, ok := elem.Underlying().(*types.Struct)
	if !ok {
		return lockMethod{}, false
	}
	for i := 0; i < structType.NumFields(); i++ {
		field := structType.Field(i)
		if !field.Anonymous() || !isMutexType(field.Type()) {
			continue
		}
		// RLock/RUnlock require sync.RWMutex specifically.
		if isRWLockMethod(name) && !isRWMutexType(field.Type()) {
			continue
		}
		return newLockMethod(field.Type(), name, []ir.Projection{ir.Deref(), ir.Field(i, field.Name())}), true
	}
	return lockMethod{}, false
}

func newLockMethod(mutex types.Type, name string, embed []ir.Projection) lockMethod {
	return lockMethod{
		path:    fmt.Sprintf("(*%s).%s", types.TypeString(mutex, nil), name),
		acquire: isLockAcquire(name),
		mutex:   mutex,
		embed:   embed,
	}
}

// maxMutexDepth bounds the struct nesting searched for mutexes.
const maxMutexDepth = 8

// mutexPaths returns the field paths of every lock held by value in t,
// t itself included.
func mutexPaths(t types.Type, isLock func(types.Type) bool) [][]ir.Projection {
	var paths [][]ir.Projection
	var walk func(t types.Type, prefix []ir.Projection)
	walk = func(t types.Type, prefix []ir.Projection) {
		if isLock(t) {
			paths = append(paths, append([]ir.Projection(nil), prefix...))
			return
		}
		if len(prefix) >= maxMutexDepth {
			return
		}
		structType, ok := t.Underlying().(*types.Struct)
		if !ok {
			return
		}
		for i := 0; i < structType.NumFields(); i++ {
			field := structType.Field(i)
			walk(field.Type(), append(prefix[:len(prefix):len(prefix)], ir.Field(i, field.Name())))
		}
	}
	walk(t, nil)
	return paths
}

// lockTypes returns a predicate matching sync mutexes and the lock types
// known to oracle.
func lockTypes(oracle ir.TypeOracle) func(types.Type) bool {
	return func(t types.Type) bool {
		return isMutexType(t) || oracle.IsLockType(typeString(t))
	}
}
