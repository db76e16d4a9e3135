package ir

import (
	"fmt"
	"strings"
)

// CallKind classifies a call against the modeled lock library.
type CallKind int

const (
	CallUnrecognized CallKind = iota
	CallConstructLock
	CallConstructSharedPointer
	CallAcquire
	CallClone
	CallDeref
	CallUnwrap
	CallRelease
)

var callKindNames = map[CallKind]string{
	CallUnrecognized:           "unrecognized",
	CallConstructLock:          "construct-lock",
	CallConstructSharedPointer: "construct-shared-pointer",
	CallAcquire:                "acquire",
	CallClone:                  "clone",
	CallDeref:                  "deref",
	CallUnwrap:                 "unwrap",
	CallRelease:                "release",
}

func (k CallKind) String() string {
	if s, ok := callKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("CallKind(%d)", int(k))
}

// ParseCallKind is the inverse of CallKind.String.
func ParseCallKind(s string) (CallKind, error) {
	for k, name := range callKindNames {
		if name == s {
			return k, nil
		}
	}
	return CallUnrecognized, fmt.Errorf("unknown call kind %q", s)
}

// TypeOracle answers the type questions the analyses need from the front end.
type TypeOracle interface {
	IsLockType(t Type) bool
	IsLockGuardType(t Type) bool
	IsSharedPointerType(t Type) bool
	ClassifyCall(c *Call) CallKind
}

// NameOracle is a table-driven TypeOracle. Types match by prefix of their
// printed form, which covers generic instantiations such as Mutex<i32>.
// Calls match by exact library path first, then by method suffix.
type NameOracle struct {
	LockTypes          []string
	GuardTypes         []string
	SharedPointerTypes []string
	Calls              map[string]CallKind
	// Methods classifies library calls by their final path segment
	// (e.g. "unwrap") when no exact entry exists.
	Methods map[string]CallKind
}

// Extend returns a copy of o with the entries of other added.
func (o *NameOracle) Extend(other *NameOracle) *NameOracle {
	n := &NameOracle{
		LockTypes:          append(append([]string(nil), o.LockTypes...), other.LockTypes...),
		GuardTypes:         append(append([]string(nil), o.GuardTypes...), other.GuardTypes...),
		SharedPointerTypes: append(append([]string(nil), o.SharedPointerTypes...), other.SharedPointerTypes...),
		Calls:              make(map[string]CallKind, len(o.Calls)+len(other.Calls)),
		Methods:            make(map[string]CallKind, len(o.Methods)+len(other.Methods)),
	}
	for _, src := range []*NameOracle{o, other} {
		for k, v := range src.Calls {
			n.Calls[k] = v
		}
		for k, v := range src.Methods {
			n.Methods[k] = v
		}
	}
	return n
}

func matchPrefix(prefixes []string, t Type) bool {
	s := strings.TrimLeft(string(t), "*&")
	for _, p := range prefixes {
		if s == p || strings.HasPrefix(s, p+"<") || strings.HasPrefix(s, p+"[") {
			return true
		}
	}
	return false
}

func (o *NameOracle) IsLockType(t Type) bool { return matchPrefix(o.LockTypes, t) }

func (o *NameOracle) IsLockGuardType(t Type) bool { return matchPrefix(o.GuardTypes, t) }

func (o *NameOracle) IsSharedPointerType(t Type) bool { return matchPrefix(o.SharedPointerTypes, t) }

func (o *NameOracle) ClassifyCall(c *Call) CallKind {
	if c.Callee.Indirect || c.Callee.Proc != "" || c.Callee.Name == "" {
		return CallUnrecognized
	}
	if k, ok := o.Calls[c.Callee.Name]; ok {
		return k
	}
	name := c.Callee.Name
	if i := strings.LastIndexAny(name, ":."); i >= 0 {
		name = name[i+1:]
	}
	if k, ok := o.Methods[name]; ok {
		return k
	}
	return CallUnrecognized
}

// RustStdOracle models std::sync::{Mutex, RwLock, Arc}.
func RustStdOracle() *NameOracle {
	return &NameOracle{
		LockTypes:          []string{"std::sync::Mutex", "std::sync::RwLock"},
		GuardTypes:         []string{"std::sync::MutexGuard", "std::sync::RwLockReadGuard", "std::sync::RwLockWriteGuard"},
		SharedPointerTypes: []string{"std::sync::Arc", "std::rc::Rc"},
		Calls: map[string]CallKind{
			"std::sync::Mutex::new":         CallConstructLock,
			"std::sync::RwLock::new":        CallConstructLock,
			"std::sync::Arc::new":           CallConstructSharedPointer,
			"std::rc::Rc::new":              CallConstructSharedPointer,
			"std::sync::Mutex::lock":        CallAcquire,
			"std::sync::RwLock::read":       CallAcquire,
			"std::sync::RwLock::write":      CallAcquire,
			"std::sync::Arc::clone":         CallClone,
			"std::rc::Rc::clone":            CallClone,
			"std::ops::Deref::deref":        CallDeref,
			"std::result::Result::unwrap":   CallUnwrap,
			"std::mem::drop":                CallRelease,
			"std::sync::MutexGuard::unlock": CallRelease,
		},
		Methods: map[string]CallKind{
			"unwrap": CallUnwrap,
			"expect": CallUnwrap,
		},
	}
}

// Library paths of the Go sync model. The Go front end emits the construct
// entry itself for every allocation holding a mutex by value.
const (
	GoConstructMutex = "sync.Mutex{}"
	GoGuardType      = "sync.guard"
)

// GoSyncOracle models sync.Mutex and sync.RWMutex.
func GoSyncOracle() *NameOracle {
	return &NameOracle{
		LockTypes:  []string{"sync.Mutex", "sync.RWMutex"},
		GuardTypes: []string{GoGuardType},
		Calls: map[string]CallKind{
			GoConstructMutex:          CallConstructLock,
			"(*sync.Mutex).Lock":      CallAcquire,
			"(*sync.Mutex).Unlock":    CallRelease,
			"(*sync.RWMutex).Lock":    CallAcquire,
			"(*sync.RWMutex).RLock":   CallAcquire,
			"(*sync.RWMutex).Unlock":  CallRelease,
			"(*sync.RWMutex).RUnlock": CallRelease,
		},
	}
}
