// Package failfast turns construction-time contract violations into panics.
//
// Runtime failures are returned as errors; failfast is only for arguments a
// caller must never get wrong (pool size, nil handlers, nil dependencies).
package failfast

import (
	"fmt"
	"reflect"
	"runtime/debug"
)

// Err panics if err != nil. The panic value wraps err, so errors.Is keeps
// working on a recovered value, and carries the stack of the violation.
func Err(err error) {
	if err != nil {
		panic(fmt.Errorf("fail-fast: %w\n%s", err, debug.Stack()))
	}
}

// If panics if condition is false.
// The message is formatted with args; %w wraps an error argument.
func If(condition bool, message string, args ...interface{}) {
	if !condition {
		panic(fmt.Errorf("fail-fast: "+message, args...))
	}
}

// Positive panics unless n > 0. cause is wrapped into the panic value.
func Positive(n int, name string, cause error) {
	if n <= 0 {
		panic(fmt.Errorf("fail-fast: %s must be > 0, got %d: %w", name, n, cause))
	}
}

// NotNil panics if ptr is nil, including typed nil pointers and nil funcs.
func NotNil(ptr interface{}, name string) {
	if ptr == nil {
		panic(fmt.Errorf("fail-fast: %s is nil", name))
	}
	v := reflect.ValueOf(ptr)
	switch v.Kind() {
	case reflect.Ptr, reflect.Func, reflect.Chan, reflect.Map, reflect.Interface:
		if v.IsNil() {
			panic(fmt.Errorf("fail-fast: %s is nil", name))
		}
	}
}
