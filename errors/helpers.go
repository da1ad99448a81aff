package errors

import (
	"context"
	"errors"
)

// WrapOpComponent wraps err with a consistent Op and Component.
// If err is nil, returns nil.
func WrapOpComponent(err error, op, component string) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Component(component), err)
}

// WrapOpComponentKind wraps err with Op, Component and Kind.
// If err is nil, returns nil.
func WrapOpComponentKind(err error, op, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Component(component), kind, err)
}

// WrapPersistence marks a storage failure so the coordinator treats it as a
// broken durability layer. If err is nil, returns nil.
func WrapPersistence(err error, op, component string) error {
	if err == nil {
		return nil
	}
	if Is(KindNotFound, err) || Is(KindInvalid, err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return E(Op(op), Component(component), KindPersistence, ErrCodeStorageFailure, err)
}
