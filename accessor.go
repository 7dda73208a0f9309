package sqlmeta

import (
	"database/sql"
	"fmt"
	"reflect"
	"time"
)

// valueKind classifies how a column value is coerced into a field.
type valueKind uint8

const (
	vkInt valueKind = iota
	vkUint
	vkFloat
	vkBool
	vkString
	vkBytes // read through Row.Blob
	vkTime
	vkScanner // field implements sql.Scanner
	vkPtr     // *T of any supported kind
	vkAny     // interface{} field, value stored as-is
)

var (
	scannerIface = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
	timeType     = reflect.TypeOf(time.Time{})
	bytesType    = reflect.TypeOf([]byte(nil))
)

// Accessor is a typed get/set capability for one mapped field of T. The
// index path is resolved once at compile time; no lookup by name happens
// on the read/write path.
type Accessor[T any] struct {
	name   string
	column string
	owner  reflect.Type // struct type that declares the field
	typ    reflect.Type
	index  []int
	kind   valueKind
	elem   valueKind // for vkPtr: kind of the pointee
}

// Name returns the field name.
func (a *Accessor[T]) Name() string { return a.name }

// Column returns the resolved column name.
func (a *Accessor[T]) Column() string { return a.column }

// Type returns the field value type.
func (a *Accessor[T]) Type() reflect.Type { return a.typ }

// Owner returns the struct type declaring the field. For fields promoted
// from an embedded struct this is the embedded type.
func (a *Accessor[T]) Owner() reflect.Type { return a.owner }

// IsBlob reports whether the field is read as a binary large object.
func (a *Accessor[T]) IsBlob() bool {
	return a.kind == vkBytes || (a.kind == vkPtr && a.elem == vkBytes)
}

// Get returns the field value of e. A nil embedded pointer on the path
// yields nil (SQL NULL).
func (a *Accessor[T]) Get(e *T) any {
	if e == nil {
		return nil
	}
	v, _ := getValueByPathAny(reflect.ValueOf(e).Elem(), a.index)
	return v
}

// Value returns the addressable field of e, allocating nil embedded
// pointers on the path.
func (a *Accessor[T]) Value(e *T) reflect.Value {
	return fieldByIndexAlloc(reflect.ValueOf(e).Elem(), a.index)
}

// Set assigns v to the field of e, coercing it to the field type. Nil
// resets the field to its zero value.
func (a *Accessor[T]) Set(e *T, v any) error {
	if e == nil {
		return ErrNilEntity
	}
	fv := fieldByIndexAlloc(reflect.ValueOf(e).Elem(), a.index)
	return assign(fv, a.kind, a.elem, v)
}

// newAccessor builds the accessor for struct field sf reached through
// index. It fails for field types the row mapper cannot coerce into.
func newAccessor[T any](sf reflect.StructField, owner reflect.Type, index []int, name, column string) (*Accessor[T], error) {
	kind, err := kindOf(sf.Type)
	if err != nil {
		return nil, err
	}
	a := &Accessor[T]{
		name:   name,
		column: column,
		owner:  owner,
		typ:    sf.Type,
		index:  index,
		kind:   kind,
	}
	if kind == vkPtr {
		if a.elem, err = kindOf(sf.Type.Elem()); err != nil {
			return nil, err
		}
		if a.elem == vkPtr {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, sf.Type)
		}
	}
	return a, nil
}

// kindOf classifies a field type.
func kindOf(t reflect.Type) (valueKind, error) {
	if reflect.PointerTo(t).Implements(scannerIface) {
		return vkScanner, nil
	}
	if t == timeType {
		return vkTime, nil
	}
	if t == bytesType || (t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8) {
		return vkBytes, nil
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return vkInt, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return vkUint, nil
	case reflect.Float32, reflect.Float64:
		return vkFloat, nil
	case reflect.Bool:
		return vkBool, nil
	case reflect.String:
		return vkString, nil
	case reflect.Pointer:
		return vkPtr, nil
	case reflect.Interface:
		if t.NumMethod() == 0 {
			return vkAny, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
}

// fieldByIndexAlloc walks a struct by index path, allocating intermediate
// pointer nodes on the way (but NOT allocating the leaf pointer itself).
func fieldByIndexAlloc(root reflect.Value, path []int) reflect.Value {
	v := root
	for i, idx := range path {
		f := v.Field(idx)
		if i == len(path)-1 {
			return f
		}
		if f.Kind() == reflect.Pointer {
			if f.IsNil() {
				f.Set(reflect.New(f.Type().Elem()))
			}
			v = f.Elem()
		} else {
			v = f
		}
	}
	return v
}

// getValueByPathAny extracts the value at the end of 'path' from 'root'.
// If a pointer along the path is nil, it returns (nil, true) to represent SQL NULL.
// Returns (value, true) on success, or (nil, false) on structural mismatch.
func getValueByPathAny(root reflect.Value, path []int) (any, bool) {
	v := root
	for i, idx := range path {
		for v.IsValid() && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				return nil, true
			}
			v = v.Elem()
		}
		if !v.IsValid() || v.Kind() != reflect.Struct {
			return nil, false
		}
		v = v.Field(idx)
		if i == len(path)-1 {
			if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
				return nil, true
			}
			return v.Interface(), true
		}
	}
	return nil, false
}
