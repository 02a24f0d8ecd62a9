// Package structural implements structural sharing: rebuilding a value from
// fresh data while reusing every sub-value of the previous data that is
// unchanged, so consumers relying on reference equality see stable
// references for untouched branches.
package structural

import (
	"reflect"
	"strings"
	"time"
)

// ReplaceEqualDeep returns oldV itself when newV is deep-equal to it.
// Otherwise it rebuilds only the changed branches, reusing unchanged
// sub-values from oldV. Comparison: primitives by value, time.Time by epoch
// millis, sequences element-wise (length change means changed), records by
// key set plus per-key recursion, structs field-wise, pointers by pointee.
func ReplaceEqualDeep(oldV, newV any) any {
	out, _ := share(oldV, newV)
	return out
}

func share(o, n any) (any, bool) {
	if o == nil || n == nil {
		return n, o == nil && n == nil
	}
	if ot, ok := o.(time.Time); ok {
		if nt, ok := n.(time.Time); ok && ot.UnixMilli() == nt.UnixMilli() {
			return o, true
		}
		return n, false
	}

	ro, rn := reflect.ValueOf(o), reflect.ValueOf(n)
	if ro.Type() != rn.Type() {
		return n, false
	}

	switch ro.Kind() {
	case reflect.Slice:
		return shareSlice(ro, rn)
	case reflect.Array:
		// arrays are value types; sharing inside them buys nothing
		if reflect.DeepEqual(o, n) {
			return o, true
		}
		return n, false
	case reflect.Map:
		return shareMap(ro, rn)
	case reflect.Struct:
		return shareStruct(ro, rn)
	case reflect.Pointer:
		return sharePointer(ro, rn)
	default:
		if ro.Comparable() {
			if o == n {
				return o, true
			}
			return n, false
		}
		if reflect.DeepEqual(o, n) {
			return o, true
		}
		return n, false
	}
}

func shareSlice(ro, rn reflect.Value) (any, bool) {
	out := reflect.MakeSlice(rn.Type(), rn.Len(), rn.Len())
	allEqual := ro.Len() == rn.Len()
	for i := 0; i < rn.Len(); i++ {
		if i < ro.Len() {
			v, eq := share(ro.Index(i).Interface(), rn.Index(i).Interface())
			setElem(out.Index(i), v)
			if !eq {
				allEqual = false
			}
		} else {
			out.Index(i).Set(rn.Index(i))
		}
	}
	if allEqual {
		return ro.Interface(), true
	}
	return out.Interface(), false
}

func shareMap(ro, rn reflect.Value) (any, bool) {
	allEqual := ro.Len() == rn.Len()
	out := reflect.MakeMapWithSize(rn.Type(), rn.Len())
	iter := rn.MapRange()
	for iter.Next() {
		k, nv := iter.Key(), iter.Value()
		ov := ro.MapIndex(k)
		if ov.IsValid() {
			v, eq := share(ov.Interface(), nv.Interface())
			mv := reflect.New(rn.Type().Elem()).Elem()
			setElem(mv, v)
			out.SetMapIndex(k, mv)
			if !eq {
				allEqual = false
			}
		} else {
			out.SetMapIndex(k, nv)
			allEqual = false
		}
	}
	if allEqual {
		return ro.Interface(), true
	}
	return out.Interface(), false
}

func shareStruct(ro, rn reflect.Value) (any, bool) {
	t := ro.Type()
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			// cannot rebuild through unexported fields; compare wholesale
			if reflect.DeepEqual(ro.Interface(), rn.Interface()) {
				return ro.Interface(), true
			}
			return rn.Interface(), false
		}
	}
	out := reflect.New(t).Elem()
	allEqual := true
	for i := 0; i < t.NumField(); i++ {
		v, eq := share(ro.Field(i).Interface(), rn.Field(i).Interface())
		setElem(out.Field(i), v)
		if !eq {
			allEqual = false
		}
	}
	if allEqual {
		return ro.Interface(), true
	}
	return out.Interface(), false
}

func sharePointer(ro, rn reflect.Value) (any, bool) {
	if ro.IsNil() || rn.IsNil() {
		return rn.Interface(), ro.IsNil() && rn.IsNil()
	}
	v, eq := share(ro.Elem().Interface(), rn.Elem().Interface())
	if eq {
		return ro.Interface(), true
	}
	out := reflect.New(ro.Type().Elem())
	setElem(out.Elem(), v)
	return out.Interface(), false
}

func setElem(dst reflect.Value, v any) {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return
	}
	dst.Set(reflect.ValueOf(v))
}

// ReplaceEqualKeyed is the collection variant of ReplaceEqualDeep for
// sequences of records. Elements are matched by the identity field keyField
// (default "id") rather than by position, so a response that reorders rows
// without changing them still reuses every old element. Returns oldV itself
// only when length, order and every element are unchanged.
func ReplaceEqualKeyed(oldV, newV any, keyField string) any {
	if keyField == "" {
		keyField = "id"
	}
	if oldV == nil || newV == nil {
		return newV
	}
	ro, rn := reflect.ValueOf(oldV), reflect.ValueOf(newV)
	if ro.Kind() != reflect.Slice || rn.Kind() != reflect.Slice || ro.Type() != rn.Type() {
		return ReplaceEqualDeep(oldV, newV)
	}

	byID := make(map[any]int, ro.Len())
	for i := 0; i < ro.Len(); i++ {
		if id, ok := identityOf(ro.Index(i).Interface(), keyField); ok {
			byID[id] = i
		}
	}

	out := reflect.MakeSlice(rn.Type(), rn.Len(), rn.Len())
	allEqual := ro.Len() == rn.Len()
	for i := 0; i < rn.Len(); i++ {
		ne := rn.Index(i).Interface()
		oldIdx := -1
		if id, ok := identityOf(ne, keyField); ok {
			if j, ok := byID[id]; ok {
				oldIdx = j
			}
		} else if i < ro.Len() {
			oldIdx = i // no identity; fall back to positional matching
		}
		if oldIdx < 0 {
			out.Index(i).Set(rn.Index(i))
			allEqual = false
			continue
		}
		v, eq := share(ro.Index(oldIdx).Interface(), ne)
		setElem(out.Index(i), v)
		if !eq || oldIdx != i {
			allEqual = false
		}
	}
	if allEqual {
		return oldV
	}
	return out.Interface()
}

func identityOf(v any, keyField string) (any, bool) {
	if m, ok := v.(map[string]any); ok {
		id, ok := m[keyField]
		return id, ok && id != nil && reflect.TypeOf(id).Comparable()
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, false
	}
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.IsExported() && strings.EqualFold(f.Name, keyField) {
			id := rv.Field(i).Interface()
			return id, id != nil && reflect.TypeOf(id).Comparable()
		}
	}
	return nil, false
}
