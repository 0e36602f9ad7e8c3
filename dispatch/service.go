package dispatch

import (
	"fmt"
	"reflect"
)

var funcType = reflect.TypeOf(Func(nil))

// RegisterReceiver registers every exported method of rcvr whose signature is
//
//	func(args ...any) (any, error)
//
// under the method's own name, e.g. (*Arith).Add becomes "Add". It returns the names
// registered and fails when rcvr has no such method.
func (r *Registry) RegisterReceiver(rcvr any) ([]string, error) {
	val := reflect.ValueOf(rcvr)
	if !val.IsValid() {
		return nil, fmt.Errorf("dispatch: nil receiver")
	}
	typ := val.Type()

	var names []string
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		bound := val.Method(i)
		if !bound.Type().ConvertibleTo(funcType) {
			continue
		}
		r.Register(method.Name, bound.Convert(funcType).Interface().(Func))
		names = append(names, method.Name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("dispatch: %s has no exported method of type func(...any) (any, error)", typ)
	}
	return names, nil
}
