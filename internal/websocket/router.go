package websocket

import (
	"encoding/json"
	"fmt"
	"reflect"
)

var errType = reflect.TypeOf((*error)(nil)).Elem()

// Router maps RPC method names onto the exported methods of the bound
// app value by reflection.
type Router struct {
	app     interface{}
	methods map[string]reflect.Method
}

func NewRouter(app interface{}) *Router {
	r := &Router{
		app:     app,
		methods: make(map[string]reflect.Method),
	}

	appType := reflect.TypeOf(app)
	for i := 0; i < appType.NumMethod(); i++ {
		method := appType.Method(i)
		if method.IsExported() {
			r.methods[method.Name] = method
		}
	}
	return r
}

// Call invokes the named method with JSON-decoded params.
func (r *Router) Call(methodName string, params []interface{}) (interface{}, error) {
	method, ok := r.methods[methodName]
	if !ok {
		return nil, fmt.Errorf("method not found: %s", methodName)
	}

	numIn := method.Type.NumIn() - 1
	if len(params) != numIn {
		return nil, fmt.Errorf("method %s expects %d params, got %d", methodName, numIn, len(params))
	}

	args := make([]reflect.Value, numIn+1)
	args[0] = reflect.ValueOf(r.app)
	for i, param := range params {
		arg, err := coerce(param, method.Type.In(i+1))
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i, err)
		}
		args[i+1] = arg
	}

	return collect(method.Func.Call(args))
}

// coerce adapts a JSON-decoded value to the parameter type the method
// declares. Objects and arrays take the marshal round-trip so struct
// parameters decode with their json tags.
func coerce(param interface{}, target reflect.Type) (reflect.Value, error) {
	if param == nil {
		return reflect.Zero(target), nil
	}

	v := reflect.ValueOf(param)
	if v.Type().AssignableTo(target) {
		return v, nil
	}
	// JSON numbers arrive as float64; named string types also land here
	if v.Type().ConvertibleTo(target) && v.Kind() != reflect.Map && v.Kind() != reflect.Slice {
		return v.Convert(target), nil
	}

	raw, err := json.Marshal(param)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("cannot convert %T to %s", param, target)
	}
	out := reflect.New(target)
	if err := json.Unmarshal(raw, out.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot convert %T to %s: %w", param, target, err)
	}
	return out.Elem(), nil
}

// collect turns reflect call results into (result, error), treating a
// trailing error value the way Go callers would.
func collect(results []reflect.Value) (interface{}, error) {
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		if results[0].Type().Implements(errType) {
			if !results[0].IsNil() {
				return nil, results[0].Interface().(error)
			}
			return nil, nil
		}
		return results[0].Interface(), nil
	case 2:
		if !results[1].IsNil() {
			return nil, results[1].Interface().(error)
		}
		return results[0].Interface(), nil
	default:
		return nil, fmt.Errorf("method returns %d values; at most (result, error) is supported", len(results))
	}
}
