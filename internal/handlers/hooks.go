package handlers

import (
	"net/http"
	"reflect"

	"github.com/nlstn/go-odatamap/internal/metadata"
	"github.com/nlstn/go-odatamap/internal/query"
	"github.com/nlstn/go-odatamap/internal/scope"
)

// callBeforeReadCollection invokes the ODataBeforeReadCollection hook if defined and returns any scopes it produces.
func callBeforeReadCollection(meta *metadata.EntityMetadata, r *http.Request, opts *query.QueryOptions) ([]scope.QueryScope, error) {
	if meta == nil || !meta.Hooks.HasODataBeforeReadCollection {
		return nil, nil
	}

	ctx := r.Context()
	results, ok := invokeReadHook(meta, "ODataBeforeReadCollection", ctx, r, opts)
	if !ok || len(results) == 0 {
		return nil, nil
	}

	var scopes []scope.QueryScope
	if first := results[0]; first.IsValid() && (first.Kind() != reflect.Interface || !first.IsNil()) {
		if s, ok := first.Interface().([]scope.QueryScope); ok {
			scopes = s
		}
	}

	if err := hookError(results); err != nil {
		return nil, err
	}
	return scopes, nil
}

// callAfterReadCollection invokes the ODataAfterReadCollection hook if defined and returns an override when provided.
func callAfterReadCollection(meta *metadata.EntityMetadata, r *http.Request, opts *query.QueryOptions, results interface{}) (interface{}, bool, error) {
	if meta == nil || !meta.Hooks.HasODataAfterReadCollection {
		return nil, false, nil
	}

	ctx := r.Context()
	callResults, ok := invokeReadHook(meta, "ODataAfterReadCollection", ctx, r, opts, results)
	if !ok || len(callResults) == 0 {
		return nil, false, nil
	}

	if err := hookError(callResults); err != nil {
		return nil, false, err
	}

	// Treat typed nils as an explicit override but ignore interface nils.
	first := callResults[0]
	if !first.IsValid() || (first.Kind() == reflect.Interface && first.IsNil()) {
		return nil, false, nil
	}
	return first.Interface(), true, nil
}

func hookError(results []reflect.Value) error {
	if len(results) < 2 {
		return nil
	}
	errVal := results[1]
	if !errVal.IsValid() || errVal.IsNil() {
		return nil
	}
	err, _ := errVal.Interface().(error)
	return err
}

// invokeReadHook instantiates an entity value for the provided metadata and calls the requested hook method.
func invokeReadHook(meta *metadata.EntityMetadata, methodName string, args ...interface{}) ([]reflect.Value, bool) {
	if meta == nil {
		return nil, false
	}

	entityPtr := reflect.New(meta.EntityType)
	entityValue := entityPtr.Elem()

	if method := entityValue.MethodByName(methodName); method.IsValid() {
		return callHookMethod(method, args...), true
	}

	if method := entityPtr.MethodByName(methodName); method.IsValid() {
		return callHookMethod(method, args...), true
	}

	return nil, false
}

// callHookMethod converts arguments to reflect.Values and invokes the method.
func callHookMethod(method reflect.Value, args ...interface{}) []reflect.Value {
	callArgs := make([]reflect.Value, len(args))
	methodType := method.Type()
	for i, arg := range args {
		if arg == nil {
			callArgs[i] = reflect.Zero(methodType.In(i))
			continue
		}
		callArgs[i] = reflect.ValueOf(arg)
	}
	return method.Call(callArgs)
}
