package websocket

import (
	"fmt"
	"reflect"
)

// ackInvoker calls a client supplied acknowledgement callback with an error
// and a reply payload, whatever the callback's concrete signature is.
type ackInvoker func(err error, payload any)

var (
	anySliceType = reflect.TypeOf([]any(nil))
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
)

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	candidate := datas[len(datas)-1]
	ack = wrapAck(candidate)
	if ack == nil {
		return nil, datas
	}

	return ack, datas[:len(datas)-1]
}

func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}

	value := reflect.ValueOf(candidate)
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(err error, payload any) {
		args := buildAckArgs(typ, err, payload)
		value.Call(args)
	}
}

func buildAckArgs(typ reflect.Type, err error, payload any) []reflect.Value {
	numIn := typ.NumIn()

	// Socket.IO hands acknowledgements over as func([]any, error); the slice
	// is what reaches the client, so the error travels inside it as text.
	if numIn == 2 && typ.In(0) == anySliceType && typ.In(1) == errorType {
		var message any
		if err != nil {
			message = err.Error()
		}
		return []reflect.Value{
			reflect.ValueOf([]any{message, payload}),
			reflect.Zero(errorType),
		}
	}

	args := make([]reflect.Value, numIn)
	for i := 0; i < numIn; i++ {
		paramType := typ.In(i)
		var argValue any

		switch {
		case numIn == 1:
			if err != nil {
				argValue = err
			} else {
				argValue = payload
			}
		case i == 0:
			argValue = err
		case i == 1:
			argValue = payload
		default:
			argValue = nil
		}

		args[i] = coerceValue(argValue, paramType)
	}

	return args
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}

	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(targetType) {
		return rv
	}

	if rv.Type().ConvertibleTo(targetType) {
		return rv.Convert(targetType)
	}

	if targetType.Kind() == reflect.Interface {
		if rv.Type().Implements(targetType) || targetType.NumMethod() == 0 {
			return rv
		}
	}

	if targetType.Kind() == reflect.String {
		if err, ok := value.(error); ok {
			return reflect.ValueOf(err.Error()).Convert(targetType)
		}
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	}

	if targetType.Kind() == reflect.Map && targetType.Key().Kind() == reflect.String {
		if payload, ok := value.(map[string]any); ok {
			return convertMap(payload, targetType)
		}
	}

	return reflect.Zero(targetType)
}

func convertMap(source map[string]any, targetType reflect.Type) reflect.Value {
	result := reflect.MakeMapWithSize(targetType, len(source))
	for key, val := range source {
		keyValue := reflect.ValueOf(key).Convert(targetType.Key())
		if val == nil {
			result.SetMapIndex(keyValue, reflect.Zero(targetType.Elem()))
			continue
		}
		valueValue := reflect.ValueOf(val)
		if !valueValue.Type().AssignableTo(targetType.Elem()) {
			if valueValue.Type().ConvertibleTo(targetType.Elem()) {
				valueValue = valueValue.Convert(targetType.Elem())
			} else {
				continue
			}
		}
		result.SetMapIndex(keyValue, valueValue)
	}
	return result
}
