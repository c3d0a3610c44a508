package log

import "time"

// Field represents a structured log field with a key and value.
type Field struct {
	Key   string
	Value interface{}
}

// ComponentKey tags logs with the component that emitted them.
const ComponentKey = "component"

// F creates a log field with the provided key and value.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Str creates a string field.
func Str(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Time creates a time field.
func Time(key string, value time.Time) Field {
	return Field{Key: key, Value: value}
}

// Err creates an error field.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Component creates a component field, useful for tagging logs with a component name.
func Component(value string) Field {
	return Field{Key: ComponentKey, Value: value}
}
