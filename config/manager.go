package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

// Manager is a flat key/value store filled from JSON files and the
// environment. Nested JSON objects become dotted keys.
type Manager struct {
	values map[string]any
	mu     sync.RWMutex
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{
		values: make(map[string]any),
	}
}

// Set stores value under a dotted key.
func (m *Manager) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = value
}

// Get returns the raw value of key.
func (m *Manager) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.values[key]
	return value, exists
}

// LoadFromEnv loads configuration from environment variables. With prefix
// "COSERVER", COSERVER_LOG_LEVEL sets "log_level" and
// COSERVER_HOOK__MUTEX_RETRY_TIME sets "hook.mutex_retry_time".
func (m *Manager) LoadFromEnv(prefix string) {
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}

		if prefix != "" {
			if !strings.HasPrefix(key, prefix+"_") {
				continue
			}
			key = strings.TrimPrefix(key, prefix+"_")
		}

		key = strings.ToLower(key)
		key = strings.ReplaceAll(key, "__", ".")

		m.Set(key, value)
	}
}

// LoadFromJSON merges a JSON file, flattening nested objects.
func (m *Manager) LoadFromJSON(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", filename, err)
	}

	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("config: parse %s: %w", filename, err)
	}

	m.loadFromMap("", values)
	return nil
}

func (m *Manager) loadFromMap(prefix string, values map[string]any) {
	for key, value := range values {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}

		if nested, ok := value.(map[string]any); ok {
			m.loadFromMap(fullKey, nested)
			continue
		}
		m.Set(fullKey, value)
	}
}

// defaulter is implemented by slice element types that need defaults before
// their fields are filled.
type defaulter interface {
	setDefaults()
}

// Unmarshal unmarshals configuration into a struct. Fields are keyed by
// their `config` tag, nested structs by a dotted prefix, and slices of
// structs are decoded from JSON arrays of objects.
func (m *Manager) Unmarshal(prefix string, target any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	targetValue := reflect.ValueOf(target)
	if targetValue.Kind() != reflect.Pointer {
		return fmt.Errorf("config: target must be a pointer")
	}

	targetValue = targetValue.Elem()
	if targetValue.Kind() != reflect.Struct {
		return fmt.Errorf("config: target must be a pointer to struct")
	}
	return m.unmarshal(prefix, targetValue)
}

func (m *Manager) unmarshal(prefix string, target reflect.Value) error {
	targetType := target.Type()

	for i := 0; i < targetType.NumField(); i++ {
		field := targetType.Field(i)
		fieldValue := target.Field(i)

		if !fieldValue.CanSet() {
			continue
		}

		configKey := field.Tag.Get("config")
		if configKey == "-" {
			continue
		}
		if configKey == "" {
			configKey = strings.ToLower(field.Name)
		}

		if prefix != "" {
			configKey = prefix + "." + configKey
		}

		if fieldValue.Kind() == reflect.Struct {
			if err := m.unmarshal(configKey, fieldValue); err != nil {
				return err
			}
			continue
		}

		value, exists := m.values[configKey]
		if !exists {
			continue
		}

		if err := setFieldValue(fieldValue, value); err != nil {
			return fmt.Errorf("config: field %s: %w", configKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value any) error {
	switch field.Kind() {
	case reflect.String:
		if str, ok := value.(string); ok {
			field.SetString(str)
		} else {
			field.SetString(fmt.Sprintf("%v", value))
		}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch v := value.(type) {
		case int:
			field.SetInt(int64(v))
		case int64:
			field.SetInt(v)
		case float64:
			field.SetInt(int64(v))
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		default:
			return fmt.Errorf("cannot convert %T to int", value)
		}

	case reflect.Bool:
		switch v := value.(type) {
		case bool:
			field.SetBool(v)
		case string:
			field.SetBool(v == "true" || v == "yes" || v == "1")
		case float64:
			field.SetBool(v != 0)
		}

	case reflect.Slice:
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("cannot convert %T to %v", value, field.Type())
		}
		return setSlice(field, items)

	default:
		rv := reflect.ValueOf(value)
		if !rv.Type().ConvertibleTo(field.Type()) {
			return fmt.Errorf("cannot convert %v to %v", rv.Type(), field.Type())
		}
		field.Set(rv.Convert(field.Type()))
	}

	return nil
}

func setSlice(field reflect.Value, items []any) error {
	elemType := field.Type().Elem()
	out := reflect.MakeSlice(field.Type(), 0, len(items))
	for i, item := range items {
		elem := reflect.New(elemType)
		if d, ok := elem.Interface().(defaulter); ok {
			d.setDefaults()
		}

		if elemType.Kind() == reflect.Struct {
			obj, ok := item.(map[string]any)
			if !ok {
				return fmt.Errorf("item %d is not an object", i)
			}
			sub := NewManager()
			sub.loadFromMap("", obj)
			if err := sub.unmarshal("", elem.Elem()); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		} else if err := setFieldValue(elem.Elem(), item); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		out = reflect.Append(out, elem.Elem())
	}
	field.Set(out)
	return nil
}
