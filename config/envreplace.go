package config

import "reflect"

// replaceEnvKeys walks data (a pointer) substituting any string field whose
// value starts with '$' for the named environment variable, ported from
// the teacher's config_env_replacer.go.
func replaceEnvKeys(data interface{}, getenv func(string) string) error {
	val := reflect.ValueOf(data)

	if val.Kind() != reflect.Interface && val.Kind() != reflect.Ptr {
		return nil
	}

	s := val.Elem()
	if !s.CanSet() {
		return nil
	}

	if s.Kind() == reflect.String {
		value := s.Interface().(string)
		if len(value) > 1 && value[0] == '$' {
			s.SetString(getenv(value[1:]))
		}
		return nil
	}

	if s.Kind() == reflect.Struct {
		for i := 0; i < s.NumField(); i++ {
			if err := replaceEnvKeys(s.Field(i).Addr().Interface(), getenv); err != nil {
				return err
			}
		}
		return nil
	}

	if s.Kind() == reflect.Slice {
		for i := 0; i < s.Len(); i++ {
			if err := replaceEnvKeys(s.Index(i).Addr().Interface(), getenv); err != nil {
				return err
			}
		}
		return nil
	}

	// Backend-config fields (Storage.Config, Session.Config) are
	// interfaces holding a pointer to the concrete decoded type; recurse
	// through the pointer they already hold rather than Addr()'ing the
	// interface itself.
	if s.Kind() == reflect.Interface {
		if s.IsNil() {
			return nil
		}
		return replaceEnvKeys(s.Interface(), getenv)
	}

	return nil
}
