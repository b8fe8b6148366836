package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"go.starlark.net/starlark"
)

// DefaultStarlarkTimeout is the execution timeout for Starlark config files.
const DefaultStarlarkTimeout = 5 * time.Second

// ErrConfigureNotFound is returned when config.star doesn't define a configure() function.
var ErrConfigureNotFound = errors.New("config.star must define a configure() function")

// ErrConfigureReturnType is returned when configure() doesn't return a dict.
var ErrConfigureReturnType = errors.New("configure() must return a dict")

// LoadStarlarkConfig loads a configuration from a Starlark file.
// The file must define a configure() function that returns a dict.
// The execution is sandboxed: no filesystem or network access, with a timeout.
func LoadStarlarkConfig(path string, timeout time.Duration) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: path,
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel("execution timeout")
		case <-done:
		}
	}()
	defer close(done)

	globals, err := starlark.ExecFile(thread, path, data, configPredeclared())
	if err != nil {
		return nil, fmt.Errorf("executing config %s: %w", path, err)
	}

	configureFn, ok := globals["configure"]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrConfigureNotFound)
	}

	fn, ok := configureFn.(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("%s: configure must be a function, got %s", path, configureFn.Type())
	}

	result, err := starlark.Call(thread, fn, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: calling configure(): %w", path, err)
	}

	dict, ok := result.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("%s: %w, got %s", path, ErrConfigureReturnType, result.Type())
	}

	return dictToConfig(dict)
}

// configPredeclared returns the predeclared values for config Starlark files.
// This is a sandboxed environment with no filesystem or network access.
func configPredeclared() starlark.StringDict {
	return starlark.StringDict{
		"getenv":    starlark.NewBuiltin("getenv", builtinGetenv),
		"host_os":   starlark.String(runtime.GOOS),
		"host_arch": starlark.String(runtime.GOARCH),
		"duration":  starlark.NewBuiltin("duration", builtinDuration),
	}
}

// builtinGetenv implements getenv(name, default="") -> string.
func builtinGetenv(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultVal starlark.String
	if err := starlark.UnpackArgs("getenv", args, kwargs, "name", &name, "default?", &defaultVal); err != nil {
		return nil, err
	}

	val := os.Getenv(name)
	if val == "" {
		return defaultVal, nil
	}
	return starlark.String(val), nil
}

// builtinDuration implements duration(s) -> string.
// Validates that the string is a valid Go duration.
func builtinDuration(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var s string
	if err := starlark.UnpackArgs("duration", args, kwargs, "s", &s); err != nil {
		return nil, err
	}

	if _, err := time.ParseDuration(s); err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	return starlark.String(s), nil
}

// dictToConfig converts a Starlark dict to a Config struct.
func dictToConfig(d *starlark.Dict) (*Config, error) {
	cfg := DefaultConfig()

	if testVal, found, _ := d.Get(starlark.String("test")); found {
		testDict, ok := testVal.(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("test must be a dict, got %s", testVal.Type())
		}
		if err := parseTestConfig(testDict, &cfg.Test); err != nil {
			return nil, fmt.Errorf("parsing test config: %w", err)
		}
	}

	if watchVal, found, _ := d.Get(starlark.String("watch")); found {
		watchDict, ok := watchVal.(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("watch must be a dict, got %s", watchVal.Type())
		}
		if err := parseWatchConfig(watchDict, &cfg.Watch); err != nil {
			return nil, fmt.Errorf("parsing watch config: %w", err)
		}
	}

	return cfg, nil
}

// parseTestConfig parses the test section from a Starlark dict.
func parseTestConfig(d *starlark.Dict, cfg *TestConfig) error {
	var err error
	if cfg.Pattern, err = stringKey(d, "pattern", cfg.Pattern); err != nil {
		return err
	}
	if cfg.Markers, err = stringKey(d, "markers", cfg.Markers); err != nil {
		return err
	}
	if cfg.FailFast, err = boolKey(d, "fail_fast", cfg.FailFast); err != nil {
		return err
	}
	if cfg.Verbose, err = boolKey(d, "verbose", cfg.Verbose); err != nil {
		return err
	}
	if cfg.Ascii, err = boolKey(d, "ascii", cfg.Ascii); err != nil {
		return err
	}
	if cfg.CacheDir, err = stringKey(d, "cache_dir", cfg.CacheDir); err != nil {
		return err
	}

	if v, found, _ := d.Get(starlark.String("workers")); found {
		switch val := v.(type) {
		case starlark.String:
			cfg.Workers = string(val)
		case starlark.Int:
			i, _ := val.Int64()
			cfg.Workers = fmt.Sprintf("%d", i)
		default:
			return fmt.Errorf("workers must be a string or int, got %s", v.Type())
		}
	}

	if v, found, _ := d.Get(starlark.String("capture")); found {
		b, ok := v.(starlark.Bool)
		if !ok {
			return fmt.Errorf("capture must be a bool, got %s", v.Type())
		}
		val := bool(b)
		cfg.Capture = &val
	}

	if v, found, _ := d.Get(starlark.String("color")); found {
		b, ok := v.(starlark.Bool)
		if !ok {
			return fmt.Errorf("color must be a bool, got %s", v.Type())
		}
		val := bool(b)
		cfg.Color = &val
	}

	if v, found, _ := d.Get(starlark.String("load_path")); found {
		list, ok := v.(*starlark.List)
		if !ok {
			return fmt.Errorf("load_path must be a list, got %s", v.Type())
		}
		cfg.LoadPath = nil
		for i := 0; i < list.Len(); i++ {
			s, ok := starlark.AsString(list.Index(i))
			if !ok {
				return fmt.Errorf("load_path[%d] must be a string", i)
			}
			cfg.LoadPath = append(cfg.LoadPath, s)
		}
	}

	return nil
}

// parseWatchConfig parses the watch section from a Starlark dict.
func parseWatchConfig(d *starlark.Dict, cfg *WatchConfig) error {
	if v, found, _ := d.Get(starlark.String("debounce")); found {
		s, ok := starlark.AsString(v)
		if !ok {
			return fmt.Errorf("debounce must be a string, got %s", v.Type())
		}
		dur, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid debounce %q: %w", s, err)
		}
		cfg.Debounce = Duration{dur}
	}
	return nil
}

func stringKey(d *starlark.Dict, key, current string) (string, error) {
	v, found, _ := d.Get(starlark.String(key))
	if !found {
		return current, nil
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %s", key, v.Type())
	}
	return s, nil
}

func boolKey(d *starlark.Dict, key string, current bool) (bool, error) {
	v, found, _ := d.Get(starlark.String(key))
	if !found {
		return current, nil
	}
	b, ok := v.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("%s must be a bool, got %s", key, v.Type())
	}
	return bool(b), nil
}
