// Package config decodes the core-relevant configuration keys named in
// the fabric specification and provides a small type-name registry for
// pluggable components (the cluster driver and the gateway), mirroring
// the teacher pack's convention of decoding a generic args map into a
// concrete driver config with mapstructure.
package config

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// ComponentNotFoundError is returned when a plugin type name has no
// registered constructor. Fatal to the component being configured, not
// to the process.
type ComponentNotFoundError struct {
	Kind string
	Type string
}

func (e *ComponentNotFoundError) Error() string {
	return fmt.Sprintf("component not found: kind=%s type=%s", e.Kind, e.Type)
}

// Tunables holds the Raft-relevant timing and sizing knobs.
type Tunables struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	ElectionTimeout  time.Duration `mapstructure:"election_timeout"`
	MessageSize      int           `mapstructure:"message_size"`
}

// DefaultTunables returns the tunables used when configuration omits
// them, chosen so that ElectionTimeout > HeartbeatTimeout as required
// by the specification.
func DefaultTunables() Tunables {
	return Tunables{
		HeartbeatTimeout: 150 * time.Millisecond,
		ElectionTimeout:  750 * time.Millisecond,
		MessageSize:      64,
	}
}

// Config is the top-level configuration for a fabric process.
type Config struct {
	RaftServiceName string   `mapstructure:"raft_service_name"`
	ClusterType     string   `mapstructure:"cluster_type"`
	ClusterArgs     map[string]interface{} `mapstructure:"cluster_args"`
	GatewayType     string   `mapstructure:"gateway_type"`
	GatewayArgs     map[string]interface{} `mapstructure:"gateway_args"`
	LocatorUUID     string   `mapstructure:"locator_uuid"`
	LocatorRestrict []string `mapstructure:"locator_restrict"`
	Tunables        Tunables `mapstructure:",squash"`
}

// Decode populates a Config from a generic map, such as one parsed
// from a JSON or HCL configuration file.
func Decode(raw map[string]interface{}) (*Config, error) {
	cfg := &Config{Tunables: DefaultTunables()}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, fmt.Errorf("config: failed to build decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("config: failed to decode: %w", err)
	}
	return cfg, nil
}

// DecodeArgs decodes a plugin's args map into a concrete driver config
// of the caller's choosing (out is a pointer to a struct).
func DecodeArgs(args map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("config: failed to build decoder: %w", err)
	}
	return dec.Decode(args)
}

// Registry maps a plugin type name to a constructor function. One
// registry instance is used per component kind (e.g. "cluster",
// "gateway"), following the teacher pack's type-name-keyed plugin
// wiring.
type Registry[T any] struct {
	kind         string
	constructors map[string]func(args map[string]interface{}) (T, error)
}

// NewRegistry creates an empty registry for the named component kind,
// used only in ComponentNotFoundError messages.
func NewRegistry[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:         kind,
		constructors: make(map[string]func(args map[string]interface{}) (T, error)),
	}
}

// Register adds a constructor under the given type name.
func (r *Registry[T]) Register(typeName string, ctor func(args map[string]interface{}) (T, error)) {
	r.constructors[typeName] = ctor
}

// Build invokes the constructor registered for typeName with args,
// returning ComponentNotFoundError if no such constructor exists.
func (r *Registry[T]) Build(typeName string, args map[string]interface{}) (T, error) {
	var zero T
	ctor, ok := r.constructors[typeName]
	if !ok {
		return zero, &ComponentNotFoundError{Kind: r.kind, Type: typeName}
	}
	return ctor(args)
}
