// Package config decodes the runtime's three recognized CLI tokens
// (spec.md §6: -http-service, -http-debug, -http-ttl), in the style of the
// retrieval pack's kitchen-sink config layer: a plain struct with
// validator tags, decoded through viper, with a pflag.FlagSet doing CLI
// recognition so that unrecognized flags are left in the set and returned
// to the caller untouched. Only the flag set is read; no config file or
// environment variable is consulted.
package config

import (
	libval "github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DynamicService is the literal token meaning "bind to kernel-assigned
// port 0" (spec.md §4.1's open()).
const DynamicService = "dynamic"

// Runtime is the decoded configuration for one reactor instance.
type Runtime struct {
	Service string `mapstructure:"service" json:"service" yaml:"service" validate:"required"`
	Debug   bool   `mapstructure:"debug" json:"debug" yaml:"debug"`
	TTL     int    `mapstructure:"ttl" json:"ttl" yaml:"ttl" validate:"gte=0"`
}

// Validate reports whether the Runtime is internally consistent, the way
// certificates.Config.Validate does for its own struct in the teacher's
// TLS configuration surface.
func (r Runtime) Validate() error {
	return libval.New().Struct(r)
}

// RegisterFlags adds the three recognized tokens to fs. Flags already
// present under those names are left alone (a caller composing several
// config sources may have registered them first); any other flag already
// registered on fs is untouched and remains visible to the caller, matching
// spec.md §6's "unknown arguments are preserved and returned to the
// caller."
func RegisterFlags(fs *pflag.FlagSet) {
	if fs.Lookup("http-service") == nil {
		fs.String("http-service", DynamicService, "service name, numeric port, or \"dynamic\" for an OS-assigned port")
	}
	if fs.Lookup("http-debug") == nil {
		fs.Bool("http-debug", false, "enable verbose tracing")
	}
	if fs.Lookup("http-ttl") == nil {
		fs.Int("http-ttl", 0, "outbound IP TTL, 0 to leave the OS default")
	}
}

// FromFlags builds a Runtime from a FlagSet previously populated by
// RegisterFlags and parsed by the caller.
func FromFlags(fs *pflag.FlagSet) (Runtime, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return Runtime{}, err
	}
	r := Runtime{
		Service: v.GetString("http-service"),
		Debug:   v.GetBool("http-debug"),
		TTL:     v.GetInt("http-ttl"),
	}
	return r, r.Validate()
}
