package chirp

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chirp-project/chirp/pkg/wire"
)

// Config holds every recognized chirp option from spec.md §6. The env
// struct tag is "NAME=default" (default applied whenever the var is
// missing or empty) or "NAME?=default" (default applied only when the var is
// missing entirely; an explicit empty value is honored), the same
// convention used throughout this codebase's sibling configuration types.
type Config struct {
	// Idle-connection lifetime; lower-bounded by TIMEOUT*3 at Validate time.
	ReuseTime time.Duration `env:"CHIRP_REUSE_TIME=60s"`

	// Send/connect timeout base.
	Timeout time.Duration `env:"CHIRP_TIMEOUT=5s"`

	// Listening port (both v4 and v6 sockets).
	Port uint16 `env:"CHIRP_PORT=2998"`

	// Maximum number of simultaneously open accepted connections per
	// listener (enforced with netutil.LimitListener). It does not set the
	// kernel listen() backlog, which stays at Go's default.
	Backlog uint8 `env:"CHIRP_BACKLOG=64"`

	// Per-inbound-connection concurrency. 0 means 16 (async) or 1 (sync).
	MaxSlots uint8 `env:"CHIRP_MAX_SLOTS=0"`

	// If true, every send sets REQ_ACK and the Remote enforces one
	// in-flight message.
	Synchronous bool `env:"CHIRP_SYNCHRONOUS"`

	// Read/write buffer size; 0 means the 64KiB default.
	BufferSize int `env:"CHIRP_BUFFER_SIZE=0"`

	// Hard per-message cap.
	MaxMsgSize uint32 `env:"CHIRP_MAX_MSG_SIZE=104857600"`

	// Bind addresses for the v4 and v6 listeners.
	BindV4 netip.Addr `env:"CHIRP_BIND_V4=0.0.0.0"`
	BindV6 netip.Addr `env:"CHIRP_BIND_V6=::"`

	// Fixed identity; if all-zero, a random one is generated at Init.
	Identity wire.Identity `env:"CHIRP_IDENTITY"`

	CertChainPEM string `env:"CHIRP_CERT_CHAIN_PEM"`
	DHParamsPEM  string `env:"CHIRP_DH_PARAMS_PEM"`

	DisableEncryption bool `env:"CHIRP_DISABLE_ENCRYPTION"`
	DisableSignals    bool `env:"CHIRP_DISABLE_SIGNALS"`

	// DisableListening puts this instance into client-only mode: no v4/v6
	// listener is opened, but outbound Connect/Send still works normally.
	DisableListening bool `env:"CHIRP_DISABLE_LISTENING"`

	// AlwaysEncrypt overrides the "never encrypt loopback" rule for this
	// instance. See SPEC_FULL.md §4 for why this is per-instance rather
	// than the process-global flag the spec's open question left
	// ambiguous.
	AlwaysEncrypt bool `env:"CHIRP_ALWAYS_ENCRYPT"`

	// TLSManualMode disables sharing TLSEnv (cert/DH material, cipher
	// config) across Chirp instances in this process; each instance loads
	// its own.
	TLSManualMode bool `env:"CHIRP_TLS_MANUAL_MODE"`

	LogLevel zerolog.Level `env:"CHIRP_LOG_LEVEL=info"`
}

// Default builds a Config with every field at its documented default.
func Default() *Config {
	c := &Config{}
	if err := c.UnmarshalEnv(nil, false); err != nil {
		panic(err) // defaults must always parse
	}
	return c
}

// Validate checks cross-field invariants from spec.md §3 invariant 5/6 and
// returns a *Error with Kind ValueError describing the first violation.
func (c *Config) Validate() error {
	if c.ReuseTime < c.Timeout*3 {
		return newErr(ValueError, fmt.Errorf("REUSE_TIME (%s) must be >= TIMEOUT*3 (%s)", c.ReuseTime, c.Timeout*3))
	}
	if c.Timeout < 100*time.Millisecond || c.Timeout > 1200*time.Second {
		return newErr(ValueError, fmt.Errorf("TIMEOUT must be in [0.1s, 1200s], got %s", c.Timeout))
	}
	if c.ReuseTime < 500*time.Millisecond || c.ReuseTime > 3600*time.Second {
		return newErr(ValueError, fmt.Errorf("REUSE_TIME must be in [0.5s, 3600s], got %s", c.ReuseTime))
	}
	if c.Port <= 1024 {
		return newErr(ValueError, fmt.Errorf("PORT must be > 1024, got %d", c.Port))
	}
	if c.Backlog >= 128 {
		return newErr(ValueError, fmt.Errorf("BACKLOG must be < 128, got %d", c.Backlog))
	}
	if c.MaxSlots > 32 {
		return newErr(ValueError, fmt.Errorf("MAX_SLOTS must be in [0, 32], got %d", c.MaxSlots))
	}
	if c.BufferSize != 0 && (c.BufferSize < 1024 || c.BufferSize < wire.HandshakeSize) {
		return newErr(ValueError, fmt.Errorf("BUFFER_SIZE must be 0 or >= 1024 and >= handshake size, got %d", c.BufferSize))
	}
	if !c.DisableEncryption {
		if c.CertChainPEM == "" || c.DHParamsPEM == "" {
			return newErr(ValueError, fmt.Errorf("CERT_CHAIN_PEM and DH_PARAMS_PEM are required unless DISABLE_ENCRYPTION is set"))
		}
	}
	if !c.DisableListening {
		if !c.BindV4.IsValid() {
			return newErr(ValueError, fmt.Errorf("BIND_V4 must be a valid address"))
		}
		if !c.BindV6.IsValid() {
			return newErr(ValueError, fmt.Errorf("BIND_V6 must be a valid address"))
		}
	}
	return nil
}

// effectiveMaxSlots resolves the MAX_SLOTS=0 default per spec.md §6.
func (c *Config) effectiveMaxSlots() int {
	if c.MaxSlots != 0 {
		return int(c.MaxSlots)
	}
	if c.Synchronous {
		return 1
	}
	return 16
}

// effectiveBufferSize resolves the BUFFER_SIZE=0 default (64KiB).
func (c *Config) effectiveBufferSize() int {
	if c.BufferSize != 0 {
		return c.BufferSize
	}
	return 64 * 1024
}

// UnmarshalEnv unmarshals environment lines (KEY=VALUE, as produced by
// os.Environ or hashicorp/go-envparse) into c, applying defaults for
// anything missing. If incremental is true, defaults are applied only to
// vars that are present but empty, matching the partial-reload semantics
// used elsewhere in this codebase's config loaders.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "CHIRP_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}

		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		cvf := cv.FieldByName(ctf.Name)
		if err := setConfigField(cvf, key, val); err != nil {
			return err
		}
	}

	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}

func setConfigField(cvf reflect.Value, key, val string) error {
	switch cvf.Interface().(type) {
	case string:
		cvf.SetString(val)
	case bool:
		if val == "" {
			cvf.SetBool(false)
			return nil
		}
		v, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("env %s: parse bool %q: %w", key, val, err)
		}
		cvf.SetBool(v)
	case uint8, uint16, uint32:
		if val == "" {
			cvf.SetUint(0)
			return nil
		}
		v, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return fmt.Errorf("env %s: parse uint %q: %w", key, val, err)
		}
		cvf.SetUint(v)
	case int:
		if val == "" {
			cvf.SetInt(0)
			return nil
		}
		v, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("env %s: parse int %q: %w", key, val, err)
		}
		cvf.SetInt(v)
	case time.Duration:
		if val == "" {
			cvf.Set(reflect.ValueOf(time.Duration(0)))
			return nil
		}
		v, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("env %s: parse duration %q: %w", key, val, err)
		}
		cvf.Set(reflect.ValueOf(v))
	case netip.Addr:
		if val == "" {
			cvf.Set(reflect.ValueOf(netip.Addr{}))
			return nil
		}
		v, err := netip.ParseAddr(val)
		if err != nil {
			return fmt.Errorf("env %s: parse addr %q: %w", key, val, err)
		}
		cvf.Set(reflect.ValueOf(v))
	case zerolog.Level:
		if val == "" {
			cvf.Set(reflect.ValueOf(zerolog.InfoLevel))
			return nil
		}
		v, err := zerolog.ParseLevel(val)
		if err != nil {
			return fmt.Errorf("env %s: parse log level %q: %w", key, val, err)
		}
		cvf.Set(reflect.ValueOf(v))
	case wire.Identity:
		if val == "" {
			cvf.Set(reflect.ValueOf(wire.Identity{}))
			return nil
		}
		b, err := parseHexIdentity(val)
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		cvf.Set(reflect.ValueOf(b))
	default:
		return fmt.Errorf("unhandled config field type %T (env %s)", cvf.Interface(), key)
	}
	return nil
}

func parseHexIdentity(s string) (wire.Identity, error) {
	var id wire.Identity
	if len(s) != len(id)*2 {
		return id, fmt.Errorf("identity must be %d hex chars, got %d", len(id)*2, len(s))
	}
	for i := range id {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return id, fmt.Errorf("invalid hex identity %q: %w", s, err)
		}
		id[i] = b
	}
	return id, nil
}
