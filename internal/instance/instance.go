// Package instance implements the merchant instance registry
// parses instance-<id> / merchant-account-<name>
// sections, loads each instance's signing key, attaches its active
// wire methods, and serves id/pubkey lookups.
package instance

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"merchantcore/internal/config"
	"merchantcore/pkg/canonjson"
	"merchantcore/pkg/signing"
)

// WireMethod is a (name, details, hash, active) tuple owned by an Instance.
type WireMethod struct {
	Name    string // e.g. "iban", "x-taler-bank", derived from the payto URI scheme
	Details wireDetails
	Hash    [32]byte
	Active  bool
}

type wireDetails struct {
	PaytoURI string `json:"payto_uri"`
	Salt     string `json:"salt"`
}

// Instance is a merchant identity.
type Instance struct {
	ID          string
	Name        string
	Keys        signing.KeyPair
	WireMethods []WireMethod // active methods precede inactive ones; [0] is preferred
}

// PreferredWireMethod returns the instance's first (preferred) wire
// method, or the zero value and false if it has none.
func (i *Instance) PreferredWireMethod() (WireMethod, bool) {
	if len(i.WireMethods) == 0 {
		return WireMethod{}, false
	}
	return i.WireMethods[0], true
}

// Registry is the read-only-after-startup set of configured instances.
type Registry struct {
	byID     map[string]*Instance // lowercased id
	byPubKey map[string]*Instance // raw pubkey bytes as string
	ordered  []*Instance
}

// ConfigError reports a startup configuration defect.
type ConfigError struct{ msg string }

func (e *ConfigError) Error() string { return "config: " + e.msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// Load builds a Registry from cfg, reading key files and generating
// wire-response files on first run.
func Load(cfg *config.Config) (*Registry, error) {
	if len(cfg.Instances) == 0 {
		return nil, configErrorf("no instance-* sections configured")
	}

	reg := &Registry{byID: map[string]*Instance{}, byPubKey: map[string]*Instance{}}

	for _, is := range cfg.Instances {
		if is.Name == "" {
			return nil, configErrorf("instance-%s: NAME is required", is.ID)
		}
		if is.KeyFile == "" {
			return nil, configErrorf("instance-%s: KEYFILE is required", is.ID)
		}
		kp, err := loadKeyFile(is.KeyFile)
		if err != nil {
			return nil, configErrorf("instance-%s: keyfile %s: %v", is.ID, is.KeyFile, err)
		}
		inst := &Instance{ID: is.ID, Name: is.Name, Keys: kp}
		reg.ordered = append(reg.ordered, inst)
		reg.byID[strings.ToLower(is.ID)] = inst
		key := string(kp.Public)
		if other, dup := reg.byPubKey[key]; dup {
			return nil, configErrorf("instance-%s: public key collides with instance %s", is.ID, other.ID)
		}
		reg.byPubKey[key] = inst
	}

	for _, acc := range cfg.Accounts {
		if acc.PaytoURI == "" {
			return nil, configErrorf("merchant-account-%s: PAYTO_URI is required", acc.Name)
		}
		if acc.WireResponse == "" {
			return nil, configErrorf("merchant-account-%s: WIRE_RESPONSE is required", acc.Name)
		}
		mode, err := parseFileMode(acc.WireFileMode)
		if err != nil {
			return nil, configErrorf("merchant-account-%s: WIRE_FILE_MODE: %v", acc.Name, err)
		}
		details, err := loadOrCreateWireResponse(acc.WireResponse, acc.PaytoURI, mode)
		if err != nil {
			return nil, configErrorf("merchant-account-%s: %v", acc.Name, err)
		}
		hash, err := canonjson.Hash(details)
		if err != nil {
			return nil, configErrorf("merchant-account-%s: hashing wire details: %v", acc.Name, err)
		}
		method := methodNameFromPayto(acc.PaytoURI)

		for id, honored := range acc.HonoredBy {
			if !honored {
				continue
			}
			inst, ok := reg.byID[strings.ToLower(id)]
			if !ok {
				continue
			}
			active := acc.ActiveFor[id]
			if _, explicit := acc.ActiveFor[id]; !explicit {
				active = true // default active unless explicitly deactivated
			}
			inst.WireMethods = append(inst.WireMethods, WireMethod{
				Name: method, Details: details, Hash: hash, Active: active,
			})
		}
	}

	if _, ok := reg.byID["default"]; !ok {
		return nil, configErrorf("no default instance defined")
	}

	for _, inst := range reg.ordered {
		sort.SliceStable(inst.WireMethods, func(a, b int) bool {
			return inst.WireMethods[a].Active && !inst.WireMethods[b].Active
		})
		activeCount := 0
		for _, wm := range inst.WireMethods {
			if wm.Active {
				activeCount++
			}
		}
		if activeCount == 0 {
			return nil, configErrorf("instance %s has zero active wire methods", inst.ID)
		}
	}

	return reg, nil
}

// LookupByID resolves an instance id, case-insensitively; an absent or
// empty id resolves to "default".
func (r *Registry) LookupByID(id string) (*Instance, bool) {
	if id == "" {
		id = "default"
	}
	inst, ok := r.byID[strings.ToLower(id)]
	return inst, ok
}

// LookupByPubKey resolves an instance by its raw Ed25519 public key.
func (r *Registry) LookupByPubKey(pub ed25519.PublicKey) (*Instance, bool) {
	inst, ok := r.byPubKey[string(pub)]
	return inst, ok
}

// Iterate returns all instances in a stable (load-order) sequence.
func (r *Registry) Iterate() []*Instance {
	out := make([]*Instance, len(r.ordered))
	copy(out, r.ordered)
	return out
}

func loadKeyFile(path string) (signing.KeyPair, error) {
	seed, err := os.ReadFile(path)
	if err != nil {
		return signing.KeyPair{}, err
	}
	return signing.FromSeed(seed)
}

// BootstrapKeyFile generates a fresh signing key and writes its seed to
// path, creating parent directories as needed. It is not called by
// Load (a missing key file is a configuration error);
// it exists for admin tooling that provisions a new instance.
func BootstrapKeyFile(path string, mode os.FileMode) (signing.KeyPair, error) {
	kp, err := signing.Generate()
	if err != nil {
		return signing.KeyPair{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return signing.KeyPair{}, err
	}
	seed := kp.Private.Seed()
	if err := os.WriteFile(path, seed, mode); err != nil {
		return signing.KeyPair{}, err
	}
	return kp, nil
}

func loadOrCreateWireResponse(path, paytoURI string, mode os.FileMode) (wireDetails, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		var existing struct {
			PaytoURI string `json:"payto_uri"`
			Salt     string `json:"salt"`
		}
		if uerr := json.Unmarshal(raw, &existing); uerr != nil {
			return wireDetails{}, fmt.Errorf("malformed wire-response file: %w", uerr)
		}
		if existing.PaytoURI != paytoURI {
			return wireDetails{}, fmt.Errorf("wire-response file payto_uri %q disagrees with configured %q", existing.PaytoURI, paytoURI)
		}
		return wireDetails{PaytoURI: existing.PaytoURI, Salt: existing.Salt}, nil
	}
	if !os.IsNotExist(err) {
		return wireDetails{}, err
	}

	salt := make([]byte, 16)
	if _, rerr := rand.Read(salt); rerr != nil {
		return wireDetails{}, rerr
	}
	details := wireDetails{PaytoURI: paytoURI, Salt: fmt.Sprintf("%x", salt)}
	enc, err := canonjson.Encode(details)
	if err != nil {
		return wireDetails{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return wireDetails{}, err
	}
	if err := os.WriteFile(path, enc, mode); err != nil {
		return wireDetails{}, err
	}
	return details, nil
}

func parseFileMode(s string) (os.FileMode, error) {
	if s == "" {
		s = "600"
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid octal mode %q: %w", s, err)
	}
	return os.FileMode(v), nil
}

func methodNameFromPayto(payto string) string {
	u, err := url.Parse(payto)
	if err != nil {
		return "unknown"
	}
	// payto://<method>/<path> -- the method is the URI's host component.
	if u.Host != "" {
		return u.Host
	}
	parts := strings.SplitN(strings.TrimPrefix(payto, "payto://"), "/", 2)
	return parts[0]
}
