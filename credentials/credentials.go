// Package credentials resolves the VPN and RDP secrets a profile needs
// before a connection starts. Secrets come from a common.SecretStore or,
// when nothing is stored, must be supplied by the caller.
package credentials

import (
	"errors"
	"fmt"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/profile"
)

// Kind names which secret of a profile is meant.
type Kind string

const (
	KindVPN Kind = "vpn"
	KindRDP Kind = "rdp"
)

// ErrPromptRequired is returned when no secret is stored and the caller
// must ask the user.
var ErrPromptRequired = errors.New("password prompt required")

// Credentials holds the secrets for one connection attempt.
type Credentials struct {
	VPNPassword string
	RDPPassword string
}

// Wipe clears the secrets. Strings are immutable so this only drops the
// references held here.
func (c *Credentials) Wipe() {
	if c == nil {
		return
	}
	c.VPNPassword = ""
	c.RDPPassword = ""
}

// Resolver looks up profile secrets in a SecretStore.
type Resolver struct {
	store common.SecretStore
}

// NewResolver creates a Resolver over store.
func NewResolver(store common.SecretStore) *Resolver {
	return &Resolver{store: store}
}

// Key returns the secret store key for a profile secret.
func Key(name string, kind Kind) string {
	return fmt.Sprintf("%s_%s_%s", common.KeyringService, name, kind)
}

// Required lists the secrets p needs to connect.
func Required(p *profile.Profile) []Kind {
	kinds := make([]Kind, 0, 2)
	if p.NeedsVPNSecret() {
		kinds = append(kinds, KindVPN)
	}
	return append(kinds, KindRDP)
}

// Resolve returns the stored secret or ErrPromptRequired.
func (r *Resolver) Resolve(p *profile.Profile, kind Kind) (string, error) {
	secret, err := r.store.Get(Key(p.Name, kind))
	if err == nil && secret != "" {
		return secret, nil
	}
	if err != nil && !errors.Is(err, common.ErrCredentialsNotFound) {
		common.LogWarn("Reading %s secret for %s failed: %v", kind, p.Name, err)
	}
	return "", ErrPromptRequired
}

// ResolveAll resolves every secret p requires. Secrets that must be
// prompted for are listed in missing; the rest are filled in.
func (r *Resolver) ResolveAll(p *profile.Profile) (Credentials, []Kind, error) {
	var creds Credentials
	var missing []Kind

	for _, kind := range Required(p) {
		secret, err := r.Resolve(p, kind)
		if errors.Is(err, ErrPromptRequired) {
			missing = append(missing, kind)
			continue
		}
		if err != nil {
			return Credentials{}, nil, err
		}
		creds.Set(kind, secret)
	}
	return creds, missing, nil
}

// Set assigns the secret for kind.
func (c *Credentials) Set(kind Kind, secret string) {
	switch kind {
	case KindVPN:
		c.VPNPassword = secret
	case KindRDP:
		c.RDPPassword = secret
	}
}

// Save stores a secret for the profile.
func (r *Resolver) Save(p *profile.Profile, kind Kind, secret string) error {
	if err := r.store.Store(Key(p.Name, kind), secret); err != nil {
		return common.WrapError(err, "saving "+string(kind)+" password")
	}
	return nil
}

// Forget removes both stored secrets of the profile.
func (r *Resolver) Forget(p *profile.Profile) error {
	var errs []error
	for _, kind := range []Kind{KindVPN, KindRDP} {
		if err := r.store.Delete(Key(p.Name, kind)); err != nil && !errors.Is(err, common.ErrCredentialsNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stored reports which secrets are saved for the profile.
func (r *Resolver) Stored(p *profile.Profile) map[Kind]bool {
	out := make(map[Kind]bool, 2)
	for _, kind := range []Kind{KindVPN, KindRDP} {
		_, err := r.Resolve(p, kind)
		out[kind] = err == nil
	}
	return out
}
