// Package secrets resolves credentials from mounted files and the
// environment. Lookups report an explicit state instead of an empty string.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotConfigured is returned by Require when no provider has the secret.
var ErrNotConfigured = errors.New("secret not configured")

// State is the outcome of a lookup.
type State int

const (
	NotConfigured State = iota
	Ok
	Failed
)

func (s State) String() string {
	switch s {
	case Ok:
		return "ok"
	case NotConfigured:
		return "not_configured"
	case Failed:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Lookup is Ok with Value, NotConfigured, or Failed with Err.
type Lookup struct {
	State State
	Value string
	Err   error
}

func found(v string) Lookup { return Lookup{State: Ok, Value: v} }
func failed(err error) Lookup { return Lookup{State: Failed, Err: err} }
func missing() Lookup { return Lookup{State: NotConfigured} }

// Provider looks up a named secret such as "Claude-API-Key".
type Provider interface {
	GetSecret(ctx context.Context, name string) Lookup
}

// Env reads PREFIX + NAME with dashes as underscores, upper-cased:
// "Claude-API-Key" with prefix "TICKETWARDEN_" reads TICKETWARDEN_CLAUDE_API_KEY.
type Env struct {
	Prefix string
}

// EnvName returns the variable Env consults for name.
func (e Env) EnvName(name string) string {
	return e.Prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// GetSecret implements Provider. Empty variables count as not configured.
func (e Env) GetSecret(_ context.Context, name string) Lookup {
	v, ok := os.LookupEnv(e.EnvName(name))
	if !ok || strings.TrimSpace(v) == "" {
		return missing()
	}
	return found(v)
}

// Dir reads one file per secret, the layout of a mounted secrets volume.
// The file is looked up by the exact name first, then lower-cased.
type Dir struct {
	Path string
}

// GetSecret implements Provider. Trailing newlines are trimmed.
func (d Dir) GetSecret(_ context.Context, name string) Lookup {
	if d.Path == "" {
		return missing()
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return failed(fmt.Errorf("invalid secret name %q", name))
	}
	for _, candidate := range []string{name, strings.ToLower(name)} {
		b, err := os.ReadFile(filepath.Join(d.Path, candidate))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return failed(fmt.Errorf("read secret %q: %w", name, err))
		}
		v := strings.TrimRight(string(b), "\r\n")
		if v == "" {
			return missing()
		}
		return found(v)
	}
	return missing()
}

// Chain asks each provider in order. The first Ok wins; otherwise the first
// Failed is returned, and NotConfigured only when every provider says so.
type Chain []Provider

// GetSecret implements Provider.
func (c Chain) GetSecret(ctx context.Context, name string) Lookup {
	var firstErr *Lookup
	for _, p := range c {
		l := p.GetSecret(ctx, name)
		switch l.State {
		case Ok:
			return l
		case Failed:
			if firstErr == nil {
				firstErr = &l
			}
		}
	}
	if firstErr != nil {
		return *firstErr
	}
	return missing()
}

// Resolve returns explicit when set, else the provider's value. A missing
// secret resolves to "" without error.
func Resolve(ctx context.Context, p Provider, explicit, name string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	l := p.GetSecret(ctx, name)
	switch l.State {
	case Ok:
		return l.Value, nil
	case Failed:
		return "", fmt.Errorf("secret %s: %w", name, l.Err)
	}
	return "", nil
}

// Require is Resolve where a missing secret is ErrNotConfigured.
func Require(ctx context.Context, p Provider, explicit, name string) (string, error) {
	v, err := Resolve(ctx, p, explicit, name)
	if err != nil {
		return "", err
	}
	if v == "" {
		return "", fmt.Errorf("%s: %w", name, ErrNotConfigured)
	}
	return v, nil
}
