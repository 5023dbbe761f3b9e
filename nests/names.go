package nests

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"unicode"

	"github.com/warble-fm/warble/store"
)

// codeAlphabet deliberately drops I, L, O, 0 and 1 so codes read aloud
// without ambiguity.
const (
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLength   = 5
)

// ErrInvalidVanity covers every way a custom slug can be rejected.
var ErrInvalidVanity = errors.New("nests: invalid vanity code")

// namePool holds default nest names handed out when the creator doesn't
// supply one. When the pool runs dry we fall back to a numeric suffix.
var namePool = []string{
	"Echo Chamber",
	"Bass Drop",
	"Reverb Room",
	"Velvet Groove",
	"Vinyl Frontier",
	"Feedback Loop",
	"Treble Clef",
	"Falsetto Falls",
	"Syncopation Station",
	"Crescendo Cove",
	"Tempo Temple",
	"Harmony Hollow",
	"Riff Ridge",
	"Chorus Canyon",
	"Cadence Corner",
	"Static Garden",
	"Subwoofer Social",
	"Analog Attic",
	"Octave Orchard",
	"Mixtape Meadow",
}

// reserved slugs that would shadow routes or the main nest.
var reservedSlugs = map[string]bool{
	"main":   true,
	"api":    true,
	"admin":  true,
	"socket": true,
	"volume": true,
	"static": true,
	"nests":  true,
	"new":    true,
}

func randomCode() string {
	b := make([]byte, codeLength)
	for i := range b {
		b[i] = codeAlphabet[rand.IntN(len(codeAlphabet))]
	}
	return string(b)
}

// reserveCode generates codes until one claims its lookup key. Collisions
// are vanishingly rare at this keyspace size but the SetNX makes creation
// safe under concurrency anyway.
func (m *Manager) reserveCode(ctx context.Context) (string, error) {
	for i := 0; i < 20; i++ {
		code := randomCode()
		ok, err := m.store.SetNX(ctx, store.CodeKey(code), "pending", 0)
		if err != nil {
			return "", err
		}
		if ok {
			return code, nil
		}
	}
	return "", errors.New("nests: could not generate a unique code")
}

// pickName draws an unused name from the pool, falling back to a numbered
// variant when every pool name is taken.
func (m *Manager) pickName(ctx context.Context) (string, error) {
	existing, err := m.List(ctx)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(existing))
	for _, n := range existing {
		taken[n.Name] = true
	}

	perm := rand.Perm(len(namePool))
	for _, i := range perm {
		if !taken[namePool[i]] {
			return namePool[i], nil
		}
	}

	base := namePool[rand.IntN(len(namePool))]
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s %d", base, i)
		if !taken[candidate] {
			return candidate, nil
		}
	}
}

// Slugify lowercases a name and collapses every run of non-alphanumerics
// into a single hyphen.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// ValidateVanity checks a custom slug: 3-24 chars, letters, digits and
// hyphens only, must start with a letter, and must not collide with a
// reserved word.
func ValidateVanity(vanity string) error {
	v := strings.ToLower(vanity)
	if len(v) < 3 || len(v) > 24 {
		return fmt.Errorf("%w: must be 3-24 characters", ErrInvalidVanity)
	}
	if v[0] < 'a' || v[0] > 'z' {
		return fmt.Errorf("%w: must start with a letter", ErrInvalidVanity)
	}
	for _, r := range v {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return fmt.Errorf("%w: only letters, digits and hyphens allowed", ErrInvalidVanity)
		}
	}
	if reservedSlugs[v] {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidVanity, v)
	}
	return nil
}
