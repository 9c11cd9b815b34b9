// Package target identifies a guideline-improvement target.
package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/guidesmith/internal/kv"
)

// Key identifies one improvement target. All persisted state is namespaced
// by its slug.
type Key struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Validate requires both fields and rejects characters that cannot appear
// in a store key.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Provider) == "" {
		return errors.New("provider is required")
	}
	if strings.TrimSpace(k.Model) == "" {
		return errors.New("model is required")
	}
	if strings.ContainsAny(k.Provider, "/\\\x00") {
		return fmt.Errorf("provider %q contains a path separator", k.Provider)
	}
	if strings.ContainsAny(k.Model, "\\\x00") || strings.Contains(k.Model, "..") {
		return fmt.Errorf("model %q contains invalid characters", k.Model)
	}
	return nil
}

// slugEscaper maps "/" to "_" after escaping the characters that would
// otherwise make two keys share a slug. Providers never contain "/", so
// the first "_" of a slug always separates provider from model.
var slugEscaper = strings.NewReplacer("%", "%25", "_", "%5F", "/", "_")

// Slug returns provider_model with every "/" in the model replaced by "_".
// Literal "_" and "%" are percent-escaped, so distinct keys never share a
// slug.
func (k Key) Slug() string {
	return slugEscaper.Replace(k.Provider) + "_" + slugEscaper.Replace(k.Model)
}

func (k Key) String() string {
	return k.Provider + "/" + k.Model
}

const registryPrefix = "keys/"

// Register records k so that status listings can recover the provider and
// model from a slug. Registering an existing key is a no-op.
func Register(ctx context.Context, store kv.Store, k Key) error {
	data, err := json.Marshal(k)
	if err != nil {
		return err
	}
	if _, err := store.PutIfAbsent(ctx, registryPrefix+k.Slug(), data); err != nil {
		return fmt.Errorf("register %s: %w", k, err)
	}
	return nil
}

// Known lists every registered key, ordered by slug.
func Known(ctx context.Context, store kv.Store) ([]Key, error) {
	names, err := store.List(ctx, registryPrefix)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(names))
	for _, name := range names {
		data, err := store.Get(ctx, name)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var k Key
		if err := json.Unmarshal(data, &k); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}
