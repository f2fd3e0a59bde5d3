package secrets

import "context"

// Resolver adapts a Vault to the shape the Run Orchestrator needs: one
// call that returns the whole `secrets` namespace a run's templates
// can read from, rather than key-by-key lookups. It lists every key
// the vault holds and resolves each one; callers with a very large
// vault should scope it to a per-flow subset before wiring it in here.
type Resolver struct {
	vault Vault
}

// NewResolver wraps a Vault as an orchestrator.SecretResolver.
func NewResolver(v Vault) *Resolver {
	return &Resolver{vault: v}
}

// Resolve implements orchestrator.SecretResolver.
func (r *Resolver) Resolve(ctx context.Context) (map[string]any, error) {
	keys, err := r.vault.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, err := r.vault.Resolve(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k] = string(v)
	}
	return out, nil
}
