package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/metrics"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/telemetry"
)

var ErrCredentialNotFound = errors.New("vault: no active credential")

// IsSensitive reports whether a field is encrypted at rest.
func IsSensitive(field string) bool {
	name := strings.ToLower(field)
	return strings.Contains(name, "key") || strings.Contains(name, "secret")
}

// Vault stores processor credentials, encrypting sensitive fields.
type Vault struct {
	repo   interfaces.CredentialRepository
	cipher *Cipher
	clock  clock.Clock
	saves  *kmutex.Kmutex
}

func New(repo interfaces.CredentialRepository, c *Cipher, clk clock.Clock) *Vault {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Vault{
		repo:   repo,
		cipher: c,
		clock:  clk,
		saves:  kmutex.New(),
	}
}

// SaveCredential replaces the active credential set for processor and mode.
func (v *Vault) SaveCredential(ctx context.Context, processor string, fields map[string]string, mode models.Mode) error {
	if processor == "" {
		return errors.New("vault: processor is required")
	}
	if !mode.Valid() {
		return fmt.Errorf("vault: invalid mode %q", mode)
	}
	if len(fields) == 0 {
		return errors.New("vault: at least one field is required")
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	cred := &models.ProcessorCredential{
		ID:        uuid.NewString(),
		Processor: processor,
		Mode:      mode,
		Active:    true,
		CreatedAt: v.clock.Now().UTC(),
	}
	for _, name := range names {
		value := fields[name]
		if IsSensitive(name) {
			env, err := v.cipher.Encrypt(value)
			if err != nil {
				return err
			}
			value = env.String()
		}
		cred.Fields = append(cred.Fields, models.CredentialField{Name: name, Value: value})
	}

	lockKey := processor + "/" + string(mode)
	v.saves.Lock(lockKey)
	defer v.saves.Unlock(lockKey)

	if err := v.repo.ReplaceActive(ctx, cred); err != nil {
		return fmt.Errorf("vault: failed to save %s/%s credential: %w", processor, mode, err)
	}

	telemetry.Logger.Info("Processor credential saved",
		zap.String("processor", processor),
		zap.String("mode", string(mode)),
		zap.Strings("fields", names),
	)
	return nil
}

// LoadActiveCredential returns the active fields for processor and mode with
// envelopes opened. A value that cannot be opened is returned as stored.
func (v *Vault) LoadActiveCredential(ctx context.Context, processor string, mode models.Mode) (map[string]string, error) {
	cred, err := v.repo.ActiveCredential(ctx, processor, mode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrCredentialNotFound, processor, mode)
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to load %s/%s credential: %w", processor, mode, err)
	}

	out := make(map[string]string, len(cred.Fields))
	for _, f := range cred.Fields {
		out[f.Name] = v.reveal(processor, f)
	}
	return out, nil
}

// Processors lists processors holding an active credential in mode.
func (v *Vault) Processors(ctx context.Context, mode models.Mode) ([]string, error) {
	return v.repo.ActiveProcessors(ctx, mode)
}

func (v *Vault) reveal(processor string, f models.CredentialField) string {
	env, ok := ParseEnvelope(f.Value)
	if !ok {
		return f.Value
	}
	plain, err := v.cipher.Decrypt(env)
	if err != nil {
		metrics.VaultDecryptFallbacks.Inc()
		telemetry.Logger.Warn("Credential field could not be decrypted, using stored value",
			zap.String("processor", processor),
			zap.String("field", f.Name),
			zap.Error(err),
		)
		return f.Value
	}
	return plain
}
