package vault

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/repository"
)

func newTestVault(t *testing.T) (*Vault, *repository.CredentialRepository) {
	t.Helper()
	db, dialect, err := repository.Open("sqlite3", filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := repository.NewCredentialRepository(db, dialect)
	require.NoError(t, repo.InitDB())
	return New(repo, newTestCipher(t, "vault-key"), clock.WallClock), repo
}

func TestIsSensitive(t *testing.T) {
	assert.True(t, IsSensitive("secret_key"))
	assert.True(t, IsSensitive("publishable_key"))
	assert.True(t, IsSensitive("Webhook_SECRET"))
	assert.False(t, IsSensitive("account_id"))
	assert.False(t, IsSensitive("location"))
}

func TestVault_SaveAndLoad(t *testing.T) {
	v, repo := newTestVault(t)
	ctx := context.Background()

	fields := map[string]string{
		"secret_key":      "sk_test_51abc",
		"publishable_key": "pk_test_51abc",
		"location":        "tml_main_street",
	}
	require.NoError(t, v.SaveCredential(ctx, "stripe", fields, models.ModeTest))

	got, err := v.LoadActiveCredential(ctx, "stripe", models.ModeTest)
	require.NoError(t, err)
	assert.Equal(t, fields, got)

	stored, err := repo.ActiveCredential(ctx, "stripe", models.ModeTest)
	require.NoError(t, err)
	for _, f := range stored.Fields {
		_, isEnvelope := ParseEnvelope(f.Value)
		if IsSensitive(f.Name) {
			assert.True(t, isEnvelope, "%s must be encrypted at rest", f.Name)
			assert.NotContains(t, f.Value, fields[f.Name])
		} else {
			assert.Equal(t, fields[f.Name], f.Value)
		}
	}
}

func TestVault_SaveReplacesActive(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.SaveCredential(ctx, "stripe", map[string]string{"secret_key": "sk_test_old", "account_id": "acct_1"}, models.ModeTest))
	require.NoError(t, v.SaveCredential(ctx, "stripe", map[string]string{"secret_key": "sk_test_new"}, models.ModeTest))

	got, err := v.LoadActiveCredential(ctx, "stripe", models.ModeTest)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"secret_key": "sk_test_new"}, got)
}

func TestVault_ModesAreIndependent(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.SaveCredential(ctx, "stripe", map[string]string{"secret_key": "sk_test_1"}, models.ModeTest))
	require.NoError(t, v.SaveCredential(ctx, "stripe", map[string]string{"secret_key": "sk_live_1"}, models.ModeLive))

	test, err := v.LoadActiveCredential(ctx, "stripe", models.ModeTest)
	require.NoError(t, err)
	live, err := v.LoadActiveCredential(ctx, "stripe", models.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, "sk_test_1", test["secret_key"])
	assert.Equal(t, "sk_live_1", live["secret_key"])

	names, err := v.Processors(ctx, models.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, []string{"stripe"}, names)
}

func TestVault_LoadMissing(t *testing.T) {
	v, _ := newTestVault(t)

	_, err := v.LoadActiveCredential(context.Background(), "stripe", models.ModeLive)
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestVault_SaveValidation(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	assert.Error(t, v.SaveCredential(ctx, "", map[string]string{"secret_key": "x"}, models.ModeTest))
	assert.Error(t, v.SaveCredential(ctx, "stripe", map[string]string{"secret_key": "x"}, models.Mode("staging")))
	assert.Error(t, v.SaveCredential(ctx, "stripe", nil, models.ModeTest))
}

func TestVault_LegacyPlaintextIsReturnedAsStored(t *testing.T) {
	v, repo := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, repo.ReplaceActive(ctx, &models.ProcessorCredential{
		ID:        "legacy",
		Processor: "stripe",
		Mode:      models.ModeTest,
		Active:    true,
		CreatedAt: time.Now().UTC(),
		Fields:    []models.CredentialField{{Name: "secret_key", Value: "sk_test_plaintext"}},
	}))

	got, err := v.LoadActiveCredential(ctx, "stripe", models.ModeTest)
	require.NoError(t, err)
	assert.Equal(t, "sk_test_plaintext", got["secret_key"])
}

func TestVault_ForeignKeyFallsBackToStoredValue(t *testing.T) {
	v, repo := newTestVault(t)
	ctx := context.Background()

	foreign, err := newTestCipher(t, "rotated-away").Encrypt("sk_test_unreadable")
	require.NoError(t, err)
	require.NoError(t, repo.ReplaceActive(ctx, &models.ProcessorCredential{
		ID:        "foreign",
		Processor: "stripe",
		Mode:      models.ModeTest,
		Active:    true,
		CreatedAt: time.Now().UTC(),
		Fields:    []models.CredentialField{{Name: "secret_key", Value: foreign.String()}},
	}))

	got, err := v.LoadActiveCredential(ctx, "stripe", models.ModeTest)
	require.NoError(t, err)
	assert.Equal(t, foreign.String(), got["secret_key"])
}

func TestVault_ConcurrentSavesLeaveOneActiveSet(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, v.SaveCredential(ctx, "stripe", map[string]string{
				"secret_key": "sk_test_" + strings.Repeat("x", i+1),
			}, models.ModeTest))
		}(i)
	}
	wg.Wait()

	got, err := v.LoadActiveCredential(ctx, "stripe", models.ModeTest)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got["secret_key"], "sk_test_"))
}
