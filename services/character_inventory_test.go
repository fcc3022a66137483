package services

import (
	"testing"

	"coin-clash/models"
	"coin-clash/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurchaseNamesFromSequence(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.inv.Purchase(env.ctx, "alice", PurchaseParams{Quantity: 3})
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, "Contender #1", first[0].Name)
	assert.Equal(t, "Contender #3", first[2].Name)

	second, err := env.inv.Purchase(env.ctx, "bob", PurchaseParams{Quantity: 2, Names: []string{"  Zoë   Ardent "}})
	require.NoError(t, err)
	assert.Equal(t, "Zoe Ardent", second[0].Name)
	assert.Equal(t, "Contender #5", second[1].Name)

	charges := env.pay.Charges()
	require.Len(t, charges, 2)
	assert.True(t, charges[0].Request.Amount.Equal(dec("3")))
	assert.True(t, charges[1].Request.Amount.Equal(dec("2")))

	list, err := env.inv.List(env.ctx, "alice", nil)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestPurchaseValidationAndFailure(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.inv.Purchase(env.ctx, "alice", PurchaseParams{Quantity: 11})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "quantity", ve.Field)

	_, err = env.inv.Purchase(env.ctx, "alice", PurchaseParams{Quantity: 0})
	require.ErrorAs(t, err, &ve)

	env.pay.SetBalance("alice", dec("1"))
	_, err = env.inv.Purchase(env.ctx, "alice", PurchaseParams{Quantity: 2})
	assert.Equal(t, payment.KindPermanent, payment.KindOf(err))

	var n int64
	require.NoError(t, env.db.Model(&models.OwnedCharacter{}).Count(&n).Error)
	assert.Zero(t, n, "failed purchase must not mint characters")

	// The rolled back purchase does not burn sequence numbers.
	chars, err := env.inv.Purchase(env.ctx, "alice", PurchaseParams{Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, "Contender #1", chars[0].Name)
}

func TestRevive(t *testing.T) {
	env := newTestEnv(t)
	chars, err := env.inv.Purchase(env.ctx, "alice", PurchaseParams{Quantity: 1})
	require.NoError(t, err)
	id := chars[0].ID

	_, err = env.inv.Revive(env.ctx, "alice", id, "")
	var ce *ConflictError
	require.ErrorAs(t, err, &ce, "alive characters cannot be revived")

	require.NoError(t, env.db.Model(&models.OwnedCharacter{}).Where("id = ?", id).Update("alive", false).Error)

	_, err = env.inv.Revive(env.ctx, "bob", id, "")
	var fe *ForbiddenError
	require.ErrorAs(t, err, &fe)

	got, err := env.inv.Revive(env.ctx, "alice", id, "")
	require.NoError(t, err)
	assert.True(t, got.Alive)
	assert.Equal(t, 1, got.RevivalCount)

	charges := env.pay.Charges()
	assert.True(t, charges[len(charges)-1].Request.Amount.Equal(dec("0.5")))

	alive := true
	list, err := env.inv.List(env.ctx, "alice", &alive)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = env.inv.Revive(env.ctx, "alice", "missing", "")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}
