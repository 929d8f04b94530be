package market

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOfferStatusDerivation(t *testing.T) {
	offer := &Offer{Price: big.NewInt(10)}
	require.Equal(t, OfferActive, offer.Status())

	offer.Paused = true
	require.Equal(t, OfferPaused, offer.Status())

	offer.Paused = false
	offer.Fulfilled = true
	require.Equal(t, OfferFulfilled, offer.Status())

	var nilOffer *Offer
	require.Equal(t, OfferCancelled, nilOffer.Status())
}

func TestOfferStatusString(t *testing.T) {
	require.Equal(t, "active", OfferActive.String())
	require.Equal(t, "paused", OfferPaused.String())
	require.Equal(t, "fulfilled", OfferFulfilled.String())
	require.Equal(t, "cancelled", OfferCancelled.String())
}

func TestCloneIsDeep(t *testing.T) {
	offer := &Offer{ID: 1, AssetID: 7, Price: big.NewInt(100)}
	clone := offer.Clone()
	clone.Price.SetInt64(5)
	require.Equal(t, int64(100), offer.Price.Int64())

	var nilOffer *Offer
	require.Nil(t, nilOffer.Clone())
}

func TestSanitizeOffer(t *testing.T) {
	_, err := SanitizeOffer(nil)
	require.Error(t, err)

	_, err = SanitizeOffer(&Offer{Price: big.NewInt(0)})
	require.Error(t, err)

	_, err = SanitizeOffer(&Offer{Price: big.NewInt(10), Fulfilled: true, Paused: true})
	require.Error(t, err)

	clean, err := SanitizeOffer(&Offer{Price: big.NewInt(10)})
	require.NoError(t, err)
	require.Equal(t, int64(10), clean.Price.Int64())
}
