package masking

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskSecret(t *testing.T) {
	cases := map[string]string{
		"":               "",
		"abcd":           "****",
		"acct_12":        "acct_****",
		"utr_1234567890": "utr_****7890",
		"HDFC000123456":  "****3456",
	}
	for in, want := range cases {
		require.Equal(t, want, MaskSecret(in), in)
	}
}

func TestMetadata(t *testing.T) {
	got := Metadata(map[string]any{
		"":                   "dropped",
		"payout_account_ref": "acc_partner_9",
		"transfer_reference": 42,
		"amount":             int64(2500),
	})
	require.Equal(t, map[string]any{
		"payout_account_ref": "acc_partner_****",
		"transfer_reference": 42,
		"amount":             int64(2500),
	}, got)
}
