package jsoncodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type invoice struct {
	InvoiceID string  `json:"invoiceId"`
	Amount    float64 `json:"amount"`
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	in := invoice{InvoiceID: "INV-7", Amount: 12.5}

	data, err := Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"invoiceId":"INV-7","amount":12.5}`, string(data))

	var out invoice
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)

	buf := &bytes.Buffer{}
	require.NoError(t, Encode(buf, in))
	var streamed invoice
	require.NoError(t, Decode(buf, &streamed))
	assert.Equal(t, in, streamed)
}

func TestUnmarshalStrict(t *testing.T) {
	t.Parallel()
	var out invoice
	require.NoError(t, UnmarshalStrict([]byte(`{"invoiceId":"INV-1","amount":1}`), &out))
	assert.Error(t, UnmarshalStrict([]byte(`{"invoiceId":"INV-1","currency":"EUR"}`), &out))
}

func TestValid(t *testing.T) {
	t.Parallel()
	assert.True(t, Valid([]byte(`{"invoiceId":"INV-1"}`)))
	assert.False(t, Valid([]byte(`{"invoiceId":`)))
	assert.False(t, Valid(nil))
}
