package ctl

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	var val struct {
		Label string
		Slot  uint
	}
	val.Label = "test-key"
	val.Slot = 1
	w := bytes.NewBuffer([]byte{})

	err := WriteJSON(w, val)
	require.NoError(t, err)

	assert.Equal(t, "{\n\t\"Label\": \"test-key\",\n\t\"Slot\": 1\n}\n", w.String())
}

func TestWriteJSON_Error(t *testing.T) {
	w := bytes.NewBuffer([]byte{})
	err := WriteJSON(w, func() {})
	assert.Error(t, err)
}

func TestWriteCert(t *testing.T) {
	w := bytes.NewBuffer([]byte{})
	WriteCert(w, []byte("key"), []byte("csr"), []byte("cert"))
	out := w.String()
	assert.Equal(t, "{\"cert\":\"cert\",\"csr\":\"csr\",\"key\":\"key\"}\n", out)

	w.Reset()
	WriteCert(w, []byte("key"), nil, nil)
	assert.Equal(t, "{\"key\":\"key\"}\n", w.String())
}
