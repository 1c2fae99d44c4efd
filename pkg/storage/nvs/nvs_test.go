package nvs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobRoundTrip(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ns := store.Namespace("logger_storage")
	blob := []byte(`[{"timestamp":1,"level":2,"message":"critical"}]`)
	require.NoError(t, ns.SetBlob("critical_logs", blob))
	require.NoError(t, ns.Commit())

	got, err := ns.GetBlob("critical_logs")
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestNamespacesAreIsolated(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	a := store.Namespace("a")
	b := store.Namespace("b")
	require.NoError(t, a.SetBlob("key", []byte("va")))
	require.NoError(t, b.SetBlob("key", []byte("vb")))

	got, err := a.GetBlob("key")
	require.NoError(t, err)
	assert.Equal(t, []byte("va"), got)

	_, err = a.GetBlob("missing")
	assert.Error(t, err)
}
