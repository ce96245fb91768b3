package attachments

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campuslibrary/internal/clock"
	"campuslibrary/internal/kvstore"
	"campuslibrary/internal/kvstore/kvstoretest"
	"campuslibrary/internal/models"
	"campuslibrary/internal/services"
)

var librarian = models.Identity{UserID: "L1", Role: models.UserRoleLibrarian}

func newService(t *testing.T, maxBytes int) (Service, kvstore.Store) {
	t.Helper()
	store := kvstoretest.New(t)
	return NewService(store, clock.Fake(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)), maxBytes), store
}

func TestPutAndGetCompressible(t *testing.T) {
	svc, store := newService(t, 0)
	data := []byte(strings.Repeat("chapter one. ", 500))

	doc, err := svc.Put(librarian, "notes.txt", "text/plain", data)
	require.NoError(t, err)
	assert.Equal(t, Ref(data), doc.Ref)
	assert.True(t, strings.HasPrefix(doc.Ref, "blake3:"))
	assert.Equal(t, len(data), doc.Size)

	var rec record
	found, err := kvstore.GetJSON(store, "attachments/"+Hash(data), &rec)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, encodingZstd, rec.Encoding)
	assert.Less(t, len(rec.Data), len(data))

	got, err := svc.Get(doc.Ref)
	require.NoError(t, err)
	assert.Equal(t, data, got.Data)
	assert.Equal(t, "notes.txt", got.Name)
	assert.Equal(t, "text/plain", got.ContentType)
}

func TestPutIncompressibleStaysRaw(t *testing.T) {
	svc, store := newService(t, 0)
	data := []byte{0x01}

	doc, err := svc.Put(librarian, "b.bin", "application/octet-stream", data)
	require.NoError(t, err)

	var rec record
	_, err = kvstore.GetJSON(store, "attachments/"+Hash(data), &rec)
	require.NoError(t, err)
	assert.Equal(t, encodingIdentity, rec.Encoding)

	got, err := svc.Get(doc.Ref)
	require.NoError(t, err)
	assert.Equal(t, data, got.Data)
}

func TestPutDeduplicates(t *testing.T) {
	svc, store := newService(t, 0)
	data := []byte("same bytes")

	first, err := svc.Put(librarian, "first.txt", "text/plain", data)
	require.NoError(t, err)
	second, err := svc.Put(librarian, "second.txt", "text/plain", data)
	require.NoError(t, err)

	assert.Equal(t, first.Ref, second.Ref)
	assert.Equal(t, "first.txt", second.Name)

	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestPutRules(t *testing.T) {
	svc, _ := newService(t, 8)

	_, err := svc.Put(models.Identity{UserID: "S1", Role: models.UserRoleStudent}, "x", "", []byte("x"))
	assert.ErrorIs(t, err, services.ErrUnauthorized)

	_, err = svc.Put(librarian, "x", "", nil)
	assert.ErrorIs(t, err, services.ErrValidation)

	_, err = svc.Put(librarian, "x", "", []byte("more than eight"))
	assert.ErrorIs(t, err, ErrDocumentTooLarge)
}

func TestGetErrors(t *testing.T) {
	svc, store := newService(t, 0)

	_, err := svc.Get("sha256:abc")
	assert.ErrorIs(t, err, services.ErrValidation)

	_, err = svc.Get(Ref([]byte("never stored")))
	assert.ErrorIs(t, err, services.ErrNotFound)

	data := []byte("original")
	doc, err := svc.Put(librarian, "o.txt", "text/plain", data)
	require.NoError(t, err)

	require.NoError(t, store.Put("attachments/"+Hash(data), record{
		Encoding: encodingIdentity,
		Data:     bytes.ToUpper(data),
		Size:     len(data),
	}))
	_, err = svc.Get(doc.Ref)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestParseRef(t *testing.T) {
	good := Ref([]byte("x"))
	digest, err := ParseRef(good)
	require.NoError(t, err)
	assert.Len(t, digest, 64)

	for _, ref := range []string{"", "blake3:", "blake3:zz", strings.ToUpper(good), "blake3:" + strings.Repeat("g", 64)} {
		_, err := ParseRef(ref)
		assert.ErrorIs(t, err, ErrInvalidRef, ref)
	}
}
