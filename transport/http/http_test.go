package http

import (
	"context"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medirec/offsync/cursor"
	syncErrors "github.com/medirec/offsync/errors"
	"github.com/medirec/offsync/record"
	"github.com/medirec/offsync/storage"
	"github.com/medirec/offsync/transport/memory"
)

func newClientServer(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(NewServer(memory.New()))
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClient_CreateGetRoundTrip(t *testing.T) {
	c := newClientServer(t)
	ctx := context.Background()

	doc := record.New("patients", "f1", map[string]any{"name": "Ada"}).ToDocument()
	created, err := c.CreateDocument(ctx, doc)
	require.NoError(t, err)
	assert.Positive(t, created.Version)

	got, err := c.GetDocument(ctx, "patients", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Fields["name"])
	assert.Equal(t, created.Version, got.Version)
}

func TestClient_GetDocument_NotFound(t *testing.T) {
	c := newClientServer(t)

	_, err := c.GetDocument(context.Background(), "patients", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClient_UpdateConditionalWrite(t *testing.T) {
	c := newClientServer(t)
	ctx := context.Background()

	doc := record.New("patients", "f1", map[string]any{"name": "Ada"}).ToDocument()
	created, err := c.CreateDocument(ctx, doc)
	require.NoError(t, err)

	created.Fields = map[string]any{"name": "Ada L."}
	updated, err := c.UpdateDocument(ctx, created, created.Version)
	require.NoError(t, err)
	assert.Greater(t, updated.Version, created.Version)

	// A stale base version signals a concurrent modification.
	created.Fields = map[string]any{"name": "Ada Byron"}
	_, err = c.UpdateDocument(ctx, created, created.Version)
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindConflict, syncErrors.KindOf(err))
}

func TestClient_DeleteReturnsTombstoneVersion(t *testing.T) {
	c := newClientServer(t)
	ctx := context.Background()

	doc := record.New("patients", "f1", map[string]any{"name": "Ada"}).ToDocument()
	created, err := c.CreateDocument(ctx, doc)
	require.NoError(t, err)

	version, err := c.DeleteDocument(ctx, "patients", doc.ID, created.Version)
	require.NoError(t, err)
	assert.Greater(t, version, created.Version)

	got, err := c.GetDocument(ctx, "patients", doc.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestClient_ListDocuments_CursorPages(t *testing.T) {
	c := newClientServer(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"Ada", "Grace", "Edsger"} {
		doc := record.New("patients", "f1", map[string]any{"name": name}).ToDocument()
		_, err := c.CreateDocument(ctx, doc)
		require.NoError(t, err)
		ids = append(ids, doc.ID)
	}

	// First page.
	res, err := c.ListDocuments(ctx, "patients", nil, 2)
	require.NoError(t, err)
	require.Len(t, res.Documents, 2)
	require.NotNil(t, res.Next)

	// Second page continues behind the returned watermark.
	res2, err := c.ListDocuments(ctx, "patients", res.Next, 2)
	require.NoError(t, err)
	require.Len(t, res2.Documents, 1)
	assert.Equal(t, ids[2], res2.Documents[0].ID)

	// Nothing after the last watermark.
	res3, err := c.ListDocuments(ctx, "patients", res2.Next, 2)
	require.NoError(t, err)
	assert.Empty(t, res3.Documents)
	assert.Nil(t, res3.Next)
}

func TestClient_ValidationMapsToTaxonomy(t *testing.T) {
	c := newClientServer(t)

	// Missing id is rejected by the remote as a validation failure.
	_, err := c.CreateDocument(context.Background(), record.Document{Collection: "patients"})
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindValidation, syncErrors.KindOf(err))
	assert.False(t, syncErrors.IsRetryable(err))
}

func TestClient_ConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(NewServer(memory.New()))
	client := NewClient(srv.URL, WithHTTPClient(&nethttp.Client{Timeout: time.Second}))
	srv.Close()

	_, err := client.GetDocument(context.Background(), "patients", "x")
	require.Error(t, err)
	assert.Equal(t, syncErrors.KindTransient, syncErrors.KindOf(err))
	assert.True(t, syncErrors.IsRetryable(err))
}

func TestClient_ListDocuments_WireCursorRoundTrip(t *testing.T) {
	c := newClientServer(t)
	ctx := context.Background()

	doc := record.New("patients", "f1", map[string]any{"name": "Ada"}).ToDocument()
	_, err := c.CreateDocument(ctx, doc)
	require.NoError(t, err)

	res, err := c.ListDocuments(ctx, "patients", cursor.NewInteger(0), 10)
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	require.NotNil(t, res.Next)
	assert.Equal(t, cursor.KindInteger, res.Next.Kind())
}
