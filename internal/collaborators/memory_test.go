package collaborators

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAttachmentStorePutAndGetByID(t *testing.T) {
	s := NewMemoryAttachmentStore()
	id, err := s.Put(context.Background(), 1, AttachmentMeta{Name: "a.txt", ContentType: "text/plain"}, []byte("hello"))
	require.NoError(t, err)

	meta, data, err := s.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", meta.Name)
	assert.Equal(t, int64(1), meta.ConversationID)
	assert.Equal(t, []byte("hello"), data)
}

func TestMemoryAttachmentStoreGetByDocID(t *testing.T) {
	s := NewMemoryAttachmentStore()
	_, err := s.Put(context.Background(), 1, AttachmentMeta{DocID: "doc-1", Name: "a.txt"}, []byte("hi"))
	require.NoError(t, err)

	meta, data, err := s.GetByDocID(context.Background(), 1, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", meta.Name)
	assert.Equal(t, []byte("hi"), data)
}

func TestMemoryAttachmentStoreNotFound(t *testing.T) {
	s := NewMemoryAttachmentStore()
	_, _, err := s.GetByID(context.Background(), "missing")
	require.Error(t, err)
}

func TestMemoryScenarioStoreCRUD(t *testing.T) {
	s := NewMemoryScenarioStore()

	created, err := s.Insert(context.Background(), Scenario{Name: "demo", Config: []byte(`{}`)})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := s.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)

	created.Name = "demo2"
	updated, err := s.Update(context.Background(), created)
	require.NoError(t, err)
	assert.Equal(t, "demo2", updated.Name)

	require.NoError(t, s.Delete(context.Background(), created.ID))
	_, err = s.Get(context.Background(), created.ID)
	require.Error(t, err)
}

func TestMemoryScenarioStoreInsertRejectsEmptyConfig(t *testing.T) {
	s := NewMemoryScenarioStore()
	_, err := s.Insert(context.Background(), Scenario{Name: "bad"})
	require.Error(t, err)
}
