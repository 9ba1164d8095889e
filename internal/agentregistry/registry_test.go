package agentregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banterop/conductor/internal/platform/logging"
)

func TestLoadDefaultsPopulatesCatalog(t *testing.T) {
	r := New(logging.Default())
	r.LoadDefaults()

	classes := r.List()
	assert.Len(t, classes, len(DefaultClasses()))
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := New(logging.Default())
	c := &Class{ID: "foo", Name: "Foo"}
	require.NoError(t, r.Register(c))

	err := r.Register(c)
	require.Error(t, err)
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	r := New(logging.Default())
	err := r.Register(&Class{Name: "no id"})
	require.Error(t, err)
}

func TestGetReturnsNotFound(t *testing.T) {
	r := New(logging.Default())
	_, err := r.Get("missing")
	require.Error(t, err)
}

func TestUnregisterRemovesClass(t *testing.T) {
	r := New(logging.Default())
	require.NoError(t, r.Register(&Class{ID: "foo", Name: "Foo"}))
	require.NoError(t, r.Unregister("foo"))

	_, err := r.Get("foo")
	require.Error(t, err)
}
