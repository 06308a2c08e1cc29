package locale

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedCatalogs(t *testing.T) {
	c, err := Load("en")
	require.NoError(t, err)
	assert.Equal(t, []string{"en", "ru"}, c.Languages())

	assert.Equal(t, "Task", c.Text("en", "entity.task", nil))
	assert.Equal(t, "Задача", c.Text("ru", "entity.task", nil))
	assert.Equal(t, "yes", c.Text("en", "value.true", nil))
}

func TestFallbacks(t *testing.T) {
	c, err := Load("en")
	require.NoError(t, err)

	// ru has no subject.* keys of its own.
	got := c.Text("ru", "subject.nolink", map[string]any{"Title": "X"})
	assert.Equal(t, "<b>X</b>", got)

	assert.Equal(t, "Status", c.Text("de", "field.names.status", nil))
	assert.Equal(t, "no.such.key", c.Text("en", "no.such.key", nil))
	assert.False(t, c.Has("en", "no.such.key"))
}

func TestLoadFSValidates(t *testing.T) {
	fsys := fstest.MapFS{
		"l/en.yaml": {Data: []byte("greet: \"hi {{.Name}}\"\nnested:\n  deep: ok\n")},
		"l/xx.txt":  {Data: []byte("ignored")},
	}
	c, err := LoadFS(fsys, "l", "en")
	require.NoError(t, err)
	assert.Equal(t, "hi Ann", c.Text("en", "greet", map[string]string{"Name": "Ann"}))
	assert.Equal(t, "ok", c.Text("en", "nested.deep", nil))

	_, err = LoadFS(fsys, "l", "fr")
	require.Error(t, err)

	bad := fstest.MapFS{"l/en.yaml": {Data: []byte("broken: \"{{.Name\"\n")}}
	_, err = LoadFS(bad, "l", "en")
	require.Error(t, err)
}
