package respath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseBasic(t *testing.T) {
	md := Parse("bar.txt")
	assert.Equal(t, "bar", md.Name)
	assert.Equal(t, "txt", md.Type)
	assert.Equal(t, []string{""}, md.Properties)
}

func TestParseWithProperties(t *testing.T) {
	md := Parse("bar.ios.hd.txt")
	assert.Equal(t, "bar", md.Name)
	assert.Equal(t, "txt", md.Type)
	assert.Equal(t, []string{"ios", "hd"}, md.Properties)
}

func TestParseNoExtension(t *testing.T) {
	md := Parse("bar")
	assert.Equal(t, "bar", md.Name)
	assert.Equal(t, "", md.Type)
	assert.Nil(t, md.Properties)
}

func TestParseWithDirectory(t *testing.T) {
	md := Parse("/some/nested/dir/bar.ios.txt")
	assert.Equal(t, "bar", md.Name)
	assert.Equal(t, "txt", md.Type)
	assert.Equal(t, []string{"ios"}, md.Properties)
}

func TestParseUTF8(t *testing.T) {
	md := Parse("résumé.fr.txt")
	assert.Equal(t, "résumé", md.Name)
	assert.Equal(t, "txt", md.Type)
	assert.Equal(t, []string{"fr"}, md.Properties)
}

func TestPlatform(t *testing.T) {
	md := Parse("bar.ios.hd.txt")
	plat, ok := md.Platform([]string{"android", "ios"})
	assert.True(t, ok)
	assert.Equal(t, "ios", plat)

	md2 := Parse("bar.txt")
	_, ok2 := md2.Platform([]string{"android", "ios"})
	assert.False(t, ok2)
}
