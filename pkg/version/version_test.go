package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullHasAppPrefix(t *testing.T) {
	assert.True(t, strings.HasPrefix(Full(), AppName+"/"))
}

func TestShortTruncatesLongRevisions(t *testing.T) {
	assert.Equal(t, "abcdef12", short("abcdef1234567890"))
	assert.Equal(t, "abc", short("abc"))
}
