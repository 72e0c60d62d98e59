package objstore_test

import (
	"testing"

	"deedles.dev/kms/internal/objstore"
	"github.com/stretchr/testify/assert"
)

func TestStore(t *testing.T) {
	s := objstore.New[string]()
	s.Add(45, "DP-2")
	s.Add(31, "HDMI-A-1")
	s.Add(50, "eDP-1")

	v, ok := s.Get(31)
	assert.True(t, ok)
	assert.Equal(t, "HDMI-A-1", v)

	_, ok = s.Get(99)
	assert.False(t, ok)

	s.Delete(45)
	s.Delete(99)
	assert.Equal(t, 2, s.Len())

	var ids []uint32
	for id := range s.All() {
		ids = append(ids, id)
	}
	assert.Equal(t, []uint32{31, 50}, ids)
}
